package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/library"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/orchestrator"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
	"github.com/aronjanosch/audible-web-downloader/internal/services/audible"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logOnce sync.Once
	logger  *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() *slog.Logger {
	c.logOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.logger = logging.NewNop()
			return
		}
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			c.logger = logging.NewNop()
			return
		}
		c.logger = logger
	})
	return c.logger
}

func (c *commandContext) withStore(fn func(*config.Config, *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg, c.ensureLogger())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func (c *commandContext) withLibrary(fn func(*config.Config, *library.Manager) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	manager, err := library.Open(cfg, c.ensureLogger())
	if err != nil {
		return err
	}
	defer manager.Close()
	return fn(cfg, manager)
}

// withPipeline wires the full download pipeline: queue store, library index,
// provider client, and orchestrator.
func (c *commandContext) withPipeline(fn func(*config.Config, *queue.Store, *orchestrator.Orchestrator) error) error {
	return c.withStore(func(cfg *config.Config, store *queue.Store) error {
		manager, err := library.Open(cfg, c.ensureLogger())
		if err != nil {
			return err
		}
		defer manager.Close()

		client, err := audible.NewClient(cfg, c.ensureLogger())
		if err != nil {
			return err
		}
		orch, err := orchestrator.New(orchestrator.Deps{
			Config:  cfg,
			Store:   store,
			Library: manager,
			Client:  client,
			Logger:  c.ensureLogger(),
		})
		if err != nil {
			return err
		}
		return fn(cfg, store, orch)
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
