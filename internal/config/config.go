package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	LibraryDir   string `toml:"library_dir"`
	DownloadsDir string `toml:"downloads_dir"`
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
}

// Account identifies the provider account whose credentials sign license
// and catalog requests.
type Account struct {
	Name     string `toml:"name"`
	Region   string `toml:"region"`
	AuthFile string `toml:"auth_file"`
}

// Downloads contains acquisition concurrency and retry tuning.
type Downloads struct {
	MaxConcurrent       int    `toml:"max_concurrent"`
	MaxRetries          int    `toml:"max_retries"`
	Quality             string `toml:"quality"`
	ChunkSizeKiB        int    `toml:"chunk_size_kib"`
	IdleTimeoutSeconds  int    `toml:"idle_timeout_seconds"`
	RetryBackoffSeconds int    `toml:"retry_backoff_seconds"`
	RetryBackoffCapSecs int    `toml:"retry_backoff_cap_seconds"`
}

// Conversion contains settings for the external converter subprocess.
type Conversion struct {
	FFmpegBinary   string `toml:"ffmpeg_binary"`
	FFprobeBinary  string `toml:"ffprobe_binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	CleanupWorkDir bool   `toml:"cleanup_work_dir"`
}

// Naming controls destination path construction.
type Naming struct {
	// Pattern is a template over metadata placeholders ({Author}, {Series},
	// {Volume}, {Year}, {Title}, {Narrator}, {Publisher}, {Language}, {ASIN}).
	// Segments wrapped in [ ... ] are dropped when a placeholder inside is
	// empty. When Pattern is empty the structure flag selects a built-in
	// layout.
	Pattern            string `toml:"pattern"`
	UseNestedStructure bool   `toml:"use_nested_structure"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the downloader.
//
// Configuration sections by subsystem:
//   - Paths: library, working downloads, state, and log directories
//   - Account: provider account name, region, and auth file location
//   - Downloads: concurrency, retry, and streaming tuning
//   - Conversion: ffmpeg/ffprobe binaries and subprocess timeout
//   - Naming: destination naming pattern and layout selection
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Account    Account    `toml:"account"`
	Downloads  Downloads  `toml:"downloads"`
	Conversion Conversion `toml:"conversion"`
	Naming     Naming     `toml:"naming"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/awd/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("awd.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for pipeline operation.
// LibraryDir is created on a best-effort basis so the tool can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DownloadsDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// QueueFilePath returns the location of the persisted download queue.
func (c *Config) QueueFilePath() string {
	return filepath.Join(c.Paths.StateDir, "download_queue.json")
}

// LibraryDBPath returns the location of the library entries database.
func (c *Config) LibraryDBPath() string {
	return filepath.Join(c.Paths.StateDir, "library.db")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
