package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.LibraryDir = filepath.Join(base, "library")
	cfgVal.Paths.DownloadsDir = filepath.Join(base, "downloads")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Account.AuthFile = filepath.Join(base, "auth.json")
	cfgVal.Downloads.RetryBackoffSeconds = 1
	cfgVal.Downloads.RetryBackoffCapSecs = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithQuality sets the preferred quality tier on the test config.
func WithQuality(quality string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Downloads.Quality = quality
	}
}

// WithNamingPattern sets a destination naming template on the test config.
func WithNamingPattern(pattern string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Naming.Pattern = pattern
	}
}

// WithFlatStructure switches the test config to the flat title-only layout.
func WithFlatStructure() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Naming.UseNestedStructure = false
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, ffmpeg and ffprobe are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe"}
		}
		for _, name := range names {
			writeStub(b, name, "#!/bin/sh\nexit 0\n")
		}
	}
}

// WithStubbedBinary writes a custom stub script for one binary and prepends
// its directory to PATH.
func WithStubbedBinary(name, script string) ConfigOption {
	return func(b *configBuilder) {
		writeStub(b, name, script)
	}
}

func writeStub(b *configBuilder, name, script string) {
	binDir := filepath.Join(b.baseDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		b.t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		b.t.Fatalf("write stub %s: %v", name, err)
	}

	oldPath := os.Getenv("PATH")
	if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
		b.t.Fatalf("set PATH: %v", err)
	}
	b.t.Cleanup(func() {
		_ = os.Setenv("PATH", oldPath)
	})
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
