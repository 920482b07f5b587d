package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
)

func TestLoadDefaultsAndExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantDownloads := filepath.Join(tempHome, ".local", "share", "awd", "downloads")
	if cfg.Paths.DownloadsDir != wantDownloads {
		t.Fatalf("unexpected downloads dir: got %q want %q", cfg.Paths.DownloadsDir, wantDownloads)
	}
	if cfg.Paths.LibraryDir != filepath.Join(tempHome, "audiobooks") {
		t.Fatalf("unexpected library dir: %q", cfg.Paths.LibraryDir)
	}
	if cfg.Account.Region != "us" {
		t.Fatalf("unexpected default region: %q", cfg.Account.Region)
	}
	if cfg.Downloads.MaxConcurrent != 3 {
		t.Fatalf("unexpected default concurrency: %d", cfg.Downloads.MaxConcurrent)
	}
	if cfg.Downloads.Quality != "High" {
		t.Fatalf("unexpected default quality: %q", cfg.Downloads.Quality)
	}
	if !cfg.Naming.UseNestedStructure {
		t.Fatal("expected nested structure by default")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.DownloadsDir, cfg.Paths.StateDir, cfg.Paths.LogDir, cfg.Paths.LibraryDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}

	if cfg.QueueFilePath() != filepath.Join(cfg.Paths.StateDir, "download_queue.json") {
		t.Fatalf("unexpected queue path: %q", cfg.QueueFilePath())
	}
	if cfg.LibraryDBPath() != filepath.Join(cfg.Paths.StateDir, "library.db") {
		t.Fatalf("unexpected library db path: %q", cfg.LibraryDBPath())
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "awd.toml")

	type payload struct {
		Account struct {
			Region string `toml:"region"`
		} `toml:"account"`
		Downloads struct {
			MaxConcurrent int    `toml:"max_concurrent"`
			Quality       string `toml:"quality"`
		} `toml:"downloads"`
		Naming struct {
			Pattern string `toml:"pattern"`
		} `toml:"naming"`
	}
	custom := payload{}
	custom.Account.Region = "DE"
	custom.Downloads.MaxConcurrent = 5
	custom.Downloads.Quality = "extreme"
	custom.Naming.Pattern = "{Author}/[{Series}/]{Title}"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Account.Region != "de" {
		t.Fatalf("expected region normalized to de, got %q", cfg.Account.Region)
	}
	if cfg.Downloads.MaxConcurrent != 5 {
		t.Fatalf("expected concurrency 5, got %d", cfg.Downloads.MaxConcurrent)
	}
	if cfg.Downloads.Quality != "High" {
		t.Fatalf("expected quality alias mapped to High, got %q", cfg.Downloads.Quality)
	}
	if cfg.Naming.Pattern != "{Author}/[{Series}/]{Title}" {
		t.Fatalf("unexpected pattern: %q", cfg.Naming.Pattern)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "library_dir") {
		t.Fatalf("sample config missing library_dir: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if !strings.Contains(cfg.Paths.DownloadsDir, "awd") {
		t.Fatalf("expected downloads dir to contain awd, got %q", cfg.Paths.DownloadsDir)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cfg := config.Default()
	cfg.Account.Region = "zz"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown region")
	}

	cfg = config.Default()
	cfg.Conversion.TimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive conversion timeout")
	}

	cfg = config.Default()
	cfg.Downloads.RetryBackoffCapSecs = 1
	cfg.Downloads.RetryBackoffSeconds = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when backoff cap below base")
	}

	cfg = config.Default()
	cfg.Naming.Pattern = "{Author}/[{Series}/{Title}"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unbalanced brackets")
	}

	cfg = config.Default()
	cfg.Naming.Pattern = "{Author}/{ASIN}"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pattern without {Title}")
	}
}

func TestNormalizeQuality(t *testing.T) {
	cases := map[string]string{
		"extreme":  "High",
		"High":     "High",
		"normal":   "Normal",
		"Standard": "Normal",
		"":         "High",
		"bogus":    "High",
	}
	for input, want := range cases {
		if got := config.NormalizeQuality(input); got != want {
			t.Errorf("NormalizeQuality(%q) = %q, want %q", input, got, want)
		}
	}
}
