package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeAccount(); err != nil {
		return err
	}
	c.normalizeDownloads()
	c.normalizeConversion()
	c.normalizeNaming()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.DownloadsDir, err = expandPath(c.Paths.DownloadsDir); err != nil {
		return fmt.Errorf("paths.downloads_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAccount() error {
	var err error
	c.Account.Name = strings.TrimSpace(c.Account.Name)
	c.Account.Region = strings.ToLower(strings.TrimSpace(c.Account.Region))
	if c.Account.Region == "" {
		c.Account.Region = defaultRegion
	}
	if strings.TrimSpace(c.Account.AuthFile) == "" {
		c.Account.AuthFile = defaultAuthFile
	}
	if c.Account.AuthFile, err = expandPath(c.Account.AuthFile); err != nil {
		return fmt.Errorf("account.auth_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeDownloads() {
	if c.Downloads.MaxConcurrent <= 0 {
		c.Downloads.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Downloads.MaxRetries < 1 {
		c.Downloads.MaxRetries = defaultMaxRetries
	}
	c.Downloads.Quality = NormalizeQuality(c.Downloads.Quality)
	if c.Downloads.ChunkSizeKiB <= 0 {
		c.Downloads.ChunkSizeKiB = defaultChunkSizeKiB
	}
	if c.Downloads.IdleTimeoutSeconds <= 0 {
		c.Downloads.IdleTimeoutSeconds = defaultIdleTimeoutSecs
	}
	if c.Downloads.RetryBackoffSeconds <= 0 {
		c.Downloads.RetryBackoffSeconds = defaultBackoffSeconds
	}
	if c.Downloads.RetryBackoffCapSecs <= 0 {
		c.Downloads.RetryBackoffCapSecs = defaultBackoffCapSecs
	}
}

func (c *Config) normalizeConversion() {
	c.Conversion.FFmpegBinary = strings.TrimSpace(c.Conversion.FFmpegBinary)
	if c.Conversion.FFmpegBinary == "" {
		c.Conversion.FFmpegBinary = defaultFFmpegBinary
	}
	c.Conversion.FFprobeBinary = strings.TrimSpace(c.Conversion.FFprobeBinary)
	if c.Conversion.FFprobeBinary == "" {
		c.Conversion.FFprobeBinary = defaultFFprobeBinary
	}
	if c.Conversion.TimeoutSeconds <= 0 {
		c.Conversion.TimeoutSeconds = defaultConvertTimeout
	}
}

func (c *Config) normalizeNaming() {
	c.Naming.Pattern = strings.TrimSpace(c.Naming.Pattern)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// NormalizeQuality maps provider quality aliases onto the two canonical tiers.
// Unknown values fall back to the default tier.
func NormalizeQuality(quality string) string {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "extreme", "high":
		return "High"
	case "normal", "standard":
		return "Normal"
	default:
		return defaultQuality
	}
}
