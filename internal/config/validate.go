package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAccount(); err != nil {
		return err
	}
	if err := c.validateDownloads(); err != nil {
		return err
	}
	if err := c.validateConversion(); err != nil {
		return err
	}
	return c.validateNaming()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.LibraryDir) == "" {
		return errors.New("paths.library_dir must be set")
	}
	if strings.TrimSpace(c.Paths.DownloadsDir) == "" {
		return errors.New("paths.downloads_dir must be set")
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	if c.Paths.DownloadsDir == c.Paths.LibraryDir {
		return errors.New("paths.downloads_dir must differ from paths.library_dir")
	}
	return nil
}

func (c *Config) validateAccount() error {
	if strings.TrimSpace(c.Account.AuthFile) == "" {
		return errors.New("account.auth_file must be set")
	}
	switch c.Account.Region {
	case "us", "uk", "de", "fr", "ca", "au", "in", "it", "es", "jp", "br":
	default:
		return fmt.Errorf("account.region %q is not a recognized marketplace", c.Account.Region)
	}
	return nil
}

func (c *Config) validateDownloads() error {
	if err := ensurePositiveMap(map[string]int{
		"downloads.max_concurrent":        c.Downloads.MaxConcurrent,
		"downloads.chunk_size_kib":        c.Downloads.ChunkSizeKiB,
		"downloads.idle_timeout_seconds":  c.Downloads.IdleTimeoutSeconds,
		"downloads.retry_backoff_seconds": c.Downloads.RetryBackoffSeconds,
	}); err != nil {
		return err
	}
	if c.Downloads.MaxRetries < 1 {
		return errors.New("downloads.max_retries must be >= 1")
	}
	if c.Downloads.RetryBackoffCapSecs < c.Downloads.RetryBackoffSeconds {
		return errors.New("downloads.retry_backoff_cap_seconds must be >= downloads.retry_backoff_seconds")
	}
	return nil
}

func (c *Config) validateConversion() error {
	if strings.TrimSpace(c.Conversion.FFmpegBinary) == "" {
		return errors.New("conversion.ffmpeg_binary must be set")
	}
	if strings.TrimSpace(c.Conversion.FFprobeBinary) == "" {
		return errors.New("conversion.ffprobe_binary must be set")
	}
	if c.Conversion.TimeoutSeconds <= 0 {
		return errors.New("conversion.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateNaming() error {
	if c.Naming.Pattern == "" {
		return nil
	}
	depth := 0
	for _, r := range c.Naming.Pattern {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return errors.New("naming.pattern has unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return errors.New("naming.pattern has unbalanced brackets")
	}
	if !strings.Contains(c.Naming.Pattern, "{Title}") {
		return errors.New("naming.pattern must include {Title}")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
