// Package config loads, normalizes, and validates downloader configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// CLI and pipeline need, so library/state directories, account credentials,
// and converter binaries are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical quality tiers, and clear validation errors.
package config
