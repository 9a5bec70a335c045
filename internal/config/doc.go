// Package config loads, validates, and normalizes the showrunner TOML
// configuration, including environment variable overrides for cost and
// quality limits.
package config
