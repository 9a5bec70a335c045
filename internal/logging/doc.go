// Package logging configures slog output for showrunner and provides the
// shared attribute helpers and field keys used across the pipeline.
package logging
