// Package episode persists episodes and their stage records in SQLite. The
// store backs the daemon's poll loop, CLI views, and crash recovery; rich
// per-episode state (outputs, scores, cost breakdown) lives in the state
// package's checkpoint documents.
package episode
