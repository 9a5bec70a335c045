// Package state keeps the per-episode document: a persistent partition that
// must survive restarts and a transient partition that may be dropped at any
// time. Checkpoints are checksum-verified JSON files; older document versions
// are migrated on load.
package state
