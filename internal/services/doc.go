// Package services defines the error taxonomy shared by every component that
// talks to an external provider or mutates episode state. Components tag
// failures with one of the sentinel markers so the orchestrator can decide
// between retry, failover, downgrade, and abort without inspecting provider
// specific error types.
package services
