// Package failover maintains the provider pool. It runs background health
// checks, ranks providers by the configured strategy, and executes calls with
// per-provider retries, circuit breaking, and cross-provider failover.
package failover
