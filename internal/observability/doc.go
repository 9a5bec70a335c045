// Package observability defines the narrow sink interface the core emits
// traces, costs, metrics, and scores through. The core always runs with a
// no-op sink; the Prometheus implementation is opt-in.
package observability
