// Package breaker provides per-provider fault isolation: a circuit breaker
// state machine (closed, open, half-open), a rolling-window rate limiter with
// an hourly cost ceiling, and a backoff waiter that retries admission.
package breaker
