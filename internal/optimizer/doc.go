// Package optimizer predicts operation costs and recommends (provider, model)
// pairs under a quality floor and budget. Predictions are advisory: budget
// enforcement always happens in the ledger at call time.
package optimizer
