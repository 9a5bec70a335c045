// Package pipeline drives the per-episode production graph: planning waves
// from stage dependencies, enforcing budget before each stage, applying the
// evaluator quality gate, and checkpointing state around every transition.
//
// The orchestrator owns one episode at a time and is idempotent: completed
// stages are never re-run and cost entries are written only after a stage
// succeeds, so a crash-and-resume never double-bills. The daemon wraps the
// orchestrator in a polling loop over the episode store.
package pipeline
