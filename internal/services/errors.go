package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBudgetExceeded marks operations the ledger refused because they would
	// cross the episode budget. Recoverable via downgrade or halting.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrTransient marks provider failures worth retrying: 5xx, timeouts,
	// connection resets.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks provider failures that will not improve on retry:
	// 4xx, bad auth, invalid payloads.
	ErrPermanent = errors.New("permanent failure")
	// ErrRateLimited marks HTTP 429 responses and local admission denials.
	ErrRateLimited = errors.New("rate limited")
	// ErrCircuitOpen marks calls short-circuited by an open breaker. No
	// provider call was attempted.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrStateValidation marks episode state that violates an invariant.
	ErrStateValidation = errors.New("state validation error")
	// ErrStateMigration marks unmigratable or integrity-failed state.
	ErrStateMigration = errors.New("state migration error")
	// ErrQualityGate marks evaluator scores below configured thresholds.
	ErrQualityGate = errors.New("quality gate failure")
)

// Kind names an error class for logging and metrics.
type Kind string

const (
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindTransient       Kind = "transient"
	KindPermanent       Kind = "permanent"
	KindRateLimited     Kind = "rate_limited"
	KindCircuitOpen     Kind = "circuit_open"
	KindStateValidation Kind = "state_validation"
	KindStateMigration  Kind = "state_migration"
	KindQualityGate     Kind = "quality_gate"
	KindUnknown         Kind = "unknown"
)

// Wrap builds an error that includes stage context while tagging it with the
// provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error onto its taxonomy kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrStateValidation):
		return KindStateValidation
	case errors.Is(err, ErrStateMigration):
		return KindStateMigration
	case errors.Is(err, ErrQualityGate):
		return KindQualityGate
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// Retryable reports whether the orchestrator may retry the same stage after
// this error. Circuit-open errors are retryable at orchestrator level because
// a later attempt may route to a different provider.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindRateLimited, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error must abort the episode without retry.
func Fatal(err error) bool {
	switch Classify(err) {
	case KindStateValidation, KindStateMigration:
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
