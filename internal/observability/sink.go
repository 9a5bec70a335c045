package observability

import (
	"time"

	"github.com/google/uuid"
)

// Span represents one traced operation. End must be called exactly once.
type Span interface {
	ID() string
	End(err error)
}

// Sink receives observability events from the core. Implementations must be
// safe for concurrent use and must never block the caller on I/O.
type Sink interface {
	Trace(name string, metadata map[string]string) Span
	LogCost(stage string, amount float64, metadata map[string]string)
	LogMetric(name string, value float64, tags map[string]string)
	Score(traceID, name string, value float64)
}

// Noop returns a sink that discards everything.
func Noop() Sink { return noopSink{} }

type noopSink struct{}

type noopSpan struct{ id string }

func (s noopSpan) ID() string { return s.id }

func (noopSpan) End(error) {}

func (noopSink) Trace(string, map[string]string) Span {
	return noopSpan{id: uuid.NewString()}
}

func (noopSink) LogCost(string, float64, map[string]string) {}

func (noopSink) LogMetric(string, float64, map[string]string) {}

func (noopSink) Score(string, string, float64) {}

// timedSpan is shared by sinks that only need duration bookkeeping.
type timedSpan struct {
	id    string
	name  string
	start time.Time
	onEnd func(name string, elapsed time.Duration, err error)
}

func (s *timedSpan) ID() string { return s.id }

func (s *timedSpan) End(err error) {
	if s.onEnd != nil {
		s.onEnd(s.name, time.Since(s.start), err)
		s.onEnd = nil
	}
}
