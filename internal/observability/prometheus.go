package observability

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports core events as Prometheus metrics.
type PrometheusSink struct {
	traceDuration *prometheus.HistogramVec
	traceErrors   *prometheus.CounterVec
	stageCost     *prometheus.CounterVec
	metricGauges  *prometheus.GaugeVec
	qualityScores *prometheus.GaugeVec
}

// NewPrometheusSink registers the showrunner metric families on the given
// registerer and returns the sink. Pass prometheus.DefaultRegisterer for the
// process-wide registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	sink := &PrometheusSink{
		traceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "showrunner_operation_duration_seconds",
			Help:    "Duration of traced core operations",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
		traceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showrunner_operation_errors_total",
			Help: "Traced operations that ended in error",
		}, []string{"operation"}),
		stageCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "showrunner_stage_cost_usd_total",
			Help: "Accumulated stage cost in USD",
		}, []string{"stage"}),
		metricGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "showrunner_metric",
			Help: "Free-form core metrics keyed by name",
		}, []string{"name", "provider"}),
		qualityScores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "showrunner_quality_score",
			Help: "Latest evaluator scores per dimension",
		}, []string{"dimension"}),
	}
	for _, collector := range []prometheus.Collector{
		sink.traceDuration, sink.traceErrors, sink.stageCost, sink.metricGauges, sink.qualityScores,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return sink, nil
}

func (s *PrometheusSink) Trace(name string, _ map[string]string) Span {
	return &timedSpan{
		id:    uuid.NewString(),
		name:  name,
		start: time.Now(),
		onEnd: func(op string, elapsed time.Duration, err error) {
			s.traceDuration.WithLabelValues(op).Observe(elapsed.Seconds())
			if err != nil {
				s.traceErrors.WithLabelValues(op).Inc()
			}
		},
	}
}

func (s *PrometheusSink) LogCost(stage string, amount float64, _ map[string]string) {
	if amount < 0 {
		return
	}
	s.stageCost.WithLabelValues(stage).Add(amount)
}

func (s *PrometheusSink) LogMetric(name string, value float64, tags map[string]string) {
	s.metricGauges.WithLabelValues(name, tags["provider"]).Set(value)
}

func (s *PrometheusSink) Score(_ string, name string, value float64) {
	s.qualityScores.WithLabelValues(name).Set(value)
}
