package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Query outcomes recorded by Metrics.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"
	OutcomeCanceled    = "canceled"
)

// Metrics records processor activity. A nil *Metrics records nothing.
type Metrics struct {
	queries    *prometheus.CounterVec
	candidates prometheus.Counter
	timeouts   prometheus.Counter
	duration   prometheus.Histogram
}

// NewMetrics creates the processor collectors and registers them on reg when
// it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "changequery_queries_total",
			Help: "Queries evaluated, by outcome",
		}, []string{"outcome"}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "changequery_candidates_matched_total",
			Help: "Index candidates confirmed with a live match",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "changequery_match_timeouts_total",
			Help: "Candidates dropped because their match timed out",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "changequery_evaluate_duration_seconds",
			Help:    "Latency of query evaluation",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queries, m.candidates, m.timeouts, m.duration)
	}
	return m
}

func (m *Metrics) observe(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
	m.duration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) addCandidates(n int) {
	if m == nil {
		return
	}
	m.candidates.Add(float64(n))
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}
