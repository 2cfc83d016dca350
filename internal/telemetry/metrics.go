package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by recorded events.
type Metrics struct {
	// Counters
	attempts    *prometheus.CounterVec
	tasks       *prometheus.CounterVec
	escalations *prometheus.CounterVec

	// Gauges
	inFlight *prometheus.GaugeVec

	// Histograms
	attemptLatency *prometheus.HistogramVec
	taskCost       *prometheus.HistogramVec
	taskAttempts   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// falls back to the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_attempts_total",
				Help: "Total number of attempts by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_tasks_total",
				Help: "Total number of finished tasks",
			},
			[]string{"category", "status"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_escalations_total",
				Help: "Total number of tier escalations",
			},
			[]string{"from", "to", "reason"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tally_tier_in_flight",
				Help: "Attempts currently executing per tier",
			},
			[]string{"tier"},
		),
		attemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_attempt_latency_seconds",
				Help:    "Executor latency per attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),
		taskCost: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_task_cost_usd",
				Help:    "Total cost per finished task",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"category"},
		),
		taskAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_task_attempts",
				Help:    "Attempts consumed per finished task",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"category"},
		),
	}

	reg.MustRegister(
		m.attempts,
		m.tasks,
		m.escalations,
		m.inFlight,
		m.attemptLatency,
		m.taskCost,
		m.taskAttempts,
	)
	return m
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(event Event) {
	if m == nil {
		return
	}
	switch event.Kind {
	case KindAttempt:
		m.attempts.WithLabelValues(event.Tier, attemptOutcome(event)).Inc()
		m.attemptLatency.WithLabelValues(event.Tier).Observe(float64(event.LatencyMs) / 1000)
	case KindEscalation:
		m.escalations.WithLabelValues(event.Tier, event.ToTier, event.Reason).Inc()
	case KindDecision:
		category := normalizeCategory(event.Category)
		m.tasks.WithLabelValues(category, string(event.Status)).Inc()
		m.taskCost.WithLabelValues(category).Observe(event.CostUSD)
		m.taskAttempts.WithLabelValues(category).Observe(float64(event.AttemptsUsed))
	}
}

// SetInFlight publishes a tier's in-flight gauge.
func (m *Metrics) SetInFlight(tier string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(tier).Set(float64(n))
}

func attemptOutcome(event Event) string {
	switch {
	case event.InfraError != "":
		return "infra_error"
	case event.Admissible:
		return "admissible"
	default:
		return "red_flagged"
	}
}
