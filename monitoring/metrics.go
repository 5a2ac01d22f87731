// Package monitoring exposes the orchestration layer's operational metrics
// through a dedicated Prometheus registry.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/breaker"
)

// Config tunes the metric names.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

// DefaultConfig returns the metrics defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Namespace: "modelmux"}
}

// Metrics owns the registry and every instrument the orchestrator records
// into. All methods are safe on a nil receiver so callers need no enabled
// checks.
type Metrics struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	cacheEventsTotal *prometheus.CounterVec
	cacheSavings     prometheus.Counter
	budgetRejections *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	repairsTotal     *prometheus.CounterVec
	fallbackDepth    prometheus.Histogram
	routingDecisions *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry. Returns nil when
// disabled; the nil value records nothing.
func NewMetrics(config Config, logger *zap.SugaredLogger) *Metrics {
	if !config.Enabled {
		return nil
	}
	if config.Namespace == "" {
		config.Namespace = "modelmux"
	}

	namespace := config.Namespace
	subsystem := config.Subsystem

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Completed requests by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider", "model"},
	)

	m.tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider and model",
		},
		[]string{"provider", "model"},
	)

	m.costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cost_usd_total",
			Help:      "Spend in USD by provider and model",
		},
		[]string{"provider", "model"},
	)

	m.cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_events_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	m.cacheSavings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_savings_usd_total",
			Help:      "Estimated USD saved by cache hits",
		},
	)

	m.budgetRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "budget_rejections_total",
			Help:      "Requests rejected by the budget gate, by scope",
		},
		[]string{"scope"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "breaker_state",
			Help:      "Circuit state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	m.repairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "repairs_total",
			Help:      "Validation repair outcomes",
		},
		[]string{"result"},
	)

	m.fallbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fallback_attempts",
			Help:      "Provider attempts needed per successful request",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	m.routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by strategy and reason",
		},
		[]string{"strategy", "reason"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.costTotal,
		m.cacheEventsTotal,
		m.cacheSavings,
		m.budgetRejections,
		m.breakerState,
		m.repairsTotal,
		m.fallbackDepth,
		m.routingDecisions,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one completed request with its duration, tokens, and
// spend.
func (m *Metrics) RecordRequest(providerName string, model string, duration time.Duration, tokens int32, costUSD float64, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.requestsTotal.WithLabelValues(providerName, model, outcome).Inc()
	m.requestDuration.WithLabelValues(providerName, model).Observe(duration.Seconds())
	if tokens > 0 {
		m.tokensTotal.WithLabelValues(providerName, model).Add(float64(tokens))
	}
	if costUSD > 0 {
		m.costTotal.WithLabelValues(providerName, model).Add(costUSD)
	}
}

// RecordCacheHit counts a hit and its avoided spend.
func (m *Metrics) RecordCacheHit(savedUSD float64) {
	if m == nil {
		return
	}
	m.cacheEventsTotal.WithLabelValues("hit").Inc()
	if savedUSD > 0 {
		m.cacheSavings.Add(savedUSD)
	}
}

// RecordCacheMiss counts a miss.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheEventsTotal.WithLabelValues("miss").Inc()
}

// RecordBudgetRejection counts a budget gate rejection by scope.
func (m *Metrics) RecordBudgetRejection(scope string) {
	if m == nil {
		return
	}
	m.budgetRejections.WithLabelValues(scope).Inc()
}

// SetBreakerState publishes a provider's circuit state.
func (m *Metrics) SetBreakerState(providerName string, state breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(providerName).Set(float64(state))
}

// RecordRepair counts a repair loop outcome: "clean", "repaired", or "failed".
func (m *Metrics) RecordRepair(result string) {
	if m == nil {
		return
	}
	m.repairsTotal.WithLabelValues(result).Inc()
}

// RecordFallbackDepth records how many provider attempts a request took.
func (m *Metrics) RecordFallbackDepth(attempts int) {
	if m == nil {
		return
	}
	m.fallbackDepth.Observe(float64(attempts))
}

// RecordRoutingDecision counts one routing pick.
func (m *Metrics) RecordRoutingDecision(strategy string, reason string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(strategy, reason).Inc()
}
