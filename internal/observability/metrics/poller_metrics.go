package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	PollOutcomeCode   = "code"
	PollOutcomeNoCode = "no_code"
	PollOutcomeError  = "error"
)

// PollerMetrics captures verification lifecycle and polling health signals.
type PollerMetrics struct {
	verificationsCreated *prometheus.CounterVec
	pollAttempts         *prometheus.CounterVec
	pollDuration         *prometheus.HistogramVec
	providerErrors       *prometheus.CounterVec
	terminalTransitions  *prometheus.CounterVec
	refunds              *prometheus.CounterVec
	activePollers        prometheus.Gauge
	supervisorRestarts   prometheus.Counter
}

var (
	pollerMetricsOnce sync.Once
	pollerMetrics     *PollerMetrics
)

// Poller returns the singleton poller metrics registry.
func Poller() *PollerMetrics {
	return PollerWithConfig(Config{})
}

// PollerWithConfig returns the singleton poller metrics registry using config labels.
func PollerWithConfig(cfg Config) *PollerMetrics {
	pollerMetricsOnce.Do(func() {
		pollerMetrics = newPollerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pollerMetrics
}

// ResetPollerMetricsForTest resets the poller metrics singleton for tests.
func ResetPollerMetricsForTest() {
	pollerMetricsOnce = sync.Once{}
	pollerMetrics = nil
}

func newPollerMetrics(registerer prometheus.Registerer, cfg Config) *PollerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "veriline"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	verificationsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "veriline_verifications_created_total",
		Help:        "Verifications created by target service.",
		ConstLabels: constLabels,
	}, []string{"target"})
	pollAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "veriline_poll_attempts_total",
		Help:        "Provider poll attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	pollDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "veriline_poll_duration_seconds",
		Help:        "Provider poll call latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	providerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "veriline_provider_errors_total",
		Help:        "Classified provider failures.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	terminalTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "veriline_terminal_transitions_total",
		Help:        "Verification terminal transitions by status.",
		ConstLabels: constLabels,
	}, []string{"status"})
	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "veriline_refunds_total",
		Help:        "Compensating refunds by funding resource.",
		ConstLabels: constLabels,
	}, []string{"resource"})
	activePollers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "veriline_active_pollers",
		Help:        "Poll tasks currently running.",
		ConstLabels: constLabels,
	})
	supervisorRestarts := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "veriline_poller_restarts_total",
		Help:        "Polling service restarts after an unhandled fault.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		verificationsCreated,
		pollAttempts,
		pollDuration,
		providerErrors,
		terminalTransitions,
		refunds,
		activePollers,
		supervisorRestarts,
	)

	return &PollerMetrics{
		verificationsCreated: verificationsCreated,
		pollAttempts:         pollAttempts,
		pollDuration:         pollDuration,
		providerErrors:       providerErrors,
		terminalTransitions:  terminalTransitions,
		refunds:              refunds,
		activePollers:        activePollers,
		supervisorRestarts:   supervisorRestarts,
	}
}

func (m *PollerMetrics) IncVerificationCreated(target string) {
	m.verificationsCreated.WithLabelValues(target).Inc()
}

func (m *PollerMetrics) ObservePoll(outcome string, d time.Duration) {
	m.pollAttempts.WithLabelValues(outcome).Inc()
	m.pollDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *PollerMetrics) IncProviderError(kind string) {
	m.providerErrors.WithLabelValues(kind).Inc()
}

func (m *PollerMetrics) IncTerminalTransition(status string) {
	m.terminalTransitions.WithLabelValues(status).Inc()
}

func (m *PollerMetrics) IncRefund(monetary bool) {
	resource := "bonus_units"
	if monetary {
		resource = "credits"
	}
	m.refunds.WithLabelValues(resource).Inc()
}

func (m *PollerMetrics) SetActivePollers(n int) {
	m.activePollers.Set(float64(n))
}

func (m *PollerMetrics) IncSupervisorRestart() {
	m.supervisorRestarts.Inc()
}
