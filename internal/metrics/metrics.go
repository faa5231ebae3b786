package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for wacast
type Metrics struct {
	// Campaign lifecycle
	CampaignsStartedTotal  *prometheus.CounterVec
	CampaignsFinishedTotal *prometheus.CounterVec
	CampaignsActive        prometheus.Gauge

	// Message counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec

	// Pacing
	CooldownsTotal     prometheus.Counter
	SafetyPausesTotal  prometheus.Counter
	PhaseAdvanceTotal  *prometheus.CounterVec
	UsageDeniedTotal   *prometheus.CounterVec
	AIFallbacksTotal   *prometheus.CounterVec
	AIRequestsTotal    *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CampaignsStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_campaigns_started_total",
				Help: "Total number of campaigns started",
			},
			[]string{"kind"},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_campaigns_finished_total",
				Help: "Total number of campaigns finished",
			},
			[]string{"kind", "reason"},
		),
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wacast_campaigns_active",
				Help: "Number of campaign tasks currently running",
			},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_messages_sent_total",
				Help: "Total number of messages accepted by the send API",
			},
			[]string{"kind"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_messages_failed_total",
				Help: "Total number of messages that failed to send",
			},
			[]string{"kind"},
		),

		CooldownsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wacast_ratelimit_cooldowns_total",
				Help: "Total number of cooldowns triggered by provider throttling",
			},
		),
		SafetyPausesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wacast_safety_pauses_total",
				Help: "Total number of periodic safety pauses in conversations",
			},
		),
		PhaseAdvanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_warmup_phase_advance_total",
				Help: "Total number of warm-up phase transitions",
			},
			[]string{"phase"},
		),
		UsageDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_usage_limit_denied_total",
				Help: "Total number of sends denied by usage limits",
			},
			[]string{"level"},
		),
		AIFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_ai_fallbacks_total",
				Help: "Total number of generated messages replaced by static text",
			},
			[]string{"reason"},
		),
		AIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_ai_requests_total",
				Help: "Total number of AI provider requests",
			},
			[]string{"provider", "status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wacast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wacast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wacast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wacast_storage_used_bytes",
				Help: "Campaign store file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CampaignsStartedTotal,
		m.CampaignsFinishedTotal,
		m.CampaignsActive,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.CooldownsTotal,
		m.SafetyPausesTotal,
		m.PhaseAdvanceTotal,
		m.UsageDeniedTotal,
		m.AIFallbacksTotal,
		m.AIRequestsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(kind string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(kind).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(kind string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(kind).Inc()
	}
}

// IncCooldowns increments the rate limit cooldown counter
func IncCooldowns() {
	if m := Global(); m != nil {
		m.CooldownsTotal.Inc()
	}
}

// IncSafetyPauses increments the safety pause counter
func IncSafetyPauses() {
	if m := Global(); m != nil {
		m.SafetyPausesTotal.Inc()
	}
}

// IncPhaseAdvance records a warm-up phase transition into phase
func IncPhaseAdvance(phase string) {
	if m := Global(); m != nil {
		m.PhaseAdvanceTotal.WithLabelValues(phase).Inc()
	}
}

// IncUsageDenied increments the usage limit denial counter
func IncUsageDenied(level string) {
	if m := Global(); m != nil {
		m.UsageDeniedTotal.WithLabelValues(level).Inc()
	}
}

// IncAIFallbacks increments the static fallback counter
func IncAIFallbacks(reason string) {
	if m := Global(); m != nil {
		m.AIFallbacksTotal.WithLabelValues(reason).Inc()
	}
}

// IncAIRequests records one provider call
func IncAIRequests(provider, status string) {
	if m := Global(); m != nil {
		m.AIRequestsTotal.WithLabelValues(provider, status).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
