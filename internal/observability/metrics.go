package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	GenerationLatency *prometheus.HistogramVec
	MessagesProduced  *prometheus.CounterVec

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live auto-conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		GenerationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Persona utterance generation latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 13000, 20000},
		}, []string{"persona"}),
		MessagesProduced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Auto-conversation messages by persona and type.",
		}, []string{"persona", "type"}),
		stages: newTurnStageWindow(256),
	}
}

// ObserveGeneration records one generator call in the histogram and the
// rolling stage window.
func (m *Metrics) ObserveGeneration(persona string, d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.WithLabelValues(persona).Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageGeneration, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
