package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveTurns    prometheus.Gauge
	TurnsTotal     *prometheus.CounterVec
	StepResults    *prometheus.CounterVec
	StepRetries    *prometheus.CounterVec
	StepLatency    *prometheus.HistogramVec
	Compactions    *prometheus.CounterVec
	DeliveryErrors *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	TurnLatency    prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTurns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Number of turns currently being processed.",
		}),
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed and failed turns by status and error code.",
		}, []string{"status", "code"}),
		StepResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_results_total",
			Help:      "Plan step outcomes by capability tag and status.",
		}, []string{"tag", "status"}),
		StepRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts by capability tag.",
		}, []string{"tag"}),
		StepLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_latency_ms",
			Help:      "Step latency in milliseconds, all attempts included.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		}, []string{"tag"}),
		Compactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction runs by result.",
		}, []string{"result"}),
		DeliveryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Outbound delivery failures by channel.",
		}, []string{"channel"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End to end turn latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

func (m *Metrics) TurnFinished(status, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnsTotal.WithLabelValues(status, code).Inc()
	m.TurnLatency.Observe(float64(d.Milliseconds()))
	m.latency.observe(SeriesTurn, status, d)
}

func (m *Metrics) ObserveStep(tag, status string, retries int, d time.Duration) {
	if m == nil {
		return
	}
	m.StepResults.WithLabelValues(tag, status).Inc()
	if retries > 0 {
		m.StepRetries.WithLabelValues(tag).Add(float64(retries))
	}
	m.StepLatency.WithLabelValues(tag).Observe(float64(d.Milliseconds()))
	m.latency.observe(SeriesCapability, tag, d)
	m.latency.count(IndicatorStepRetry, retries)
}

func (m *Metrics) ObserveCompaction(result string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDeliveryError(channel string) {
	if m == nil {
		return
	}
	m.DeliveryErrors.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveState records how long a turn stayed in one delegator state.
func (m *Metrics) ObserveState(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observe(SeriesState, state, d)
}

// CountIndicator adds n to a named plan or step indicator.
func (m *Metrics) CountIndicator(name string, n int) {
	if m == nil {
		return
	}
	m.latency.count(name, n)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return newLatencyWindow(0).snapshot()
	}
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
