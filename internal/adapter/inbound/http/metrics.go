package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openctrol/openctrol-agent/internal/domain/session"
	"github.com/openctrol/openctrol-agent/internal/domain/token"
)

const metricsNamespace = "openctrol"

// Metrics holds all Prometheus metrics for the agent.
// It also observes the token authority and the session broker so domain
// events are counted without the domain importing Prometheus.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	WSConnections      prometheus.Gauge
	InputEvents        *prometheus.CounterVec
	SessionEvents      *prometheus.CounterVec
	TokenEvents        *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	SweepEvictions     *prometheus.CounterVec
	ThrottledTotal     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		WSConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "websocket_connections",
				Help:      "Number of open desktop WebSocket connections",
			},
		),
		InputEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "input_events_total",
				Help:      "Input messages received over desktop WebSockets",
			},
			[]string{"type", "result"}, // result=ok/invalid/error
		),
		SessionEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "session_events_total",
				Help:      "Session broker events",
			},
			[]string{"event"}, // event=started/ended/rejected
		),
		TokenEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_events_total",
				Help:      "Token authority events",
			},
			[]string{"event"}, // event=issued/validated/revoked
		),
		ValidationFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_validation_failures_total",
				Help:      "Failed token validations by internal reason",
			},
			[]string{"reason"},
		),
		SweepEvictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_sweep_evictions_total",
				Help:      "Entries removed by the token sweep",
			},
			[]string{"kind"}, // kind=expired/revocation/window
		),
		ThrottledTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "throttled_requests_total",
				Help:      "Session creation requests rejected by the per-IP limiter",
			},
		),
	}
}

// RegisterActiveSessions exposes the broker's live session count as a gauge
// evaluated at scrape time.
func RegisterActiveSessions(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of unexpired desktop sessions",
		},
		func() float64 { return float64(count()) },
	)
}

func (m *Metrics) TokenIssued()    { m.TokenEvents.WithLabelValues("issued").Inc() }
func (m *Metrics) TokenValidated() { m.TokenEvents.WithLabelValues("validated").Inc() }
func (m *Metrics) TokenRevoked()   { m.TokenEvents.WithLabelValues("revoked").Inc() }

func (m *Metrics) ValidationFailed(reason token.FailureReason) {
	m.ValidationFailures.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Swept(res token.SweepResult) {
	m.SweepEvictions.WithLabelValues("expired").Add(float64(res.Expired))
	m.SweepEvictions.WithLabelValues("revocation").Add(float64(res.Purged))
	m.SweepEvictions.WithLabelValues("window").Add(float64(res.Windows))
}

func (m *Metrics) SessionStarted()  { m.SessionEvents.WithLabelValues("started").Inc() }
func (m *Metrics) SessionEnded()    { m.SessionEvents.WithLabelValues("ended").Inc() }
func (m *Metrics) SessionRejected() { m.SessionEvents.WithLabelValues("rejected").Inc() }

var (
	_ token.Observer   = (*Metrics)(nil)
	_ session.Observer = (*Metrics)(nil)
)
