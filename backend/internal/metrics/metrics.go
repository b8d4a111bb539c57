package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"canvasServer/backend/internal/intent"
	"canvasServer/backend/internal/snapshot"
)

// Metrics 汇总服务的 Prometheus 指标。注册到传入的 Registerer，测试里可以用独立的 Registry。
type Metrics struct {
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	AuthRejections *prometheus.CounterVec
	Intents        *prometheus.CounterVec
	ObserverErrors *prometheus.CounterVec
	Overflows      prometheus.Counter
	Uploads        *prometheus.CounterVec
	KafkaDropped   prometheus.Counter
	WSConnections  prometheus.Gauge
	WSRateLimited  prometheus.Counter
	reg            prometheus.Registerer
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		AuthRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_rejections_total",
				Help: "Total number of unauthorized requests",
			},
			[]string{"reason"},
		),
		Intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvas_intents_total",
				Help: "Intents dispatched to client stores",
			},
			[]string{"kind", "accepted"},
		),
		ObserverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvas_observer_errors_total",
				Help: "Best-effort observer failures",
			},
			[]string{"observer", "kind"},
		),
		Overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvas_subscriber_overflows_total",
			Help: "Intent subscribers disconnected for falling behind",
		}),
		Uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvas_snapshot_uploads_total",
				Help: "Snapshot publish attempts by result",
			},
			[]string{"result"},
		),
		KafkaDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvas_kafka_events_dropped_total",
			Help: "Draw events dropped after retries",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canvas_ws_connections",
			Help: "Open WebSocket connections",
		}),
		WSRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvas_ws_rate_limited_total",
			Help: "Client messages rejected by the per-connection limiter",
		}),
		reg: reg,
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration, m.AuthRejections,
		m.Intents, m.ObserverErrors, m.Overflows, m.Uploads,
		m.KafkaDropped, m.WSConnections, m.WSRateLimited,
	)
	return m
}

// ActiveSessions exports the number of open sessions read from fn at scrape time.
func (m *Metrics) ActiveSessions(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "canvas_active_sessions",
		Help: "Sessions attached to a canvas",
	}, func() float64 { return float64(fn()) }))
}

// Hooks 把 intent 总线的事件接到计数器上。
func (m *Metrics) Hooks() intent.Hooks {
	return intent.Hooks{
		OnDispatch: func(kind intent.Kind, accepted bool) {
			a := "false"
			if accepted {
				a = "true"
			}
			m.Intents.WithLabelValues(string(kind), a).Inc()
		},
		OnObserverError: func(name string, kind intent.Kind) {
			m.ObserverErrors.WithLabelValues(name, string(kind)).Inc()
		},
		OnOverflow: m.Overflows.Inc,
	}
}

// ObservePublish records one snapshot publish result.
func (m *Metrics) ObservePublish(err error) {
	var ue *snapshot.UploadError
	switch {
	case err == nil:
		m.Uploads.WithLabelValues("ok").Inc()
	case errors.As(err, &ue):
		m.Uploads.WithLabelValues(ue.Stage + "_failed").Inc()
	default:
		m.Uploads.WithLabelValues("failed").Inc()
	}
}
