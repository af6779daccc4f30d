package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups the executor-level Prometheus instruments, labeled
// per connector. They live under the botswarm_engine_ prefix so they can
// share a registry with the coarser event-driven serve metrics.
type Collectors struct {
	MessagesTotal   *prometheus.CounterVec
	MessageDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	TokensTotal     *prometheus.CounterVec
}

// NewCollectors registers the engine metrics on the given registerer.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botswarm",
				Subsystem: "engine",
				Name:      "messages_total",
				Help:      "Total number of dispatched messages",
			},
			[]string{"connector", "status"},
		),

		MessageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "botswarm",
				Subsystem: "engine",
				Name:      "message_duration_seconds",
				Help:      "Message round-trip duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"connector"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botswarm",
				Subsystem: "engine",
				Name:      "retries_total",
				Help:      "Total number of message retry attempts",
			},
			[]string{"connector"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "botswarm",
				Subsystem: "engine",
				Name:      "sessions_active",
				Help:      "Number of sessions currently running",
			},
		),

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botswarm",
				Subsystem: "engine",
				Name:      "sessions_total",
				Help:      "Total number of finished sessions by terminal status",
			},
			[]string{"status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botswarm",
				Subsystem: "engine",
				Name:      "tokens_total",
				Help:      "Total token usage reported by targets",
			},
			[]string{"kind"},
		),
	}
}
