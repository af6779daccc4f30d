package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botswarm/internal/events"
	"botswarm/internal/version"
	"botswarm/pkg/models"
)

// Metrics holds the Prometheus collectors on a private registry, so
// several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal    *prometheus.CounterVec
	SessionsInFlight prometheus.Gauge
	MessagesTotal    *prometheus.CounterVec
	ResponseTimeMs   prometheus.Histogram
	RetriesTotal     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botswarm_sessions_total",
				Help: "Sessions finished, by terminal status",
			},
			[]string{"status"},
		),
		SessionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "botswarm_sessions_in_flight",
				Help: "Sessions currently running",
			},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botswarm_messages_total",
				Help: "Final message outcomes, by result",
			},
			[]string{"result"},
		),
		ResponseTimeMs: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "botswarm_response_time_ms",
				Help:    "Target response time per message attempt in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "botswarm_retries_total",
				Help: "Message attempts that were retried",
			},
		),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registerer exposes the registry so serve can add the engine
// collectors to the same /metrics endpoint.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Publisher adapts the collectors to the event pipeline, so the same
// stream that feeds webhooks and the CLI also feeds Prometheus.
func (m *Metrics) Publisher() events.Publisher {
	return &metricsPublisher{metrics: m}
}

type metricsPublisher struct {
	metrics *Metrics
}

func (p *metricsPublisher) Publish(_ context.Context, event *events.Event) error {
	switch event.Type {
	case events.EventSessionStatus:
		if data, ok := event.Data.(events.StatusData); ok && data.To == models.SessionRunning {
			p.metrics.SessionsInFlight.Inc()
		}
	case events.EventSessionComplete:
		if data, ok := event.Data.(events.CompleteData); ok {
			p.metrics.SessionsInFlight.Dec()
			p.metrics.SessionsTotal.WithLabelValues(string(data.Status)).Inc()
		}
	case events.EventMessage:
		if data, ok := event.Data.(events.MessageData); ok {
			p.metrics.ResponseTimeMs.Observe(float64(data.Metric.ResponseTimeMs))
			if !data.Final {
				p.metrics.RetriesTotal.Inc()
				return nil
			}
			result := "failure"
			if data.Metric.Success {
				result = "success"
			}
			p.metrics.MessagesTotal.WithLabelValues(result).Inc()
		}
	}
	return nil
}

func (p *metricsPublisher) Close() error { return nil }

// MetricsServer exposes /metrics and /health on a dedicated port during
// long runs.
type MetricsServer struct {
	server *http.Server
}

func NewMetricsServer(port int, metrics *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"service": "botswarm",
			"build":   version.Get(),
		})
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
