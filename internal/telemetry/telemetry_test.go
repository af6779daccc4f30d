package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/internal/events"
	"botswarm/internal/version"
	"botswarm/pkg/models"
)

func TestMetricsPublisherTracksSessionLifecycle(t *testing.T) {
	m := NewMetrics()
	pub := m.Publisher()
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, &events.Event{
		Type: events.EventSessionStatus,
		Data: events.StatusData{From: models.SessionPending, To: models.SessionRunning},
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsInFlight))

	require.NoError(t, pub.Publish(ctx, &events.Event{
		Type: events.EventSessionComplete,
		Data: events.CompleteData{Status: models.SessionCompleted},
	}))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("FAILED")))
}

func TestMetricsPublisherTracksMessageOutcomes(t *testing.T) {
	m := NewMetrics()
	pub := m.Publisher()
	ctx := context.Background()

	publish := func(success, final bool, responseMs int64) {
		require.NoError(t, pub.Publish(ctx, &events.Event{
			Type: events.EventMessage,
			Data: events.MessageData{
				Metric: models.MessageMetric{Success: success, ResponseTimeMs: responseMs},
				Final:  final,
			},
		}))
	}

	publish(false, false, 120) // retried attempt
	publish(true, true, 80)
	publish(false, true, 200)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesTotal))
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	pub := m.Publisher()
	require.NoError(t, pub.Publish(context.Background(), &events.Event{
		Type: events.EventSessionComplete,
		Data: events.CompleteData{Status: models.SessionFailed},
	}))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `botswarm_sessions_total{status="FAILED"} 1`)
	assert.Contains(t, text, "botswarm_response_time_ms_bucket")
}

func TestHealthEndpointReportsBuild(t *testing.T) {
	s := NewMetricsServer(0, NewMetrics())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string       `json:"status"`
		Service string       `json:"service"`
		Build   version.Info `json:"build"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "botswarm", body.Service)
	assert.Equal(t, version.Version, body.Build.Version)
	assert.NotEmpty(t, body.Build.GoVersion)
}

func TestSeparateMetricsInstancesDoNotCollide(t *testing.T) {
	first := NewMetrics()
	second := NewMetrics()

	first.SessionsTotal.WithLabelValues("COMPLETED").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.SessionsTotal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.SessionsTotal.WithLabelValues("COMPLETED")))
}

func TestAnalyticsDisabledIsInert(t *testing.T) {
	svc := NewAnalytics(false)
	assert.False(t, svc.IsEnabled())

	svc.Track("bs_session_executed", nil)
	svc.TrackSessionExecuted("COMPLETED", 3, 1500, "http_rest")
	svc.TrackCLICommand("run", true, 10)
	svc.TrackError("config", "boom")
	svc.Close()

	var nilSvc *Analytics
	assert.False(t, nilSvc.IsEnabled())
	nilSvc.Track("bs_boot", nil)
	nilSvc.Close()
}

func TestAnonymousIDsAreStable(t *testing.T) {
	assert.Equal(t, anonymousUserID(), anonymousUserID())
	assert.True(t, strings.HasPrefix(anonymousUserID(), "anon_"))
	assert.True(t, strings.HasPrefix(machineID(), "machine_"))
}

func TestSetupTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := SetupTracing(context.Background(), OTelConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsUnknownProtocol(t *testing.T) {
	_, err := SetupTracing(context.Background(), OTelConfig{
		OTLPEndpoint: "localhost:4317",
		Protocol:     "carrier-pigeon",
	})
	assert.ErrorContains(t, err, "unknown OTLP protocol")
}
