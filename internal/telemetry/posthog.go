// Package telemetry bundles the observability side channels: anonymous
// usage analytics, OpenTelemetry tracing, and Prometheus process metrics.
package telemetry

import (
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"

	"botswarm/internal/logging"
	"botswarm/internal/version"
)

const (
	posthogAPIKey   = "phc_Yk2vRmJ8wQfLx4TctzNahD37pUe6BgKosM1dXiCqWvE"
	posthogEndpoint = "https://us.i.posthog.com"
)

// Analytics sends anonymous usage events. Disabled it is inert, so call
// sites never branch.
type Analytics struct {
	client    posthog.Client
	enabled   bool
	userID    string
	machineID string
	log       zerolog.Logger
}

// NewAnalytics builds the PostHog client and emits a boot event. Any
// client setup failure degrades to a disabled service.
func NewAnalytics(enabled bool) *Analytics {
	svc := &Analytics{enabled: false, log: logging.Component("analytics")}
	if !enabled {
		return svc
	}

	client, err := posthog.NewWithConfig(posthogAPIKey, posthog.Config{
		Endpoint:  posthogEndpoint,
		Interval:  5 * time.Second,
		BatchSize: 10,
	})
	if err != nil {
		svc.log.Warn().Err(err).Msg("analytics client init failed, continuing without")
		return svc
	}

	svc.client = client
	svc.enabled = true
	svc.userID = anonymousUserID()
	svc.machineID = machineID()

	svc.Track("bs_boot", map[string]interface{}{
		"go_version": runtime.Version(),
		"dev_build":  version.Dev(),
	})
	return svc
}

// anonymousUserID hashes host details into a stable id that cannot be
// reversed into the hostname.
func anonymousUserID() string {
	hostname, _ := os.Hostname()
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", hostname, runtime.GOOS, runtime.GOARCH)))
	return fmt.Sprintf("anon_%x", hash[:8])
}

func machineID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	hash := sha256.Sum256([]byte(hostname))
	return fmt.Sprintf("machine_%x", hash[:6])
}

// Track enqueues one event with the standard properties merged in.
func (a *Analytics) Track(eventName string, properties map[string]interface{}) {
	if a == nil || !a.enabled || a.client == nil {
		return
	}

	if properties == nil {
		properties = make(map[string]interface{})
	}
	properties["version"] = version.Short()
	properties["machine_id"] = a.machineID
	properties["os"] = runtime.GOOS
	properties["arch"] = runtime.GOARCH
	properties["$process_person_profile"] = false

	err := a.client.Enqueue(posthog.Capture{
		DistinctId: a.userID,
		Event:      eventName,
		Properties: properties,
	})
	if err != nil {
		a.log.Debug().Err(err).Str("event", eventName).Msg("analytics event dropped")
	}
}

func (a *Analytics) TrackSessionExecuted(status string, messageCount int, durationMs int64, connectorType string) {
	a.Track("bs_session_executed", map[string]interface{}{
		"status":         status,
		"message_count":  messageCount,
		"duration_ms":    durationMs,
		"connector_type": connectorType,
	})
}

func (a *Analytics) TrackBatchExecuted(status string, sessionCount int, mode string) {
	a.Track("bs_batch_executed", map[string]interface{}{
		"status":        status,
		"session_count": sessionCount,
		"mode":          mode,
	})
}

func (a *Analytics) TrackCLICommand(command string, success bool, durationMs int64) {
	a.Track("bs_cli_command", map[string]interface{}{
		"command":     command,
		"success":     success,
		"duration_ms": durationMs,
	})
}

func (a *Analytics) TrackError(errorType, errorMessage string) {
	a.Track("bs_error_occurred", map[string]interface{}{
		"error_type":    errorType,
		"error_message": errorMessage,
	})
}

func (a *Analytics) IsEnabled() bool {
	return a != nil && a.enabled
}

// Close flushes queued events.
func (a *Analytics) Close() {
	if a == nil || !a.enabled || a.client == nil {
		return
	}
	a.client.Close()
}
