// Package connectors adapts outbound messages to the wire protocols a
// target speaks: HTTP request/response, WebSocket, gRPC, and SSE.
package connectors

import (
	"context"
	"fmt"
	"time"

	"botswarm/pkg/models"
)

// DefaultTimeout applies when a target configures none.
const DefaultTimeout = 30 * time.Second

// Metadata travels with a message through the plugin pipeline and into
// the connector. Conversation plugins place the role-tagged history here.
type Metadata map[string]interface{}

// TokenUsage is the normalized token accounting extracted from a
// response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MessageResult is the normalized outcome of one send. Remote-side
// failures come back as Success=false with error detail; SendMessage only
// returns a Go error for local misuse (not connected, context cancelled).
type MessageResult struct {
	Content        string                 `json:"content"`
	Success        bool                   `json:"success"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	StatusCode     int                    `json:"status_code,omitempty"`
	ErrorType      string                 `json:"error_type,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	TokenUsage     *TokenUsage            `json:"token_usage,omitempty"`
	RawResponse    []byte                 `json:"-"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// HealthStatus reports a connector-level liveness probe.
type HealthStatus struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// ConnectConfig is the mutable connection setup passed through onConnect
// hooks before the connector dials. Plugins may add headers or rewrite
// the endpoint.
type ConnectConfig struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Protocol models.JSONMap
}

// Connector is the capability set every protocol adapter implements. One
// instance is exclusively owned by one session.
type Connector interface {
	Connect(ctx context.Context, cfg *ConnectConfig) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, text string, metadata Metadata) (*MessageResult, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
	SupportsStreaming() bool
	Type() models.ConnectorType
}

// ConnectionError reports a failed session-level connection attempt.
// It is fatal to the session; no steps run after it.
type ConnectionError struct {
	Connector models.ConnectorType
	Endpoint  string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connect to %s failed: %v", e.Connector, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ErrNotConnected is returned when SendMessage runs before Connect.
var ErrNotConnected = fmt.Errorf("connector is not connected")

// Error type labels recorded on failed message metrics.
const (
	ErrorTypeTimeout    = "timeout"
	ErrorTypeRemote     = "remote_error"
	ErrorTypeTransport  = "transport_error"
	ErrorTypeMalformed  = "malformed_response"
	ErrorTypeConnection = "connection_error"
)

// New builds the connector for a target's protocol.
func New(target *models.Target) (Connector, error) {
	switch target.ConnectorType {
	case models.ConnectorHTTPRest:
		return NewHTTPConnector(target), nil
	case models.ConnectorWebSocket:
		return NewWebSocketConnector(target), nil
	case models.ConnectorGRPC:
		return NewGRPCConnector(target), nil
	case models.ConnectorSSE:
		return NewSSEConnector(target), nil
	default:
		return nil, fmt.Errorf("unsupported connector type %q", target.ConnectorType)
	}
}

// ConfigFromTarget assembles the initial connect config from a target
// record, applying the default timeout when none is set.
func ConfigFromTarget(target *models.Target) *ConnectConfig {
	timeout := DefaultTimeout
	if target.TimeoutMs > 0 {
		timeout = time.Duration(target.TimeoutMs) * time.Millisecond
	}

	headers := make(map[string]string, len(target.Headers))
	for k, v := range target.Headers {
		headers[k] = v
	}

	return &ConnectConfig{
		Endpoint: target.Endpoint,
		Headers:  headers,
		Timeout:  timeout,
		Protocol: target.ProtocolConfig,
	}
}
