package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"botswarm/pkg/models"
)

// HTTPConnector speaks plain request/response HTTP. Each SendMessage is
// one POST (or configured method) carrying the templated JSON body.
type HTTPConnector struct {
	target *models.Target

	mu        sync.Mutex
	connected bool
	cfg       *ConnectConfig
	client    *http.Client
	method    string
}

// NewHTTPConnector builds an unconnected HTTP connector for the target.
func NewHTTPConnector(target *models.Target) *HTTPConnector {
	return &HTTPConnector{target: target}
}

func (c *HTTPConnector) Type() models.ConnectorType { return models.ConnectorHTTPRest }

func (c *HTTPConnector) SupportsStreaming() bool { return false }

func (c *HTTPConnector) Connect(ctx context.Context, cfg *ConnectConfig) error {
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return &ConnectionError{
			Connector: c.Type(),
			Endpoint:  cfg.Endpoint,
			Err:       fmt.Errorf("invalid endpoint URL: %q", cfg.Endpoint),
		}
	}

	method := http.MethodPost
	if m, ok := cfg.Protocol["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.method = method
	c.client = &http.Client{Timeout: cfg.Timeout}
	c.connected = true
	return nil
}

func (c *HTTPConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	c.connected = false
	return nil
}

func (c *HTTPConnector) SendMessage(ctx context.Context, text string, metadata Metadata) (*MessageResult, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	client := c.client
	cfg := c.cfg
	method := c.method
	c.mu.Unlock()

	body := BuildRequestBody(c.target.RequestTemplate, text, metadata)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	applyMetadataHeaders(req.Header, metadata)

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return failedResult(elapsed, err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	elapsed = time.Since(start).Milliseconds()
	if err != nil {
		return failedResult(elapsed, err), nil
	}

	return c.interpretResponse(resp.StatusCode, raw, elapsed), nil
}

// interpretResponse maps an HTTP response onto the normalized result.
// Non-2xx statuses and error-path hits are remote failures, never Go
// errors.
func (c *HTTPConnector) interpretResponse(status int, raw []byte, elapsed int64) *MessageResult {
	result := &MessageResult{
		ResponseTimeMs: elapsed,
		StatusCode:     status,
		RawResponse:    raw,
	}

	var doc interface{}
	parseErr := json.Unmarshal(raw, &doc)

	if status < 200 || status >= 300 {
		result.ErrorType = ErrorTypeRemote
		result.ErrorMessage = fmt.Sprintf("HTTP %d", status)
		if parseErr == nil {
			if _, _, remoteMsg := ExtractResult(c.target.ResponseTemplate, doc); remoteMsg != "" {
				result.ErrorMessage = remoteMsg
			}
		} else if len(raw) > 0 {
			result.ErrorMessage = fmt.Sprintf("HTTP %d: %s", status, truncate(string(raw), 200))
		}
		return result
	}

	if parseErr != nil {
		result.ErrorType = ErrorTypeMalformed
		result.ErrorMessage = fmt.Sprintf("response is not valid JSON: %v", parseErr)
		return result
	}

	content, usage, remoteMsg := ExtractResult(c.target.ResponseTemplate, doc)
	if remoteMsg != "" {
		result.ErrorType = ErrorTypeRemote
		result.ErrorMessage = remoteMsg
		return result
	}

	result.Success = true
	result.Content = content
	result.TokenUsage = usage
	return result
}

func (c *HTTPConnector) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	client := c.client
	endpoint := c.cfg.Endpoint
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthStatus{Healthy: false, LatencyMs: latency, Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &HealthStatus{
			Healthy:   false,
			LatencyMs: latency,
			Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		}, nil
	}
	return &HealthStatus{Healthy: true, LatencyMs: latency}, nil
}

// applyMetadataHeaders lets plugins inject per-message headers via the
// "headers" metadata key.
func applyMetadataHeaders(h http.Header, metadata Metadata) {
	extra, ok := metadata["headers"].(map[string]string)
	if !ok {
		return
	}
	for k, v := range extra {
		h.Set(k, v)
	}
}

// failedResult classifies a transport-level send error.
func failedResult(elapsed int64, err error) *MessageResult {
	errType := ErrorTypeTransport
	if isTimeout(err) {
		errType = ErrorTypeTimeout
	}
	return &MessageResult{
		ResponseTimeMs: elapsed,
		ErrorType:      errType,
		ErrorMessage:   err.Error(),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
