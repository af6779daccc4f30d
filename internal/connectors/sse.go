package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"botswarm/pkg/models"
)

// DefaultCompletionSentinel ends an SSE stream when no sentinel is
// configured. OpenAI-compatible targets emit it as the final data frame.
const DefaultCompletionSentinel = "[DONE]"

// SSEConnector POSTs a message and accumulates the streamed reply until
// the completion sentinel arrives. One in-flight request per instance.
type SSEConnector struct {
	target *models.Target

	mu        sync.Mutex
	connected bool
	cfg       *ConnectConfig
	client    *http.Client
	sentinel  string

	sendMu sync.Mutex
}

// NewSSEConnector builds an unconnected SSE connector.
func NewSSEConnector(target *models.Target) *SSEConnector {
	return &SSEConnector{target: target}
}

func (c *SSEConnector) Type() models.ConnectorType { return models.ConnectorSSE }

func (c *SSEConnector) SupportsStreaming() bool { return true }

func (c *SSEConnector) Connect(ctx context.Context, cfg *ConnectConfig) error {
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return &ConnectionError{
			Connector: c.Type(),
			Endpoint:  cfg.Endpoint,
			Err:       fmt.Errorf("invalid endpoint URL: %q", cfg.Endpoint),
		}
	}

	sentinel := DefaultCompletionSentinel
	if s, ok := cfg.Protocol["completion_sentinel"].(string); ok && s != "" {
		sentinel = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.sentinel = sentinel
	// The stream outlives any per-dial timeout; the overall budget is
	// enforced per send via context.
	c.client = &http.Client{}
	c.connected = true
	return nil
}

func (c *SSEConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	c.connected = false
	return nil
}

func (c *SSEConnector) SendMessage(ctx context.Context, text string, metadata Metadata) (*MessageResult, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	client := c.client
	cfg := c.cfg
	sentinel := c.sentinel
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	body := BuildRequestBody(c.target.RequestTemplate, text, metadata)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	applyMetadataHeaders(req.Header, metadata)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return failedResult(time.Since(start).Milliseconds(), err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		elapsed := time.Since(start).Milliseconds()
		return &MessageResult{
			ResponseTimeMs: elapsed,
			StatusCode:     resp.StatusCode,
			RawResponse:    raw,
			ErrorType:      ErrorTypeRemote,
			ErrorMessage:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}, nil
	}

	result := c.consumeStream(resp.Body, sentinel, start)
	result.StatusCode = resp.StatusCode
	if !result.Success && isTimeout(sendCtx.Err()) {
		result.ErrorType = ErrorTypeTimeout
		result.ErrorMessage = fmt.Sprintf("stream did not complete within %s", cfg.Timeout)
	}
	return result, nil
}

// consumeStream accumulates data frames until the sentinel, stream end,
// or context expiry.
func (c *SSEConnector) consumeStream(r io.Reader, sentinel string, start time.Time) *MessageResult {
	var content strings.Builder
	var usage *TokenUsage
	var raw bytes.Buffer
	sawFrame := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		raw.WriteString(data)
		raw.WriteByte('\n')

		if data == sentinel {
			return &MessageResult{
				Success:        true,
				Content:        content.String(),
				TokenUsage:     usage,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				RawResponse:    raw.Bytes(),
			}
		}
		sawFrame = true

		var doc interface{}
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			content.WriteString(data)
			continue
		}

		chunk, chunkUsage := c.extractChunk(doc)
		content.WriteString(chunk)
		if chunkUsage != nil {
			usage = chunkUsage
		}
	}

	elapsed := time.Since(start).Milliseconds()
	if err := scanner.Err(); err != nil {
		res := failedResult(elapsed, err)
		res.RawResponse = raw.Bytes()
		return res
	}

	// Stream closed without a sentinel. A non-empty accumulation is
	// still a complete reply.
	if sawFrame {
		return &MessageResult{
			Success:        true,
			Content:        content.String(),
			TokenUsage:     usage,
			ResponseTimeMs: elapsed,
			RawResponse:    raw.Bytes(),
		}
	}
	return &MessageResult{
		ResponseTimeMs: elapsed,
		RawResponse:    raw.Bytes(),
		ErrorType:      ErrorTypeMalformed,
		ErrorMessage:   "stream ended without any data frames",
	}
}

// extractChunk pulls the delta content and optional usage out of one
// stream frame. The content path applies per frame; usage typically
// rides on the final one.
func (c *SSEConnector) extractChunk(doc interface{}) (string, *TokenUsage) {
	tmpl := c.target.ResponseTemplate

	contentPath := "choices.0.delta.content"
	if tmpl != nil && tmpl.ContentPath != "" {
		contentPath = tmpl.ContentPath
	}

	chunk, _ := GetString(doc, contentPath)

	var usage *TokenUsage
	if tmpl != nil {
		u := TokenUsage{}
		found := false
		if n, ok := GetInt(doc, tmpl.PromptTokensPath); ok && tmpl.PromptTokensPath != "" {
			u.PromptTokens = n
			found = true
		}
		if n, ok := GetInt(doc, tmpl.CompletionTokensPath); ok && tmpl.CompletionTokensPath != "" {
			u.CompletionTokens = n
			found = true
		}
		if n, ok := GetInt(doc, tmpl.TotalTokensPath); ok && tmpl.TotalTokensPath != "" {
			u.TotalTokens = n
			found = true
		}
		if found {
			if u.TotalTokens == 0 {
				u.TotalTokens = u.PromptTokens + u.CompletionTokens
			}
			usage = &u
		}
	}

	return chunk, usage
}

func (c *SSEConnector) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	client := c.client
	endpoint := c.cfg.Endpoint
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &HealthStatus{Healthy: false, LatencyMs: latency, Message: err.Error()}, nil
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &HealthStatus{
			Healthy:   false,
			LatencyMs: latency,
			Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		}, nil
	}
	return &HealthStatus{Healthy: true, LatencyMs: latency}, nil
}
