package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"botswarm/pkg/models"
)

// WebSocketConnector keeps one persistent connection per session.
// Responses arrive out-of-band from the send call, so correlation is a
// FIFO queue matched to the single in-flight send. This mirrors the
// observable behavior targets were built against; do not replace it with
// correlation ids.
type WebSocketConnector struct {
	target *models.Target

	mu        sync.Mutex
	connected bool
	cfg       *ConnectConfig
	conn      *websocket.Conn

	writeMu sync.Mutex
	sendMu  sync.Mutex

	incoming chan []byte
	pong     chan struct{}
	done     chan struct{}

	readErrMu sync.Mutex
	readErr   error
}

// NewWebSocketConnector builds an unconnected WebSocket connector.
func NewWebSocketConnector(target *models.Target) *WebSocketConnector {
	return &WebSocketConnector{target: target}
}

func (c *WebSocketConnector) Type() models.ConnectorType { return models.ConnectorWebSocket }

func (c *WebSocketConnector) SupportsStreaming() bool { return true }

func (c *WebSocketConnector) Connect(ctx context.Context, cfg *ConnectConfig) error {
	endpoint := wsEndpoint(cfg.Endpoint)

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return &ConnectionError{Connector: c.Type(), Endpoint: endpoint, Err: err}
	}

	c.mu.Lock()
	c.cfg = cfg
	c.conn = conn
	c.connected = true
	c.incoming = make(chan []byte, 16)
	c.pong = make(chan struct{}, 1)
	c.done = make(chan struct{})
	c.readErr = nil
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return nil
	})

	go c.readLoop(conn)
	return nil
}

// readLoop drains the connection, queueing text frames for FIFO pickup
// by SendMessage.
func (c *WebSocketConnector) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			c.readErrMu.Lock()
			c.readErr = err
			c.readErrMu.Unlock()
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.incoming <- payload:
		default:
			// Queue full. Drop the oldest frame so a slow consumer sees
			// the most recent responses.
			select {
			case <-c.incoming:
			default:
			}
			c.incoming <- payload
		}
	}
}

func (c *WebSocketConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := conn.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return err
}

func (c *WebSocketConnector) SendMessage(ctx context.Context, text string, metadata Metadata) (*MessageResult, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	cfg := c.cfg
	c.mu.Unlock()

	// One in-flight send per connector instance; arrival order is the
	// correlation.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	body := BuildRequestBody(c.target.RequestTemplate, text, metadata)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	start := time.Now()
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return failedResult(time.Since(start).Milliseconds(), err), nil
	}

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case frame := <-c.incoming:
		elapsed := time.Since(start).Milliseconds()
		return c.interpretFrame(frame, elapsed), nil

	case <-c.done:
		elapsed := time.Since(start).Milliseconds()
		c.readErrMu.Lock()
		readErr := c.readErr
		c.readErrMu.Unlock()
		if readErr == nil {
			readErr = fmt.Errorf("connection closed")
		}
		return failedResult(elapsed, readErr), nil

	case <-ctx.Done():
		return failedResult(time.Since(start).Milliseconds(), ctx.Err()), nil

	case <-timer.C:
		return &MessageResult{
			ResponseTimeMs: time.Since(start).Milliseconds(),
			ErrorType:      ErrorTypeTimeout,
			ErrorMessage:   fmt.Sprintf("no response within %s", cfg.Timeout),
		}, nil
	}
}

// interpretFrame normalizes one inbound frame. JSON frames go through
// the response template; anything else is taken as plain-text content.
func (c *WebSocketConnector) interpretFrame(frame []byte, elapsed int64) *MessageResult {
	result := &MessageResult{
		ResponseTimeMs: elapsed,
		RawResponse:    frame,
	}

	var doc interface{}
	if err := json.Unmarshal(frame, &doc); err != nil {
		result.Success = true
		result.Content = string(frame)
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

func (c *WebSocketConnector) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	start := time.Now()
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	if err != nil {
		return &HealthStatus{Healthy: false, Message: err.Error()}, nil
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-c.pong:
		return &HealthStatus{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}, nil
	case <-c.done:
		return &HealthStatus{Healthy: false, Message: "connection closed"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &HealthStatus{
			Healthy:   false,
			LatencyMs: time.Since(start).Milliseconds(),
			Message:   "ping timed out",
		}, nil
	}
}

// wsEndpoint rewrites http(s) schemes to ws(s) so targets can share one
// endpoint column across connector types.
func wsEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	}
	return endpoint
}
