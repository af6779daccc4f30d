// Package notifications pushes terminal session and batch events to
// external systems over HTTP.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botswarm/internal/events"
	"botswarm/internal/logging"
	"botswarm/pkg/models"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
)

// Payload is the JSON body POSTed to every configured URL.
type Payload struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	BatchID   string                 `json:"batch_id,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Summary   *models.SessionSummary `json:"summary,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Notifier delivers terminal events to webhook URLs. It plugs into the
// event pipeline as a publisher; non-terminal events pass through
// untouched. A nil Notifier drops everything.
type Notifier struct {
	urls        []string
	headers     map[string]string
	maxAttempts int
	backoffUnit time.Duration
	httpClient  *http.Client
	log         zerolog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

type Option func(*Notifier)

// WithHeaders adds custom headers to every delivery.
func WithHeaders(headers map[string]string) Option {
	return func(n *Notifier) { n.headers = headers }
}

func WithTimeout(timeout time.Duration) Option {
	return func(n *Notifier) { n.httpClient.Timeout = timeout }
}

func WithMaxAttempts(attempts int) Option {
	return func(n *Notifier) {
		if attempts > 0 {
			n.maxAttempts = attempts
		}
	}
}

// New returns nil when no URLs are configured; every method on a nil
// Notifier is a no-op.
func New(urls []string, opts ...Option) *Notifier {
	if len(urls) == 0 {
		return nil
	}
	n := &Notifier{
		urls:        urls,
		maxAttempts: defaultMaxAttempts,
		backoffUnit: time.Second,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		log:         logging.Component("webhooks"),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish delivers terminal events asynchronously so the session path
// never blocks on a slow receiver.
func (n *Notifier) Publish(_ context.Context, event *events.Event) error {
	if n == nil {
		return nil
	}

	payload, ok := n.buildPayload(event)
	if !ok {
		return nil
	}

	for _, url := range n.urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.sendWithRetry(url, payload)
		}(url)
	}
	return nil
}

// Close aborts pending backoffs and waits for in-flight deliveries.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	close(n.stopCh)
	n.wg.Wait()
	return nil
}

func (n *Notifier) buildPayload(event *events.Event) (Payload, bool) {
	payload := Payload{
		Event:     string(event.Type),
		Timestamp: event.Timestamp,
		SessionID: event.SessionID,
		BatchID:   event.BatchID,
	}

	switch event.Type {
	case events.EventSessionComplete:
		if data, ok := event.Data.(events.CompleteData); ok {
			payload.Status = string(data.Status)
			payload.Summary = data.Summary
			payload.Error = data.Error
		}
		return payload, true
	case events.EventBatchStatus:
		data, ok := event.Data.(events.BatchStatusData)
		if !ok || data.Status == models.BatchPending || data.Status == models.BatchRunning {
			return Payload{}, false
		}
		payload.BatchID = data.BatchID
		payload.Status = string(data.Status)
		return payload, true
	default:
		return Payload{}, false
	}
}

func (n *Notifier) sendWithRetry(url string, payload Payload) {
	var lastErr error

	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := n.send(url, payload)
		if err == nil {
			n.log.Debug().Str("url", url).Str("event", payload.Event).Int("attempt", attempt).Msg("webhook delivered")
			return
		}

		lastErr = err
		n.log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Int("max", n.maxAttempts).Msg("webhook attempt failed")

		if attempt < n.maxAttempts {
			backoff := time.Duration(attempt*attempt) * n.backoffUnit
			select {
			case <-n.stopCh:
				return
			case <-time.After(backoff):
			}
		}
	}

	n.log.Error().Err(lastErr).Str("url", url).Str("event", payload.Event).Msg("webhook delivery abandoned")
}

func (n *Notifier) send(url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Botswarm-Webhook/1.0")
	req.Header.Set("X-Botswarm-Event", payload.Event)
	req.Header.Set("X-Botswarm-Timestamp", payload.Timestamp.Format(time.RFC3339))
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return fmt.Errorf("request failed after %dms: %w", durationMs, err)
	}
	defer resp.Body.Close()

	// Drain a bounded slice of the body so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d after %dms", resp.StatusCode, durationMs)
	}
	return nil
}
