// Package events carries session lifecycle and message telemetry to
// subscribers: the CLI's live view, the notification service, and any
// NATS consumer interested in a run.
package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"botswarm/pkg/models"
)

type EventType string

const (
	EventSessionStatus   EventType = "session_status"
	EventSessionComplete EventType = "session_complete"
	EventMessage         EventType = "message"
	EventBatchStatus     EventType = "batch_status"
	EventError           EventType = "error"
)

// Event is the envelope every subscriber sees. Seq orders events within
// one session stream.
type Event struct {
	SessionID string    `json:"session_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	TargetID  int64     `json:"target_id,omitempty"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
}

func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

type StatusData struct {
	From models.SessionStatus `json:"from"`
	To   models.SessionStatus `json:"to"`
}

type CompleteData struct {
	Status  models.SessionStatus   `json:"status"`
	Summary *models.SessionSummary `json:"summary,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type MessageData struct {
	Metric models.MessageMetric `json:"metric"`
	Final  bool                 `json:"final"`
}

type BatchStatusData struct {
	BatchID   string             `json:"batch_id"`
	Status    models.BatchStatus `json:"status"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
}

// Publisher delivers events somewhere. Implementations must tolerate
// concurrent Publish calls.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Identifiers pin a stream to its session.
type Identifiers struct {
	SessionID string
	BatchID   string
	TargetID  int64
}

// Stream stamps events with identifiers and a monotonic sequence. A nil
// publisher turns every emit into a no-op, so callers never branch.
type Stream struct {
	ids       Identifiers
	seq       int64
	publisher Publisher
}

func NewStream(ids Identifiers, publisher Publisher) *Stream {
	return &Stream{ids: ids, publisher: publisher}
}

func (s *Stream) Identifiers() Identifiers {
	return s.ids
}

func (s *Stream) nextSeq() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

func (s *Stream) emit(ctx context.Context, eventType EventType, data any) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	return s.publisher.Publish(ctx, &Event{
		SessionID: s.ids.SessionID,
		BatchID:   s.ids.BatchID,
		TargetID:  s.ids.TargetID,
		Seq:       s.nextSeq(),
		Timestamp: time.Now(),
		Type:      eventType,
		Data:      data,
	})
}

func (s *Stream) EmitStatus(ctx context.Context, from, to models.SessionStatus) error {
	return s.emit(ctx, EventSessionStatus, StatusData{From: from, To: to})
}

func (s *Stream) EmitComplete(ctx context.Context, status models.SessionStatus, summary *models.SessionSummary, err error) error {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	return s.emit(ctx, EventSessionComplete, CompleteData{
		Status:  status,
		Summary: summary,
		Error:   errStr,
	})
}

func (s *Stream) EmitMessage(ctx context.Context, metric models.MessageMetric, final bool) error {
	return s.emit(ctx, EventMessage, MessageData{Metric: metric, Final: final})
}

func (s *Stream) EmitBatchStatus(ctx context.Context, data BatchStatusData) error {
	return s.emit(ctx, EventBatchStatus, data)
}

func (s *Stream) EmitError(ctx context.Context, err error) error {
	return s.emit(ctx, EventError, map[string]string{"error": err.Error()})
}

// MultiPublisher fans out to several publishers, stopping at the first
// failure.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, event *Event) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiPublisher) Close() error {
	for _, p := range m.publishers {
		p.Close()
	}
	return nil
}

// NoOpPublisher drops everything.
type NoOpPublisher struct{}

func (n *NoOpPublisher) Publish(ctx context.Context, event *Event) error { return nil }

func (n *NoOpPublisher) Close() error { return nil }

// ChannelPublisher buffers events for an in-process consumer. A full
// buffer drops the event rather than stalling the session.
type ChannelPublisher struct {
	ch chan *Event
}

func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan *Event, bufferSize)}
}

func (c *ChannelPublisher) Publish(ctx context.Context, event *Event) error {
	select {
	case c.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *ChannelPublisher) Events() <-chan *Event {
	return c.ch
}

func (c *ChannelPublisher) Close() error {
	close(c.ch)
	return nil
}
