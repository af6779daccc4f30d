package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher pushes session events onto per-session subjects so
// external consumers can follow a run live.
type NATSPublisher struct {
	nc    *nats.Conn
	js    nats.JetStreamContext
	useJS bool
}

type NATSPublisherConfig struct {
	// UseJetStream persists events instead of fire-and-forget delivery.
	UseJetStream bool
}

func NewNATSPublisher(nc *nats.Conn, cfg NATSPublisherConfig) (*NATSPublisher, error) {
	p := &NATSPublisher{nc: nc, useJS: cfg.UseJetStream}
	if cfg.UseJetStream {
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream context: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// SessionSubject names the event stream for one session.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("botswarm.session.%s.events", sessionID)
}

func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := SessionSubject(event.SessionID)
	if p.useJS && p.js != nil {
		_, err = p.js.Publish(subject, data)
	} else {
		err = p.nc.Publish(subject, data)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return nil
}

// NATSSubscriber tails session event streams.
type NATSSubscriber struct {
	nc *nats.Conn
}

func NewNATSSubscriber(nc *nats.Conn) *NATSSubscriber {
	return &NATSSubscriber{nc: nc}
}

// SubscribeSession follows one session until ctx ends.
func (s *NATSSubscriber) SubscribeSession(ctx context.Context, sessionID string, handler func(*Event)) (*nats.Subscription, error) {
	return s.subscribe(ctx, SessionSubject(sessionID), handler)
}

// SubscribeAll follows every session on the server.
func (s *NATSSubscriber) SubscribeAll(ctx context.Context, handler func(*Event)) (*nats.Subscription, error) {
	return s.subscribe(ctx, "botswarm.session.*.events", handler)
}

func (s *NATSSubscriber) subscribe(ctx context.Context, subject string, handler func(*Event)) (*nats.Subscription, error) {
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub, nil
}
