// Package queue provides the embedded NATS JetStream job queue that
// decouples session admission from execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"botswarm/internal/logging"
)

const (
	// StreamName holds every job subject.
	StreamName = "BOTSWARM_JOBS"

	// SubjectSessionExecute carries one queued session per message.
	SubjectSessionExecute = "jobs.session.execute"
	// SubjectMetricsAggregate asks a worker to rebuild a finished
	// session's summary from its persisted metric rows.
	SubjectMetricsAggregate = "jobs.metrics.aggregate"

	ackWait    = 60 * time.Second
	maxDeliver = 3

	fetchBatch = 10
	fetchWait  = 5 * time.Second
)

// SessionJob is the payload on jobs.session.execute.
type SessionJob struct {
	SessionID string `json:"session_id"`
}

// AggregateJob is the payload on jobs.metrics.aggregate.
type AggregateJob struct {
	SessionID string `json:"session_id"`
}

// Options configure the queue connection.
type Options struct {
	Enabled  bool
	Embedded bool   // run an in-process nats server
	Port     int    // embedded server port, -1 picks a free one
	StoreDir string // embedded JetStream storage directory
	URL      string // external server URL when not embedded
}

// Queue wraps a NATS connection with the job stream attached. A nil Queue
// is valid and drops every operation, so callers never branch on whether
// queueing is enabled.
type Queue struct {
	opts   Options
	server *natsserver.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
	log    zerolog.Logger
}

// New connects to NATS, starting an embedded server first when asked, and
// ensures the job stream exists. Returns (nil, nil) when disabled.
func New(opts Options) (*Queue, error) {
	if !opts.Enabled {
		return nil, nil
	}

	q := &Queue{opts: opts, log: logging.Component("queue")}
	if opts.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Port:      opts.Port,
			JetStream: true,
			StoreDir:  opts.StoreDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return nil, fmt.Errorf("embedded nats failed to start")
		}
		q.server = srv
		q.opts.URL = srv.ClientURL()
	}

	conn, err := nats.Connect(q.opts.URL)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	q.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to init jetstream: %w", err)
	}
	q.js = js

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"jobs.>"},
		Storage:  nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		q.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return q, nil
}

// EnqueueSession publishes a session execution job. The publish waits for
// the stream ack, so an accepted job survives a process restart.
func (q *Queue) EnqueueSession(ctx context.Context, sessionID string) error {
	return q.publishJSON(ctx, SubjectSessionExecute, SessionJob{SessionID: sessionID})
}

// EnqueueAggregate publishes a summary rebuild job for a finished session.
func (q *Queue) EnqueueAggregate(ctx context.Context, sessionID string) error {
	return q.publishJSON(ctx, SubjectMetricsAggregate, AggregateJob{SessionID: sessionID})
}

func (q *Queue) publishJSON(ctx context.Context, subject string, value any) error {
	if q == nil || q.js == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// SubscribeDurable binds a shared durable pull consumer and feeds fetched
// messages to handler. Instances binding the same consumer name split the
// work between them.
func (q *Queue) SubscribeDurable(subject, consumer string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if q == nil || q.js == nil {
		return nil, fmt.Errorf("queue not initialized")
	}

	_, err := q.js.AddConsumer(StreamName, &nats.ConsumerConfig{
		Durable:       consumer,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil {
		// Expected when several workers bind the same durable consumer.
		q.log.Debug().Err(err).Str("consumer", consumer).Msg("consumer add skipped")
	}

	sub, err := q.js.PullSubscribe(subject, consumer, nats.Bind(StreamName, consumer))
	if err != nil {
		return nil, fmt.Errorf("jetstream pull subscribe failed: %w", err)
	}

	go q.pullFetchLoop(sub, handler)
	return sub, nil
}

func (q *Queue) pullFetchLoop(sub *nats.Subscription, handler nats.MsgHandler) {
	for {
		if !sub.IsValid() {
			return
		}
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) ||
				errors.Is(err, nats.ErrConsumerDeleted) ||
				errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			q.log.Warn().Err(err).Msg("job fetch failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			handler(msg)
		}
	}
}

// Conn exposes the underlying connection so event publishers can share it.
func (q *Queue) Conn() *nats.Conn {
	if q == nil {
		return nil
	}
	return q.conn
}

// ClientURL returns the URL workers should connect to.
func (q *Queue) ClientURL() string {
	if q == nil {
		return ""
	}
	return q.opts.URL
}

// Close drains the connection and stops the embedded server if one runs.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	if q.conn != nil {
		_ = q.conn.Drain()
		q.conn.Close()
	}
	if q.server != nil {
		q.server.Shutdown()
	}
}
