package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"botswarm/internal/conversation"
	"botswarm/internal/logging"
)

// Dispatcher admits outbound messages under the session's concurrency and
// retry policy. The flow engine never talks to a connector directly.
type Dispatcher interface {
	// Dispatch blocks until the message's final outcome. delivered=false
	// means policy skipped the message after a failure; a non-nil error
	// aborts the session.
	Dispatch(ctx context.Context, text string) (delivered bool, err error)
	// Issue admits the message and returns once a concurrency slot was
	// acquired, leaving the network call to finish in the background.
	// Issuance order therefore follows the caller's call order.
	Issue(ctx context.Context, text string) error
	// Join blocks until every issued dispatch has finished and returns
	// the first session-fatal error, if any.
	Join() error
	// Concurrency reports the configured in-flight bound.
	Concurrency() int
}

// Engine walks a validated flow definition, resolving templates against
// the session's conversation context and handing messages to the
// dispatcher.
type Engine struct {
	dispatcher Dispatcher
	convo      *conversation.Context
	log        zerolog.Logger
}

// NewEngine wires a walker for one session.
func NewEngine(dispatcher Dispatcher, convo *conversation.Context) *Engine {
	return &Engine{
		dispatcher: dispatcher,
		convo:      convo,
		log:        logging.Component("flow"),
	}
}

// Run executes one pass over the definition. On return every dispatched
// message has reached its final outcome.
func (e *Engine) Run(ctx context.Context, def *Definition) error {
	walkErr := e.runSteps(ctx, def.Steps)
	joinErr := e.dispatcher.Join()
	if walkErr != nil {
		return walkErr
	}
	return joinErr
}

func (e *Engine) runSteps(ctx context.Context, steps []Step) error {
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.ID != "" {
			index[step.ID] = i
		}
	}

	i := 0
	for i < len(steps) {
		// Cancellation is observed before each new step; an in-flight
		// message is allowed to finish.
		if err := ctx.Err(); err != nil {
			return err
		}

		step := steps[i]
		switch step.Type {
		case StepMessage:
			text := e.convo.ResolveTemplate(step.Content)
			e.log.Debug().Str("session_id", e.convo.SessionID()).Str("step_id", step.ID).Msg("dispatching message step")
			if e.dispatcher.Concurrency() > 1 {
				if err := e.dispatcher.Issue(ctx, text); err != nil {
					return err
				}
			} else {
				if _, err := e.dispatcher.Dispatch(ctx, text); err != nil {
					return err
				}
			}

		case StepDelay:
			if err := sleepContext(ctx, time.Duration(step.DelayMs)*time.Millisecond); err != nil {
				return err
			}

		case StepConditional:
			// The condition reads the most recent response, so all
			// in-flight messages must land first.
			if err := e.dispatcher.Join(); err != nil {
				return err
			}
			cond, err := ParseCondition(step.Condition)
			if err != nil {
				return err
			}
			branch := step.Else
			matched := cond.Evaluate(e.convo.LastResponse())
			if matched {
				branch = step.Then
			}
			e.log.Debug().Str("step_id", step.ID).Bool("matched", matched).Msg("conditional evaluated")
			if err := e.runSteps(ctx, branch); err != nil {
				return err
			}

		case StepLoop:
			for iter := 0; iter < step.Iterations; iter++ {
				if err := e.runSteps(ctx, step.Body); err != nil {
					return err
				}
				// Each iteration runs its body to completion before the
				// next begins.
				if err := e.dispatcher.Join(); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("%w: unknown step type %q", ErrDefinition, step.Type)
		}

		if step.Next != "" {
			target, ok := index[step.Next]
			if !ok {
				return fmt.Errorf("%w: unknown next target %q", ErrDefinition, step.Next)
			}
			i = target
			continue
		}
		i++
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
