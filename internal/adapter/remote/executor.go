package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/port/executor"
	"github.com/skein-dev/skein/internal/port/messagequeue"
	"github.com/skein-dev/skein/internal/resilience"
)

// Executor dispatches prompts to worker processes over the message queue.
// Replies arrive on a shared result subject and are correlated back to the
// blocked caller by request ID. A circuit breaker guards the dispatch path;
// an open circuit surfaces as a busy-class error so the task queue retries
// instead of failing terminally.
type Executor struct {
	queue   messagequeue.Queue
	results *waiter[messagequeue.PromptResultPayload]
	breaker *resilience.Breaker

	stop func()
}

// NewExecutor creates a remote Executor. breaker may be nil to dispatch
// unguarded.
func NewExecutor(queue messagequeue.Queue, breaker *resilience.Breaker) *Executor {
	return &Executor{
		queue:   queue,
		results: newWaiter[messagequeue.PromptResultPayload]("prompt"),
		breaker: breaker,
	}
}

// Start subscribes to the prompt result subject. Must be called once before
// any Execute.
func (e *Executor) Start(ctx context.Context) error {
	stop, err := e.queue.Subscribe(ctx, messagequeue.SubjectPromptResult, func(_ context.Context, _ string, data []byte) error {
		var p messagequeue.PromptResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode prompt result: %w", err)
		}
		e.results.deliver(p.RequestID, &p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe prompt results: %w", err)
	}
	e.stop = stop
	return nil
}

// Stop cancels the result subscription.
func (e *Executor) Stop() {
	if e.stop != nil {
		e.stop()
	}
}

// Execute publishes a prompt request and blocks until the worker's reply
// arrives or the timeout elapses.
func (e *Executor) Execute(ctx context.Context, target, input string, timeout time.Duration) (string, error) {
	return e.dispatch(ctx, "", target, input, timeout)
}

// dispatch is the shared request/reply path; sessionID is set when the
// prompt is addressed to a specific open session.
func (e *Executor) dispatch(ctx context.Context, sessionID, target, input string, timeout time.Duration) (string, error) {
	requestID := uuid.NewString()

	ch := e.results.register(requestID)
	defer e.results.unregister(requestID)

	payload := messagequeue.PromptRequestPayload{
		RequestID: requestID,
		SessionID: sessionID,
		Target:    target,
		Input:     input,
		TimeoutMS: int(timeout.Milliseconds()),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal prompt request: %w", err)
	}

	publish := func() error {
		return e.queue.Publish(ctx, messagequeue.SubjectPromptRequest, data)
	}
	if e.breaker != nil {
		err = e.breaker.Execute(publish)
	} else {
		err = publish()
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %w", executor.ErrBusy, err)
		}
		return "", fmt.Errorf("publish prompt request: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case result := <-ch:
		if result.Busy {
			return "", fmt.Errorf("agent %s: %w", target, executor.ErrBusy)
		}
		if result.Error != "" {
			return "", fmt.Errorf("agent %s: %s", target, result.Error)
		}
		return result.Output, nil
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("agent %s after %s: %w", target, timeout, executor.ErrTimeout)
		}
		return "", waitCtx.Err()
	}
}
