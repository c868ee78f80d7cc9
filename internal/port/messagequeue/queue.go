// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the worker prompt protocol.
const (
	SubjectPromptRequest = "agents.prompt.request" // core → worker: run a prompt
	SubjectPromptResult  = "agents.prompt.result"  // worker → core: prompt outcome
	SubjectSessionOpen   = "agents.session.open"   // core → worker: create a session
	SubjectSessionClose  = "agents.session.close"  // core → worker: tear a session down
	SubjectSessionState  = "agents.session.state"  // worker → core: liveness/busy updates
)
