package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/port/messagequeue"
	"github.com/skein-dev/skein/internal/port/session"
)

// Session implements session.Handle for a worker-side session reached over
// the message queue. Liveness is tracked from session state messages; until
// a worker reports otherwise, a session is assumed ready.
type Session struct {
	id       string
	agentID  string
	queue    messagequeue.Queue
	executor *Executor
	manager  *SessionManager

	mu    sync.Mutex
	ready bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Ready reports whether the worker last declared the session usable.
func (s *Session) Ready(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Send dispatches a prompt addressed to this session.
func (s *Session) Send(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return s.executor.dispatch(ctx, s.id, s.agentID, prompt, timeout)
}

// Close asks the worker to tear the session down. The session leaves
// liveness tracking immediately, even if the close publish fails.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()

	if s.manager != nil {
		s.manager.Forget(s.id)
	}

	data, err := json.Marshal(messagequeue.SessionClosePayload{SessionID: s.id})
	if err != nil {
		return fmt.Errorf("marshal session close: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectSessionClose, data); err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}

// SessionManager opens worker sessions and keeps their liveness current
// from session state messages.
type SessionManager struct {
	queue    messagequeue.Queue
	executor *Executor

	mu       sync.Mutex
	sessions map[string]*Session
	stop     func()
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(queue messagequeue.Queue, exec *Executor) *SessionManager {
	return &SessionManager{
		queue:    queue,
		executor: exec,
		sessions: make(map[string]*Session),
	}
}

// Start subscribes to session state updates from workers.
func (m *SessionManager) Start(ctx context.Context) error {
	stop, err := m.queue.Subscribe(ctx, messagequeue.SubjectSessionState, func(_ context.Context, _ string, data []byte) error {
		var p messagequeue.SessionStatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode session state: %w", err)
		}

		m.mu.Lock()
		s, ok := m.sessions[p.SessionID]
		m.mu.Unlock()
		if !ok {
			return nil
		}

		s.mu.Lock()
		s.ready = p.Ready
		s.mu.Unlock()
		if !p.Ready {
			slog.Warn("session reported not ready", "session_id", p.SessionID, "error", p.Error)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe session state: %w", err)
	}
	m.stop = stop
	return nil
}

// Stop cancels the state subscription.
func (m *SessionManager) Stop() {
	if m.stop != nil {
		m.stop()
	}
}

// Open announces a new session for the agent to the workers and returns its
// handle. The session is assumed ready until a worker reports otherwise.
func (m *SessionManager) Open(ctx context.Context, agentID string) (session.Handle, error) {
	s := &Session{
		id:       uuid.NewString(),
		agentID:  agentID,
		queue:    m.queue,
		executor: m.executor,
		manager:  m,
		ready:    true,
	}

	data, err := json.Marshal(messagequeue.SessionOpenPayload{SessionID: s.id, AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("marshal session open: %w", err)
	}
	if err := m.queue.Publish(ctx, messagequeue.SubjectSessionOpen, data); err != nil {
		return nil, fmt.Errorf("open session for agent %s: %w", agentID, err)
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	slog.Info("session opened", "session_id", s.id, "agent", agentID)
	return s, nil
}

// Forget drops a closed session from liveness tracking.
func (m *SessionManager) Forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
