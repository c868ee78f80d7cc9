package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/port/session"
)

// ErrPoolSaturated is returned when an agent key's pool is at capacity and
// every entry is busy. Callers must treat it as backpressure, never block.
var ErrPoolSaturated = errors.New("process pool saturated")

// PooledProcess is one tracked session handle in an agent key's pool.
// Ownership transfers atomically at acquire/release under the pool mutex:
// an entry is busy or idle, never both.
type PooledProcess struct {
	Handle     session.Handle
	ContextKey string

	busy       bool
	lastUsedAt time.Time
	busySince  time.Time
}

// ProcessPoolService maintains a bounded, per-agent-key pool of reusable
// session handles. Handles are created lazily up to the key's capacity and
// destroyed by reaping or explicit stop.
type ProcessPoolService struct {
	mu    sync.Mutex
	pools map[string][]*PooledProcess
	cfg   config.Pool
	now   func() time.Time // for testing
}

// NewProcessPoolService creates a ProcessPoolService.
func NewProcessPoolService(cfg config.Pool) *ProcessPoolService {
	return &ProcessPoolService{
		pools: make(map[string][]*PooledProcess),
		cfg:   cfg,
		now:   time.Now,
	}
}

// poolSize returns the configured capacity for an agent key.
func (s *ProcessPoolService) poolSize(key string) int {
	if n, ok := s.cfg.AgentPoolSizes[key]; ok && n > 0 {
		return n
	}
	if s.cfg.DefaultPoolSize > 0 {
		return s.cfg.DefaultPoolSize
	}
	return 1
}

// Acquire returns a session handle for the agent key, reusing an idle entry
// when possible. A reused entry must both be marked idle by the pool and
// independently report itself ready; this catches sessions that crashed
// before the pool observed a release. Under capacity, a new handle is
// created via factory; at capacity, ErrPoolSaturated.
//
// The returned bool is true when the handle was newly created.
func (s *ProcessPoolService) Acquire(ctx context.Context, key, contextKey string, factory session.Factory) (*PooledProcess, bool, error) {
	s.mu.Lock()

	pool := s.pools[key]
	for _, p := range pool {
		if p.busy || !p.Handle.Ready(ctx) {
			continue
		}
		p.busy = true
		p.busySince = s.now()
		p.lastUsedAt = s.now()
		p.ContextKey = contextKey
		s.mu.Unlock()
		slog.Debug("pooled session reused", "agent", key, "session_id", p.Handle.ID(), "context", contextKey)
		return p, false, nil
	}

	if len(pool) >= s.poolSize(key) {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("agent %s: %w (%d/%d busy)", key, ErrPoolSaturated, len(pool), s.poolSize(key))
	}

	// Reserve the slot before the factory call so concurrent acquirers
	// cannot overshoot capacity while the session is being created.
	placeholder := &PooledProcess{busy: true, busySince: s.now(), lastUsedAt: s.now(), ContextKey: contextKey}
	s.pools[key] = append(pool, placeholder)
	s.mu.Unlock()

	handle, err := factory(ctx)

	s.mu.Lock()
	if err != nil {
		s.dropEntry(key, placeholder)
		s.mu.Unlock()
		return nil, false, fmt.Errorf("create session for agent %s: %w", key, err)
	}
	placeholder.Handle = handle
	s.mu.Unlock()

	slog.Info("pooled session created", "agent", key, "session_id", handle.ID(), "pool_size", s.Count(key))
	return placeholder, true, nil
}

// Release marks the entry idle again. Releasing an unknown or already-idle
// handle is a safe no-op with a warning; release must be idempotent.
func (s *ProcessPoolService) Release(key string, p *PooledProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.pools[key] {
		if entry != p {
			continue
		}
		if !entry.busy {
			slog.Warn("release of already-idle session", "agent", key, "session_id", sessionID(entry))
			return
		}
		entry.busy = false
		entry.lastUsedAt = s.now()
		return
	}
	slog.Warn("release of untracked session", "agent", key, "session_id", sessionID(p))
}

// ReapIdle destroys every idle entry whose idle age exceeds the configured
// idle timeout. Returns the number reaped. Driven externally on a timer.
func (s *ProcessPoolService) ReapIdle(ctx context.Context) int {
	s.mu.Lock()
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	var victims []poolVictim
	for key, pool := range s.pools {
		kept := pool[:0]
		for _, p := range pool {
			if !p.busy && !p.lastUsedAt.After(cutoff) {
				victims = append(victims, poolVictim{key, p})
				continue
			}
			kept = append(kept, p)
		}
		s.pools[key] = kept
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.destroy(ctx, v.key, v.entry, "idle")
	}
	return len(victims)
}

// ReapHung forcibly destroys every busy entry whose busy age exceeds the
// configured hung timeout. This is the backstop for a worker that never
// returns. Returns the number reaped.
func (s *ProcessPoolService) ReapHung(ctx context.Context) int {
	s.mu.Lock()
	cutoff := s.now().Add(-s.cfg.HungTimeout)

	var victims []poolVictim
	for key, pool := range s.pools {
		kept := pool[:0]
		for _, p := range pool {
			if p.busy && !p.busySince.After(cutoff) {
				victims = append(victims, poolVictim{key, p})
				continue
			}
			kept = append(kept, p)
		}
		s.pools[key] = kept
	}
	s.mu.Unlock()

	for _, v := range victims {
		slog.Warn("hung session reaped", "agent", v.key, "session_id", sessionID(v.entry), "busy_since", v.entry.busySince)
		s.destroy(ctx, v.key, v.entry, "hung")
	}
	return len(victims)
}

// StopAgent unconditionally terminates and drops every tracked entry for
// the agent key, busy or not.
func (s *ProcessPoolService) StopAgent(ctx context.Context, key string) {
	s.mu.Lock()
	pool := s.pools[key]
	delete(s.pools, key)
	s.mu.Unlock()

	for _, p := range pool {
		s.destroy(ctx, key, p, "stop")
	}
	if len(pool) > 0 {
		slog.Info("agent pool stopped", "agent", key, "sessions", len(pool))
	}
}

// StopAll terminates every tracked entry across all agent keys.
func (s *ProcessPoolService) StopAll(ctx context.Context) {
	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[string][]*PooledProcess)
	s.mu.Unlock()

	for key, pool := range pools {
		for _, p := range pool {
			s.destroy(ctx, key, p, "shutdown")
		}
	}
}

// Count returns the number of tracked entries for an agent key.
func (s *ProcessPoolService) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools[key])
}

// PoolStat is a point-in-time snapshot of one agent key's pool.
type PoolStat struct {
	Agent    string `json:"agent"`
	Size     int    `json:"size"`
	Busy     int    `json:"busy"`
	Capacity int    `json:"capacity"`
}

// Stats returns a snapshot of every non-empty pool.
func (s *ProcessPoolService) Stats() []PoolStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]PoolStat, 0, len(s.pools))
	for key, pool := range s.pools {
		st := PoolStat{Agent: key, Size: len(pool), Capacity: s.poolSize(key)}
		for _, p := range pool {
			if p.busy {
				st.Busy++
			}
		}
		stats = append(stats, st)
	}
	return stats
}

type poolVictim struct {
	key   string
	entry *PooledProcess
}

// dropEntry removes one entry from a key's pool. Caller holds s.mu.
func (s *ProcessPoolService) dropEntry(key string, p *PooledProcess) {
	pool := s.pools[key]
	for i, entry := range pool {
		if entry == p {
			s.pools[key] = append(pool[:i], pool[i+1:]...)
			return
		}
	}
}

// destroy closes an entry's handle outside the pool mutex.
func (s *ProcessPoolService) destroy(ctx context.Context, key string, p *PooledProcess, reason string) {
	if p.Handle == nil {
		return
	}
	if err := p.Handle.Close(ctx); err != nil {
		slog.Warn("session close failed", "agent", key, "session_id", p.Handle.ID(), "reason", reason, "error", err)
		return
	}
	slog.Debug("session destroyed", "agent", key, "session_id", p.Handle.ID(), "reason", reason)
}

func sessionID(p *PooledProcess) string {
	if p == nil || p.Handle == nil {
		return ""
	}
	return p.Handle.ID()
}
