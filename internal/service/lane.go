package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skein-dev/skein/internal/config"
)

// ErrLaneCleared rejects entries that were still pending when their lane was
// cleared.
var ErrLaneCleared = errors.New("lane cleared")

// SessionLanePrefix namespaces the per-session lanes composed by
// EnqueueWithSession.
const SessionLanePrefix = "session:"

// DefaultGlobalLane is the shared lane all session-scoped work funnels into.
const DefaultGlobalLane = "main"

// SlowWaitFunc observes entries whose enqueue-to-dispatch wait exceeded the
// configured threshold. Purely informational.
type SlowWaitFunc func(lane string, waited time.Duration, remaining int)

// laneEntry is one queued unit of work. done receives exactly one value:
// the task's error, the enqueue context's error, or ErrLaneCleared.
type laneEntry struct {
	run        func(ctx context.Context) error
	ctx        context.Context
	done       chan error
	enqueuedAt time.Time
}

// laneState is the owned queue behind one named lane. All fields are guarded
// by LaneService.mu — the single-writer contract of the pump.
type laneState struct {
	name          string
	queue         []*laneEntry
	active        int
	maxConcurrent int
}

// LaneService provides named FIFO queues with per-lane concurrency limits.
// FIFO ordering holds per lane only; distinct lanes are fully independent.
// A failing task never stalls its lane: completion, success or error, always
// re-triggers the pump.
type LaneService struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	cfg    config.Lanes
	onSlow SlowWaitFunc
	now    func() time.Time // for testing
}

// NewLaneService creates a LaneService.
func NewLaneService(cfg config.Lanes) *LaneService {
	return &LaneService{
		lanes: make(map[string]*laneState),
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetSlowWaitObserver registers a callback invoked when an entry's wait
// exceeded the warn threshold. Must be set before work is enqueued.
func (s *LaneService) SetSlowWaitObserver(fn SlowWaitFunc) {
	s.onSlow = fn
}

// Enqueue appends fn to the named lane and blocks until it has run or been
// rejected. The pump dispatches entries strictly in arrival order, at most
// maxConcurrent at a time.
func (s *LaneService) Enqueue(ctx context.Context, lane string, fn func(ctx context.Context) error) error {
	entry := &laneEntry{
		run:        fn,
		ctx:        ctx,
		done:       make(chan error, 1),
		enqueuedAt: s.now(),
	}

	s.mu.Lock()
	l := s.getLane(lane)
	l.queue = append(l.queue, entry)
	s.pump(l)
	s.mu.Unlock()

	return <-entry.done
}

// EnqueueWithSession composes two lanes: fn is first admitted into the
// session-scoped lane (serialized against work from the same session), and
// once admitted there, into the shared global lane. Work from one session is
// serialized relative to itself while all sessions compete for one shared
// concurrency budget.
func (s *LaneService) EnqueueWithSession(ctx context.Context, sessionKey string, fn func(ctx context.Context) error) error {
	return s.EnqueueWithSessionLane(ctx, sessionKey, DefaultGlobalLane, fn)
}

// EnqueueWithSessionLane is EnqueueWithSession with an explicit global lane.
func (s *LaneService) EnqueueWithSessionLane(ctx context.Context, sessionKey, globalLane string, fn func(ctx context.Context) error) error {
	return s.Enqueue(ctx, SessionLanePrefix+sessionKey, func(ctx context.Context) error {
		return s.Enqueue(ctx, globalLane, fn)
	})
}

// ClearLane rejects every still-pending entry with ErrLaneCleared. Entries
// already dispatched are unaffected.
func (s *LaneService) ClearLane(lane string) int {
	s.mu.Lock()
	l, ok := s.lanes[lane]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	cleared := l.queue
	l.queue = nil
	s.mu.Unlock()

	for _, e := range cleared {
		e.done <- fmt.Errorf("lane %q: %w", lane, ErrLaneCleared)
	}
	if len(cleared) > 0 {
		slog.Info("lane cleared", "lane", lane, "rejected", len(cleared))
	}
	return len(cleared)
}

// SetMaxConcurrent changes a lane's concurrency limit at runtime. Raising
// the limit immediately re-triggers the pump.
func (s *LaneService) SetMaxConcurrent(lane string, n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	l := s.getLane(lane)
	l.maxConcurrent = n
	s.pump(l)
	s.mu.Unlock()
}

// LaneStat is a point-in-time snapshot of one lane.
type LaneStat struct {
	Name          string `json:"name"`
	Pending       int    `json:"pending"`
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// Stats returns a snapshot of every known lane.
func (s *LaneService) Stats() []LaneStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]LaneStat, 0, len(s.lanes))
	for _, l := range s.lanes {
		stats = append(stats, LaneStat{
			Name:          l.name,
			Pending:       len(l.queue),
			Active:        l.active,
			MaxConcurrent: l.maxConcurrent,
		})
	}
	return stats
}

// getLane returns the lane, creating it on first use. Session lanes default
// to a concurrency limit of 1. Caller must hold s.mu.
func (s *LaneService) getLane(name string) *laneState {
	l, ok := s.lanes[name]
	if ok {
		return l
	}

	maxConcurrent := s.cfg.DefaultMaxConcurrent
	if strings.HasPrefix(name, SessionLanePrefix) {
		maxConcurrent = 1
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	l = &laneState{name: name, maxConcurrent: maxConcurrent}
	s.lanes[name] = l
	return l
}

// pump starts queued entries while the lane is under its limit. Caller must
// hold s.mu. Each dispatched entry runs on its own goroutine; on completion
// it decrements active and pumps again, so the lane drains regardless of
// task outcomes.
func (s *LaneService) pump(l *laneState) {
	for l.active < l.maxConcurrent && len(l.queue) > 0 {
		entry := l.queue[0]
		l.queue = l.queue[1:]

		// Entries whose caller gave up are rejected without occupying a slot.
		if err := entry.ctx.Err(); err != nil {
			entry.done <- err
			continue
		}

		waited := s.now().Sub(entry.enqueuedAt)
		if s.cfg.WarnAfter > 0 && waited > s.cfg.WarnAfter {
			remaining := len(l.queue)
			slog.Warn("slow lane dispatch", "lane", l.name, "waited", waited, "remaining", remaining)
			if s.onSlow != nil {
				go s.onSlow(l.name, waited, remaining)
			}
		}

		l.active++
		go s.runEntry(l, entry)
	}
}

// runEntry executes one dispatched entry and re-pumps its lane.
func (s *LaneService) runEntry(l *laneState, entry *laneEntry) {
	err := entry.run(entry.ctx)

	s.mu.Lock()
	l.active--
	s.pump(l)
	s.mu.Unlock()

	entry.done <- err
}
