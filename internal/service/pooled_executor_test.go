package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skein-dev/skein/internal/config"
	"github.com/skein-dev/skein/internal/port/executor"
	"github.com/skein-dev/skein/internal/port/session"
)

func TestPooledExecutorRoundTrip(t *testing.T) {
	pool := newTestPool(config.Pool{DefaultPoolSize: 1})
	pe := NewPooledExecutor(pool, func(_ context.Context, target string) (session.Handle, error) {
		return newFakeHandle("session-" + target), nil
	})

	out, err := pe.Execute(context.Background(), "coder", "hello", time.Minute)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "echo: hello" {
		t.Fatalf("unexpected output %q", out)
	}

	// The session was released and is reused by the next dispatch.
	if _, err := pe.Execute(context.Background(), "coder", "again", time.Minute); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if got := pool.Count("coder"); got != 1 {
		t.Fatalf("expected a single pooled session, got %d", got)
	}
}

func TestPooledExecutorSaturationIsBusy(t *testing.T) {
	pool := newTestPool(config.Pool{DefaultPoolSize: 1})
	pe := NewPooledExecutor(pool, func(_ context.Context, target string) (session.Handle, error) {
		return newFakeHandle("s"), nil
	})

	// Hold the only slot so the next dispatch sees a saturated pool.
	held, _, err := pool.Acquire(context.Background(), "coder", "c", func(context.Context) (session.Handle, error) {
		return newFakeHandle("held"), nil
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = pe.Execute(context.Background(), "coder", "hello", time.Minute)
	if !executor.IsBusy(err) {
		t.Fatalf("expected busy-class error, got %v", err)
	}
	if !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("expected ErrPoolSaturated in the chain, got %v", err)
	}

	pool.Release("coder", held)
	if _, err := pe.Execute(context.Background(), "coder", "hello", time.Minute); err != nil {
		t.Fatalf("execute after release: %v", err)
	}
}

func TestLanedExecutorDelegates(t *testing.T) {
	lanes := newTestLanes(2)
	inner := newScriptedExec(func(target, input string) (string, error) {
		return "ran " + input + " on " + target, nil
	})
	le := NewLanedExecutor(lanes, inner)

	out, err := le.Execute(context.Background(), "coder", "task", time.Minute)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "ran task on coder" {
		t.Fatalf("unexpected output %q", out)
	}
	<-inner.started
}

func TestLanedExecutorPropagatesError(t *testing.T) {
	lanes := newTestLanes(2)
	boom := errors.New("worker unreachable")
	le := NewLanedExecutor(lanes, executor.Func(func(context.Context, string, string, time.Duration) (string, error) {
		return "", boom
	}))

	if _, err := le.Execute(context.Background(), "coder", "task", time.Minute); !errors.Is(err, boom) {
		t.Fatalf("expected inner error, got %v", err)
	}
}
