package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"pricewatch/internal/scraper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner 统计批量抓取调用次数。
type fakeRunner struct {
	runs    atomic.Int64
	err     error
	blockCh chan struct{}
}

func (r *fakeRunner) RunAll(ctx context.Context) (*scraper.RunResult, error) {
	r.runs.Add(1)
	if r.blockCh != nil {
		select {
		case <-r.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &scraper.RunResult{StartedAt: time.Now(), FinishedAt: time.Now()}, nil
}

func TestScheduler_DisabledStaysIdle(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, testLogger(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	if s.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", s.State())
	}

	time.Sleep(50 * time.Millisecond)
	if runner.runs.Load() != 0 {
		t.Fatalf("expected no scheduled runs, got %d", runner.runs.Load())
	}
}

func TestScheduler_PeriodicTrigger(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, testLogger(), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	if s.State() != StateActive {
		t.Fatalf("expected active state, got %s", s.State())
	}

	deadline := time.After(2 * time.Second)
	for runner.runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 scheduled runs, got %d", runner.runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScheduler_RunNowIndependentOfSchedule(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, testLogger(), 0)

	result, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if result == nil {
		t.Fatal("expected run result")
	}
	if runner.runs.Load() != 1 {
		t.Fatalf("expected exactly 1 run, got %d", runner.runs.Load())
	}
}

func TestScheduler_RunNowPropagatesInProgress(t *testing.T) {
	runner := &fakeRunner{err: scraper.ErrRunInProgress}
	s := New(runner, testLogger(), 0)

	if _, err := s.RunNow(context.Background()); !errors.Is(err, scraper.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestScheduler_SlowRunDropsOverlappingTicks(t *testing.T) {
	runner := &fakeRunner{blockCh: make(chan struct{})}
	s := New(runner, testLogger(), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)

	// 第一轮一直阻塞，队列容量 1：后续 tick 至多补位一次，
	// 其余全部被丢弃。
	time.Sleep(200 * time.Millisecond)
	close(runner.blockCh)
	time.Sleep(50 * time.Millisecond)

	if runs := runner.runs.Load(); runs > 3 {
		t.Fatalf("expected overlapping ticks to be dropped, got %d runs", runs)
	}
}
