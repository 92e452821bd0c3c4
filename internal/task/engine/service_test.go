package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"wadispatch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.Snapshot().History; len(h) >= n {
			return h
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("history did not reach %d entries", n)
	return nil
}

func fastRetry(n int) TaskOptions {
	return TaskOptions{RetryMax: n, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	err := s.Enqueue(Task{Name: "flaky", Opt: fastRetry(3), Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error != "" || h[0].Attempts != 3 {
		t.Fatalf("history = %+v, want success after 3 attempts", h[0])
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "bad", Opt: fastRetry(5), Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}})
	h := waitHistory(t, s, 1)
	if calls.Load() != 1 || h[0].Attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1", calls.Load(), h[0].Attempts)
	}
}

func TestPanicIsRecorded(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("boom") }})
	h := waitHistory(t, s, 1)
	if h[0].Error != "panic: boom" {
		t.Fatalf("Error = %q, want panic: boom", h[0].Error)
	}
	// The worker survives.
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }})
	waitHistory(t, s, 2)
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	run := func(context.Context) error { <-release; return nil }

	if err := s.Enqueue(Task{Name: "slow", Run: run}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := s.Enqueue(Task{Name: "slow", Run: run}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue() error = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitHistory(t, s, 1)
	if err := s.Enqueue(Task{Name: "slow", Run: run}); err != nil {
		t.Fatalf("Enqueue() after finish error = %v", err)
	}
	if got := s.Snapshot().SkippedOverlap; got != 1 {
		t.Fatalf("SkippedOverlap = %d, want 1", got)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	fail := Task{Name: "down", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { return errors.New("down") }}

	for i := 1; i <= 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("Enqueue() #%d error = %v", i, err)
		}
		waitHistory(t, s, i)
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Enqueue() error = %v, want ErrCircuitOpen", err)
	}
	if open := s.Snapshot().CircuitOpen; len(open) != 1 || open[0] != "down" {
		t.Fatalf("CircuitOpen = %v, want [down]", open)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	allow := TaskOptions{Overlap: OverlapAllow}

	_ = s.Enqueue(Task{Name: "hold", Opt: allow, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "a", Opt: allow, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Enqueue(Task{Name: "b", Opt: allow, Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() error = %v, want ErrStopped", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		retry int
		err   error
		want  time.Duration
	}{
		{1, errors.New("x"), 100 * time.Millisecond},
		{3, errors.New("x"), 400 * time.Millisecond},
		{10, errors.New("x"), time.Second},
		{1, RetryAfter(errors.New("x"), 300*time.Millisecond), 300 * time.Millisecond},
		{1, RetryAfter(errors.New("x"), time.Minute), time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(opt, tt.retry, tt.err); got != tt.want {
			t.Fatalf("backoffDelay(%d, %v) = %v, want %v", tt.retry, tt.err, got, tt.want)
		}
	}
}
