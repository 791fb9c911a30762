package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, nil, zerolog.Nop())
	now := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", got)
	}
	exact := time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(time.Minute)) {
		t.Fatalf("a tick on the boundary should move to the next bucket, got %s", got)
	}
	if got := s.bucketStart(exact.Add(20 * time.Second)); !got.Equal(exact) {
		t.Fatalf("unexpected bucket %s", got)
	}
}

func TestRunDropsOverlappingTicks(t *testing.T) {
	s := New(Options{Interval: 20 * time.Millisecond}, nil, zerolog.Nop())

	var started, concurrent, maxConcurrent atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		started.Add(1)
		n := concurrent.Add(1)
		if n > maxConcurrent.Load() {
			maxConcurrent.Store(n)
		}
		defer concurrent.Add(-1)
		select {
		case <-ctx.Done():
		case <-time.After(90 * time.Millisecond):
		}
		return errors.New("cycle errors are swallowed")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error %v", err)
	}
	if maxConcurrent.Load() != 1 {
		t.Fatalf("cycles must never overlap, saw %d", maxConcurrent.Load())
	}
	if s.Dropped() == 0 {
		t.Fatal("ticks during a running cycle should be dropped")
	}
	if started.Load() < 2 {
		t.Fatalf("expected the loop to keep running after dropped ticks, started %d", started.Load())
	}
}

func TestRunWaitsForInflightCycle(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var finished atomic.Bool
	entered := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()

	<-entered
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if !finished.Load() {
		t.Fatal("Run returned before the in-flight cycle finished")
	}
	if s.Running() {
		t.Fatal("no cycle should be running after Run returns")
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	if err := s.Run(ctx, func(context.Context, time.Time) error { calls++; return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error %v", err)
	}
	if calls != 0 {
		t.Fatal("no cycle may start after cancellation")
	}
}

func TestCycleTimeout(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, CycleTimeout: 15 * time.Millisecond}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan error, 1)
	go s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		<-ctx.Done()
		select {
		case got <- ctx.Err():
		default:
		}
		return ctx.Err()
	})

	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected cycle deadline, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cycle timeout not applied")
	}
}
