package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitQuiet(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("supervisor did not settle in time")
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	boom := errors.New("boom")

	s.Go("a", func(ctx context.Context) error { return boom })
	s.Go("b", func(ctx context.Context) error { return nil })
	s.Cancel()
	waitQuiet(t, s)

	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want wrapped boom", err)
	}
}

func TestCanceledIsACleanStop(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	})
	s.Cancel()
	waitQuiet(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	})
	s.Go("failing", func(ctx context.Context) error { return errors.New("fatal") })

	waitQuiet(t, s)
	if s.Err() == nil {
		t.Fatal("first error lost")
	}
	if s.Context().Err() == nil {
		t.Fatal("context not canceled on error")
	}
}

func TestPanicIsCapturedNotPropagated(t *testing.T) {
	s := New(context.Background())
	s.Go("panics", func(ctx context.Context) error { panic("kaboom") })
	s.Cancel()
	waitQuiet(t, s)

	err := s.Err()
	if err == nil {
		t.Fatal("panic not recorded as error")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitQuiet(t, s)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	// Restarted-through errors without publish stay invisible.
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2))

	waitQuiet(t, s)
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if s.Err() == nil {
		t.Fatal("giving up must record the error")
	}
}

func TestGoRestartPublishFirstError(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	var runs atomic.Int32

	s.GoRestart("watched", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("first failure")
		}
		<-release
		return nil
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithPublishFirstError(true))

	deadline := time.After(5 * time.Second)
	for s.Err() == nil {
		select {
		case <-deadline:
			t.Fatal("first error never published")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	waitQuiet(t, s)
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		return errors.New("keeps failing")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	s.Cancel()
	waitQuiet(t, s)
}

func TestSnapshotCountsRestarts(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("task", func(ctx context.Context) error {
		if runs.Add(1) < 2 {
			return errors.New("once")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitQuiet(t, s)
	snap := s.Snapshot()

	var found bool
	for _, ts := range snap.Tasks {
		if ts.Name != "task" {
			continue
		}
		found = true
		if ts.Restarts != 1 {
			t.Fatalf("restarts = %d, want 1", ts.Restarts)
		}
		if ts.Started != 2 {
			t.Fatalf("started = %d, want 2", ts.Started)
		}
		if ts.LastErr == "" {
			t.Fatal("last error not recorded")
		}
	}
	if !found {
		t.Fatalf("task missing from snapshot: %+v", snap.Tasks)
	}
}
