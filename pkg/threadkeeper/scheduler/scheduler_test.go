package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAdd_Validation(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	noop := func(context.Context) error { return nil }
	cases := []Job{
		{Schedule: "@hourly", Run: noop},
		{Name: "a", Run: noop},
		{Name: "a", Schedule: "@hourly"},
		{Name: "a", Schedule: "not a schedule", Run: noop},
	}
	for _, job := range cases {
		if err := s.Add(job); err == nil {
			t.Errorf("expected error for %+v", job)
		}
	}

	if err := s.Add(Job{Name: "sweep", Schedule: "@hourly", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "sweep", Schedule: "@daily", Run: noop}); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestRunNow_RecordsStatus(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var calls atomic.Int32
	fail := errors.New("boom")
	s.Add(Job{Name: "ok", Schedule: "@hourly", Run: func(ctx context.Context) error {
		calls.Add(1)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the job context")
		}
		return nil
	}})
	s.Add(Job{Name: "bad", Schedule: "*/5 * * * *", Run: func(context.Context) error { return fail }})
	s.Start()

	if err := s.RunNow("ok"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("bad"); !errors.Is(err, fail) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}

	status := s.Status()
	if len(status) != 2 || status[0].Name != "bad" || status[1].Name != "ok" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status[0].LastError != "boom" || status[1].RunCount != 1 || calls.Load() != 1 {
		t.Errorf("unexpected run history %+v", status)
	}
	if status[1].Next.IsZero() {
		t.Error("expected next fire time once started")
	}
}

func TestRunNow_RecoversPanic(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	s.Add(Job{Name: "p", Schedule: "@hourly", Run: func(context.Context) error { panic("oops") }})
	err := s.RunNow("p")
	if err == nil || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}

func TestRunNow_SkipsOverlap(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	s.Add(Job{Name: "slow", Schedule: "@hourly", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started

	if err := s.RunNow("slow"); err == nil {
		t.Error("expected overlapping run to be skipped")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRemove(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	s.Add(Job{Name: "x", Schedule: "@every 1h", Run: func(context.Context) error { return nil }})
	if err := s.Remove("x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("x"); err == nil {
		t.Error("expected not found")
	}
	if len(s.Status()) != 0 {
		t.Error("expected no jobs")
	}
}

func TestTimeout(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	s.Add(Job{Name: "t", Schedule: "@hourly", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if err := s.RunNow("t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
