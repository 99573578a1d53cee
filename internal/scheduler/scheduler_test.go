package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAddJob(t *testing.T) {
	var mu sync.Mutex
	var calls []string

	sched := New(func(job string) (bool, error) {
		mu.Lock()
		calls = append(calls, job)
		mu.Unlock()
		return true, nil
	}, nil)

	if err := sched.AddJob("queue", "@every 1s"); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if sched.JobCount() != 1 {
		t.Errorf("JobCount = %d", sched.JobCount())
	}

	// Start cron and wait for it to fire
	sched.cron.Start()
	time.Sleep(1500 * time.Millisecond)
	sched.cron.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("expected at least one call")
	}
	if calls[0] != "queue" {
		t.Errorf("call = %q", calls[0])
	}
}

func TestAddJob_ReplacesSameName(t *testing.T) {
	sched := New(func(string) (bool, error) { return true, nil }, nil)
	sched.AddJob("queue", "@every 1h")
	sched.AddJob("queue", "@every 2h")
	sched.AddJob("nightly", "0 3 * * *")

	if sched.JobCount() != 2 {
		t.Errorf("JobCount = %d, want 2", sched.JobCount())
	}
	if n := len(sched.cron.Entries()); n != 2 {
		t.Errorf("cron entries = %d, want 2", n)
	}
}

func TestInvalidSchedule(t *testing.T) {
	sched := New(func(string) (bool, error) { return true, nil }, nil)
	if err := sched.AddJob("queue", "invalid-cron"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d after failed add", sched.JobCount())
	}
}

func TestRemoveJob(t *testing.T) {
	sched := New(func(string) (bool, error) { return true, nil }, nil)
	sched.AddJob("queue", "@every 1h")

	if !sched.RemoveJob("queue") {
		t.Error("RemoveJob returned false for existing job")
	}
	if sched.RemoveJob("queue") {
		t.Error("RemoveJob returned true for removed job")
	}
	if sched.JobCount() != 0 {
		t.Errorf("JobCount = %d after remove", sched.JobCount())
	}
}

func TestNext(t *testing.T) {
	sched := New(func(string) (bool, error) { return true, nil }, nil)
	sched.AddJob("queue", "@every 1h")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		next, ok := sched.Next("queue")
		if !ok {
			t.Fatal("job not found")
		}
		if !next.IsZero() {
			if d := time.Until(next); d <= 0 || d > time.Hour+time.Second {
				t.Errorf("next in %v", d)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("next activation never scheduled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := sched.Next("missing"); ok {
		t.Error("Next reported unknown job")
	}
}

func TestFire_ReportsOutcome(t *testing.T) {
	results := []struct {
		started bool
		err     error
	}{
		{true, nil},
		{false, nil},
		{false, errors.New("state unreadable")},
	}
	var n int
	sched := New(func(string) (bool, error) {
		r := results[n]
		n++
		return r.started, r.err
	}, nil)
	for range results {
		sched.fire("queue")
	}
	if n != len(results) {
		t.Errorf("trigger calls = %d", n)
	}
}
