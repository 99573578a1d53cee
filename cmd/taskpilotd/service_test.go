package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/taskpilot/internal/agent"
	apiPkg "github.com/h1v3-io/taskpilot/internal/api"
	"github.com/h1v3-io/taskpilot/internal/config"
	"github.com/h1v3-io/taskpilot/internal/multiplex"
	"github.com/h1v3-io/taskpilot/internal/orchestrator"
	"github.com/h1v3-io/taskpilot/internal/statestore"
	"github.com/h1v3-io/taskpilot/internal/ticket"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

type fakeRunner struct {
	mu      sync.Mutex
	starts  int
	release chan struct{}
	err     error
}

func (f *fakeRunner) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.err
}

func (f *fakeRunner) Running() bool { return false }

func TestQueue_OneRunAtATime(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{}), err: fmt.Errorf("T-1: %w", orchestrator.ErrHalted)}
	q := newQueue(context.Background(), r, slog.Default())

	if !q.start("first") {
		t.Fatal("first start refused")
	}
	if q.start("second") {
		t.Error("second start accepted while busy")
	}
	if started, _ := q.trigger("queue"); started {
		t.Error("scheduled start accepted while busy")
	}

	done := q.wait()
	close(r.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
	if !errors.Is(q.err(), orchestrator.ErrHalted) {
		t.Errorf("err = %v, want ErrHalted", q.err())
	}

	r.err = nil
	if !q.start("again") {
		t.Fatal("start refused after run finished")
	}
	<-q.wait()
	if q.err() != nil {
		t.Errorf("err = %v after clean run", q.err())
	}
	if r.starts != 2 {
		t.Errorf("starts = %d, want 2", r.starts)
	}
}

func TestQueue_WaitBeforeStart(t *testing.T) {
	q := newQueue(context.Background(), &fakeRunner{}, slog.Default())
	select {
	case <-q.wait():
	default:
		t.Error("wait blocks with no run started")
	}
}

func TestStatusPump_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	pump := newStatusPump(func(_ context.Context, u protocol.StatusUpdate) {
		mu.Lock()
		got = append(got, u.Event)
		mu.Unlock()
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump.run(ctx)

	pump.listen(orchestrator.Event{Type: orchestrator.EventTicketStart, TicketID: "T-1"})
	pump.listen(orchestrator.Event{Type: orchestrator.EventTicketCompleted, TicketID: "T-1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d updates", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got[0] != string(orchestrator.EventTicketStart) || got[1] != string(orchestrator.EventTicketCompleted) {
		t.Errorf("order = %v", got)
	}
}

// gatedAgent plans instantly and holds every execution until release closes.
type gatedAgent struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *gatedAgent) GeneratePlan(context.Context, string, agent.Options) (agent.PlanResult, error) {
	return agent.PlanResult{Success: true, Plan: "1. do it"}, nil
}

func (a *gatedAgent) Execute(ctx context.Context, _ string, _ agent.Options, _ agent.Callbacks) (agent.ExecResult, error) {
	a.once.Do(func() { close(a.entered) })
	select {
	case <-a.release:
	case <-ctx.Done():
	}
	return agent.ExecResult{Success: true}, nil
}

func (a *gatedAgent) Resume(ctx context.Context, _, _ string, opts agent.Options, cb agent.Callbacks) (agent.ExecResult, error) {
	return a.Execute(ctx, "", opts, cb)
}

func TestAPIService(t *testing.T) {
	dir := t.TempDir()
	ledger, err := ticket.NewSQLiteStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })
	state := statestore.New(dir)
	ag := &gatedAgent{entered: make(chan struct{}), release: make(chan struct{})}
	orch, err := orchestrator.New(config.Config{AutoApprove: true}, []protocol.Ticket{
		{ID: "T-1", Title: "first"},
		{ID: "T-2", Title: "second"},
	}, orchestrator.Deps{Agent: ag, State: state, Ledger: ledger, Logger: slog.Default()})
	if err != nil {
		t.Fatal(err)
	}
	mux := multiplex.New(slog.Default())
	svc := &apiService{orch: orch, state: state, ledger: ledger, requests: mux, queue: newQueue(context.Background(), orch, slog.Default())}
	var _ apiPkg.Service = svc

	recs, err := svc.Records(ticket.Filter{Query: "sec"})
	if err != nil || len(recs) != 1 || recs[0].ID != "T-2" {
		t.Fatalf("Records = %v, %v", recs, err)
	}
	pending := protocol.TicketPending
	if n, err := svc.Count(ticket.Filter{Status: &pending}); err != nil || n != 2 {
		t.Errorf("Count(pending) = %d, %v", n, err)
	}
	if err := svc.Reset("T-404"); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("Reset unknown = %v", err)
	}
	if svc.CancelApproval("nope") || svc.CancelQuestion("nope") {
		t.Error("cancel reported a request that was never pending")
	}

	svc.queue.start("test")
	<-ag.entered
	if err := svc.Reset("T-1"); !errors.Is(err, apiPkg.ErrBusy) {
		t.Errorf("Reset while running = %v, want ErrBusy", err)
	}
	close(ag.release)
	<-svc.queue.wait()

	completed := protocol.TicketCompleted
	if n, _ := svc.Count(ticket.Filter{Status: &completed}); n != 2 {
		t.Errorf("completed = %d, want 2", n)
	}
	if err := svc.Reset("T-1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec, _ := svc.Record("T-1"); rec.Status != protocol.TicketPending {
		t.Errorf("T-1 after reset = %s", rec.Status)
	}
}
