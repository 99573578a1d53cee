package ticket

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndGet(t *testing.T) {
	s := newTestStore(t)

	if err := s.Register(&protocol.Ticket{ID: "T-1", Title: "Fix the bug", Priority: 5}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := s.Get("T-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Fix the bug" || got.Priority != 5 {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Status != protocol.TicketPending {
		t.Errorf("expected pending, got %q", got.Status)
	}
}

func TestRegister_KeepsProgress(t *testing.T) {
	s := newTestStore(t)
	s.Register(&protocol.Ticket{ID: "T-1", Title: "Original"})
	s.Transition("T-1", protocol.TicketCompleted, "done")
	s.RecordAttempt("T-1", "")

	s.Register(&protocol.Ticket{ID: "T-1", Title: "Renamed", Priority: 2})

	got, _ := s.Get("T-1")
	if got.Title != "Renamed" || got.Priority != 2 {
		t.Errorf("title/priority not refreshed: %+v", got)
	}
	if got.Status != protocol.TicketCompleted || got.Attempts != 1 {
		t.Errorf("progress lost on re-register: %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	s.Register(&protocol.Ticket{ID: "T-1", Title: "x"})

	steps := []protocol.TicketStatus{protocol.TicketPlanning, protocol.TicketAwaitingApproval, protocol.TicketApproved, protocol.TicketExecuting, protocol.TicketCompleted}
	for _, st := range steps {
		if err := s.Transition("T-1", st, "step "+string(st)); err != nil {
			t.Fatalf("transition %s: %v", st, err)
		}
	}

	got, _ := s.Get("T-1")
	if got.Status != protocol.TicketCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if len(got.History) != len(steps) {
		t.Fatalf("history len = %d", len(got.History))
	}
	if got.History[0].From != protocol.TicketPending || got.History[0].To != protocol.TicketPlanning {
		t.Errorf("first event = %+v", got.History[0])
	}
	if got.History[4].From != protocol.TicketExecuting || got.History[4].Note != "step completed" {
		t.Errorf("last event = %+v", got.History[4])
	}
}

func TestTransition_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.Transition("ghost", protocol.TicketFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttemptsCostAndReset(t *testing.T) {
	s := newTestStore(t)
	s.Register(&protocol.Ticket{ID: "T-1", Title: "x"})
	s.RecordAttempt("T-1", "agent crashed")
	s.RecordAttempt("T-1", "timeout")
	s.AddCost("T-1", 0.25)
	s.AddCost("T-1", 0.5)

	got, _ := s.Get("T-1")
	if got.Attempts != 2 || got.LastError != "timeout" {
		t.Errorf("attempts = %d last = %q", got.Attempts, got.LastError)
	}
	if got.CostUSD != 0.75 {
		t.Errorf("cost = %v", got.CostUSD)
	}

	s.Transition("T-1", protocol.TicketFailed, "")
	if err := s.Reset("T-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get("T-1")
	if got.Status != protocol.TicketPending || got.Attempts != 0 || got.CostUSD != 0 {
		t.Errorf("reset failed: %+v", got)
	}
	if err := s.RecordAttempt("ghost", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	for i := range 4 {
		s.Register(&protocol.Ticket{ID: fmt.Sprintf("T-%d", i), Title: fmt.Sprintf("Task %d", i), Priority: i})
	}
	s.Transition("T-2", protocol.TicketCompleted, "")

	all, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ID != "T-3" {
		t.Errorf("expected priority order, got %v", ids(all))
	}

	done := protocol.TicketCompleted
	completed, _ := s.List(Filter{Status: &done})
	if len(completed) != 1 || completed[0].ID != "T-2" {
		t.Errorf("status filter = %v", ids(completed))
	}

	limited, _ := s.List(Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit = %d", len(limited))
	}

	q, _ := s.List(Filter{Query: "Task 1"})
	if len(q) != 1 || q[0].ID != "T-1" {
		t.Errorf("query = %v", ids(q))
	}

	n, _ := s.Count(Filter{Status: &done})
	if n != 1 {
		t.Errorf("count = %d", n)
	}
}

func ids(rs []*Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
