package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/taskpilot/internal/sanitize"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if _, err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func TestGetPaths(t *testing.T) {
	p := GetPaths("/proj")
	if p.StateFile != "/proj/.taskpilot/state.json" {
		t.Errorf("state file = %q", p.StateFile)
	}
	if p.PlansDir != "/proj/.taskpilot/plans" || p.SessionsDir != "/proj/.taskpilot/sessions" {
		t.Errorf("unexpected dirs: %+v", p)
	}
	if p.LogsDir != "/proj/.taskpilot/logs" || p.QuestionsDir != "/proj/.taskpilot/questions" {
		t.Errorf("unexpected dirs: %+v", p)
	}
}

func TestInitCreatesIdleState(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if s.Exists() {
		t.Fatal("state should not exist before init")
	}
	if _, err := s.Load(); !errors.Is(err, ErrNoState) {
		t.Fatalf("load before init = %v, want ErrNoState", err)
	}

	st, err := s.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if st.CurrentPhase != protocol.PhaseIdle || st.CurrentTicketID != nil {
		t.Errorf("expected idle state, got %+v", st)
	}
	if st.Version != protocol.StateVersion {
		t.Errorf("version = %d", st.Version)
	}
	if !s.Exists() {
		t.Fatal("state should exist after init")
	}
	for _, dir := range []string{s.Paths().PlansDir, s.Paths().SessionsDir, s.Paths().LogsDir, s.Paths().QuestionsDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("missing dir %s", dir)
		}
	}

	// Init must not clobber an existing document.
	s.Update(func(st *protocol.ProcessingState) error {
		st.PauseRequested = true
		return nil
	})
	st, _ = s.Init()
	if !st.PauseRequested {
		t.Error("init overwrote existing state")
	}
}

func TestUpdateMergesAndStamps(t *testing.T) {
	s := newTestStore(t)
	before, _ := s.Load()

	s.now = func() time.Time { return before.LastUpdatedAt.Add(time.Minute) }
	st, err := s.Update(func(st *protocol.ProcessingState) error {
		st.CurrentTicketID = strPtr("T-1")
		st.CurrentPhase = protocol.PhasePlanning
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !st.LastUpdatedAt.After(before.LastUpdatedAt) {
		t.Error("lastUpdatedAt not advanced")
	}
	if !st.StartedAt.Equal(before.StartedAt) {
		t.Error("startedAt changed")
	}

	loaded, _ := s.Load()
	if loaded.Current() != "T-1" || loaded.CurrentPhase != protocol.PhasePlanning {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestUpdateRejectsInconsistentPhase(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(func(st *protocol.ProcessingState) error {
		st.CurrentPhase = protocol.PhaseExecuting
		return nil
	})
	if err == nil {
		t.Fatal("expected invariant error for executing without ticket")
	}
	_, err = s.Update(func(st *protocol.ProcessingState) error {
		st.CurrentTicketID = strPtr("T-1")
		st.CurrentPhase = protocol.PhaseIdle
		return nil
	})
	if err == nil {
		t.Fatal("expected invariant error for idle with ticket")
	}
	st, _ := s.Load()
	if st.CurrentTicketID != nil {
		t.Error("rejected update was persisted")
	}
}

func TestUpdateFnErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	_, err := s.Update(func(st *protocol.ProcessingState) error {
		st.PauseRequested = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	st, _ := s.Load()
	if st.PauseRequested {
		t.Error("state written despite error")
	}
}

func TestLeftoverTempFileNeverVisible(t *testing.T) {
	s := newTestStore(t)
	s.Update(func(st *protocol.ProcessingState) error {
		st.CurrentTicketID = strPtr("T-9")
		st.CurrentPhase = protocol.PhaseExecuting
		return nil
	})

	// Simulate a crash between temp write and rename.
	tmp := filepath.Join(s.Paths().Root, ".state.json.12345.tmp")
	if err := os.WriteFile(tmp, []byte(`{"version":1,"current_ph`), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Current() != "T-9" {
		t.Errorf("current = %q", st.Current())
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	os.WriteFile(s.Paths().StateFile, []byte("{not json"), 0o644)
	if _, err := s.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AddPendingQuestion(protocol.PendingQuestion{
				ID:       strings.Repeat("q", i+1),
				TicketID: "T-1",
				Question: "?",
			})
		}(i)
	}
	wg.Wait()
	st, _ := s.Load()
	if len(st.PendingQuestions) != 20 {
		t.Fatalf("pending = %d, want 20", len(st.PendingQuestions))
	}
}

func TestPendingQuestions(t *testing.T) {
	s := newTestStore(t)
	q1 := protocol.PendingQuestion{ID: "q1", TicketID: "T-1", Question: "Which DB?", Timestamp: time.Now()}
	q2 := protocol.PendingQuestion{ID: "q2", TicketID: "T-1", Question: "Which port?", Timestamp: time.Now()}
	if err := s.AddPendingQuestion(q1); err != nil {
		t.Fatal(err)
	}
	s.AddPendingQuestion(q2)

	if err := s.RemovePendingQuestion("q1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemovePendingQuestion("q1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	st, _ := s.Load()
	if len(st.PendingQuestions) != 1 || st.PendingQuestions[0].ID != "q2" {
		t.Errorf("pending = %+v", st.PendingQuestions)
	}

	if err := s.AddPendingQuestion(protocol.PendingQuestion{ID: "q3", TicketID: "../x"}); !sanitize.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, ok, err := s.LoadPlan("T-1"); err != nil || ok {
		t.Fatalf("missing plan: ok=%v err=%v", ok, err)
	}
	if err := s.SavePlan("T-1", "# Plan\n1. do it"); err != nil {
		t.Fatal(err)
	}
	plan, ok, err := s.LoadPlan("T-1")
	if err != nil || !ok || plan != "# Plan\n1. do it" {
		t.Fatalf("plan=%q ok=%v err=%v", plan, ok, err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, ok, _ := s.LoadSession("T-1"); ok {
		t.Fatal("expected no session")
	}
	if err := s.SaveSession("T-1", "sess-abc"); err != nil {
		t.Fatal(err)
	}
	id, ok, err := s.LoadSession("T-1")
	if err != nil || !ok || id != "sess-abc" {
		t.Fatalf("id=%q ok=%v err=%v", id, ok, err)
	}
}

func TestAppendLogStripsControl(t *testing.T) {
	s := newTestStore(t)
	s.AppendLog("T-1", "first \x1b[31mred\x1b[0m line")
	s.AppendLog("T-1", "second\x00\x07 line\nwith newline")

	got, err := s.ReadLog("T-1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(got, "\x1b\x00\x07") {
		t.Errorf("control characters leaked: %q", got)
	}
	if !strings.Contains(got, "first red line") || !strings.Contains(got, "second line\nwith newline") {
		t.Errorf("log = %q", got)
	}
	if strings.Index(got, "first") > strings.Index(got, "second") {
		t.Error("log not append-ordered")
	}
}

func TestArtifactOpsRejectBadIDsBeforeIO(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	bad := []string{"..", "../escape", "a/b", `a\b`, "a\x00b", "sp ace"}
	for _, id := range bad {
		if err := s.SavePlan(id, "x"); !sanitize.IsValidationError(err) {
			t.Errorf("SavePlan(%q) = %v", id, err)
		}
		if _, _, err := s.LoadPlan(id); !sanitize.IsValidationError(err) {
			t.Errorf("LoadPlan(%q) = %v", id, err)
		}
		if err := s.SaveSession(id, "x"); !sanitize.IsValidationError(err) {
			t.Errorf("SaveSession(%q) = %v", id, err)
		}
		if _, _, err := s.LoadSession(id); !sanitize.IsValidationError(err) {
			t.Errorf("LoadSession(%q) = %v", id, err)
		}
		if err := s.AppendLog(id, "x"); !sanitize.IsValidationError(err) {
			t.Errorf("AppendLog(%q) = %v", id, err)
		}
	}
	// Nothing should have been created on disk.
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("filesystem touched: %v", entries)
	}

	for _, id := range []string{"T-1", "abc_DEF-9"} {
		if err := s.SavePlan(id, "ok"); err != nil {
			t.Errorf("SavePlan(%q) = %v", id, err)
		}
		if err := s.AppendLog(id, "ok"); err != nil {
			t.Errorf("AppendLog(%q) = %v", id, err)
		}
	}
}
