package agent

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestParseStream(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		``,
		`not json`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi "},{"type":"tool_use","id":"t1","name":"Bash","input":{}},{"type":"text","text":"there"}]}}`,
		`{"type":"user","message":{"role":"user","content":"plain string"}}`,
		`{"type":"result","result":"done","total_cost_usd":0.5}`, // no trailing newline
	}, "\n")

	var events []Event
	var parseErrs int
	for ev, err := range ParseStream(strings.NewReader(input)) {
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Line != "not json" {
				t.Fatalf("unexpected error: %v", err)
			}
			parseErrs++
			continue
		}
		events = append(events, ev)
	}

	if parseErrs != 1 {
		t.Errorf("parse errors = %d, want 1", parseErrs)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	if events[0].SessionID != "s1" {
		t.Errorf("session = %q", events[0].SessionID)
	}
	if got := events[1].Text(); got != "hi there" {
		t.Errorf("text = %q", got)
	}
	if tu := events[1].ToolUses(); len(tu) != 1 || tu[0].Name != "Bash" {
		t.Errorf("tool uses = %+v", tu)
	}
	if got := events[2].Text(); got != "plain string" {
		t.Errorf("string content = %q", got)
	}
	if events[3].Result != "done" || events[3].TotalCostUSD != 0.5 {
		t.Errorf("trailing partial line not decoded: %+v", events[3])
	}
}

func TestParseStream_StopsEarly(t *testing.T) {
	input := "{\"type\":\"a\"}\n{\"type\":\"b\"}\n{\"type\":\"c\"}\n"
	n := 0
	for range ParseStream(strings.NewReader(input)) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("n = %d", n)
	}
}

func TestParseStream_ReadError(t *testing.T) {
	boom := errors.New("boom")
	r := iotest.DataErrReader(iotest.ErrReader(boom))
	var got error
	for _, err := range ParseStream(r) {
		got = err
	}
	if !errors.Is(got, boom) {
		t.Fatalf("expected read error, got %v", got)
	}
}

func TestAutoAnswer(t *testing.T) {
	tests := []struct {
		opts []string
		want string
	}{
		{[]string{"Option A", "Option B (Recommended)"}, "Option B (Recommended)"},
		{[]string{"Option A", "Option B"}, "Option A"},
		{nil, FallbackAnswer},
		{[]string{}, FallbackAnswer},
		{[]string{""}, FallbackAnswer},
	}
	for _, tt := range tests {
		if got := AutoAnswer(Question{Options: tt.opts}); got != tt.want {
			t.Errorf("AutoAnswer(%q) = %q, want %q", tt.opts, got, tt.want)
		}
	}
}
