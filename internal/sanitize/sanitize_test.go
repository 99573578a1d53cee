package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestTicketID(t *testing.T) {
	valid := []string{"T-1", "ticket_42", "ABC", "a", "feature-login-2"}
	for _, id := range valid {
		if err := TicketID(id); err != nil {
			t.Errorf("TicketID(%q) = %v, want nil", id, err)
		}
	}

	traversal := []string{"..", "../etc", "a/b", `a\b`, "x..y", "/abs"}
	for _, id := range traversal {
		err := TicketID(id)
		var pt *PathTraversalError
		if !errors.As(err, &pt) {
			t.Errorf("TicketID(%q) = %v, want PathTraversalError", id, err)
		}
	}

	invalid := []string{"a b", "a\x00b", "tick$t", "ü", "a.b", "semi;colon"}
	for _, id := range invalid {
		err := TicketID(id)
		var ic *InvalidCharacterError
		if !errors.As(err, &ic) {
			t.Errorf("TicketID(%q) = %v, want InvalidCharacterError", id, err)
		}
	}

	if !errors.Is(TicketID(""), ErrEmptyIdentifier) {
		t.Error("expected ErrEmptyIdentifier for empty id")
	}
	if !IsValidationError(TicketID("../x")) || IsValidationError(errors.New("other")) {
		t.Error("IsValidationError misclassified")
	}
}

func TestStripControl(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"keeps newlines and tabs", "a\n\tb\r\n", "a\n\tb\r\n"},
		{"color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor movement", "x\x1b[2Ky\x1b[1;1H", "xy"},
		{"osc title", "\x1b]0;pwned\x07after", "after"},
		{"c0 controls", "a\x00b\x01c\x08d\x0be\x0cf\x0eg\x1fh", "abcdefgh"},
		{"bell and delete", "ding\x07\x7f", "ding"},
		{"unicode survives", "naïve ✓ 日本", "naïve ✓ 日本"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripControl(tt.in); got != tt.want {
				t.Errorf("StripControl(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripControlRemovesEveryForbiddenByte(t *testing.T) {
	var b strings.Builder
	for c := 0; c < 0x20; c++ {
		b.WriteString("x")
		b.WriteByte(byte(c))
	}
	got := StripControl(b.String())
	for _, r := range got {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			t.Fatalf("control %#x survived in %q", r, got)
		}
	}
	if !strings.Contains(got, "\n") || !strings.Contains(got, "\t") {
		t.Fatalf("newline/tab lost: %q", got)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"owner":       "OWNER",
		"jira-key":    "JIRA_KEY",
		"a.b c":       "A_B_C",
		"$(rm -rf /)": "RM_RF",
		"!!!":         "",
	}
	for in, want := range tests {
		if got := EnvKey(in); got != want {
			t.Errorf("EnvKey(%q) = %q, want %q", in, got, want)
		}
	}
}
