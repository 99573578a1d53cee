// Package sanitize guards the boundary between untrusted ticket content and
// the filesystem, subprocess environments and log files.
//
// Ticket identifiers come from operator-edited ticket files and are used to
// build artifact paths, so they must match [A-Za-z0-9_-]+. Free text (titles,
// plans, agent output) keeps its newlines and tabs but loses every other
// control character and any ANSI escape sequence.
package sanitize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ErrEmptyIdentifier is returned for a zero-length identifier.
var ErrEmptyIdentifier = errors.New("sanitize: identifier is empty")

// PathTraversalError reports an identifier that tries to escape its directory.
type PathTraversalError struct {
	ID string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("sanitize: identifier %q contains a path traversal sequence", e.ID)
}

// InvalidCharacterError reports an identifier with a character outside [A-Za-z0-9_-].
type InvalidCharacterError struct {
	ID   string
	Char rune
}

func (e *InvalidCharacterError) Error() string {
	return fmt.Sprintf("sanitize: identifier %q contains invalid character %q", e.ID, e.Char)
}

// TicketID validates a ticket identifier before it is used in any path or
// environment variable.
func TicketID(id string) error {
	if id == "" {
		return ErrEmptyIdentifier
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return &PathTraversalError{ID: id}
	}
	for _, r := range id {
		if !identRune(r) {
			return &InvalidCharacterError{ID: id, Char: r}
		}
	}
	return nil
}

// IsValidationError reports whether err came from TicketID.
func IsValidationError(err error) bool {
	var pt *PathTraversalError
	var ic *InvalidCharacterError
	return errors.Is(err, ErrEmptyIdentifier) || errors.As(err, &pt) || errors.As(err, &ic)
}

func identRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

// StripControl removes ANSI escape sequences and control characters from s.
// Newline, tab and carriage return survive; so does ordinary text.
func StripControl(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return r
		case r < 0x20, r == 0x7f, r >= 0x80 && r <= 0x9f:
			return -1
		}
		return r
	}, s)
}

// EnvKey turns an arbitrary metadata key into an upper-case environment
// variable suffix made only of [A-Z0-9_]. It returns "" when nothing usable
// remains.
func EnvKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.' || r == ' ':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
