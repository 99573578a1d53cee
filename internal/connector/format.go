package connector

import (
	"fmt"
	"strings"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// PlanMarkdown renders a plan request as Markdown for chat adapters.
func PlanMarkdown(req protocol.PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Plan for %s**", req.TicketID)
	if req.TicketTitle != "" {
		fmt.Fprintf(&b, ": %s", req.TicketTitle)
	}
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(req.Plan))
	fmt.Fprintf(&b, "\n\nRequest `%s`", req.RequestID)
	return b.String()
}

// QuestionMarkdown renders a question request as Markdown, numbering options.
func QuestionMarkdown(req protocol.QuestionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Question from %s**\n\n%s", req.TicketID, strings.TrimSpace(req.Question))
	if len(req.Options) > 0 {
		b.WriteString("\n")
		for i, opt := range req.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
		}
	}
	fmt.Fprintf(&b, "\n\nRequest `%s`", req.RequestID)
	return b.String()
}

// StatusMarkdown renders a one-line status notice.
func StatusMarkdown(u protocol.StatusUpdate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "`%s`", u.Event)
	if u.TicketID != "" {
		fmt.Fprintf(&b, " %s", u.TicketID)
	}
	if u.Status != "" {
		fmt.Fprintf(&b, " (%s)", u.Status)
	}
	if u.Message != "" {
		fmt.Fprintf(&b, ": %s", u.Message)
	}
	return b.String()
}

// Truncate shortens s to at most max runes, marking the cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	const marker = "\n…(truncated)"
	keep := max - len([]rune(marker))
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + marker
}
