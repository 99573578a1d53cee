package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// BuildPlanPrompt assembles the planning instruction for a ticket.
// Hints are prompt-hook texts folded in verbatim.
func BuildPlanPrompt(t *protocol.Ticket, hints []string) string {
	var b strings.Builder
	writeTicket(&b, t)
	writeHints(&b, hints)

	b.WriteString("# Instructions\n")
	b.WriteString("- Investigate the codebase and produce a concrete implementation plan for this ticket.\n")
	b.WriteString("- List the files you expect to change and the steps in order.\n")
	b.WriteString("- Do not modify any files yet. The plan will be reviewed before execution.\n")
	return b.String()
}

// BuildExecutePrompt assembles the execution instruction. plan is empty
// when the ticket runs without a planning phase.
func BuildExecutePrompt(t *protocol.Ticket, plan string, hints []string) string {
	var b strings.Builder
	writeTicket(&b, t)

	if plan != "" {
		b.WriteString("# Approved Plan\n")
		b.WriteString(strings.TrimSpace(plan))
		b.WriteString("\n\n")
	}
	writeHints(&b, hints)

	b.WriteString("# Instructions\n")
	if plan != "" {
		b.WriteString("- Implement the approved plan. Do not expand its scope.\n")
	} else {
		b.WriteString("- Implement this ticket.\n")
	}
	b.WriteString("- Run the relevant tests before finishing.\n")
	b.WriteString("- If a decision needs a human, ask with AskUserQuestion and offer options.\n")
	return b.String()
}

// BuildRetryInput is the follow-up sent when resuming a failed session.
func BuildRetryInput(attempt int, lastErr string) string {
	return fmt.Sprintf("The previous attempt (%d) did not finish successfully: %s\n\nContinue the work from where it stopped and complete the ticket.",
		attempt, strings.TrimSpace(lastErr))
}

func writeTicket(b *strings.Builder, t *protocol.Ticket) {
	b.WriteString("# Ticket\n")
	fmt.Fprintf(b, "ID: %s\n", t.ID)
	fmt.Fprintf(b, "Title: %s\n", t.Title)
	if t.Priority != 0 {
		fmt.Fprintf(b, "Priority: %d\n", t.Priority)
	}
	b.WriteString("\n")

	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString("## Description\n")
		b.WriteString(d)
		b.WriteString("\n\n")
	}

	if len(t.Metadata) > 0 {
		b.WriteString("## Metadata\n")
		keys := make([]string, 0, len(t.Metadata))
		for k := range t.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "- %s: %s\n", k, t.Metadata[k])
		}
		b.WriteString("\n")
	}
}

func writeHints(b *strings.Builder, hints []string) {
	var kept []string
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return
	}
	b.WriteString("# Additional Guidance\n")
	for _, h := range kept {
		fmt.Fprintf(b, "- %s\n", h)
	}
	b.WriteString("\n")
}
