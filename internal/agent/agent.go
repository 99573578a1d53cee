// Package agent drives the external coding agent. The agent itself is an
// opaque subprocess; this package defines the call contract the orchestrator
// relies on and a Claude CLI implementation of it.
package agent

import (
	"context"
	"strings"
	"time"
)

// Agent is the call contract of a coding agent.
//
// Agent-level failures (non-zero exit, error result, timeout) are reported in
// the result with Success false. The error return is reserved for failing to
// start the agent at all. Cancelling ctx aborts the invocation.
type Agent interface {
	GeneratePlan(ctx context.Context, prompt string, opts Options) (PlanResult, error)
	Execute(ctx context.Context, prompt string, opts Options, cb Callbacks) (ExecResult, error)
	Resume(ctx context.Context, sessionID, input string, opts Options, cb Callbacks) (ExecResult, error)
}

// Options tune a single invocation.
type Options struct {
	Model           string
	SessionID       string // resume this conversation when set
	SkipPermissions bool
	Timeout         time.Duration // 0 = no limit
	WorkDir         string
	Images          []string // image files attached to the first message
}

// Question is raised by the agent while it works.
type Question struct {
	ID      string
	Text    string
	Options []string
}

// Callbacks receive agent-raised events during Execute and Resume.
type Callbacks struct {
	// OnQuestion must return the answer before the agent continues.
	// A nil OnQuestion answers every question with AutoAnswer.
	OnQuestion func(ctx context.Context, q Question) (string, error)
}

// PlanResult is the outcome of GeneratePlan.
type PlanResult struct {
	Success   bool
	Plan      string
	Error     string
	Cost      float64
	SessionID string
}

// ExecResult is the outcome of Execute or Resume.
type ExecResult struct {
	Success   bool
	Output    string
	Error     string
	Cost      float64
	SessionID string
}

// FallbackAnswer is used when a question offers no options.
const FallbackAnswer = "use your best judgement"

// AutoAnswer picks an answer without asking anyone: the first option marked
// "(Recommended)", else the first option, else FallbackAnswer.
func AutoAnswer(q Question) string {
	for _, opt := range q.Options {
		if strings.Contains(opt, "(Recommended)") {
			return opt
		}
	}
	for _, opt := range q.Options {
		if opt != "" {
			return opt
		}
	}
	return FallbackAnswer
}
