// Package connector defines the channel adapter contract: an integration
// that can show a plan or a question to a human and report the answer back.
package connector

import (
	"context"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// Connector is the interface for external messaging platforms (Telegram, Slack, etc.).
//
// Send methods return once the message is delivered, never when a human
// responds. Responses arrive later through the handlers set with
// SetApprovalHandler and SetQuestionHandler, possibly from another goroutine.
type Connector interface {
	// Name returns a unique adapter name (e.g., "telegram", "slack").
	Name() string
	// Connect establishes the platform session and starts listening for responses.
	Connect(ctx context.Context) error
	// Disconnect stops listening and releases the session.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether sends are currently possible.
	IsConnected() bool

	SendPlanForApproval(ctx context.Context, req protocol.PlanRequest) error
	SendQuestion(ctx context.Context, req protocol.QuestionRequest) error
	SendStatus(ctx context.Context, update protocol.StatusUpdate) error

	SetApprovalHandler(h ApprovalHandler)
	SetQuestionHandler(h QuestionHandler)
}

// ApprovalHandler receives a human decision on a plan. It reports whether
// the decision resolved a request that was still waiting.
type ApprovalHandler func(resp protocol.ApprovalResponse) bool

// QuestionHandler receives a human answer to an agent question. It reports
// whether the answer resolved a question that was still waiting.
type QuestionHandler func(resp protocol.QuestionResponse) bool
