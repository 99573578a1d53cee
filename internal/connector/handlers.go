package connector

import (
	"errors"
	"strings"
	"sync"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

var (
	// ErrNoHandler means no response handler is attached to the adapter.
	ErrNoHandler = errors.New("connector: no response handler attached")
	// ErrNotPending means the request was already resolved, timed out or
	// cancelled, so the response was dropped.
	ErrNotPending = errors.New("connector: request is no longer pending")
)

// Handlers stores the response callbacks of an adapter. Adapters embed it to
// satisfy the handler half of Connector.
type Handlers struct {
	mu       sync.RWMutex
	approval ApprovalHandler
	question QuestionHandler
}

func (h *Handlers) SetApprovalHandler(fn ApprovalHandler) {
	h.mu.Lock()
	h.approval = fn
	h.mu.Unlock()
}

func (h *Handlers) SetQuestionHandler(fn QuestionHandler) {
	h.mu.Lock()
	h.question = fn
	h.mu.Unlock()
}

// EmitApproval forwards resp to the current approval handler.
// It returns ErrNoHandler or ErrNotPending when the response was not used.
func (h *Handlers) EmitApproval(resp protocol.ApprovalResponse) error {
	h.mu.RLock()
	fn := h.approval
	h.mu.RUnlock()
	if fn == nil {
		return ErrNoHandler
	}
	if !fn(resp) {
		return ErrNotPending
	}
	return nil
}

// EmitQuestion forwards resp to the current question handler.
func (h *Handlers) EmitQuestion(resp protocol.QuestionResponse) error {
	h.mu.RLock()
	fn := h.question
	h.mu.RUnlock()
	if fn == nil {
		return ErrNoHandler
	}
	if !fn(resp) {
		return ErrNotPending
	}
	return nil
}

// ParseDecision interprets a free-text approval reply.
// The first word decides; the rest is feedback.
func ParseDecision(text string) (approved, ok bool, feedback string) {
	text = strings.TrimSpace(text)
	word, rest, _ := strings.Cut(text, " ")
	switch strings.ToLower(strings.TrimRight(word, ".!:,")) {
	case "approve", "approved", "yes", "y", "lgtm", "ok":
		return true, true, strings.TrimSpace(rest)
	case "reject", "rejected", "no", "n", "deny":
		return false, true, strings.TrimSpace(rest)
	}
	return false, false, ""
}
