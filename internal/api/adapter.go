package api

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// AdapterName is the provider name responses from the admin API carry.
const AdapterName = "api"

// recentLimit bounds the status updates kept for /api/status.
const recentLimit = 100

var (
	// ErrUnknownRequest is returned for a request id the adapter never saw
	// or has already resolved.
	ErrUnknownRequest = errors.New("api: unknown request")
	// ErrDetached is returned when no multiplexer is listening for responses.
	ErrDetached = errors.New("api: adapter is not attached")
	// ErrNotPending is returned when the multiplexer dropped the response
	// because another adapter, a timeout or a cancel resolved it first.
	ErrNotPending = errors.New("api: request is no longer pending")
)

// Pending lists the requests waiting on a decision through the admin API.
type Pending struct {
	Plans     []protocol.PlanRequest     `json:"plans"`
	Questions []protocol.QuestionRequest `json:"questions"`
}

// Adapter is the channel adapter behind the admin API. It parks plans and
// questions until an operator resolves them over HTTP, and forwards the
// decision to the multiplexer like any chat adapter would.
type Adapter struct {
	connector.Handlers

	connected atomic.Bool

	mu        sync.Mutex
	plans     map[string]protocol.PlanRequest
	questions map[string]protocol.QuestionRequest
	recent    []protocol.StatusUpdate
}

// NewAdapter creates an unconnected admin API adapter.
func NewAdapter() *Adapter {
	return &Adapter{
		plans:     make(map[string]protocol.PlanRequest),
		questions: make(map[string]protocol.QuestionRequest),
	}
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Connect(context.Context) error {
	a.connected.Store(true)
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) IsConnected() bool { return a.connected.Load() }

func (a *Adapter) SendPlanForApproval(_ context.Context, req protocol.PlanRequest) error {
	a.mu.Lock()
	a.plans[req.RequestID] = req
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SendQuestion(_ context.Context, req protocol.QuestionRequest) error {
	a.mu.Lock()
	a.questions[req.RequestID] = req
	a.mu.Unlock()
	return nil
}

// SendStatus records the update and forgets requests the ticket has moved
// past: plans once the ticket leaves awaiting_approval, questions once it
// reaches a terminal status. Updates can arrive late, so only requests made
// before the update are dropped.
func (a *Adapter) SendStatus(_ context.Context, update protocol.StatusUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if update.TicketID != "" && update.Status != "" {
		stale := func(ticketID string, at time.Time) bool {
			return ticketID == update.TicketID && !at.After(update.Timestamp)
		}
		if update.Status != protocol.TicketAwaitingApproval {
			for id, p := range a.plans {
				if stale(p.TicketID, p.Timestamp) {
					delete(a.plans, id)
				}
			}
		}
		if update.Status.Terminal() {
			for id, q := range a.questions {
				if stale(q.TicketID, q.Timestamp) {
					delete(a.questions, id)
				}
			}
		}
	}

	a.recent = append(a.recent, update)
	if len(a.recent) > recentLimit {
		a.recent = slices.Clone(a.recent[len(a.recent)-recentLimit:])
	}
	return nil
}

// Approve resolves a parked plan request.
func (a *Adapter) Approve(requestID string, approved bool, feedback, by string) error {
	a.mu.Lock()
	_, ok := a.plans[requestID]
	if ok {
		delete(a.plans, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	return emitError(a.EmitApproval(protocol.ApprovalResponse{
		RequestID:   requestID,
		Approved:    approved,
		Feedback:    feedback,
		Provider:    AdapterName,
		RespondedBy: firstNonEmpty(by, AdapterName),
	}))
}

// Answer resolves a parked question.
func (a *Adapter) Answer(requestID, answer, by string) error {
	a.mu.Lock()
	_, ok := a.questions[requestID]
	if ok {
		delete(a.questions, requestID)
	}
	a.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	return emitError(a.EmitQuestion(protocol.QuestionResponse{
		RequestID:   requestID,
		Answer:      answer,
		Provider:    AdapterName,
		RespondedBy: firstNonEmpty(by, AdapterName),
	}))
}

// Withdraw forgets a parked plan or question without resolving it.
// It reports whether one was parked under requestID.
func (a *Adapter) Withdraw(requestID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, plan := a.plans[requestID]
	_, question := a.questions[requestID]
	delete(a.plans, requestID)
	delete(a.questions, requestID)
	return plan || question
}

func emitError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, connector.ErrNotPending):
		return ErrNotPending
	case errors.Is(err, connector.ErrNoHandler):
		return ErrDetached
	}
	return err
}

// Pending returns parked requests, oldest first.
func (a *Adapter) Pending() Pending {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Pending{
		Plans:     make([]protocol.PlanRequest, 0, len(a.plans)),
		Questions: make([]protocol.QuestionRequest, 0, len(a.questions)),
	}
	for _, p := range a.plans {
		out.Plans = append(out.Plans, p)
	}
	for _, q := range a.questions {
		out.Questions = append(out.Questions, q)
	}
	slices.SortFunc(out.Plans, func(x, y protocol.PlanRequest) int {
		return compareStamp(x.Timestamp, y.Timestamp, x.RequestID, y.RequestID)
	})
	slices.SortFunc(out.Questions, func(x, y protocol.QuestionRequest) int {
		return compareStamp(x.Timestamp, y.Timestamp, x.RequestID, y.RequestID)
	})
	return out
}

// Recent returns up to limit of the latest status updates, oldest first.
func (a *Adapter) Recent(limit int) []protocol.StatusUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	src := a.recent
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return slices.Clone(src)
}

func compareStamp(a, b time.Time, idA, idB string) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	switch {
	case idA < idB:
		return -1
	case idA > idB:
		return 1
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
