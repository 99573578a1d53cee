package protocol

import "slices"

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending          TicketStatus = "pending"
	TicketPlanning         TicketStatus = "planning"
	TicketAwaitingApproval TicketStatus = "awaiting_approval"
	TicketApproved         TicketStatus = "approved"
	TicketExecuting        TicketStatus = "executing"
	TicketCompleted        TicketStatus = "completed"
	TicketFailed           TicketStatus = "failed"
	TicketSkipped          TicketStatus = "skipped"
)

// TicketStatuses lists every status in lifecycle order.
var TicketStatuses = []TicketStatus{
	TicketPending, TicketPlanning, TicketAwaitingApproval, TicketApproved,
	TicketExecuting, TicketCompleted, TicketFailed, TicketSkipped,
}

// Valid reports whether s is one of the known statuses.
func (s TicketStatus) Valid() bool {
	return slices.Contains(TicketStatuses, s)
}

// Terminal reports whether no further transitions happen from s.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketFailed || s == TicketSkipped
}

// Ticket is a unit of work driven through plan, approval and execution.
type Ticket struct {
	ID           string            `json:"id" yaml:"id"`
	Title        string            `json:"title" yaml:"title"`
	Description  string            `json:"description" yaml:"description"`
	Priority     int               `json:"priority" yaml:"priority"`
	Status       TicketStatus      `json:"status" yaml:"status"`
	PlanMode     *bool             `json:"plan_mode,omitempty" yaml:"plan_mode,omitempty"`
	AutoApprove  *bool             `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	Hooks        Hooks             `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Images       []string          `json:"images,omitempty" yaml:"images,omitempty"`
}

// EffectivePlanMode resolves the ticket override against the global default.
func (t *Ticket) EffectivePlanMode(global bool) bool {
	if t.PlanMode != nil {
		return *t.PlanMode
	}
	return global
}

// EffectiveAutoApprove resolves the ticket override against the global default.
func (t *Ticket) EffectiveAutoApprove(global bool) bool {
	if t.AutoApprove != nil {
		return *t.AutoApprove
	}
	return global
}

// Autonomous reports whether approvals and questions for this ticket are
// resolved locally instead of being broadcast to humans.
func (t *Ticket) Autonomous(planMode, autoApprove bool) bool {
	return !t.EffectivePlanMode(planMode) || t.EffectiveAutoApprove(autoApprove)
}
