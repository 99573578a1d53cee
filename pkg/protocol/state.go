package protocol

import "time"

// StateVersion is the schema version written to new state documents.
const StateVersion = 1

// Phase is the orchestrator's coarse position within the current ticket.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhasePlanning         Phase = "planning"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
)

// ProcessingState is the persisted record that lets a run resume after a crash.
// CurrentTicketID is set exactly when CurrentPhase is not idle.
type ProcessingState struct {
	Version          int               `json:"version"`
	CurrentTicketID  *string           `json:"current_ticket_id"`
	CurrentPhase     Phase             `json:"current_phase"`
	SessionID        *string           `json:"session_id"`
	PauseRequested   bool              `json:"pause_requested"`
	StartedAt        time.Time         `json:"started_at"`
	LastUpdatedAt    time.Time         `json:"last_updated_at"`
	PendingQuestions []PendingQuestion `json:"pending_questions"`
}

// PendingQuestion is an agent question waiting on a human answer.
type PendingQuestion struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Question  string    `json:"question"`
	Timestamp time.Time `json:"timestamp"`
}

// NewProcessingState returns an idle state stamped with now.
func NewProcessingState(now time.Time) ProcessingState {
	return ProcessingState{
		Version:          StateVersion,
		CurrentPhase:     PhaseIdle,
		StartedAt:        now,
		LastUpdatedAt:    now,
		PendingQuestions: []PendingQuestion{},
	}
}

// Current returns the active ticket id, or "" when idle.
func (s ProcessingState) Current() string {
	if s.CurrentTicketID == nil {
		return ""
	}
	return *s.CurrentTicketID
}
