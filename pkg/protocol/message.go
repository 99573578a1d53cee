package protocol

import "time"

// PlanRequest asks humans to approve or reject a plan.
type PlanRequest struct {
	RequestID   string    `json:"request_id"`
	TicketID    string    `json:"ticket_id"`
	TicketTitle string    `json:"ticket_title"`
	Plan        string    `json:"plan"`
	Timestamp   time.Time `json:"timestamp"`
}

// ApprovalResponse is a human decision on a PlanRequest.
type ApprovalResponse struct {
	RequestID   string `json:"request_id"`
	Approved    bool   `json:"approved"`
	Feedback    string `json:"feedback,omitempty"`
	Provider    string `json:"provider,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`
}

// QuestionRequest relays an agent question to humans.
type QuestionRequest struct {
	RequestID string    `json:"request_id"`
	TicketID  string    `json:"ticket_id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionResponse carries a human answer to a QuestionRequest.
type QuestionResponse struct {
	RequestID   string `json:"request_id"`
	Answer      string `json:"answer"`
	Provider    string `json:"provider,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`
}

// StatusUpdate is a fire-and-forget progress notice.
type StatusUpdate struct {
	Event     string       `json:"event"`
	TicketID  string       `json:"ticket_id,omitempty"`
	Status    TicketStatus `json:"status,omitempty"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}
