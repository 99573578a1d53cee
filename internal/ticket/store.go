// Package ticket keeps a durable ledger of ticket progress: the latest
// status of every ticket plus the history of transitions that led there.
package ticket

import (
	"errors"
	"time"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// ErrNotFound is returned for an unknown ticket id.
var ErrNotFound = errors.New("ticket not found")

// Store is the persistence interface for the ticket ledger.
type Store interface {
	// Register inserts a ticket. An existing row keeps its status, attempts
	// and history; only title and priority are refreshed.
	Register(t *protocol.Ticket) error
	// Get retrieves a ticket record by ID, including its history.
	Get(id string) (*Record, error)
	// List returns records matching the filter, highest priority first.
	List(filter Filter) ([]*Record, error)
	// Count returns the number of records matching the filter.
	Count(filter Filter) (int, error)
	// Transition sets a new status and appends a history event atomically.
	Transition(id string, to protocol.TicketStatus, note string) error
	// RecordAttempt increments the attempt counter and stores the last error.
	RecordAttempt(id string, lastErr string) error
	// AddCost accumulates agent spend for the ticket.
	AddCost(id string, usd float64) error
	// Reset puts a ticket back to pending and clears attempts and cost.
	Reset(id string) error
}

// Record is the ledger view of a ticket.
type Record struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	Priority  int                   `json:"priority"`
	Status    protocol.TicketStatus `json:"status"`
	Attempts  int                   `json:"attempts"`
	LastError string                `json:"last_error,omitempty"`
	CostUSD   float64               `json:"cost_usd"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	History   []Event               `json:"history,omitempty"`
}

// Event is one status transition.
type Event struct {
	From      protocol.TicketStatus `json:"from"`
	To        protocol.TicketStatus `json:"to"`
	Note      string                `json:"note,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Filter constrains list queries.
type Filter struct {
	Status *protocol.TicketStatus
	Query  string // text search on id and title
	Limit  int    // 0 = no limit
}
