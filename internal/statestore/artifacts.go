package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/h1v3-io/taskpilot/internal/sanitize"
)

type sessionFile struct {
	TicketID  string    `json:"ticket_id"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SavePlan stores the plan text for a ticket.
func (s *Store) SavePlan(ticketID, plan string) error {
	if err := sanitize.TicketID(ticketID); err != nil {
		return err
	}
	if err := writeFileAtomic(s.paths.plan(ticketID), []byte(plan)); err != nil {
		return fmt.Errorf("statestore: save plan %s: %w", ticketID, err)
	}
	return nil
}

// LoadPlan returns the saved plan. ok is false when none was saved.
func (s *Store) LoadPlan(ticketID string) (plan string, ok bool, err error) {
	if err := sanitize.TicketID(ticketID); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.paths.plan(ticketID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("statestore: load plan %s: %w", ticketID, err)
	}
	return string(data), true, nil
}

// SaveSession records the agent session handle for a ticket.
func (s *Store) SaveSession(ticketID, sessionID string) error {
	if err := sanitize.TicketID(ticketID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sessionFile{
		TicketID:  ticketID,
		SessionID: sessionID,
		UpdatedAt: s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode session: %w", err)
	}
	if err := writeFileAtomic(s.paths.session(ticketID), data); err != nil {
		return fmt.Errorf("statestore: save session %s: %w", ticketID, err)
	}
	return nil
}

// LoadSession returns the saved session handle. ok is false when none exists.
func (s *Store) LoadSession(ticketID string) (sessionID string, ok bool, err error) {
	if err := sanitize.TicketID(ticketID); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.paths.session(ticketID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("statestore: load session %s: %w", ticketID, err)
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return "", false, fmt.Errorf("statestore: decode session %s: %w", ticketID, err)
	}
	return sf.SessionID, sf.SessionID != "", nil
}

// AppendLog appends a timestamped line to the ticket's log. Control
// characters and ANSI sequences are stripped first.
func (s *Store) AppendLog(ticketID, text string) error {
	if err := sanitize.TicketID(ticketID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.paths.LogsDir, 0o755); err != nil {
		return fmt.Errorf("statestore: append log: %w", err)
	}
	f, err := os.OpenFile(s.paths.log(ticketID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: append log %s: %w", ticketID, err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", s.now().UTC().Format(time.RFC3339), sanitize.StripControl(text))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("statestore: append log %s: %w", ticketID, err)
	}
	return nil
}

// ReadLog returns the full log for a ticket, or "" if none exists.
func (s *Store) ReadLog(ticketID string) (string, error) {
	if err := sanitize.TicketID(ticketID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.paths.log(ticketID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("statestore: read log %s: %w", ticketID, err)
	}
	return string(data), nil
}
