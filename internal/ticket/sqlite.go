package ticket

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	// One writer; keeps transitions serialised without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			priority   INTEGER NOT NULL DEFAULT 0,
			status     TEXT NOT NULL DEFAULT 'pending',
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			cost_usd   REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticket_events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_id   TEXT NOT NULL REFERENCES tickets(id),
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			note        TEXT NOT NULL DEFAULT '',
			timestamp   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_ticket ON ticket_events(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Register(t *protocol.Ticket) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	status := t.Status
	if status == "" {
		status = protocol.TicketPending
	}
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, title, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, priority=excluded.priority
	`, t.ID, t.Title, t.Priority, string(status), now, now)
	if err != nil {
		return fmt.Errorf("ticket store: register: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT id, title, priority, status, attempts, last_error, cost_usd, created_at, updated_at FROM tickets WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}

	hist, err := s.loadHistory(id)
	if err != nil {
		return nil, err
	}
	r.History = hist
	return r, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*Record, error) {
	where, args := filter.where()
	query := "SELECT id, title, priority, status, attempts, last_error, cost_usd, created_at, updated_at FROM tickets" +
		where + " ORDER BY priority DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tickets"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Transition(id string, to protocol.TicketStatus, note string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ticket store: transition: %w", err)
	}
	defer tx.Rollback()

	var from string
	if err := tx.QueryRow(`SELECT status FROM tickets WHERE id = ?`, id).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("ticket store: transition: %w", err)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, string(to), now, id); err != nil {
		return fmt.Errorf("ticket store: transition: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO ticket_events (ticket_id, from_status, to_status, note, timestamp) VALUES (?, ?, ?, ?, ?)`,
		id, from, string(to), note, now); err != nil {
		return fmt.Errorf("ticket store: transition event: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordAttempt(id string, lastErr string) error {
	return s.exec("record attempt", id,
		`UPDATE tickets SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		lastErr, s.now().UTC().Format(time.RFC3339Nano), id)
}

func (s *SQLiteStore) AddCost(id string, usd float64) error {
	return s.exec("add cost", id,
		`UPDATE tickets SET cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		usd, s.now().UTC().Format(time.RFC3339Nano), id)
}

func (s *SQLiteStore) Reset(id string) error {
	return s.exec("reset", id,
		`UPDATE tickets SET status = 'pending', attempts = 0, last_error = '', cost_usd = 0, updated_at = ? WHERE id = ?`,
		s.now().UTC().Format(time.RFC3339Nano), id)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func (s *SQLiteStore) exec(op, id, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("ticket store: %s: %w", op, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) loadHistory(id string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT from_status, to_status, note, timestamp FROM ticket_events WHERE ticket_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("ticket store: load history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var from, to, ts string
		if err := rows.Scan(&from, &to, &e.Note, &ts); err != nil {
			return nil, fmt.Errorf("ticket store: scan event: %w", err)
		}
		e.From = protocol.TicketStatus(from)
		e.To = protocol.TicketStatus(to)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (f Filter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if f.Status != nil {
		clause += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if f.Query != "" {
		clause += " AND (id LIKE ? OR title LIKE ?)"
		pattern := "%" + f.Query + "%"
		args = append(args, pattern, pattern)
	}
	return clause, args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(s scannable) (*Record, error) {
	var r Record
	var status, created, updated string
	if err := s.Scan(&r.ID, &r.Title, &r.Priority, &status, &r.Attempts, &r.LastError, &r.CostUSD, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = protocol.TicketStatus(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}
