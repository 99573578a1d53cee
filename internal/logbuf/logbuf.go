// Package logbuf keeps the daemon's most recent log records in memory so
// the admin API can serve them without touching stdout.
package logbuf

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TicketKey is the attribute ticket ids are logged under. Records carrying
// it are indexed by ticket so a single ticket's history can be pulled.
const TicketKey = "ticket"

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Ticket  string         `json:"ticket,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Buffer holds the newest entries up to a fixed capacity.
type Buffer struct {
	mu   sync.Mutex
	ring []Entry
	head int // index of the oldest entry
	n    int
}

// New creates a buffer holding at most size entries.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{ring: make([]Entry, size)}
}

// Write stores e, evicting the oldest entry when full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Ticket == "" {
		e.Ticket, _ = e.Attrs[TicketKey].(string)
	}
	if b.n < len(b.ring) {
		b.ring[(b.head+b.n)%len(b.ring)] = e
		b.n++
		return
	}
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
}

// Filter selects entries from a Buffer. The zero value matches everything.
type Filter struct {
	// Since drops entries older than this time when non-zero.
	Since time.Time
	// MinLevel drops entries below this level when non-nil.
	MinLevel slog.Leveler
	// Limit keeps only the newest entries when > 0.
	Limit int
	// Ticket keeps only entries logged for this ticket.
	Ticket string
}

func (f Filter) match(e Entry) bool {
	switch {
	case !f.Since.IsZero() && e.Time.Before(f.Since):
		return false
	case f.MinLevel != nil && levelOf(e.Level) < f.MinLevel.Level():
		return false
	case f.Ticket != "" && e.Ticket != f.Ticket:
		return false
	}
	return true
}

// Query returns entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	for i := 0; i < b.n; i++ {
		if e := b.ring[(b.head+i)%len(b.ring)]; f.match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// levelOf parses the level strings slog produces, including offsets such
// as "INFO+2". Unknown strings count as INFO.
func levelOf(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
