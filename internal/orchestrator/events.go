package orchestrator

import (
	"maps"
	"slices"
	"time"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// EventType names an orchestrator notification.
type EventType string

const (
	EventQueueStart    EventType = "queue:start"
	EventQueueComplete EventType = "queue:complete"
	EventQueuePaused   EventType = "queue:paused"
	EventQueueStopped  EventType = "queue:stopped"

	EventTicketStart            EventType = "ticket:start"
	EventTicketPlanning         EventType = "ticket:planning"
	EventTicketPlanGenerated    EventType = "ticket:plan_generated"
	EventTicketAwaitingApproval EventType = "ticket:awaiting_approval"
	EventTicketApproved         EventType = "ticket:approved"
	EventTicketRejected         EventType = "ticket:rejected"
	EventTicketExecuting        EventType = "ticket:executing"
	EventTicketQuestion         EventType = "ticket:question"
	EventTicketRetry            EventType = "ticket:retry"
	EventTicketCompleted        EventType = "ticket:completed"
	EventTicketFailed           EventType = "ticket:failed"
	EventTicketSkipped          EventType = "ticket:skipped"

	// EventError reports a collaborator failure inside a ticket. The ticket
	// outcome follows as its own event.
	EventError EventType = "error"
)

// Event is one orchestrator notification. Retrying distinguishes a failed
// attempt that will be retried from a terminal failure.
type Event struct {
	Type      EventType
	TicketID  string
	Status    protocol.TicketStatus
	Message   string
	Attempt   int
	Retrying  bool
	Timestamp time.Time
}

// Listener receives events synchronously, in emission order. A listener
// must not block for long; it runs on the orchestrator's goroutine.
type Listener func(Event)

// StatusUpdate converts e for broadcast to channel adapters.
func (e Event) StatusUpdate() protocol.StatusUpdate {
	return protocol.StatusUpdate{
		Event:     string(e.Type),
		TicketID:  e.TicketID,
		Status:    e.Status,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it.
func (o *Orchestrator) Subscribe(fn Listener) (unsubscribe func()) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	return func() {
		o.lmu.Lock()
		delete(o.listeners, id)
		o.lmu.Unlock()
	}
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now().UTC()
	}

	o.lmu.Lock()
	fns := make([]Listener, 0, len(o.listeners))
	for _, id := range slices.Sorted(maps.Keys(o.listeners)) {
		fns = append(fns, o.listeners[id])
	}
	o.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
