// Package orchestrator sequences tickets through plan, approval and
// execution. It is a thin driver over the agent, the response multiplexer,
// the hook pipeline and the state store; it owns every ticket status change
// and persists each one before announcing it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/taskpilot/internal/agent"
	"github.com/h1v3-io/taskpilot/internal/config"
	"github.com/h1v3-io/taskpilot/internal/hooks"
	"github.com/h1v3-io/taskpilot/internal/statestore"
	"github.com/h1v3-io/taskpilot/internal/ticket"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("orchestrator: a run is already active")
	// ErrHalted is returned by Start when a failed ticket stopped the queue.
	ErrHalted = errors.New("orchestrator: queue halted")
)

// Broker resolves human decisions. *multiplex.Multiplexer implements it.
type Broker interface {
	RequestApproval(ctx context.Context, req protocol.PlanRequest, timeout time.Duration) (protocol.ApprovalResponse, error)
	AskQuestion(ctx context.Context, req protocol.QuestionRequest, timeout time.Duration) (protocol.QuestionResponse, error)
}

// Deps are the collaborators of an Orchestrator. Ledger is optional.
type Deps struct {
	Agent  agent.Agent
	Broker Broker
	State  *statestore.Store
	Hooks  *hooks.Runner
	Ledger ticket.Store
	Logger *slog.Logger
}

// Orchestrator runs a fixed ticket set, one ticket at a time.
type Orchestrator struct {
	cfg    config.Config
	agent  agent.Agent
	broker Broker
	state  *statestore.Store
	hooks  *hooks.Runner
	ledger ticket.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tickets []*protocol.Ticket // execution order
	byID    map[string]*protocol.Ticket
	spent   map[string]float64
	running bool
	abort   context.CancelFunc

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New validates the dependency graph and returns an orchestrator for
// tickets. The tickets are copied; their Status is the starting status
// (empty means pending).
func New(cfg config.Config, tickets []protocol.Ticket, deps Deps) (*Orchestrator, error) {
	if deps.Agent == nil {
		return nil, errors.New("orchestrator: agent is required")
	}
	if deps.State == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewRunner(cfg.Agent.WorkDir, deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	list := make([]*protocol.Ticket, len(tickets))
	for i := range tickets {
		t := tickets[i]
		if t.Status == "" {
			t.Status = protocol.TicketPending
		}
		list[i] = &t
	}
	ordered, err := Order(list)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		agent:     deps.Agent,
		broker:    deps.Broker,
		state:     deps.State,
		hooks:     deps.Hooks,
		ledger:    deps.Ledger,
		logger:    deps.Logger,
		now:       time.Now,
		tickets:   ordered,
		byID:      make(map[string]*protocol.Ticket, len(ordered)),
		spent:     make(map[string]float64),
		listeners: make(map[int]Listener),
	}
	for _, t := range ordered {
		o.byID[t.ID] = t
		if o.ledger != nil {
			if err := o.ledger.Register(t); err != nil {
				return nil, fmt.Errorf("orchestrator: register %s: %w", t.ID, err)
			}
		}
	}
	return o, nil
}

// Tickets returns a snapshot of the tickets in execution order.
func (o *Orchestrator) Tickets() []protocol.Ticket {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.Ticket, len(o.tickets))
	for i, t := range o.tickets {
		out[i] = *t
	}
	return out
}

// Ticket returns a snapshot of one ticket.
func (o *Orchestrator) Ticket(id string) (protocol.Ticket, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.byID[id]
	if !ok {
		return protocol.Ticket{}, false
	}
	return *t, true
}

// Running reports whether Start is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Stop asks the run to halt at the next ticket boundary. The request is
// persisted, so it survives a restart until Resume clears it. Stop is
// idempotent and safe to call at any time.
func (o *Orchestrator) Stop() error {
	_, err := o.state.Update(func(st *protocol.ProcessingState) error {
		st.PauseRequested = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: stop: %w", err)
	}
	o.logger.Info("pause requested")
	return nil
}

// Resume clears a pending pause request. It does not start a run.
func (o *Orchestrator) Resume() error {
	_, err := o.state.Update(func(st *protocol.ProcessingState) error {
		st.PauseRequested = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: resume: %w", err)
	}
	return nil
}

// Reset puts a ticket back to pending with no attempts or spend, so the
// next Start runs it from scratch. A ticket saved for resume loses its
// resume point. Reset is refused with ErrAlreadyRunning while a run is
// active and returns an error wrapping ticket.ErrNotFound for an unknown id.
func (o *Orchestrator) Reset(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.byID[id]
	if !ok {
		return fmt.Errorf("orchestrator: reset %q: %w", id, ticket.ErrNotFound)
	}
	if o.running {
		return ErrAlreadyRunning
	}

	if o.ledger != nil {
		if err := o.ledger.Reset(id); err != nil {
			return fmt.Errorf("orchestrator: reset %s: %w", id, err)
		}
	}
	if _, err := o.state.Update(func(st *protocol.ProcessingState) error {
		if st.Current() == id {
			st.CurrentTicketID = nil
			st.CurrentPhase = protocol.PhaseIdle
			st.SessionID = nil
		}
		return nil
	}); err != nil {
		return fmt.Errorf("orchestrator: reset %s: %w", id, err)
	}
	t.Status = protocol.TicketPending
	delete(o.spent, id)

	o.logger.Info("ticket reset", "ticket", id)
	o.appendLog(id, "reset to pending")
	return nil
}

// Abort cancels the in-flight ticket, terminating any agent or hook
// subprocess. The ticket fails without further retries. It reports whether
// a ticket was in flight.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.abort == nil {
		return false
	}
	o.abort()
	return true
}

// Start processes every eligible pending ticket in dependency order. It
// returns nil when the queue completes or pauses, ErrHalted when a failed
// ticket stopped the queue, and ctx's error if ctx is cancelled. A ticket
// interrupted by ctx keeps its persisted phase and is resumed by the next
// Start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	resume, err := o.recover()
	if err != nil {
		return err
	}

	o.logger.Info("queue starting", "tickets", len(o.tickets))
	o.emit(Event{Type: EventQueueStart, Message: fmt.Sprintf("%d tickets", len(o.tickets))})

	for {
		progress := false
		for _, t := range o.tickets {
			if o.status(t) != protocol.TicketPending || !o.eligible(t) {
				continue
			}

			st, err := o.state.Load()
			if err != nil {
				return fmt.Errorf("orchestrator: load state: %w", err)
			}
			if st.PauseRequested {
				o.logger.Info("queue paused", "next", t.ID)
				o.emit(Event{Type: EventQueuePaused, TicketID: t.ID, Message: "paused before " + t.ID})
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			progress = true
			var r *resumePoint
			if resume != nil && resume.ticketID == t.ID {
				r, resume = resume, nil
			}
			if err := o.runTicket(ctx, t, r); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					o.logger.Info("queue interrupted", "ticket", t.ID)
					return err
				}
				o.logger.Error("queue stopped", "ticket", t.ID, "error", err)
				o.emit(Event{Type: EventQueueStopped, TicketID: t.ID, Message: err.Error()})
				return err
			}
		}
		if !progress {
			break
		}
	}

	if err := o.skipBlocked(); err != nil {
		return err
	}
	o.logger.Info("queue complete")
	o.emit(Event{Type: EventQueueComplete, Message: o.summary()})
	return nil
}

// resumePoint marks a ticket that was executing when the previous process
// died.
type resumePoint struct {
	ticketID  string
	plan      string
	sessionID string
}

// recover reconciles persisted progress with the in-memory ticket set:
// completed and skipped tickets stay done, everything else is pending
// again. Stale pending questions belong to a dead process and are dropped.
func (o *Orchestrator) recover() (*resumePoint, error) {
	st, err := o.state.Init()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init state: %w", err)
	}

	var resume *resumePoint
	if id := st.Current(); id != "" && st.CurrentPhase == protocol.PhaseExecuting {
		if _, ok := o.byID[id]; ok {
			r := &resumePoint{ticketID: id}
			plan, okPlan, err := o.state.LoadPlan(id)
			if err != nil {
				return nil, err
			}
			session, okSession, err := o.state.LoadSession(id)
			if err != nil {
				return nil, err
			}
			if okPlan || okSession {
				r.plan, r.sessionID = plan, session
				resume = r
			}
		}
	}

	if _, err := o.state.Update(func(st *protocol.ProcessingState) error {
		st.CurrentTicketID = nil
		st.CurrentPhase = protocol.PhaseIdle
		st.SessionID = nil
		st.PendingQuestions = nil
		return nil
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: reset state: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tickets {
		if o.ledger != nil {
			rec, err := o.ledger.Get(t.ID)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: ledger %s: %w", t.ID, err)
			}
			o.spent[t.ID] = rec.CostUSD
			if rec.Status == protocol.TicketCompleted || rec.Status == protocol.TicketSkipped {
				t.Status = rec.Status
				continue
			}
		}
		if t.Status != protocol.TicketCompleted && t.Status != protocol.TicketSkipped {
			t.Status = protocol.TicketPending
		}
	}
	return resume, nil
}

// skipBlocked marks pending tickets that wait on a failed or skipped
// dependency as skipped.
func (o *Orchestrator) skipBlocked() error {
	for _, t := range o.tickets {
		if o.status(t) != protocol.TicketPending {
			continue
		}
		o.mu.Lock()
		isBlocked := blocked(t, o.byID)
		o.mu.Unlock()
		if !isBlocked {
			continue
		}
		if err := o.transition(t, protocol.TicketSkipped, "dependency did not complete"); err != nil {
			return err
		}
		o.emit(Event{Type: EventTicketSkipped, TicketID: t.ID, Status: protocol.TicketSkipped, Message: "dependency did not complete"})
	}
	return nil
}

func (o *Orchestrator) summary() string {
	counts := map[protocol.TicketStatus]int{}
	for _, t := range o.Tickets() {
		counts[t.Status]++
	}
	return fmt.Sprintf("%d completed, %d failed, %d skipped, %d pending",
		counts[protocol.TicketCompleted], counts[protocol.TicketFailed],
		counts[protocol.TicketSkipped], counts[protocol.TicketPending])
}

func (o *Orchestrator) status(t *protocol.Ticket) protocol.TicketStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return t.Status
}

func (o *Orchestrator) eligible(t *protocol.Ticket) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return eligible(t, o.byID)
}

// transition persists a status change to the ledger and the state document
// and only then updates the in-memory ticket.
func (o *Orchestrator) transition(t *protocol.Ticket, to protocol.TicketStatus, note string) error {
	if o.ledger != nil {
		if err := o.ledger.Transition(t.ID, to, note); err != nil {
			return fmt.Errorf("orchestrator: ledger transition %s: %w", t.ID, err)
		}
	}

	phase := phaseFor(to)
	_, err := o.state.Update(func(st *protocol.ProcessingState) error {
		st.CurrentPhase = phase
		if phase == protocol.PhaseIdle {
			st.CurrentTicketID = nil
			st.SessionID = nil
		} else {
			id := t.ID
			st.CurrentTicketID = &id
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: persist %s %s: %w", t.ID, to, err)
	}

	o.mu.Lock()
	t.Status = to
	o.mu.Unlock()
	return nil
}

func phaseFor(s protocol.TicketStatus) protocol.Phase {
	switch s {
	case protocol.TicketPlanning:
		return protocol.PhasePlanning
	case protocol.TicketAwaitingApproval, protocol.TicketApproved:
		return protocol.PhaseAwaitingApproval
	case protocol.TicketExecuting:
		return protocol.PhaseExecuting
	}
	return protocol.PhaseIdle
}

func (o *Orchestrator) setAbort(cancel context.CancelFunc) {
	o.mu.Lock()
	o.abort = cancel
	o.mu.Unlock()
}
