package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/taskpilot/internal/agent"
	"github.com/h1v3-io/taskpilot/internal/hooks"
	"github.com/h1v3-io/taskpilot/internal/multiplex"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// failure is why an attempt did not succeed. Only retryable failures
// consume another attempt; fatal ones halt the queue even when
// continue_on_error is set.
type failure struct {
	msg       string
	retryable bool
	fatal     bool
}

func retryable(format string, args ...any) *failure {
	return &failure{msg: fmt.Sprintf(format, args...), retryable: true}
}

func terminal(format string, args ...any) *failure {
	return &failure{msg: fmt.Sprintf(format, args...)}
}

// ticketRun is the state of one ticket across its attempts.
type ticketRun struct {
	o          *Orchestrator
	t          *protocol.Ticket
	log        *slog.Logger
	hooks      protocol.Hooks
	planMode   bool
	autonomous bool

	planHints []string
	execHints []string
	plan      string
	approved  bool
	sessionID string
	lastErr   string

	rejected bool
	feedback string
	// halt is set from agent callbacks and wins over the agent's result.
	halt *failure
}

// runTicket drives one ticket to a final status. When the parent ctx is
// cancelled (daemon shutdown) the ticket is left where it is so the next
// Start can resume it; only Abort fails it.
func (o *Orchestrator) runTicket(parent context.Context, t *protocol.Ticket, resume *resumePoint) error {
	ctx, cancel := context.WithCancel(parent)
	o.setAbort(cancel)
	defer func() {
		o.setAbort(nil)
		cancel()
	}()

	global := o.cfg.EffectivePlanMode()
	r := &ticketRun{
		o:          o,
		t:          t,
		log:        o.logger.With("ticket", t.ID),
		hooks:      hooks.Merge(o.cfg.Hooks, t.Hooks),
		planMode:   t.EffectivePlanMode(global),
		autonomous: t.Autonomous(global, o.cfg.AutoApprove),
	}
	r.log.Info("ticket starting", "plan_mode", r.planMode, "autonomous", r.autonomous)
	o.appendLog(t.ID, "ticket started: "+t.Title)
	o.emit(Event{Type: EventTicketStart, TicketID: t.ID, Status: t.Status, Message: t.Title})

	results := r.runHooks(ctx, protocol.HookBeforeEach)
	if err := parent.Err(); err != nil {
		return r.interrupted(err)
	}
	if f := r.gate(protocol.HookBeforeEach, results); f != nil {
		return r.fail(ctx, f, 0)
	}
	r.planHints = hooks.Prompts(results)

	if resume != nil {
		r.plan, r.sessionID, r.approved = resume.plan, resume.sessionID, true
		r.lastErr = "the previous process was interrupted"
		r.log.Info("resuming interrupted ticket", "session", resume.sessionID)
	}

	attempts := 1 + max(o.cfg.MaxRetries, 0)
	for attempt := 1; ; attempt++ {
		f := r.attempt(ctx, attempt)
		if err := parent.Err(); f != nil && err != nil {
			return r.interrupted(err)
		}
		if r.rejected {
			return r.skip(ctx)
		}
		if f == nil {
			return r.complete(ctx)
		}

		retry := f.retryable && !f.fatal && attempt < attempts && ctx.Err() == nil
		r.attemptFailed(ctx, f, attempt, retry)
		if !retry {
			return r.fail(ctx, f, attempt)
		}
		o.emit(Event{Type: EventTicketRetry, TicketID: t.ID, Status: o.status(t), Attempt: attempt + 1,
			Message: fmt.Sprintf("attempt %d of %d", attempt+1, attempts)})
	}
}

// attempt runs planning (unless a plan is already approved) and execution.
func (r *ticketRun) attempt(ctx context.Context, n int) *failure {
	if r.planMode && !r.approved {
		if f := r.planPhase(ctx); f != nil || r.rejected {
			return f
		}
	}
	return r.executePhase(ctx, n)
}

func (r *ticketRun) planPhase(ctx context.Context) *failure {
	o, t := r.o, r.t
	if f := r.enter(protocol.TicketPlanning, EventTicketPlanning, "generating plan"); f != nil {
		return f
	}

	opts := r.options(o.cfg.Timeouts.Plan)
	res, err := o.agent.GeneratePlan(ctx, agent.BuildPlanPrompt(t, r.planHints), opts)
	if err != nil {
		return r.agentError(ctx, "plan", err)
	}
	if f := r.addCost(res.Cost); f != nil {
		return f
	}
	if !res.Success {
		return retryable("plan: %s", res.Error)
	}
	if strings.TrimSpace(res.Plan) == "" {
		return retryable("plan: agent returned an empty plan")
	}

	if err := o.state.SavePlan(t.ID, res.Plan); err != nil {
		return &failure{msg: "save plan: " + err.Error(), fatal: true}
	}
	r.plan = res.Plan
	o.appendLog(t.ID, "plan generated")
	o.emit(Event{Type: EventTicketPlanGenerated, TicketID: t.ID, Status: t.Status, Message: firstLine(res.Plan)})

	if f := r.gate(protocol.HookOnPlanGenerated, r.runHooks(ctx, protocol.HookOnPlanGenerated)); f != nil {
		return f
	}

	if r.autonomous {
		r.approved = true
		r.log.Info("plan auto-approved")
		o.appendLog(t.ID, "plan auto-approved")
		return nil
	}
	return r.approval(ctx)
}

func (r *ticketRun) approval(ctx context.Context) *failure {
	o, t := r.o, r.t
	if f := r.enter(protocol.TicketAwaitingApproval, EventTicketAwaitingApproval, "waiting for plan approval"); f != nil {
		return f
	}
	if o.broker == nil {
		return &failure{msg: "approval: " + multiplex.ErrNoProviders.Error(), fatal: true}
	}

	req := protocol.PlanRequest{
		RequestID:   uuid.NewString(),
		TicketID:    t.ID,
		TicketTitle: t.Title,
		Plan:        r.plan,
		Timestamp:   o.now().UTC(),
	}
	resp, err := o.broker.RequestApproval(ctx, req, o.cfg.Timeouts.Approval)
	if err != nil {
		return r.brokerError(ctx, "approval", err)
	}

	who := firstNonEmpty(resp.RespondedBy, resp.Provider, "unknown")
	if !resp.Approved {
		r.rejected, r.feedback = true, resp.Feedback
		r.log.Info("plan rejected", "by", who, "provider", resp.Provider)
		msg := "plan rejected by " + who
		if resp.Feedback != "" {
			msg += ": " + resp.Feedback
		}
		o.appendLog(t.ID, msg)
		o.emit(Event{Type: EventTicketRejected, TicketID: t.ID, Status: t.Status, Message: msg})
		return nil
	}

	r.log.Info("plan approved", "by", who, "provider", resp.Provider)
	o.appendLog(t.ID, "plan approved by "+who)
	if resp.Feedback != "" {
		r.execHints = append(r.execHints, resp.Feedback)
	}
	if f := r.enter(protocol.TicketApproved, EventTicketApproved, "approved by "+who); f != nil {
		return f
	}

	results := r.runHooks(ctx, protocol.HookOnApproval)
	if f := r.gate(protocol.HookOnApproval, results); f != nil {
		return f
	}
	r.execHints = append(r.execHints, hooks.Prompts(results)...)
	r.approved = true
	return nil
}

func (r *ticketRun) executePhase(ctx context.Context, attempt int) *failure {
	o, t := r.o, r.t
	if f := r.enter(protocol.TicketExecuting, EventTicketExecuting, fmt.Sprintf("attempt %d", attempt)); f != nil {
		return f
	}

	opts := r.options(o.cfg.Timeouts.Execute)
	cb := agent.Callbacks{OnQuestion: r.answer}

	var (
		res agent.ExecResult
		err error
	)
	if r.sessionID != "" {
		input := agent.BuildRetryInput(max(attempt-1, 1), r.lastErr)
		res, err = o.agent.Resume(ctx, r.sessionID, input, opts, cb)
	} else {
		res, err = o.agent.Execute(ctx, agent.BuildExecutePrompt(t, r.plan, r.execHints), opts, cb)
	}
	if res.SessionID != "" && res.SessionID != r.sessionID {
		r.saveSession(res.SessionID)
	}
	if r.halt != nil {
		return r.halt
	}
	if err != nil {
		return r.agentError(ctx, "execute", err)
	}
	if f := r.addCost(res.Cost); f != nil {
		return f
	}
	if !res.Success {
		return retryable("execute: %s", res.Error)
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		o.appendLog(t.ID, "agent output:\n"+out)
	}
	return nil
}

// answer resolves an agent question: locally in autonomous mode, otherwise
// through the broker with a persisted pending-question record that lives
// exactly as long as the wait.
func (r *ticketRun) answer(ctx context.Context, q agent.Question) (string, error) {
	o, t := r.o, r.t
	if r.autonomous {
		ans := agent.AutoAnswer(q)
		r.log.Info("question auto-answered", "question", q.Text, "answer", ans)
		o.appendLog(t.ID, fmt.Sprintf("question: %s\nauto-answer: %s", q.Text, ans))
		return ans, nil
	}
	if o.broker == nil {
		r.halt = &failure{msg: "question: " + multiplex.ErrNoProviders.Error(), fatal: true}
		return "", multiplex.ErrNoProviders
	}

	id := uuid.NewString()
	pq := protocol.PendingQuestion{ID: id, TicketID: t.ID, Question: q.Text, Timestamp: o.now().UTC()}
	if err := o.state.AddPendingQuestion(pq); err != nil {
		return "", fmt.Errorf("persist question: %w", err)
	}
	defer func() {
		if err := o.state.RemovePendingQuestion(id); err != nil {
			r.log.Error("failed to remove pending question", "request_id", id, "error", err)
		}
	}()

	o.appendLog(t.ID, "question: "+q.Text)
	o.emit(Event{Type: EventTicketQuestion, TicketID: t.ID, Status: t.Status, Message: q.Text})

	resp, err := o.broker.AskQuestion(ctx, protocol.QuestionRequest{
		RequestID: id,
		TicketID:  t.ID,
		Question:  q.Text,
		Options:   q.Options,
		Timestamp: pq.Timestamp,
	}, o.cfg.Timeouts.Question)
	if err != nil {
		switch {
		case errors.Is(err, multiplex.ErrNoProviders):
			r.halt = &failure{msg: "question: " + err.Error(), fatal: true}
		case errors.Is(err, multiplex.ErrCancelled):
			r.halt = terminal("question: %v", err)
		}
		r.log.Warn("question not answered", "request_id", id, "error", err)
		return "", err
	}

	r.log.Info("question answered", "request_id", id, "provider", resp.Provider)
	o.appendLog(t.ID, fmt.Sprintf("answer (%s): %s", firstNonEmpty(resp.RespondedBy, resp.Provider), resp.Answer))
	return resp.Answer, nil
}

func (r *ticketRun) complete(ctx context.Context) error {
	o, t := r.o, r.t
	ctx = context.WithoutCancel(ctx)
	if err := r.record(""); err != nil {
		return err
	}
	r.runHooks(ctx, protocol.HookOnComplete)
	r.runHooks(ctx, protocol.HookAfterEach)

	if err := o.transition(t, protocol.TicketCompleted, "completed"); err != nil {
		return err
	}
	r.log.Info("ticket completed")
	o.appendLog(t.ID, "ticket completed")
	o.emit(Event{Type: EventTicketCompleted, TicketID: t.ID, Status: protocol.TicketCompleted, Message: t.Title})
	return nil
}

func (r *ticketRun) skip(ctx context.Context) error {
	o, t := r.o, r.t
	r.runHooks(context.WithoutCancel(ctx), protocol.HookAfterEach)

	note := "plan rejected"
	if r.feedback != "" {
		note += ": " + r.feedback
	}
	if err := o.transition(t, protocol.TicketSkipped, note); err != nil {
		return err
	}
	o.emit(Event{Type: EventTicketSkipped, TicketID: t.ID, Status: protocol.TicketSkipped, Message: note})
	return nil
}

// attemptFailed records a failed attempt and runs the on_error hooks.
func (r *ticketRun) attemptFailed(ctx context.Context, f *failure, attempt int, retrying bool) {
	o, t := r.o, r.t
	r.lastErr = f.msg
	r.log.Error("ticket attempt failed", "attempt", attempt, "retrying", retrying, "error", f.msg)
	if err := r.record(f.msg); err != nil {
		r.log.Error("failed to record attempt", "error", err)
	}
	o.appendLog(t.ID, fmt.Sprintf("attempt %d failed: %s", attempt, f.msg))
	o.emit(Event{Type: EventError, TicketID: t.ID, Status: o.status(t), Attempt: attempt, Retrying: retrying, Message: f.msg})

	hc := r.hookContext()
	hc.Error = f.msg
	r.runHooksWith(context.WithoutCancel(ctx), protocol.HookOnError, hc)
}

// fail marks the ticket failed. attempt is zero when the ticket failed
// before its first attempt. The returned error halts the queue.
func (r *ticketRun) fail(ctx context.Context, f *failure, attempt int) error {
	o, t := r.o, r.t
	ctx = context.WithoutCancel(ctx)
	if attempt == 0 {
		r.attemptFailed(ctx, f, 0, false)
	}
	r.runHooks(ctx, protocol.HookAfterEach)

	if err := o.transition(t, protocol.TicketFailed, f.msg); err != nil {
		return err
	}
	msg := f.msg
	if attempt > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", f.msg, attempt)
	}
	r.log.Error("ticket failed", "attempts", attempt, "error", f.msg)
	o.appendLog(t.ID, "ticket failed: "+f.msg)
	o.emit(Event{Type: EventTicketFailed, TicketID: t.ID, Status: protocol.TicketFailed, Attempt: attempt, Message: msg})

	if f.fatal || !o.cfg.ContinueOnError {
		return fmt.Errorf("%w: ticket %s failed: %s", ErrHalted, t.ID, f.msg)
	}
	return nil
}

// interrupted leaves the ticket's persisted status, phase and session
// untouched and runs no hooks. The error is the parent context's.
func (r *ticketRun) interrupted(err error) error {
	r.log.Warn("ticket interrupted, kept for resume", "status", r.o.status(r.t), "session", r.sessionID)
	r.o.appendLog(r.t.ID, "interrupted by shutdown")
	return err
}

// enter persists a status change and then announces it.
func (r *ticketRun) enter(to protocol.TicketStatus, ev EventType, msg string) *failure {
	if err := r.o.transition(r.t, to, msg); err != nil {
		return &failure{msg: err.Error(), fatal: true}
	}
	r.log.Debug("ticket transition", "status", to)
	r.o.emit(Event{Type: ev, TicketID: r.t.ID, Status: to, Message: msg})
	return nil
}

// gate decides what a failed hook list means for the ticket: with
// continue_on_error the failure is only logged.
func (r *ticketRun) gate(event protocol.HookEvent, results []hooks.Result) *failure {
	if !hooks.Failed(results) {
		return nil
	}
	msg := fmt.Sprintf("%s hook failed: %s", event, hooks.FirstError(results))
	if r.o.cfg.ContinueOnError {
		r.log.Warn("hook failure ignored", "event", event, "error", hooks.FirstError(results))
		r.o.appendLog(r.t.ID, msg+" (ignored)")
		return nil
	}
	return terminal("%s", msg)
}

func (r *ticketRun) runHooks(ctx context.Context, event protocol.HookEvent) []hooks.Result {
	return r.runHooksWith(ctx, event, r.hookContext())
}

func (r *ticketRun) runHooksWith(ctx context.Context, event protocol.HookEvent, hc hooks.Context) []hooks.Result {
	results := r.o.hooks.ExecuteNamed(ctx, r.hooks, event, hc)
	if len(results) == 0 {
		return nil
	}
	if hooks.Failed(results) {
		r.log.Warn("hook failed", "event", event, "error", hooks.FirstError(results))
	} else {
		r.log.Debug("hooks ran", "event", event, "actions", len(results))
	}
	return results
}

func (r *ticketRun) hookContext() hooks.Context {
	hc := hooks.Context{
		TicketID:     r.t.ID,
		TicketTitle:  r.t.Title,
		TicketStatus: r.o.status(r.t),
		Extra:        r.t.Metadata,
	}
	if r.plan != "" {
		hc.PlanPath = r.o.state.Paths().PlanPath(r.t.ID)
		hc.PlanText = r.plan
	}
	return hc
}

func (r *ticketRun) options(timeout time.Duration) agent.Options {
	cfg := r.o.cfg
	return agent.Options{
		Model:           cfg.Model,
		SkipPermissions: r.autonomous || cfg.SkipPermissions,
		Timeout:         timeout,
		WorkDir:         cfg.Agent.WorkDir,
		Images:          r.t.Images,
	}
}

func (r *ticketRun) saveSession(id string) {
	r.sessionID = id
	if err := r.o.state.SaveSession(r.t.ID, id); err != nil {
		r.log.Error("failed to save session", "error", err)
		return
	}
	if _, err := r.o.state.Update(func(st *protocol.ProcessingState) error {
		if st.Current() == r.t.ID {
			st.SessionID = &id
		}
		return nil
	}); err != nil {
		r.log.Error("failed to persist session id", "error", err)
	}
}

// addCost accumulates spend and enforces max_budget_usd.
func (r *ticketRun) addCost(usd float64) *failure {
	if usd <= 0 {
		return nil
	}
	o, id := r.o, r.t.ID
	if o.ledger != nil {
		if err := o.ledger.AddCost(id, usd); err != nil {
			r.log.Error("failed to record cost", "error", err)
		}
	}
	o.mu.Lock()
	o.spent[id] += usd
	spent := o.spent[id]
	o.mu.Unlock()

	if budget := o.cfg.MaxBudgetUSD; budget > 0 && spent > budget {
		return terminal("budget exceeded: $%.2f spent of $%.2f", spent, budget)
	}
	return nil
}

func (r *ticketRun) record(lastErr string) error {
	if r.o.ledger == nil {
		return nil
	}
	if err := r.o.ledger.RecordAttempt(r.t.ID, lastErr); err != nil {
		return fmt.Errorf("orchestrator: record attempt %s: %w", r.t.ID, err)
	}
	return nil
}

func (r *ticketRun) agentError(ctx context.Context, op string, err error) *failure {
	if ctx.Err() != nil {
		return terminal("%s: aborted: %v", op, err)
	}
	return retryable("%s: %v", op, err)
}

func (r *ticketRun) brokerError(ctx context.Context, op string, err error) *failure {
	switch {
	case errors.Is(err, multiplex.ErrNoProviders):
		return &failure{msg: op + ": " + err.Error(), fatal: true}
	case ctx.Err() != nil, errors.Is(err, multiplex.ErrCancelled):
		return terminal("%s: %v", op, err)
	}
	return retryable("%s: %v", op, err)
}

func (o *Orchestrator) appendLog(id, text string) {
	if err := o.state.AppendLog(id, text); err != nil {
		o.logger.Error("failed to append ticket log", "ticket", id, "error", err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
