// Package multiplex broadcasts one approval or question request to every
// connected channel adapter and resolves it with the first response.
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// errBuffer bounds the error channel; events beyond it are logged and dropped.
const errBuffer = 64

// Multiplexer fans requests out to registered connectors.
//
// A pending record is registered before anything is sent, so a response that
// arrives synchronously from inside a send is never lost. Exactly one of
// response, timeout or cancellation removes a record; whoever removes it
// delivers the outcome and everyone else sees nothing.
type Multiplexer struct {
	logger *slog.Logger
	errs   chan error

	mu        sync.Mutex
	providers map[string]connector.Connector
	approvals map[string]*pending[protocol.ApprovalResponse]
	questions map[string]*pending[protocol.QuestionResponse]
}

type pending[T any] struct {
	done  chan outcome[T] // buffered, written once by the remover
	timer *time.Timer
}

type outcome[T any] struct {
	resp T
	err  error
}

// New creates an empty multiplexer.
func New(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		logger:    logger,
		errs:      make(chan error, errBuffer),
		providers: make(map[string]connector.Connector),
		approvals: make(map[string]*pending[protocol.ApprovalResponse]),
		questions: make(map[string]*pending[protocol.QuestionResponse]),
	}
}

// Errors returns the error channel: adapter send failures and timeouts.
func (m *Multiplexer) Errors() <-chan error { return m.errs }

// AddProvider registers c under its name, replacing any previous adapter
// with the same name. The replaced adapter's handlers are detached.
func (m *Multiplexer) AddProvider(c connector.Connector) {
	name := c.Name()

	m.mu.Lock()
	old := m.providers[name]
	m.providers[name] = c
	m.mu.Unlock()

	if old != nil && old != c {
		old.SetApprovalHandler(nil)
		old.SetQuestionHandler(nil)
		m.logger.Info("provider replaced", "provider", name)
	}
	c.SetApprovalHandler(m.handleApproval)
	c.SetQuestionHandler(m.handleQuestion)
}

// RemoveProvider unregisters the named adapter. It reports whether one was registered.
func (m *Multiplexer) RemoveProvider(name string) bool {
	m.mu.Lock()
	c, ok := m.providers[name]
	delete(m.providers, name)
	m.mu.Unlock()

	if ok {
		c.SetApprovalHandler(nil)
		c.SetQuestionHandler(nil)
	}
	return ok
}

// Providers returns the registered adapter names, sorted.
func (m *Multiplexer) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ConnectAll connects every registered adapter concurrently. All attempts run
// to completion; the returned error joins every failure. Adapters that did
// connect stay connected.
func (m *Multiplexer) ConnectAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, c := range m.snapshot() {
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				serr := &SendError{Provider: c.Name(), Op: OpConnect, Err: err}
				m.logger.Error("provider connect failed", "provider", c.Name(), "error", err)
				mu.Lock()
				errs = append(errs, serr)
				mu.Unlock()
				return nil
			}
			m.logger.Info("provider connected", "provider", c.Name())
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// DisconnectAll disconnects every adapter concurrently. Failures are logged only.
func (m *Multiplexer) DisconnectAll(ctx context.Context) {
	var g errgroup.Group
	for _, c := range m.snapshot() {
		g.Go(func() error {
			if err := c.Disconnect(ctx); err != nil {
				m.logger.Warn("provider disconnect failed", "provider", c.Name(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// RequestApproval broadcasts req and waits for the first decision.
// A zero timeout waits until ctx is done or the request is cancelled.
func (m *Multiplexer) RequestApproval(ctx context.Context, req protocol.PlanRequest, timeout time.Duration) (protocol.ApprovalResponse, error) {
	providers := m.snapshot()
	if len(providers) == 0 {
		return protocol.ApprovalResponse{}, ErrNoProviders
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	p, err := register(m, m.approvals, OpApproval, req.RequestID, timeout)
	if err != nil {
		return protocol.ApprovalResponse{}, err
	}
	go m.broadcast(ctx, OpApproval, providers, func(ctx context.Context, c connector.Connector) error {
		return c.SendPlanForApproval(ctx, req)
	})
	return wait(ctx, m, m.approvals, p, req.RequestID)
}

// AskQuestion broadcasts req and waits for the first answer.
func (m *Multiplexer) AskQuestion(ctx context.Context, req protocol.QuestionRequest, timeout time.Duration) (protocol.QuestionResponse, error) {
	providers := m.snapshot()
	if len(providers) == 0 {
		return protocol.QuestionResponse{}, ErrNoProviders
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	p, err := register(m, m.questions, OpQuestion, req.RequestID, timeout)
	if err != nil {
		return protocol.QuestionResponse{}, err
	}
	go m.broadcast(ctx, OpQuestion, providers, func(ctx context.Context, c connector.Connector) error {
		return c.SendQuestion(ctx, req)
	})
	return wait(ctx, m, m.questions, p, req.RequestID)
}

// CancelApproval fails a waiting RequestApproval with ErrCancelled.
// It reports whether a pending request was found.
func (m *Multiplexer) CancelApproval(requestID string) bool {
	return cancel(m, m.approvals, requestID)
}

// CancelQuestion fails a waiting AskQuestion with ErrCancelled.
func (m *Multiplexer) CancelQuestion(requestID string) bool {
	return cancel(m, m.questions, requestID)
}

// PendingCount returns the number of in-flight approvals and questions.
func (m *Multiplexer) PendingCount() (approvals, questions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.approvals), len(m.questions)
}

// BroadcastStatus hands update to every connected adapter and returns
// without waiting for the sends. Two calls may reach an adapter in either
// order; use DeliverStatus where order matters.
func (m *Multiplexer) BroadcastStatus(ctx context.Context, update protocol.StatusUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	go m.DeliverStatus(context.WithoutCancel(ctx), update)
}

// DeliverStatus sends update to every connected adapter and returns once
// all sends have finished. Failures are logged and reported on the error
// channel; they never stop delivery to the others.
func (m *Multiplexer) DeliverStatus(ctx context.Context, update protocol.StatusUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	m.broadcast(ctx, OpStatus, m.snapshot(), func(ctx context.Context, c connector.Connector) error {
		return c.SendStatus(ctx, update)
	})
}

func (m *Multiplexer) handleApproval(resp protocol.ApprovalResponse) bool {
	p := take(m, m.approvals, resp.RequestID)
	if p == nil {
		m.logger.Debug("ignoring approval response", "request_id", resp.RequestID, "provider", resp.Provider)
		return false
	}
	m.logger.Info("approval received", "request_id", resp.RequestID, "provider", resp.Provider, "approved", resp.Approved)
	p.done <- outcome[protocol.ApprovalResponse]{resp: resp}
	return true
}

func (m *Multiplexer) handleQuestion(resp protocol.QuestionResponse) bool {
	p := take(m, m.questions, resp.RequestID)
	if p == nil {
		m.logger.Debug("ignoring question response", "request_id", resp.RequestID, "provider", resp.Provider)
		return false
	}
	m.logger.Info("answer received", "request_id", resp.RequestID, "provider", resp.Provider)
	p.done <- outcome[protocol.QuestionResponse]{resp: resp}
	return true
}

func (m *Multiplexer) broadcast(ctx context.Context, op Op, providers []connector.Connector, send func(context.Context, connector.Connector) error) {
	var wg sync.WaitGroup
	for _, c := range providers {
		if !c.IsConnected() {
			m.logger.Warn("skipping disconnected provider", "provider", c.Name(), "op", op)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(ctx, c); err != nil {
				m.emit(&SendError{Provider: c.Name(), Op: op, Err: err})
			}
		}()
	}
	wg.Wait()
}

func (m *Multiplexer) emit(err error) {
	m.logger.Error("multiplexer error", "error", err)
	select {
	case m.errs <- err:
	default:
		m.logger.Warn("error channel full, dropping event", "error", err)
	}
}

func (m *Multiplexer) snapshot() []connector.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]connector.Connector, 0, len(m.providers))
	for _, c := range m.providers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b connector.Connector) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return out
}

func register[T any](m *Multiplexer, set map[string]*pending[T], op Op, id string, timeout time.Duration) (*pending[T], error) {
	p := &pending[T]{done: make(chan outcome[T], 1)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := set[id]; dup {
		return nil, fmt.Errorf("multiplex: %s %s already pending", op, id)
	}
	set[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if !remove(m, set, id, p) {
				return
			}
			err := &TimeoutError{Op: op, RequestID: id, After: timeout}
			m.emit(err)
			p.done <- outcome[T]{err: err}
		})
	}
	return p, nil
}

// remove deletes id only while it still maps to p.
func remove[T any](m *Multiplexer, set map[string]*pending[T], id string, p *pending[T]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set[id] != p {
		return false
	}
	delete(set, id)
	return true
}

// take removes and returns the record for id, or nil if another path already did.
func take[T any](m *Multiplexer, set map[string]*pending[T], id string) *pending[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := set[id]
	if !ok {
		return nil
	}
	delete(set, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func cancel[T any](m *Multiplexer, set map[string]*pending[T], id string) bool {
	p := take(m, set, id)
	if p == nil {
		return false
	}
	p.done <- outcome[T]{err: fmt.Errorf("%w: %s", ErrCancelled, id)}
	return true
}

func wait[T any](ctx context.Context, m *Multiplexer, set map[string]*pending[T], p *pending[T], id string) (T, error) {
	select {
	case out := <-p.done:
		return out.resp, out.err
	case <-ctx.Done():
		if remove(m, set, id, p) {
			if p.timer != nil {
				p.timer.Stop()
			}
			var zero T
			return zero, ctx.Err()
		}
		// Lost the race to a response, timeout or cancel; report that instead.
		out := <-p.done
		return out.resp, out.err
	}
}
