package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apiPkg "github.com/h1v3-io/taskpilot/internal/api"
	"github.com/h1v3-io/taskpilot/internal/multiplex"
	"github.com/h1v3-io/taskpilot/internal/orchestrator"
	"github.com/h1v3-io/taskpilot/internal/statestore"
	"github.com/h1v3-io/taskpilot/internal/ticket"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// runner is the part of the orchestrator the queue drives.
type runner interface {
	Start(ctx context.Context) error
	Running() bool
}

// queue starts orchestrator runs in the background, one at a time.
type queue struct {
	ctx    context.Context
	run    runner
	logger *slog.Logger

	mu   sync.Mutex
	busy bool
	last error
	done chan struct{}
}

func newQueue(ctx context.Context, run runner, logger *slog.Logger) *queue {
	done := make(chan struct{})
	close(done)
	return &queue{ctx: ctx, run: run, logger: logger, done: done}
}

// start launches a run unless one is already in progress. It reports
// whether a run was launched.
func (q *queue) start(reason string) bool {
	q.mu.Lock()
	if q.busy || q.run.Running() {
		q.mu.Unlock()
		return false
	}
	q.busy = true
	done := make(chan struct{})
	q.done = done
	q.mu.Unlock()

	q.logger.Info("queue run starting", "reason", reason)
	go safeGo(q.logger, "queue", func() {
		var err error
		defer func() {
			q.mu.Lock()
			q.busy = false
			q.last = err
			q.mu.Unlock()
			close(done)
		}()

		err = q.run.Start(q.ctx)
		switch {
		case err == nil:
			q.logger.Info("queue run finished")
		case errors.Is(err, orchestrator.ErrAlreadyRunning):
			q.logger.Debug("queue already running")
			err = nil
		case errors.Is(err, orchestrator.ErrHalted):
			q.logger.Warn("queue halted", "error", err)
		case errors.Is(err, context.Canceled):
			q.logger.Info("queue run interrupted by shutdown")
		default:
			q.logger.Error("queue run failed", "error", err)
		}
	})
	return true
}

// wait returns a channel closed when the latest run has returned.
func (q *queue) wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// err returns the result of the latest finished run.
func (q *queue) err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// trigger adapts start to the scheduler callback.
func (q *queue) trigger(job string) (bool, error) {
	return q.start("schedule:" + job), nil
}

// apiService implements api.Service on top of the orchestrator.
type apiService struct {
	orch     *orchestrator.Orchestrator
	state    *statestore.Store
	ledger   ticket.Store
	requests *multiplex.Multiplexer
	queue    *queue
}

func (s *apiService) Records(f ticket.Filter) ([]*ticket.Record, error) { return s.ledger.List(f) }

func (s *apiService) Count(f ticket.Filter) (int, error) { return s.ledger.Count(f) }

func (s *apiService) Reset(id string) error {
	err := s.orch.Reset(id)
	if errors.Is(err, orchestrator.ErrAlreadyRunning) {
		return fmt.Errorf("%w: %w", apiPkg.ErrBusy, err)
	}
	return err
}

func (s *apiService) CancelApproval(id string) bool { return s.requests.CancelApproval(id) }

func (s *apiService) CancelQuestion(id string) bool { return s.requests.CancelQuestion(id) }

func (s *apiService) Ticket(id string) (protocol.Ticket, bool) { return s.orch.Ticket(id) }

func (s *apiService) Record(id string) (*ticket.Record, error) { return s.ledger.Get(id) }

func (s *apiService) TicketLog(id string) (string, error) { return s.state.ReadLog(id) }

func (s *apiService) State() (protocol.ProcessingState, error) { return s.state.Load() }

func (s *apiService) Running() bool { return s.orch.Running() }

func (s *apiService) Pause() error { return s.orch.Stop() }

func (s *apiService) Resume() error {
	if err := s.orch.Resume(); err != nil {
		return err
	}
	s.queue.start("resume")
	return nil
}

// statusPump forwards orchestrator events to the channel adapters in order
// without making the orchestrator wait on slow chat APIs.
type statusPump struct {
	ch     chan protocol.StatusUpdate
	send   func(context.Context, protocol.StatusUpdate)
	logger *slog.Logger
}

func newStatusPump(send func(context.Context, protocol.StatusUpdate), logger *slog.Logger) *statusPump {
	return &statusPump{ch: make(chan protocol.StatusUpdate, 256), send: send, logger: logger}
}

func (p *statusPump) listen(ev orchestrator.Event) {
	select {
	case p.ch <- ev.StatusUpdate():
	default:
		p.logger.Warn("status queue full, dropping update", "event", ev.Type, "ticket", ev.TicketID)
	}
}

// run delivers updates until ctx is done.
func (p *statusPump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.ch:
			p.send(ctx, u)
		}
	}
}
