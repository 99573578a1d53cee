// Package hooks runs the operator-configured actions bound to lifecycle
// events. Lists run strictly in order and stop at the first failure.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

const (
	defaultTimeout = 60 * time.Second
	defaultGrace   = 5 * time.Second
	maxOutputSize  = 64 * 1024
)

// Result is the outcome of one action. ExitCode is nil for prompt actions
// and for shell commands that never started.
type Result struct {
	Action   protocol.HookAction
	Success  bool
	Output   string
	Error    string
	ExitCode *int
}

// Runner executes hook actions.
type Runner struct {
	WorkDir     string
	Timeout     time.Duration // per action unless the action sets its own
	GracePeriod time.Duration // between SIGTERM and SIGKILL
	Shell       string
	Logger      *slog.Logger
}

// NewRunner returns a runner with default timeouts.
func NewRunner(workDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		WorkDir:     workDir,
		Timeout:     defaultTimeout,
		GracePeriod: defaultGrace,
		Shell:       "/bin/sh",
		Logger:      logger,
	}
}

// ExecuteNamed runs the list bound to event. A nil config or a missing event
// yields an empty result list.
func (r *Runner) ExecuteNamed(ctx context.Context, hooks protocol.Hooks, event protocol.HookEvent, hctx Context) []Result {
	actions := hooks[event]
	if len(actions) == 0 {
		return []Result{}
	}
	r.Logger.Debug("running hooks", "event", event, "ticket", hctx.TicketID, "actions", len(actions))
	return r.ExecuteHook(ctx, actions, hctx)
}

// ExecuteHook runs actions in order and stops after the first failure. The
// returned slice holds only the results produced so far.
func (r *Runner) ExecuteHook(ctx context.Context, actions []protocol.HookAction, hctx Context) []Result {
	results := make([]Result, 0, len(actions))
	for i, a := range actions {
		res := r.ExecuteAction(ctx, a, hctx)
		results = append(results, res)
		if !res.Success {
			r.Logger.Warn("hook action failed",
				"ticket", hctx.TicketID,
				"index", i,
				"type", a.Type,
				"error", res.Error,
			)
			break
		}
	}
	return results
}

// ExecuteAction runs a single action.
func (r *Runner) ExecuteAction(ctx context.Context, a protocol.HookAction, hctx Context) Result {
	switch a.Type {
	case protocol.ActionPrompt:
		return Result{Action: a, Success: true, Output: a.Prompt}
	case protocol.ActionShell:
		return r.runShell(ctx, a, hctx)
	default:
		return Result{Action: a, Error: fmt.Sprintf("unknown action type %q", a.Type)}
	}
}

func (r *Runner) runShell(ctx context.Context, a protocol.HookAction, hctx Context) Result {
	if strings.TrimSpace(a.Command) == "" {
		return Result{Action: a, Error: "shell action has no command"}
	}
	env, err := hctx.Env()
	if err != nil {
		return Result{Action: a, Error: err.Error()}
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = defaultGrace
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell, "-c", a.Command)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}
	cmd.Env = append(os.Environ(), env...)
	out := &limitedBuffer{max: maxOutputSize}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Result{Action: a, Error: fmt.Sprintf("spawn: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var stopReason string
	select {
	case waitErr = <-done:
	case <-timer.C:
		stopReason = fmt.Sprintf("timed out after %s", timeout)
		waitErr = r.stop(cmd, done, grace)
	case <-ctx.Done():
		stopReason = fmt.Sprintf("cancelled: %v", ctx.Err())
		waitErr = r.stop(cmd, done, grace)
	}

	if stopReason == "" && errors.Is(waitErr, exec.ErrWaitDelay) {
		// exited cleanly; a background child kept the output pipe open
		waitErr = nil
	}

	res := Result{Action: a, Output: out.String()}
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		code = exitErr.ExitCode()
	case waitErr != nil:
		code = -1
	}
	res.ExitCode = &code

	switch {
	case stopReason != "":
		res.Error = stopReason
	case waitErr != nil && exitErr != nil:
		res.Error = fmt.Sprintf("exit code %d", code)
	case waitErr != nil:
		res.Error = waitErr.Error()
	default:
		res.Success = true
	}
	return res
}

// stop sends SIGTERM, then SIGKILL if the process outlives grace.
func (r *Runner) stop(cmd *exec.Cmd, done <-chan error, grace time.Duration) error {
	if err := terminate(cmd); err != nil {
		r.Logger.Debug("terminate hook process", "pid", cmd.Process.Pid, "error", err)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		r.Logger.Warn("hook ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		kill(cmd)
		return <-done
	}
}

// Failed reports whether any result is unsuccessful.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Success {
			return true
		}
	}
	return false
}

// FirstError returns the error text of the first failed result.
func FirstError(results []Result) string {
	for _, r := range results {
		if !r.Success {
			return r.Error
		}
	}
	return ""
}

// Prompts collects the text of successful prompt actions, in order.
func Prompts(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Success && r.Action.Type == protocol.ActionPrompt && strings.TrimSpace(r.Output) != "" {
			out = append(out, r.Output)
		}
	}
	return out
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n... [truncated]"
	}
	return b.buf.String()
}
