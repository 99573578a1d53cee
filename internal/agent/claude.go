package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tool names with special meaning in the stream.
const (
	toolAskUser  = "AskUserQuestion"
	toolExitPlan = "ExitPlanMode"
)

const (
	defaultBinary = "claude"
	defaultGrace  = 5 * time.Second
	stderrTail    = 4 * 1024
)

// Claude runs the Claude Code CLI in headless stream-json mode.
type Claude struct {
	Binary      string   // default "claude"
	ExtraArgs   []string // appended to every invocation
	Env         []string // added to the inherited environment
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// NewClaude creates a runner for the given binary (empty = "claude").
func NewClaude(binary string, logger *slog.Logger) *Claude {
	if binary == "" {
		binary = defaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{Binary: binary, GracePeriod: defaultGrace, Logger: logger}
}

// Invocation describes one agent process.
type Invocation struct {
	Options  Options
	PlanMode bool // read-only planning; the plan arrives via ExitPlanMode
}

// Run is a single running agent process. It is the handle used to feed
// input, read events and abort that one invocation.
type Run struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	cancel context.CancelFunc

	inMu     sync.Mutex
	inClosed bool

	aborted  atomic.Bool
	waitOnce sync.Once
	waitErr  error
}

// Start spawns the agent. The returned error covers spawn failures only.
func (c *Claude) Start(ctx context.Context, inv Invocation) (*Run, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, c.Binary, c.args(inv)...)
	cmd.Dir = inv.Options.WorkDir
	cmd.Env = append(os.Environ(), c.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = c.grace()

	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("agent: start %q: %w", c.Binary, err)
	}

	c.Logger.Debug("agent started",
		"pid", cmd.Process.Pid,
		"plan_mode", inv.PlanMode,
		"resume", inv.Options.SessionID != "",
	)
	return &Run{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr, cancel: cancel}, nil
}

func (c *Claude) args(inv Invocation) []string {
	args := []string{"-p", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
	if inv.Options.Model != "" {
		args = append(args, "--model", inv.Options.Model)
	}
	if inv.Options.SessionID != "" {
		args = append(args, "--resume", inv.Options.SessionID)
	}
	switch {
	case inv.PlanMode:
		args = append(args, "--permission-mode", "plan")
	case inv.Options.SkipPermissions:
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, c.ExtraArgs...)
}

func (c *Claude) grace() time.Duration {
	if c.GracePeriod > 0 {
		return c.GracePeriod
	}
	return defaultGrace
}

// Events lazily decodes the agent's stdout. Drain it before calling Wait.
func (r *Run) Events() iter.Seq2[Event, error] {
	return ParseStream(r.stdout)
}

// Send writes one stream-json message to the agent's stdin.
func (r *Run) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agent: encode input: %w", err)
	}
	r.inMu.Lock()
	defer r.inMu.Unlock()
	if r.inClosed {
		return fmt.Errorf("agent: input closed")
	}
	if _, err := r.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("agent: write input: %w", err)
	}
	return nil
}

// CloseInput signals end of input; the agent exits after its current turn.
func (r *Run) CloseInput() error {
	r.inMu.Lock()
	defer r.inMu.Unlock()
	if r.inClosed {
		return nil
	}
	r.inClosed = true
	return r.stdin.Close()
}

// Abort terminates the process group, escalating to a kill after the grace period.
func (r *Run) Abort() {
	r.aborted.Store(true)
	r.cancel()
}

// Wait waits for the process to exit. It is safe to call more than once.
func (r *Run) Wait() error {
	r.waitOnce.Do(func() {
		r.CloseInput()
		r.waitErr = r.cmd.Wait()
		if r.aborted.Load() {
			killGroup(r.cmd)
		}
		r.cancel()
	})
	return r.waitErr
}

// Stderr returns the tail of the agent's stderr.
func (r *Run) Stderr() string { return r.stderr.String() }

// --- contract ---

func (c *Claude) GeneratePlan(ctx context.Context, prompt string, opts Options) (PlanResult, error) {
	out, err := c.drive(ctx, prompt, Invocation{Options: opts, PlanMode: true}, Callbacks{})
	if err != nil {
		return PlanResult{}, err
	}
	res := PlanResult{Success: out.err == "", Error: out.err, Cost: out.cost, SessionID: out.sessionID}
	res.Plan = strings.TrimSpace(out.plan)
	if res.Plan == "" {
		res.Plan = strings.TrimSpace(out.result)
	}
	if res.Success && res.Plan == "" {
		res.Success, res.Error = false, "agent returned an empty plan"
	}
	return res, nil
}

func (c *Claude) Execute(ctx context.Context, prompt string, opts Options, cb Callbacks) (ExecResult, error) {
	out, err := c.drive(ctx, prompt, Invocation{Options: opts}, cb)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		Success:   out.err == "",
		Output:    out.result,
		Error:     out.err,
		Cost:      out.cost,
		SessionID: out.sessionID,
	}, nil
}

func (c *Claude) Resume(ctx context.Context, sessionID, input string, opts Options, cb Callbacks) (ExecResult, error) {
	opts.SessionID = sessionID
	return c.Execute(ctx, input, opts, cb)
}

type outcome struct {
	plan      string
	result    string
	err       string
	cost      float64
	sessionID string
}

// drive runs one invocation to completion: send the prompt, answer
// questions as they arrive, close input on the result event and wait.
func (c *Claude) drive(ctx context.Context, prompt string, inv Invocation, cb Callbacks) (outcome, error) {
	if inv.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Options.Timeout)
		defer cancel()
	}

	out := outcome{sessionID: inv.Options.SessionID}
	first, err := userMessage(prompt, inv.Options.Images)
	if err != nil {
		out.err = err.Error()
		return out, nil
	}

	run, err := c.Start(ctx, inv)
	if err != nil {
		return outcome{}, err
	}
	defer run.Abort()

	// A process that dies before reading its input is reported from its exit status below.
	if err := run.Send(first); err != nil {
		c.Logger.Warn("agent: send prompt", "error", err)
	}

	gotResult := false
	for ev, err := range run.Events() {
		if err != nil {
			c.Logger.Debug("agent stream", "error", err)
			continue
		}
		if ev.SessionID != "" {
			out.sessionID = ev.SessionID
		}

		switch ev.Type {
		case "assistant":
			for _, tu := range ev.ToolUses() {
				switch tu.Name {
				case toolExitPlan:
					var in struct {
						Plan string `json:"plan"`
					}
					if json.Unmarshal(tu.Input, &in) == nil && in.Plan != "" {
						out.plan = in.Plan
					}
				case toolAskUser:
					answer, err := c.answer(ctx, tu, cb)
					if err != nil {
						out.err = fmt.Sprintf("answering question: %v", err)
						run.Abort()
						continue
					}
					if err := run.Send(toolResult(tu.ID, answer)); err != nil {
						c.Logger.Warn("agent: send answer", "error", err)
					}
				}
			}
		case "result":
			gotResult = true
			out.result = ev.Result
			out.cost = ev.TotalCostUSD
			if ev.IsError && out.err == "" {
				out.err = firstNonEmpty(ev.Result, ev.Subtype, "agent reported an error")
			}
			run.CloseInput()
		}
	}

	waitErr := run.Wait()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.err = fmt.Sprintf("agent timed out after %s", inv.Options.Timeout)
	case ctx.Err() != nil:
		out.err = "agent aborted: " + ctx.Err().Error()
	case out.err != "":
	case !gotResult:
		out.err = fmt.Sprintf("agent exited without a result: %v", describeExit(waitErr, run.Stderr()))
	}
	return out, nil
}

// answer resolves every question in an AskUserQuestion call. Multiple
// questions are answered in order and returned as one block of text.
func (c *Claude) answer(ctx context.Context, tu ContentBlock, cb Callbacks) (string, error) {
	var in struct {
		Questions []struct {
			Question string `json:"question"`
			Header   string `json:"header"`
			Options  []struct {
				Label string `json:"label"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(tu.Input, &in); err != nil {
		return "", fmt.Errorf("decode %s input: %w", toolAskUser, err)
	}

	var answers []string
	for i, raw := range in.Questions {
		q := Question{ID: tu.ID, Text: firstNonEmpty(raw.Question, raw.Header)}
		if len(in.Questions) > 1 {
			q.ID = fmt.Sprintf("%s-%d", tu.ID, i)
		}
		for _, o := range raw.Options {
			q.Options = append(q.Options, o.Label)
		}

		ans := AutoAnswer(q)
		if cb.OnQuestion != nil {
			var err error
			if ans, err = cb.OnQuestion(ctx, q); err != nil {
				return "", err
			}
		}
		c.Logger.Debug("agent question answered", "question_id", q.ID)
		if len(in.Questions) == 1 {
			return ans, nil
		}
		answers = append(answers, fmt.Sprintf("Q: %s\nA: %s", q.Text, ans))
	}
	if len(answers) == 0 {
		return FallbackAnswer, nil
	}
	return strings.Join(answers, "\n\n"), nil
}

// --- input messages ---

type inputMessage struct {
	Type    string       `json:"type"`
	Message inputContent `json:"message"`
}

type inputContent struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

func userMessage(text string, images []string) (inputMessage, error) {
	content := []any{map[string]string{"type": "text", "text": text}}
	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return inputMessage{}, fmt.Errorf("agent: read image: %w", err)
		}
		mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if !strings.HasPrefix(mediaType, "image/") {
			return inputMessage{}, fmt.Errorf("agent: %s is not an image", filepath.Base(path))
		}
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]string{
				"type":       "base64",
				"media_type": mediaType,
				"data":       base64.StdEncoding.EncodeToString(data),
			},
		})
	}
	return inputMessage{Type: "user", Message: inputContent{Role: "user", Content: content}}, nil
}

func toolResult(toolUseID, answer string) inputMessage {
	return inputMessage{Type: "user", Message: inputContent{Role: "user", Content: []any{
		map[string]string{"type": "tool_result", "tool_use_id": toolUseID, "content": answer},
	}}}
}

// --- helpers ---

func describeExit(err error, stderr string) string {
	msg := "exit status 0"
	if err != nil {
		msg = err.Error()
	}
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
