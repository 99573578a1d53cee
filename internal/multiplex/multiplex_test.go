package multiplex

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

type fakeConn struct {
	connector.Handlers
	name       string
	connected  atomic.Bool
	connectErr error
	sendErr    error

	// onPlan / onQuestion run inside the send call.
	onPlan     func(c *fakeConn, req protocol.PlanRequest)
	onQuestion func(c *fakeConn, req protocol.QuestionRequest)

	mu       sync.Mutex
	plans    []protocol.PlanRequest
	statuses []protocol.StatusUpdate
}

func newFake(name string) *fakeConn {
	c := &fakeConn{name: name}
	c.connected.Store(true)
	return c
}

func (c *fakeConn) Name() string { return c.name }
func (c *fakeConn) Connect(context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected.Store(true)
	return nil
}
func (c *fakeConn) Disconnect(context.Context) error { c.connected.Store(false); return nil }
func (c *fakeConn) IsConnected() bool                { return c.connected.Load() }

func (c *fakeConn) SendPlanForApproval(_ context.Context, req protocol.PlanRequest) error {
	c.mu.Lock()
	c.plans = append(c.plans, req)
	c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.onPlan != nil {
		c.onPlan(c, req)
	}
	return nil
}

func (c *fakeConn) SendQuestion(_ context.Context, req protocol.QuestionRequest) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.onQuestion != nil {
		c.onQuestion(c, req)
	}
	return nil
}

func (c *fakeConn) SendStatus(_ context.Context, u protocol.StatusUpdate) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.statuses = append(c.statuses, u)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) planCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

func newTestMux() *Multiplexer {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func approve(c *fakeConn, req protocol.PlanRequest) {
	c.EmitApproval(protocol.ApprovalResponse{RequestID: req.RequestID, Approved: true, Provider: c.name})
}

func waitPending(t *testing.T, m *Multiplexer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a, q := m.PendingCount(); a+q > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("request never became pending")
}

func TestRequestApproval_NoProviders(t *testing.T) {
	m := newTestMux()
	if _, err := m.RequestApproval(t.Context(), protocol.PlanRequest{}, time.Second); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
	if _, err := m.AskQuestion(t.Context(), protocol.QuestionRequest{}, time.Second); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestRequestApproval_SynchronousResponse(t *testing.T) {
	m := newTestMux()
	c := newFake("chat")
	c.onPlan = approve
	m.AddProvider(c)

	resp, err := m.RequestApproval(t.Context(), protocol.PlanRequest{TicketID: "T-1"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Approved || resp.Provider != "chat" || resp.RequestID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRequestApproval_FirstResponseWins(t *testing.T) {
	m := newTestMux()
	first, second := newFake("a"), newFake("b")
	m.AddProvider(first)
	m.AddProvider(second)

	var req protocol.PlanRequest
	sent := make(chan struct{})
	first.onPlan = func(_ *fakeConn, r protocol.PlanRequest) { req = r; close(sent) }

	result := make(chan protocol.ApprovalResponse, 1)
	go func() {
		resp, err := m.RequestApproval(context.Background(), protocol.PlanRequest{RequestID: "r-1"}, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		result <- resp
	}()
	<-sent

	if err := second.EmitApproval(protocol.ApprovalResponse{RequestID: req.RequestID, Approved: false, Provider: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := first.EmitApproval(protocol.ApprovalResponse{RequestID: req.RequestID, Approved: true, Provider: "a"}); !errors.Is(err, connector.ErrNotPending) {
		t.Errorf("second response err = %v, want ErrNotPending", err)
	}

	resp := <-result
	if resp.Provider != "b" || resp.Approved {
		t.Errorf("expected the first delivered response (b, rejected), got %+v", resp)
	}
	if a, _ := m.PendingCount(); a != 0 {
		t.Errorf("pending approvals = %d", a)
	}
}

func TestRequestApproval_Timeout(t *testing.T) {
	m := newTestMux()
	m.AddProvider(newFake("silent"))

	timeout := 50 * time.Millisecond
	start := time.Now()
	_, err := m.RequestApproval(t.Context(), protocol.PlanRequest{RequestID: "r-t"}, timeout)
	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("returned after %s, before timeout", elapsed)
	}

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Op != OpApproval || te.RequestID != "r-t" {
		t.Errorf("unexpected timeout error: %+v", te)
	}

	select {
	case got := <-m.Errors():
		if !errors.As(got, &te) || te.RequestID != "r-t" {
			t.Errorf("unexpected error event: %v", got)
		}
	default:
		t.Fatal("expected timeout on error channel")
	}
	select {
	case extra := <-m.Errors():
		t.Errorf("unexpected second error event: %v", extra)
	default:
	}
}

func TestAskQuestion_TimeoutCarriesOp(t *testing.T) {
	m := newTestMux()
	m.AddProvider(newFake("silent"))

	_, err := m.AskQuestion(t.Context(), protocol.QuestionRequest{RequestID: "q-t"}, 10*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Op != OpQuestion || te.RequestID != "q-t" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout should be true")
	}
}

func TestLateResponseAfterTimeoutIgnored(t *testing.T) {
	m := newTestMux()
	c := newFake("late")
	m.AddProvider(c)

	_, err := m.RequestApproval(t.Context(), protocol.PlanRequest{RequestID: "r-late"}, 10*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// Must not block or panic.
	if err := c.EmitApproval(protocol.ApprovalResponse{RequestID: "r-late", Approved: true}); !errors.Is(err, connector.ErrNotPending) {
		t.Errorf("err = %v, want ErrNotPending", err)
	}
}

func TestCancelApproval(t *testing.T) {
	m := newTestMux()
	m.AddProvider(newFake("a"))

	errc := make(chan error, 1)
	go func() {
		_, err := m.RequestApproval(context.Background(), protocol.PlanRequest{RequestID: "r-c"}, time.Minute)
		errc <- err
	}()
	waitPending(t, m)

	if !m.CancelApproval("r-c") {
		t.Fatal("expected pending request to be cancelled")
	}
	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if m.CancelApproval("r-c") {
		t.Error("second cancel should be a no-op")
	}
	if m.CancelQuestion("unknown") {
		t.Error("cancel of unknown question should be a no-op")
	}
}

func TestContextCancelRemovesRecord(t *testing.T) {
	m := newTestMux()
	m.AddProvider(newFake("a"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.AskQuestion(ctx, protocol.QuestionRequest{RequestID: "q-x"}, 0)
		errc <- err
	}()
	waitPending(t, m)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, q := m.PendingCount(); q != 0 {
		t.Errorf("pending questions = %d", q)
	}
}

func TestDuplicateRequestID(t *testing.T) {
	m := newTestMux()
	m.AddProvider(newFake("a"))

	go m.RequestApproval(context.Background(), protocol.PlanRequest{RequestID: "dup"}, time.Minute)
	waitPending(t, m)
	defer m.CancelApproval("dup")

	if _, err := m.RequestApproval(t.Context(), protocol.PlanRequest{RequestID: "dup"}, time.Minute); err == nil {
		t.Fatal("expected error for duplicate request id")
	}
}

func TestSendFailureDoesNotAbortBroadcast(t *testing.T) {
	m := newTestMux()
	broken := newFake("broken")
	broken.sendErr = errors.New("boom")
	ok := newFake("ok")
	ok.onQuestion = func(c *fakeConn, req protocol.QuestionRequest) {
		c.EmitQuestion(protocol.QuestionResponse{RequestID: req.RequestID, Answer: "42", Provider: c.name})
	}
	m.AddProvider(broken)
	m.AddProvider(ok)

	resp, err := m.AskQuestion(t.Context(), protocol.QuestionRequest{Question: "?"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != "42" {
		t.Errorf("answer = %q", resp.Answer)
	}

	select {
	case got := <-m.Errors():
		var se *SendError
		if !errors.As(got, &se) || se.Provider != "broken" || se.Op != OpQuestion {
			t.Errorf("unexpected error event: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected send error on error channel")
	}
}

func TestDisconnectedProviderSkipped(t *testing.T) {
	m := newTestMux()
	off := newFake("off")
	off.connected.Store(false)
	on := newFake("on")
	on.onPlan = approve
	m.AddProvider(off)
	m.AddProvider(on)

	if _, err := m.RequestApproval(t.Context(), protocol.PlanRequest{}, time.Second); err != nil {
		t.Fatal(err)
	}
	if off.planCount() != 0 {
		t.Error("disconnected provider should not receive the plan")
	}
}

func TestAddProvider_ReplaceRewiresHandlers(t *testing.T) {
	m := newTestMux()
	old := newFake("chat")
	m.AddProvider(old)
	replacement := newFake("chat")
	m.AddProvider(replacement)

	if got := m.Providers(); len(got) != 1 || got[0] != "chat" {
		t.Fatalf("providers = %v", got)
	}

	var req protocol.PlanRequest
	sent := make(chan struct{})
	replacement.onPlan = func(_ *fakeConn, r protocol.PlanRequest) { req = r; close(sent) }

	result := make(chan protocol.ApprovalResponse, 1)
	go func() {
		resp, _ := m.RequestApproval(context.Background(), protocol.PlanRequest{}, 5*time.Second)
		result <- resp
	}()
	<-sent

	if err := old.EmitApproval(protocol.ApprovalResponse{RequestID: req.RequestID, Approved: true}); !errors.Is(err, connector.ErrNoHandler) {
		t.Error("replaced provider should have no handler")
	}
	if old.planCount() != 0 {
		t.Error("replaced provider should not receive requests")
	}
	replacement.EmitApproval(protocol.ApprovalResponse{RequestID: req.RequestID, Approved: true, Provider: "new"})
	if resp := <-result; resp.Provider != "new" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRemoveProvider(t *testing.T) {
	m := newTestMux()
	m.AddProvider(newFake("a"))
	if !m.RemoveProvider("a") {
		t.Fatal("expected removal")
	}
	if m.RemoveProvider("a") {
		t.Error("second removal should report false")
	}
	if len(m.Providers()) != 0 {
		t.Error("expected no providers")
	}
}

func TestConnectAll(t *testing.T) {
	m := newTestMux()
	good := newFake("good")
	good.connected.Store(false)
	bad := newFake("bad")
	bad.connected.Store(false)
	bad.connectErr = errors.New("refused")
	m.AddProvider(good)
	m.AddProvider(bad)

	err := m.ConnectAll(t.Context())
	var se *SendError
	if !errors.As(err, &se) || se.Provider != "bad" || se.Op != OpConnect {
		t.Fatalf("expected connect error for bad, got %v", err)
	}
	if !good.IsConnected() {
		t.Error("good provider should stay connected")
	}

	m.DisconnectAll(t.Context())
	if good.IsConnected() {
		t.Error("expected disconnected")
	}
}

func TestDeliverStatus(t *testing.T) {
	m := newTestMux()
	broken := newFake("broken")
	broken.sendErr = errors.New("down")
	a, b := newFake("a"), newFake("b")
	m.AddProvider(broken)
	m.AddProvider(a)
	m.AddProvider(b)

	m.DeliverStatus(t.Context(), protocol.StatusUpdate{Event: "ticket:completed", TicketID: "T-1"})

	for _, c := range []*fakeConn{a, b} {
		if len(c.statuses) != 1 || c.statuses[0].Timestamp.IsZero() {
			t.Errorf("%s: statuses = %+v", c.name, c.statuses)
		}
	}
	select {
	case got := <-m.Errors():
		var se *SendError
		if !errors.As(got, &se) || se.Op != OpStatus {
			t.Errorf("unexpected error event: %v", got)
		}
	default:
		t.Fatal("expected status failure on error channel")
	}
}

// blockingConn holds every status send until release is closed.
type blockingConn struct {
	*fakeConn
	release chan struct{}
}

func (c *blockingConn) SendStatus(ctx context.Context, u protocol.StatusUpdate) error {
	<-c.release
	return c.fakeConn.SendStatus(ctx, u)
}

func TestBroadcastStatus_DoesNotWait(t *testing.T) {
	m := newTestMux()
	slow := &blockingConn{fakeConn: newFake("slow"), release: make(chan struct{})}
	m.AddProvider(slow)

	returned := make(chan struct{})
	go func() {
		m.BroadcastStatus(t.Context(), protocol.StatusUpdate{Event: "queue:start"})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("BroadcastStatus blocked on a slow adapter")
	}

	close(slow.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		slow.mu.Lock()
		n := len(slow.statuses)
		slow.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("status was never delivered")
}
