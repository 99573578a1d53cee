package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

var _ connector.Connector = (*Adapter)(nil)

func TestAdapter_Lifecycle(t *testing.T) {
	a := NewAdapter()
	if a.Name() != "api" || a.IsConnected() {
		t.Fatalf("name=%q connected=%v", a.Name(), a.IsConnected())
	}
	a.Connect(context.Background())
	if !a.IsConnected() {
		t.Error("not connected after Connect")
	}
	a.Disconnect(context.Background())
	if a.IsConnected() {
		t.Error("connected after Disconnect")
	}
}

func TestAdapter_Detached(t *testing.T) {
	a := NewAdapter()
	a.SendPlanForApproval(context.Background(), protocol.PlanRequest{RequestID: "r1", TicketID: "T-1"})
	if err := a.Approve("r1", true, "", ""); !errors.Is(err, ErrDetached) {
		t.Errorf("err = %v, want ErrDetached", err)
	}
	if err := a.Approve("r1", true, "", ""); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second approve err = %v, want ErrUnknownRequest", err)
	}
}

func TestAdapter_StatusPrunes(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	a.SendPlanForApproval(ctx, protocol.PlanRequest{RequestID: "p1", TicketID: "T-1"})
	a.SendPlanForApproval(ctx, protocol.PlanRequest{RequestID: "p2", TicketID: "T-2"})
	a.SendQuestion(ctx, protocol.QuestionRequest{RequestID: "q1", TicketID: "T-1"})

	a.SendStatus(ctx, protocol.StatusUpdate{Event: "ticket:awaiting_approval", TicketID: "T-1", Status: protocol.TicketAwaitingApproval})
	if p := a.Pending(); len(p.Plans) != 2 {
		t.Fatalf("plans dropped while awaiting approval: %+v", p.Plans)
	}

	a.SendStatus(ctx, protocol.StatusUpdate{Event: "ticket:approved", TicketID: "T-1", Status: protocol.TicketApproved})
	p := a.Pending()
	if len(p.Plans) != 1 || p.Plans[0].RequestID != "p2" {
		t.Errorf("plans = %+v", p.Plans)
	}
	if len(p.Questions) != 1 {
		t.Errorf("question dropped before ticket ended: %+v", p.Questions)
	}

	a.SendStatus(ctx, protocol.StatusUpdate{Event: "ticket:completed", TicketID: "T-1", Status: protocol.TicketCompleted})
	if p := a.Pending(); len(p.Questions) != 0 {
		t.Errorf("questions = %+v", p.Questions)
	}

	// Queue-level events carry no ticket and prune nothing.
	a.SendStatus(ctx, protocol.StatusUpdate{Event: "queue:paused"})
	if p := a.Pending(); len(p.Plans) != 1 {
		t.Errorf("plans = %+v", p.Plans)
	}
}

func TestAdapter_LateStatusKeepsNewerPlan(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter()
	now := time.Now()
	a.SendPlanForApproval(ctx, protocol.PlanRequest{RequestID: "p1", TicketID: "T-1", Timestamp: now})

	// A planning update emitted before the plan was requested arrives late.
	a.SendStatus(ctx, protocol.StatusUpdate{Event: "ticket:plan_generated", TicketID: "T-1", Status: protocol.TicketPlanning, Timestamp: now.Add(-time.Second)})
	if p := a.Pending(); len(p.Plans) != 1 {
		t.Fatalf("newer plan dropped by late update: %+v", p.Plans)
	}

	a.SendStatus(ctx, protocol.StatusUpdate{Event: "ticket:approved", TicketID: "T-1", Status: protocol.TicketApproved, Timestamp: now.Add(time.Second)})
	if p := a.Pending(); len(p.Plans) != 0 {
		t.Errorf("plans = %+v", p.Plans)
	}
}

func TestAdapter_RecentBounded(t *testing.T) {
	a := NewAdapter()
	for i := 0; i < recentLimit+10; i++ {
		a.SendStatus(context.Background(), protocol.StatusUpdate{Event: "e", Message: fmt.Sprint(i)})
	}
	all := a.Recent(0)
	if len(all) != recentLimit {
		t.Fatalf("recent = %d, want %d", len(all), recentLimit)
	}
	if all[0].Message != "10" {
		t.Errorf("oldest = %q, want 10", all[0].Message)
	}
	last := a.Recent(2)
	if len(last) != 2 || last[1].Message != fmt.Sprint(recentLimit+9) {
		t.Errorf("last = %+v", last)
	}
}
