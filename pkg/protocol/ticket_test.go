package protocol

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestAutonomous(t *testing.T) {
	tests := []struct {
		name        string
		ticket      Ticket
		planMode    bool
		autoApprove bool
		want        bool
	}{
		{"interactive defaults", Ticket{}, true, false, false},
		{"global plan mode off", Ticket{}, false, false, true},
		{"global auto approve", Ticket{}, true, true, true},
		{"ticket enables plan mode", Ticket{PlanMode: boolPtr(true)}, false, false, false},
		{"ticket disables auto approve", Ticket{AutoApprove: boolPtr(false)}, true, true, false},
		{"ticket auto approve wins", Ticket{AutoApprove: boolPtr(true)}, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ticket.Autonomous(tt.planMode, tt.autoApprove); got != tt.want {
				t.Errorf("Autonomous() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTicketStatus(t *testing.T) {
	for _, s := range []TicketStatus{TicketCompleted, TicketFailed, TicketSkipped} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if TicketExecuting.Terminal() {
		t.Error("executing should not be terminal")
	}
	if TicketStatus("done").Valid() {
		t.Error("unknown status reported valid")
	}
	if !HookEvent("before_each").Known() || HookEvent("beforeEach").Known() {
		t.Error("hook event lookup mismatch")
	}
}
