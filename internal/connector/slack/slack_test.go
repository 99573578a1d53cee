package slackconn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

var _ connector.Connector = (*Connector)(nil)

type fakePoster struct {
	mu    sync.Mutex
	posts []url.Values
	n     int
}

func (f *fakePoster) PostMessageContext(_ context.Context, channel string, opts ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channel, "", opts...)
	if err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.posts = append(f.posts, values)
	return channel, fmt.Sprintf("1700000000.%06d", f.n), nil
}

func newTestConnector(t *testing.T, channels ...string) (*Connector, *fakePoster) {
	t.Helper()
	if len(channels) == 0 {
		channels = []string{"C001"}
	}
	c, err := New(Config{BotToken: "xoxb", AppToken: "xapp", Channels: channels}, nil)
	if err != nil {
		t.Fatal(err)
	}
	fp := &fakePoster{}
	c.api, c.botID = fp, "UBOT"
	return c, fp
}

func TestNew_Validation(t *testing.T) {
	cases := []Config{
		{AppToken: "a", Channels: []string{"C"}},
		{BotToken: "b", Channels: []string{"C"}},
		{BotToken: "b", AppToken: "a"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, nil); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestConnectorName(t *testing.T) {
	c := &Connector{}
	if c.Name() != "slack" {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestSendPlanForApproval_Blocks(t *testing.T) {
	c, fp := newTestConnector(t, "C001", "C002")
	err := c.SendPlanForApproval(t.Context(), protocol.PlanRequest{RequestID: "req-1", TicketID: "T-1", Plan: "## Steps\n- **edit** files"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fp.posts) != 2 {
		t.Fatalf("expected a post per channel, got %d", len(fp.posts))
	}
	blocks := fp.posts[0].Get("blocks")
	for _, want := range []string{actionApprove, actionReject, `"value":"req-1"`, "*Steps*", "*edit*"} {
		if !strings.Contains(blocks, want) {
			t.Errorf("blocks missing %q: %s", want, blocks)
		}
	}
	if len(c.threads) != 2 {
		t.Errorf("expected both threads tracked, got %d", len(c.threads))
	}
}

func TestSend_NotConnected(t *testing.T) {
	c, _ := newTestConnector(t)
	c.api = nil
	if err := c.SendStatus(t.Context(), protocol.StatusUpdate{Event: "x"}); err == nil {
		t.Error("expected error when disconnected")
	}
	if c.IsConnected() {
		t.Error("expected disconnected")
	}
}

func TestHandleInteraction_Approve(t *testing.T) {
	c, _ := newTestConnector(t)
	var got protocol.ApprovalResponse
	c.SetApprovalHandler(func(r protocol.ApprovalResponse) bool {
		got = r
		return true
	})

	var cb slack.InteractionCallback
	cb.Type = slack.InteractionTypeBlockActions
	cb.User = slack.User{ID: "U1", Name: "alice"}
	cb.ActionCallback.BlockActions = []*slack.BlockAction{{ActionID: actionApprove, Value: "req-1"}}
	c.handleInteraction(cb)

	if got.RequestID != "req-1" || !got.Approved || got.RespondedBy != "alice" || got.Provider != "slack" {
		t.Errorf("unexpected response: %+v", got)
	}
}

func TestHandleInteraction_AnswerOption(t *testing.T) {
	c, _ := newTestConnector(t)
	var got protocol.QuestionResponse
	c.SetQuestionHandler(func(r protocol.QuestionResponse) bool {
		got = r
		return true
	})

	c.SendQuestion(t.Context(), protocol.QuestionRequest{RequestID: "q-1", TicketID: "T-1", Question: "Which?", Options: []string{"A", "B"}})

	var cb slack.InteractionCallback
	cb.Type = slack.InteractionTypeBlockActions
	cb.User = slack.User{ID: "U2"}
	cb.ActionCallback.BlockActions = []*slack.BlockAction{{ActionID: actionAnswer + "_1", Value: "q-1:1"}}
	c.handleInteraction(cb)

	if got.RequestID != "q-1" || got.Answer != "B" || got.RespondedBy != "U2" {
		t.Errorf("unexpected answer: %+v", got)
	}
}

func TestHandleMessage_ThreadReply(t *testing.T) {
	c, fp := newTestConnector(t)
	var got protocol.QuestionResponse
	c.SetQuestionHandler(func(r protocol.QuestionResponse) bool {
		got = r
		return true
	})

	c.SendQuestion(t.Context(), protocol.QuestionRequest{RequestID: "q-2", Question: "Name?"})
	ts := fmt.Sprintf("1700000000.%06d", fp.n)

	// Our own message and unrelated channels are ignored.
	c.handleMessage(&slackevents.MessageEvent{User: "UBOT", Channel: "C001", ThreadTimeStamp: ts, Text: "x"})
	c.handleMessage(&slackevents.MessageEvent{User: "U1", Channel: "C999", ThreadTimeStamp: ts, Text: "x"})
	if got.RequestID != "" {
		t.Fatalf("unexpected answer: %+v", got)
	}

	c.handleMessage(&slackevents.MessageEvent{User: "U1", Channel: "C001", ThreadTimeStamp: ts, Text: " widgets "})
	if got.RequestID != "q-2" || got.Answer != "widgets" {
		t.Errorf("unexpected answer: %+v", got)
	}
}

func TestHandleMessage_PlanThreadDecision(t *testing.T) {
	c, fp := newTestConnector(t)
	var got protocol.ApprovalResponse
	c.SetApprovalHandler(func(r protocol.ApprovalResponse) bool {
		got = r
		return true
	})

	c.SendPlanForApproval(t.Context(), protocol.PlanRequest{RequestID: "p-1", TicketID: "T-1", Plan: "x"})
	ts := fmt.Sprintf("1700000000.%06d", fp.n)

	c.handleMessage(&slackevents.MessageEvent{User: "U1", Channel: "C001", ThreadTimeStamp: ts, Text: "reject: add tests"})
	if got.RequestID != "p-1" || got.Approved || got.Feedback != "add tests" {
		t.Errorf("unexpected response: %+v", got)
	}
}

func TestSendStatus_TerminalForgetsRequests(t *testing.T) {
	c, _ := newTestConnector(t, "C001", "C002")
	now := time.Now()
	c.SendPlanForApproval(t.Context(), protocol.PlanRequest{RequestID: "p-1", TicketID: "T-1", Timestamp: now})
	c.SendQuestion(t.Context(), protocol.QuestionRequest{RequestID: "q-1", TicketID: "T-1", Options: []string{"A"}, Timestamp: now})
	c.SendQuestion(t.Context(), protocol.QuestionRequest{RequestID: "q-2", TicketID: "T-2", Options: []string{"B"}, Timestamp: now})

	c.SendStatus(t.Context(), protocol.StatusUpdate{TicketID: "T-1", Status: protocol.TicketAwaitingApproval, Timestamp: now})
	if len(c.threads) != 6 || len(c.options) != 2 {
		t.Fatalf("non-terminal status pruned: threads=%d options=%d", len(c.threads), len(c.options))
	}

	c.SendStatus(t.Context(), protocol.StatusUpdate{TicketID: "T-1", Status: protocol.TicketSkipped, Timestamp: now.Add(time.Second)})
	if len(c.threads) != 2 {
		t.Errorf("threads = %d, want the two T-2 threads", len(c.threads))
	}
	for _, req := range c.threads {
		if req.ticketID != "T-2" {
			t.Errorf("kept %+v", req)
		}
	}
	if _, ok := c.options["q-2"]; !ok || len(c.options) != 1 {
		t.Errorf("options = %v", c.options)
	}
}

func TestHandleMessage_NotPendingRepliesInThread(t *testing.T) {
	c, fp := newTestConnector(t)
	c.SetQuestionHandler(func(protocol.QuestionResponse) bool { return false })

	c.SendQuestion(t.Context(), protocol.QuestionRequest{RequestID: "q-3", TicketID: "T-1", Question: "Name?"})
	ts := fmt.Sprintf("1700000000.%06d", fp.n)

	c.handleMessage(&slackevents.MessageEvent{User: "U1", Channel: "C001", ThreadTimeStamp: ts, Text: "too late"})
	last := fp.posts[len(fp.posts)-1]
	if last.Get("thread_ts") != ts || !strings.Contains(last.Get("text"), "no longer pending") {
		t.Errorf("last post = %v", last)
	}
}

func TestMarkdownToMrkdwn(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"This is **bold** text", "This is *bold* text"},
		{"This is *italic* text", "This is _italic_ text"},
		{"**bold** and *italic*", "*bold* and _italic_"},
		{"~~deleted~~ text", "~deleted~ text"},
		{"Click [here](https://example.com) now", "Click <https://example.com|here> now"},
		{"[a](http://a.com) and [b](http://b.com)", "<http://a.com|a> and <http://b.com|b>"},
		{"[no link here", "[no link here"},
		{"Use `*not bold*` in code", "Use `*not bold*` in code"},
		{"```\n**code** here\n```", "```\n**code** here\n```"},
		{"# Title", "*Title*"},
		{"* item", "* item"},
		{"Just plain text", "Just plain text"},
	}
	for _, tt := range tests {
		if got := MarkdownToMrkdwn(tt.in); got != tt.want {
			t.Errorf("MarkdownToMrkdwn(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
