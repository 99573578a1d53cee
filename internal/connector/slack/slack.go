package slackconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// Block action ids.
const (
	actionApprove = "taskpilot_approve"
	actionReject  = "taskpilot_reject"
	actionAnswer  = "taskpilot_answer"
)

// Section blocks are limited to 3000 characters of text.
const maxSectionLen = 3000

// Config holds Slack connector configuration.
type Config struct {
	BotToken string   // xoxb-... Bot User OAuth Token
	AppToken string   // xapp-... App-Level Token (for Socket Mode)
	Channels []string // Channels that receive plans, questions and status updates
}

// poster is the subset of *slack.Client used for outbound messages.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Connector implements connector.Connector for Slack via Socket Mode.
//
// Plans carry Approve/Reject buttons and questions one button per option.
// Replies in a plan or question thread are accepted as well.
type Connector struct {
	connector.Handlers

	config Config
	logger *slog.Logger

	mu      sync.Mutex
	api     poster
	botID   string
	cancel  context.CancelFunc
	done    chan struct{}
	threads map[string]sentRequest // "channel:ts" -> request
	options map[string]questionOptions
}

type sentRequest struct {
	requestID string
	ticketID  string
	at        time.Time
	plan      bool
}

type questionOptions struct {
	ticketID string
	at       time.Time
	values   []string
}

// New creates a new Slack connector. Tokens are verified on Connect.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("slack: at least one channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		config:  cfg,
		logger:  logger,
		threads: make(map[string]sentRequest),
		options: make(map[string]questionOptions),
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Connect verifies the tokens and starts the Socket Mode event loop.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return nil
	}

	api := slack.New(c.config.BotToken, slack.OptionAppLevelToken(c.config.AppToken))

	// Test auth and get bot user ID
	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	socket := socketmode.New(api)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go c.handleEvents(runCtx, socket)
	go func() {
		defer close(done)
		if err := socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("slack socket mode stopped", "error", err)
		}
	}()

	c.api, c.botID, c.cancel, c.done = api, authResp.UserID, cancel, done
	c.logger.Info("slack connector started (socket mode)")
	return nil
}

// Disconnect stops the Socket Mode loop.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.api, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api != nil
}

func (c *Connector) SendPlanForApproval(ctx context.Context, req protocol.PlanRequest) error {
	blocks := []slack.Block{
		section(connector.PlanMarkdown(req)),
		slack.NewActionBlock("plan_"+req.RequestID,
			slack.NewButtonBlockElement(actionApprove, req.RequestID, plain("Approve")).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(actionReject, req.RequestID, plain("Reject")).WithStyle(slack.StyleDanger),
		),
	}
	fallback := fmt.Sprintf("Plan for %s needs approval", req.TicketID)
	return c.post(ctx, fallback, blocks, sentRequest{
		requestID: req.RequestID,
		ticketID:  req.TicketID,
		at:        req.Timestamp,
		plan:      true,
	})
}

func (c *Connector) SendQuestion(ctx context.Context, req protocol.QuestionRequest) error {
	blocks := []slack.Block{section(connector.QuestionMarkdown(req) + "\n\nReply in thread to answer.")}
	if len(req.Options) > 0 {
		buttons := make([]slack.BlockElement, 0, len(req.Options))
		for i, opt := range req.Options {
			value := req.RequestID + ":" + strconv.Itoa(i)
			buttons = append(buttons, slack.NewButtonBlockElement(fmt.Sprintf("%s_%d", actionAnswer, i), value, plain(opt)))
		}
		blocks = append(blocks, slack.NewActionBlock("question_"+req.RequestID, buttons...))

		c.mu.Lock()
		c.options[req.RequestID] = questionOptions{ticketID: req.TicketID, at: req.Timestamp, values: req.Options}
		c.mu.Unlock()
	}
	fallback := fmt.Sprintf("Question from %s", req.TicketID)
	return c.post(ctx, fallback, blocks, sentRequest{
		requestID: req.RequestID,
		ticketID:  req.TicketID,
		at:        req.Timestamp,
	})
}

// SendStatus posts the update. A terminal status also forgets the threads
// and options of requests the ticket made before the update.
func (c *Connector) SendStatus(ctx context.Context, update protocol.StatusUpdate) error {
	if update.TicketID != "" && update.Status.Terminal() {
		c.forget(update.TicketID, update.Timestamp)
	}
	text := MarkdownToMrkdwn(connector.StatusMarkdown(update))
	return c.post(ctx, text, nil, sentRequest{})
}

func (c *Connector) forget(ticketID string, before time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, req := range c.threads {
		if req.ticketID == ticketID && !req.at.After(before) {
			delete(c.threads, k)
		}
	}
	for id, opts := range c.options {
		if opts.ticketID == ticketID && !opts.at.After(before) {
			delete(c.options, id)
		}
	}
}

func (c *Connector) post(ctx context.Context, fallback string, blocks []slack.Block, track sentRequest) error {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return fmt.Errorf("slack: not connected")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(fallback, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	var errs []error
	for _, ch := range c.config.Channels {
		channelID, ts, err := api.PostMessageContext(ctx, ch, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("slack: post to %s: %w", ch, err))
			continue
		}
		if track.requestID != "" {
			c.mu.Lock()
			c.threads[channelID+":"+ts] = track
			c.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) handleEvents(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-socket.Events:
			switch event.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socket.Ack(*event.Request)
				if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					c.handleMessage(ev)
				}
			case socketmode.EventTypeInteractive:
				cb, ok := event.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				socket.Ack(*event.Request)
				c.handleInteraction(cb)
			}
		}
	}
}

func (c *Connector) handleInteraction(cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	who := cb.User.Name
	if who == "" {
		who = cb.User.ID
	}

	for _, action := range cb.ActionCallback.BlockActions {
		switch {
		case action.ActionID == actionApprove || action.ActionID == actionReject:
			err := c.EmitApproval(protocol.ApprovalResponse{
				RequestID:   action.Value,
				Approved:    action.ActionID == actionApprove,
				Provider:    c.Name(),
				RespondedBy: who,
			})
			if err != nil {
				c.logger.Info("slack: approval not applied", "request_id", action.Value, "error", err)
			}
		case strings.HasPrefix(action.ActionID, actionAnswer):
			i := strings.LastIndexByte(action.Value, ':')
			if i < 0 {
				continue
			}
			requestID := action.Value[:i]
			idx, err := strconv.Atoi(action.Value[i+1:])

			c.mu.Lock()
			opts := c.options[requestID].values
			c.mu.Unlock()
			if err != nil || idx < 0 || idx >= len(opts) {
				c.logger.Warn("slack: unknown question option", "value", action.Value)
				continue
			}
			if err := c.answer(requestID, opts[idx], who); err != nil {
				c.logger.Info("slack: answer not applied", "request_id", requestID, "error", err)
			}
		}
	}
}

func (c *Connector) handleMessage(ev *slackevents.MessageEvent) {
	// Ignore bot messages (including our own)
	if ev.BotID != "" || ev.User == "" || ev.User == c.botID {
		return
	}
	// Ignore message subtypes (edits, deletes, etc.)
	if ev.SubType != "" || ev.ThreadTimeStamp == "" || !slices.Contains(c.config.Channels, ev.Channel) {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	c.mu.Lock()
	req, ok := c.threads[ev.Channel+":"+ev.ThreadTimeStamp]
	c.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if req.plan {
		approved, ok, feedback := connector.ParseDecision(text)
		if !ok {
			return
		}
		err = c.EmitApproval(protocol.ApprovalResponse{
			RequestID:   req.requestID,
			Approved:    approved,
			Feedback:    feedback,
			Provider:    c.Name(),
			RespondedBy: ev.User,
		})
	} else {
		err = c.answer(req.requestID, text, ev.User)
	}
	if errors.Is(err, connector.ErrNotPending) {
		c.replyInThread(ev.Channel, ev.ThreadTimeStamp, "This request is no longer pending.")
	}
}

func (c *Connector) answer(requestID, text, who string) error {
	err := c.EmitQuestion(protocol.QuestionResponse{
		RequestID:   requestID,
		Answer:      text,
		Provider:    c.Name(),
		RespondedBy: who,
	})
	c.mu.Lock()
	delete(c.options, requestID)
	c.mu.Unlock()
	return err
}

func (c *Connector) replyInThread(channel, threadTS, text string) {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false), slack.MsgOptionTS(threadTS)); err != nil {
		c.logger.Warn("slack: thread reply failed", "channel", channel, "error", err)
	}
}

func section(md string) *slack.SectionBlock {
	text := connector.Truncate(MarkdownToMrkdwn(md), maxSectionLen)
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func plain(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, false, false)
}
