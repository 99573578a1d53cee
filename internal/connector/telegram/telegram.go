package telegram

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

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// Telegram rejects messages longer than this.
const maxMessageLen = 4096

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	ChatIDs   []int64 // Chats that receive plans, questions and status updates
	AllowFrom []int64 // Allowed Telegram user IDs (empty = allow all)
}

// botAPI is the subset of *tgbotapi.BotAPI the connector uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Connector implements connector.Connector for Telegram using long polling.
//
// Plans are sent with Approve/Reject buttons, questions with one button per
// option. A text reply to a question message answers it, and a reply to a
// plan message starting with "approve" or "reject" decides it.
type Connector struct {
	connector.Handlers

	config Config
	logger *slog.Logger
	dial   func(token string) (botAPI, error)

	mu      sync.Mutex
	bot     botAPI
	cancel  context.CancelFunc
	done    chan struct{}
	sent    map[messageKey]sentRequest // outgoing plan/question messages
	options map[string]questionOptions // question request id -> options
}

type messageKey struct {
	chatID    int64
	messageID int
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

// New creates a new Telegram connector. The bot is not contacted until Connect.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("telegram: at least one chat_id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connector{
		config:  cfg,
		logger:  logger,
		sent:    make(map[messageKey]sentRequest),
		options: make(map[string]questionOptions),
	}
	c.dial = func(token string) (botAPI, error) {
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return nil, err
		}
		c.logger.Info("telegram bot authorized", "username", bot.Self.UserName)
		return bot, nil
	}
	return c, nil
}

func (c *Connector) Name() string { return "telegram" }

// Connect authorizes the bot and starts long-polling for updates.
func (c *Connector) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return nil
	}

	bot, err := c.dial(c.config.Token)
	if err != nil {
		return fmt.Errorf("telegram: init bot: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(context.Background())
	c.bot, c.cancel, c.done = bot, cancel, make(chan struct{})
	go c.poll(ctx, updates, c.done)

	c.logger.Info("telegram connector started", "chats", len(c.config.ChatIDs))
	return nil
}

// Disconnect stops polling and waits for the update loop to exit.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	bot, cancel, done := c.bot, c.cancel, c.done
	c.bot, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if bot == nil {
		return nil
	}
	cancel()
	bot.StopReceivingUpdates()

	select {
	case <-done:
		c.logger.Info("telegram connector stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot != nil
}

func (c *Connector) SendPlanForApproval(_ context.Context, req protocol.PlanRequest) error {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Approve", "a:"+req.RequestID),
		tgbotapi.NewInlineKeyboardButtonData("❌ Reject", "r:"+req.RequestID),
	))
	return c.broadcast(connector.PlanMarkdown(req), keyboard, sentRequest{
		requestID: req.RequestID,
		ticketID:  req.TicketID,
		at:        req.Timestamp,
		plan:      true,
	})
}

func (c *Connector) SendQuestion(_ context.Context, req protocol.QuestionRequest) error {
	var markup any
	if len(req.Options) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(req.Options))
		for i, opt := range req.Options {
			data := fmt.Sprintf("q:%s:%d", req.RequestID, i)
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(opt, data)))
		}
		markup = tgbotapi.NewInlineKeyboardMarkup(rows...)

		c.mu.Lock()
		c.options[req.RequestID] = questionOptions{ticketID: req.TicketID, at: req.Timestamp, values: req.Options}
		c.mu.Unlock()
	}
	return c.broadcast(connector.QuestionMarkdown(req)+"\n\nReply to this message to answer.", markup, sentRequest{
		requestID: req.RequestID,
		ticketID:  req.TicketID,
		at:        req.Timestamp,
	})
}

// SendStatus posts the update. A terminal status also forgets the ticket's
// plan and question messages sent before the update.
func (c *Connector) SendStatus(_ context.Context, update protocol.StatusUpdate) error {
	if update.TicketID != "" && update.Status.Terminal() {
		c.forget(update.TicketID, update.Timestamp)
	}
	return c.broadcast(connector.StatusMarkdown(update), nil, sentRequest{})
}

func (c *Connector) forget(ticketID string, before time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, req := range c.sent {
		if req.ticketID == ticketID && !req.at.After(before) {
			delete(c.sent, k)
		}
	}
	for id, opts := range c.options {
		if opts.ticketID == ticketID && !opts.at.After(before) {
			delete(c.options, id)
		}
	}
}

// broadcast sends md to every configured chat. When track carries a request
// id the sent message is remembered so replies can be matched to it.
func (c *Connector) broadcast(md string, markup any, track sentRequest) error {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}

	var errs []error
	for _, chatID := range c.config.ChatIDs {
		msg, err := c.send(bot, chatID, md, markup)
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram: chat %d: %w", chatID, err))
			continue
		}
		if track.requestID != "" {
			c.mu.Lock()
			c.sent[messageKey{chatID, msg.MessageID}] = track
			c.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) send(bot botAPI, chatID int64, md string, markup any) (tgbotapi.Message, error) {
	tgMsg := tgbotapi.NewMessage(chatID, connector.Truncate(MarkdownToTelegramHTML(md), maxMessageLen))
	tgMsg.ParseMode = tgbotapi.ModeHTML
	tgMsg.DisableWebPagePreview = true
	tgMsg.ReplyMarkup = markup

	sent, err := bot.Send(tgMsg)
	if err != nil {
		// Fallback to plain text if HTML fails
		c.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", chatID,
			"error", err,
		)
		tgMsg.Text = connector.Truncate(StripMarkdown(md), maxMessageLen)
		tgMsg.ParseMode = ""
		sent, err = bot.Send(tgMsg)
	}
	return sent, err
}

func (c *Connector) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.handleUpdate(update)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		c.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		c.handleMessage(update.Message)
	}
}

func (c *Connector) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || !c.allowed(cb.From.ID) {
		c.logger.Warn("unauthorized callback", "user_id", userID(cb.From))
		c.ack(cb.ID, "Not allowed")
		return
	}
	who := username(cb.From)

	kind, rest, _ := strings.Cut(cb.Data, ":")
	switch kind {
	case "a", "r":
		approved := kind == "a"
		err := c.EmitApproval(protocol.ApprovalResponse{
			RequestID:   rest,
			Approved:    approved,
			Provider:    c.Name(),
			RespondedBy: who,
		})
		switch {
		case err != nil:
			c.ack(cb.ID, "No longer pending")
		case approved:
			c.ack(cb.ID, "Approved")
		default:
			c.ack(cb.ID, "Rejected")
		}
	case "q":
		i := strings.LastIndexByte(rest, ':')
		if i < 0 {
			c.ack(cb.ID, "")
			return
		}
		requestID := rest[:i]
		idx, err := strconv.Atoi(rest[i+1:])

		c.mu.Lock()
		opts := c.options[requestID].values
		c.mu.Unlock()
		if err != nil || idx < 0 || idx >= len(opts) {
			c.ack(cb.ID, "Unknown option")
			return
		}
		if c.answer(requestID, opts[idx], who) != nil {
			c.ack(cb.ID, "No longer pending")
		} else {
			c.ack(cb.ID, "Answered")
		}
	default:
		c.ack(cb.ID, "")
		return
	}

	// Drop the buttons so the same message cannot be answered twice.
	if cb.Message != nil && cb.Message.Chat != nil {
		edit := tgbotapi.NewEditMessageReplyMarkup(cb.Message.Chat.ID, cb.Message.MessageID,
			tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
		c.request(edit)
	}
}

func (c *Connector) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	// Access control
	if !c.allowed(msg.From.ID) {
		c.logger.Warn("unauthorized user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	if msg.IsCommand() {
		c.handleCommand(msg)
		return
	}
	if msg.ReplyToMessage == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	c.mu.Lock()
	req, ok := c.sent[messageKey{msg.Chat.ID, msg.ReplyToMessage.MessageID}]
	c.mu.Unlock()
	if !ok {
		return
	}

	if !req.plan {
		c.notifyStale(msg.Chat.ID, req.requestID, c.answer(req.requestID, strings.TrimSpace(msg.Text), username(msg.From)))
		return
	}
	approved, ok, feedback := connector.ParseDecision(msg.Text)
	if !ok {
		c.reply(msg.Chat.ID, "Reply with approve or reject, optionally followed by feedback.")
		return
	}
	c.notifyStale(msg.Chat.ID, req.requestID, c.EmitApproval(protocol.ApprovalResponse{
		RequestID:   req.requestID,
		Approved:    approved,
		Feedback:    feedback,
		Provider:    c.Name(),
		RespondedBy: username(msg.From),
	}))
}

func (c *Connector) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	id, arg, _ := strings.Cut(strings.TrimSpace(msg.CommandArguments()), " ")
	arg = strings.TrimSpace(arg)

	switch msg.Command() {
	case "approve", "reject":
		if id == "" {
			c.reply(chatID, "Usage: /"+msg.Command()+" <request-id> [feedback]")
			return
		}
		c.notifyStale(chatID, id, c.EmitApproval(protocol.ApprovalResponse{
			RequestID:   id,
			Approved:    msg.Command() == "approve",
			Feedback:    arg,
			Provider:    c.Name(),
			RespondedBy: username(msg.From),
		}))
	case "answer":
		if id == "" || arg == "" {
			c.reply(chatID, "Usage: /answer <request-id> <answer>")
			return
		}
		c.notifyStale(chatID, id, c.answer(id, arg, username(msg.From)))
	default:
		c.reply(chatID, strings.Join([]string{
			"Available commands:",
			"/approve <id> [feedback] - approve a plan",
			"/reject <id> [feedback] - reject a plan",
			"/answer <id> <text> - answer an agent question",
			"",
			"You can also reply directly to a plan or question message.",
		}, "\n"))
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

// notifyStale tells the chat when a response was not used.
func (c *Connector) notifyStale(chatID int64, requestID string, err error) {
	if errors.Is(err, connector.ErrNotPending) {
		c.reply(chatID, "Request "+requestID+" is no longer pending.")
	}
}

func (c *Connector) reply(chatID int64, text string) {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

func (c *Connector) ack(callbackID, text string) {
	c.request(tgbotapi.NewCallback(callbackID, text))
}

func (c *Connector) request(r tgbotapi.Chattable) {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return
	}
	if _, err := bot.Request(r); err != nil {
		c.logger.Debug("telegram request failed", "error", err)
	}
}

func (c *Connector) allowed(id int64) bool {
	return len(c.config.AllowFrom) == 0 || slices.Contains(c.config.AllowFrom, id)
}

func username(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

func userID(u *tgbotapi.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}
