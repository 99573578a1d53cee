package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/taskpilot/internal/connector/webhook"
	"github.com/h1v3-io/taskpilot/internal/sanitize"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// File is a parsed ticket file: run settings plus the tickets to process.
type File struct {
	Config  Config            `yaml:"config" json:"config"`
	Tickets []protocol.Ticket `yaml:"tickets" json:"tickets"`
}

// Config is the top-level taskpilot configuration.
type Config struct {
	Model           string          `yaml:"model" json:"model,omitempty"`
	MaxRetries      int             `yaml:"max_retries" json:"max_retries"`
	MaxBudgetUSD    float64         `yaml:"max_budget_usd" json:"max_budget_usd,omitempty"`
	ContinueOnError bool            `yaml:"continue_on_error" json:"continue_on_error"`
	PlanMode        *bool           `yaml:"plan_mode" json:"plan_mode,omitempty"` // default true
	AutoApprove     bool            `yaml:"auto_approve" json:"auto_approve"`
	SkipPermissions bool            `yaml:"skip_permissions" json:"skip_permissions"`
	Timeouts        Timeouts        `yaml:"timeouts" json:"timeouts"`
	Hooks           protocol.Hooks  `yaml:"hooks" json:"hooks,omitempty"`
	Agent           AgentConfig     `yaml:"agent" json:"agent"`
	StateDir        string          `yaml:"state_dir" json:"state_dir,omitempty"`
	Schedule        string          `yaml:"schedule" json:"schedule,omitempty"`
	Server          ServerConfig    `yaml:"server" json:"server"`
	Connectors      ConnectorConfig `yaml:"connectors" json:"connectors"`
}

// Timeouts bounds each suspension point. Zero approval or question timeouts
// wait indefinitely.
type Timeouts struct {
	Plan     time.Duration `yaml:"plan" json:"plan"`
	Execute  time.Duration `yaml:"execute" json:"execute"`
	Approval time.Duration `yaml:"approval" json:"approval"`
	Question time.Duration `yaml:"question" json:"question"`
	Hook     time.Duration `yaml:"hook" json:"hook"`
}

// AgentConfig selects and configures the agent subprocess.
type AgentConfig struct {
	Binary    string   `yaml:"binary" json:"binary,omitempty"` // default "claude"
	WorkDir   string   `yaml:"work_dir" json:"work_dir,omitempty"`
	ExtraArgs []string `yaml:"extra_args" json:"extra_args,omitempty"`
}

// ServerConfig holds admin API server settings. The server is disabled when
// Port is zero.
type ServerConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	Secret         string   `yaml:"secret" json:"-"`
	Insecure       bool     `yaml:"insecure" json:"insecure"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins,omitempty"`
	RateLimit      float64  `yaml:"rate_limit" json:"rate_limit"` // requests per second per client
	Burst          int      `yaml:"burst" json:"burst"`
}

// Enabled reports whether the admin API should be served.
func (s ServerConfig) Enabled() bool { return s.Port > 0 }

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// ConnectorConfig holds settings for external channel adapters.
type ConnectorConfig struct {
	Telegram *TelegramConfig  `yaml:"telegram" json:"telegram,omitempty"`
	Slack    *SlackConfig     `yaml:"slack" json:"slack,omitempty"`
	Webhooks []webhook.Config `yaml:"webhooks" json:"webhooks,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `yaml:"token" json:"-"`
	ChatIDs   []int64 `yaml:"chat_ids" json:"chat_ids"`
	AllowFrom []int64 `yaml:"allow_from" json:"allow_from,omitempty"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	BotToken string   `yaml:"bot_token" json:"-"`
	AppToken string   `yaml:"app_token" json:"-"`
	Channels []string `yaml:"channels" json:"channels"`
}

// EffectivePlanMode returns the global plan mode, true unless disabled.
func (c *Config) EffectivePlanMode() bool {
	return c.PlanMode == nil || *c.PlanMode
}

// Load reads and validates a ticket file. JSON is accepted as YAML.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a ticket file, applies defaults and TASKPILOT_* environment
// overrides, and validates the result.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	f.Config.applyDefaults()
	if err := f.Config.applyEnv(); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Binary == "" {
		c.Agent.Binary = "claude"
	}
	if c.StateDir == "" {
		c.StateDir = "."
	}
	if c.Timeouts.Plan == 0 {
		c.Timeouts.Plan = 10 * time.Minute
	}
	if c.Timeouts.Execute == 0 {
		c.Timeouts.Execute = 30 * time.Minute
	}
	if c.Timeouts.Hook == 0 {
		c.Timeouts.Hook = 60 * time.Second
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 5
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 10
	}
	for i := range c.Connectors.Webhooks {
		if c.Connectors.Webhooks[i].Name == "" {
			c.Connectors.Webhooks[i].Name = "webhook"
		}
	}
}

// applyEnv lets secrets live outside the ticket file. Non-empty variables
// override file values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("TASKPILOT_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("TASKPILOT_SERVER_SECRET"); v != "" {
		c.Server.Secret = v
	}
	c.Server.Port = getenvInt("TASKPILOT_SERVER_PORT", c.Server.Port)

	if token := os.Getenv("TASKPILOT_TELEGRAM_TOKEN"); token != "" {
		if c.Connectors.Telegram == nil {
			c.Connectors.Telegram = &TelegramConfig{}
		}
		c.Connectors.Telegram.Token = token
	}
	if ids := os.Getenv("TASKPILOT_TELEGRAM_CHAT_IDS"); ids != "" && c.Connectors.Telegram != nil {
		parsed, err := parseInt64List(ids)
		if err != nil {
			return fmt.Errorf("TASKPILOT_TELEGRAM_CHAT_IDS: %w", err)
		}
		c.Connectors.Telegram.ChatIDs = parsed
	}

	bot, app := os.Getenv("TASKPILOT_SLACK_BOT_TOKEN"), os.Getenv("TASKPILOT_SLACK_APP_TOKEN")
	if bot != "" || app != "" {
		if c.Connectors.Slack == nil {
			c.Connectors.Slack = &SlackConfig{}
		}
		c.Connectors.Slack.BotToken = getenv("TASKPILOT_SLACK_BOT_TOKEN", c.Connectors.Slack.BotToken)
		c.Connectors.Slack.AppToken = getenv("TASKPILOT_SLACK_APP_TOKEN", c.Connectors.Slack.AppToken)
	}

	if secret := os.Getenv("TASKPILOT_WEBHOOK_SECRET"); secret != "" {
		for i := range c.Connectors.Webhooks {
			c.Connectors.Webhooks[i].Secret = secret
		}
	}
	return nil
}

// Validate checks the run settings and the ticket set, reporting every
// problem at once.
func (f *File) Validate() error {
	errs := f.Config.problems()

	seen := make(map[string]int, len(f.Tickets))
	for i, t := range f.Tickets {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tickets[%d].id is required", i))
			continue
		}
		if err := sanitize.TicketID(t.ID); err != nil {
			errs = append(errs, fmt.Sprintf("tickets[%d].id %q: %v", i, t.ID, err))
		}
		if prev, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Sprintf("tickets[%d].id %q duplicates tickets[%d]", i, t.ID, prev))
		} else {
			seen[t.ID] = i
		}
		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("tickets[%d].title is required", i))
		}
		if t.Status != "" && !t.Status.Valid() {
			errs = append(errs, fmt.Sprintf("tickets[%d].status %q is unknown", i, t.Status))
		}
		errs = append(errs, hookProblems(fmt.Sprintf("tickets[%d].hooks", i), t.Hooks)...)
	}
	for i, t := range f.Tickets {
		for _, dep := range t.Dependencies {
			if _, ok := seen[dep]; !ok {
				errs = append(errs, fmt.Sprintf("tickets[%d].dependencies references unknown ticket %q", i, dep))
			}
			if dep == t.ID {
				errs = append(errs, fmt.Sprintf("tickets[%d] depends on itself", i))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the run settings alone.
func (c *Config) Validate() error {
	if errs := c.problems(); len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) problems() []string {
	var errs []string

	if c.MaxRetries < 0 {
		errs = append(errs, "config.max_retries must not be negative")
	}
	if c.MaxBudgetUSD < 0 {
		errs = append(errs, "config.max_budget_usd must not be negative")
	}
	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"plan", c.Timeouts.Plan}, {"execute", c.Timeouts.Execute}, {"approval", c.Timeouts.Approval},
		{"question", c.Timeouts.Question}, {"hook", c.Timeouts.Hook},
	}
	for _, to := range timeouts {
		if to.d < 0 {
			errs = append(errs, fmt.Sprintf("config.timeouts.%s must not be negative", to.name))
		}
	}
	errs = append(errs, hookProblems("config.hooks", c.Hooks)...)
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("config.schedule %q: %v", c.Schedule, err))
		}
	}

	if c.Server.Enabled() {
		if c.Server.Secret == "" && !c.Server.Insecure {
			errs = append(errs, "config.server.secret is required unless config.server.insecure is set")
		}
		if c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("config.server.port %d is out of range", c.Server.Port))
		}
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		errs = append(errs, "config.server.rate_limit and burst must not be negative")
	}

	if tg := c.Connectors.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "config.connectors.telegram.token is required")
		}
		if len(tg.ChatIDs) == 0 {
			errs = append(errs, "config.connectors.telegram.chat_ids is required")
		}
	}
	if sl := c.Connectors.Slack; sl != nil {
		if sl.BotToken == "" {
			errs = append(errs, "config.connectors.slack.bot_token is required")
		}
		if sl.AppToken == "" {
			errs = append(errs, "config.connectors.slack.app_token is required")
		}
		if len(sl.Channels) == 0 {
			errs = append(errs, "config.connectors.slack.channels is required")
		}
	}
	names := make(map[string]bool)
	for i, wh := range c.Connectors.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Sprintf("config.connectors.webhooks[%d].url is required", i))
		}
		if names[wh.Name] {
			errs = append(errs, fmt.Sprintf("config.connectors.webhooks[%d].name %q is not unique", i, wh.Name))
		}
		names[wh.Name] = true
	}
	return errs
}

func hookProblems(prefix string, hooks protocol.Hooks) []string {
	var errs []string
	for _, event := range slices.Sorted(maps.Keys(hooks)) {
		actions := hooks[event]
		if !event.Known() {
			errs = append(errs, fmt.Sprintf("%s: unknown event %q", prefix, event))
			continue
		}
		for j, a := range actions {
			switch a.Type {
			case protocol.ActionShell:
				if a.Command == "" {
					errs = append(errs, fmt.Sprintf("%s.%s[%d].command is required", prefix, event, j))
				}
			case protocol.ActionPrompt:
				if a.Prompt == "" {
					errs = append(errs, fmt.Sprintf("%s.%s[%d].prompt is required", prefix, event, j))
				}
			default:
				errs = append(errs, fmt.Sprintf("%s.%s[%d]: unknown action type %q", prefix, event, j, a.Type))
			}
			if a.Timeout < 0 {
				errs = append(errs, fmt.Sprintf("%s.%s[%d].timeout must not be negative", prefix, event, j))
			}
		}
	}
	return errs
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
