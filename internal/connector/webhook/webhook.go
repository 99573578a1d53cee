// Package webhook is a channel adapter for arbitrary HTTP services: plans,
// questions and status updates are POSTed as signed JSON to a configured URL,
// and decisions come back as signed JSON at /api/webhook/{name}.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/h1v3-io/taskpilot/internal/connector"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// SignatureHeader carries "sha256=<hex>" of the raw body.
const SignatureHeader = "X-Hub-Signature-256"

// EventHeader names the envelope type on outbound requests.
const EventHeader = "X-Taskpilot-Event"

// Config holds webhook connector configuration.
type Config struct {
	// Name is the adapter name and the last segment of the inbound path.
	Name string `yaml:"name" json:"name"`
	// URL receives outbound envelopes.
	URL string `yaml:"url" json:"url"`
	// Secret for HMAC-SHA256 signatures in both directions.
	Secret string `yaml:"secret" json:"secret,omitempty"`
	// BearerToken accepted on inbound requests when Secret is empty.
	BearerToken string `yaml:"bearer_token" json:"bearer_token,omitempty"`
	// Insecure allows unauthenticated inbound requests when neither
	// Secret nor BearerToken is set.
	Insecure bool          `yaml:"insecure" json:"insecure,omitempty"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Envelope is the outbound JSON body.
type Envelope struct {
	Type     string                   `json:"type"` // plan, question or status
	Plan     *protocol.PlanRequest     `json:"plan,omitempty"`
	Question *protocol.QuestionRequest `json:"question,omitempty"`
	Status   *protocol.StatusUpdate    `json:"status,omitempty"`
}

// Response is the expected inbound JSON body.
type Response struct {
	Type        string `json:"type"` // approval or answer
	RequestID   string `json:"request_id"`
	Approved    bool   `json:"approved"`
	Feedback    string `json:"feedback,omitempty"`
	Answer      string `json:"answer,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`
}

// Connector implements connector.Connector over plain HTTP.
type Connector struct {
	connector.Handlers

	config    Config
	client    *http.Client
	logger    *slog.Logger
	connected atomic.Bool
}

// New creates a new webhook connector.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook %s: url is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("webhook", cfg.Name),
	}, nil
}

func (c *Connector) Name() string { return c.config.Name }

// Connect marks the adapter ready. HTTP needs no session.
func (c *Connector) Connect(context.Context) error {
	c.connected.Store(true)
	return nil
}

func (c *Connector) Disconnect(context.Context) error {
	c.connected.Store(false)
	return nil
}

func (c *Connector) IsConnected() bool { return c.connected.Load() }

func (c *Connector) SendPlanForApproval(ctx context.Context, req protocol.PlanRequest) error {
	return c.post(ctx, Envelope{Type: "plan", Plan: &req})
}

func (c *Connector) SendQuestion(ctx context.Context, req protocol.QuestionRequest) error {
	return c.post(ctx, Envelope{Type: "question", Question: &req})
}

func (c *Connector) SendStatus(ctx context.Context, update protocol.StatusUpdate) error {
	return c.post(ctx, Envelope{Type: "status", Status: &update})
}

func (c *Connector) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", c.config.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", c.config.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, env.Type)
	if c.config.Secret != "" {
		req.Header.Set(SignatureHeader, ComputeSignature(body, c.config.Secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: post %s: %w", c.config.Name, env.Type, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: post %s: status %d", c.config.Name, env.Type, resp.StatusCode)
	}
	return nil
}

// ServeHTTP accepts responses at /api/webhook/{name}.
func (c *Connector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	if name == "" {
		name = extractName(r.URL.Path)
	}
	if name != c.config.Name {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Authenticate
	if !c.authenticate(r, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !c.IsConnected() {
		http.Error(w, "webhook not connected", http.StatusServiceUnavailable)
		return
	}

	var payload Response
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if payload.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}
	who := payload.RespondedBy
	if who == "" {
		who = c.config.Name
	}

	var emitErr error
	switch payload.Type {
	case "approval":
		emitErr = c.EmitApproval(protocol.ApprovalResponse{
			RequestID:   payload.RequestID,
			Approved:    payload.Approved,
			Feedback:    payload.Feedback,
			Provider:    c.Name(),
			RespondedBy: who,
		})
	case "answer":
		if payload.Answer == "" {
			http.Error(w, "answer is required", http.StatusBadRequest)
			return
		}
		emitErr = c.EmitQuestion(protocol.QuestionResponse{
			RequestID:   payload.RequestID,
			Answer:      payload.Answer,
			Provider:    c.Name(),
			RespondedBy: who,
		})
	default:
		http.Error(w, fmt.Sprintf("unknown response type %q", payload.Type), http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(emitErr, connector.ErrNotPending):
		http.Error(w, "request is no longer pending", http.StatusConflict)
		return
	case emitErr != nil:
		http.Error(w, emitErr.Error(), http.StatusServiceUnavailable)
		return
	}

	c.logger.Debug("webhook response accepted", "type", payload.Type, "request_id", payload.RequestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (c *Connector) authenticate(r *http.Request, body []byte) bool {
	// HMAC signature verification
	if c.config.Secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, c.config.Secret, sig)
	}

	// Bearer token
	if c.config.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		return hmac.Equal([]byte(auth), []byte("Bearer "+c.config.BearerToken))
	}

	return c.config.Insecure
}

// verifyHMAC checks an HMAC-SHA256 signature.
// Signature format: "sha256=<hex>"
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ComputeSignature generates an HMAC-SHA256 signature in the "sha256=<hex>" form.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
