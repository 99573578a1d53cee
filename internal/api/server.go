// Package api serves the administrative HTTP surface of the daemon: queue
// status, ticket inspection, out-of-band approvals and answers, and the
// in-memory log buffer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/taskpilot/internal/logbuf"
	"github.com/h1v3-io/taskpilot/internal/ticket"
	"github.com/h1v3-io/taskpilot/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// ErrBusy is returned by Service.Reset while the queue is running.
var ErrBusy = errors.New("api: queue is running")

// Service is what the API server needs from the running queue.
type Service interface {
	// Records lists ledger entries matching f, highest priority first.
	Records(f ticket.Filter) ([]*ticket.Record, error)
	// Count returns the number of ledger entries matching f.
	Count(f ticket.Filter) (int, error)
	Ticket(id string) (protocol.Ticket, bool)
	// Record returns the ledger entry for a ticket, or ticket.ErrNotFound.
	Record(id string) (*ticket.Record, error)
	TicketLog(id string) (string, error)
	State() (protocol.ProcessingState, error)
	Running() bool
	// Pause stops the queue before its next ticket.
	Pause() error
	// Resume clears a pause and restarts the queue when it is idle.
	Resume() error
	// Reset returns a ticket to pending. It fails with ErrBusy while the
	// queue runs and with ticket.ErrNotFound for an unknown id.
	Reset(id string) error
	// CancelApproval and CancelQuestion fail a waiting request. They
	// report whether one was pending under id.
	CancelApproval(id string) bool
	CancelQuestion(id string) bool
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	// Secret signs every request except the health check. When empty the
	// server refuses authenticated endpoints unless Insecure is set.
	Secret         string
	Insecure       bool
	AllowedOrigins []string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	Burst     int
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running          bool                          `json:"running"`
	Paused           bool                          `json:"paused"`
	Phase            protocol.Phase                `json:"phase"`
	CurrentTicket    string                        `json:"current_ticket,omitempty"`
	StartedAt        time.Time                     `json:"started_at"`
	LastUpdatedAt    time.Time                     `json:"last_updated_at"`
	PendingQuestions int                           `json:"pending_questions"`
	Counts           map[protocol.TicketStatus]int `json:"counts"`
	Recent           []protocol.StatusUpdate       `json:"recent"`
}

// TicketResponse is the body of GET /api/tickets/{id}.
type TicketResponse struct {
	Ticket protocol.Ticket `json:"ticket"`
	Record *ticket.Record  `json:"record,omitempty"`
	Log    string          `json:"log,omitempty"`
}

// ApprovalRequest is the body of POST /api/approvals/{id}.
type ApprovalRequest struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
	By       string `json:"by,omitempty"`
}

// AnswerRequest is the body of POST /api/questions/{id}.
type AnswerRequest struct {
	Answer string `json:"answer"`
	By     string `json:"by,omitempty"`
}

// Server is the taskpilot admin API server.
type Server struct {
	svc     Service
	adapter *Adapter
	cfg     Config
	logger  *slog.Logger
	logs    LogQuerier
	limiter *limiter
	srv     *http.Server
	now     func() time.Time

	hookMu   sync.RWMutex
	webhooks map[string]http.Handler
}

// NewServer creates a new API server. adapter and logs may be nil.
func NewServer(svc Service, adapter *Adapter, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      svc,
		adapter:  adapter,
		cfg:      cfg,
		logger:   logger,
		logs:     logs,
		now:      time.Now,
		webhooks: make(map[string]http.Handler),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newLimiter(cfg.RateLimit, cfg.Burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/tickets/{id}/reset", s.requireAuth(s.handleReset))
	mux.HandleFunc("GET /api/pending", s.requireAuth(s.handlePending))
	mux.HandleFunc("POST /api/approvals/{id}", s.requireAuth(s.handleApproval))
	mux.HandleFunc("DELETE /api/approvals/{id}", s.requireAuth(s.handleCancel(s.svc.CancelApproval)))
	mux.HandleFunc("POST /api/questions/{id}", s.requireAuth(s.handleAnswer))
	mux.HandleFunc("DELETE /api/questions/{id}", s.requireAuth(s.handleCancel(s.svc.CancelQuestion)))
	mux.HandleFunc("POST /api/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("POST /api/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	// Webhook adapters authenticate with their own secrets.
	mux.HandleFunc("POST /api/webhook/{name}", s.handleWebhook)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(s.rateLimitMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// AddWebhook routes POST /api/webhook/{name} to h.
func (s *Server) AddWebhook(name string, h http.Handler) {
	s.hookMu.Lock()
	s.webhooks[name] = h
	s.hookMu.Unlock()
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr, "signed", s.cfg.Secret != "")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && s.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", TimestampHeader, SignatureHeader}, ", "))
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			if origin != "" && !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		client := clientAddr(r)
		lim := s.limiter.get(client)
		if !lim.Allow() {
			s.logger.Warn("rate limit exceeded", "client", client, "path", r.URL.Path)
			retry := 1
			if l := float64(lim.Limit()); l > 0 {
				retry = int(math.Ceil(1 / l))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret == "" {
			if s.cfg.Insecure {
				next(w, r)
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unsigned access disabled"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		if len(body) > maxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		if reason, ok := verify(s.cfg.Secret, r, body, s.now()); !ok {
			s.logger.Warn("api request rejected", "path", r.URL.Path, "reason", reason, "client", clientAddr(r))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": reason})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.svc.State()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := StatusResponse{
		Running:          s.svc.Running(),
		Paused:           st.PauseRequested,
		Phase:            st.CurrentPhase,
		CurrentTicket:    st.Current(),
		StartedAt:        st.StartedAt,
		LastUpdatedAt:    st.LastUpdatedAt,
		PendingQuestions: len(st.PendingQuestions),
		Counts:           make(map[protocol.TicketStatus]int),
		Recent:           []protocol.StatusUpdate{},
	}
	for _, status := range protocol.TicketStatuses {
		n, err := s.svc.Count(ticket.Filter{Status: &status})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if n > 0 {
			resp.Counts[status] = n
		}
	}
	if s.adapter != nil {
		resp.Recent = s.adapter.Recent(20)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ticket.Filter{Query: strings.TrimSpace(q.Get("q"))}
	if status := q.Get("status"); status != "" {
		ts := protocol.TicketStatus(status)
		if !ts.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", status)})
			return
		}
		f.Status = &ts
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid limit %q", l)})
			return
		}
		f.Limit = n
	}

	recs, err := s.svc.Records(f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []*ticket.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.svc.Reset(id); {
	case err == nil:
	case errors.Is(err, ticket.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
		return
	case errors.Is(err, ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("ticket reset via api", "ticket", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.svc.Ticket(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
		return
	}
	resp := TicketResponse{Ticket: t}

	rec, err := s.svc.Record(id)
	switch {
	case err == nil:
		resp.Record = rec
	case !errors.Is(err, ticket.ErrNotFound):
		s.logger.Warn("ticket record lookup failed", "ticket", id, "error", err)
	}
	if log, err := s.svc.TicketLog(id); err != nil {
		s.logger.Warn("ticket log read failed", "ticket", id, "error", err)
	} else {
		resp.Log = log
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	if s.adapter == nil {
		writeJSON(w, http.StatusOK, Pending{Plans: []protocol.PlanRequest{}, Questions: []protocol.QuestionRequest{}})
		return
	}
	pending := s.adapter.Pending()

	// The state document is authoritative for open questions; another
	// adapter may already have answered one the api adapter still holds.
	if st, err := s.svc.State(); err == nil {
		pending.Questions = slices.DeleteFunc(pending.Questions, func(q protocol.QuestionRequest) bool {
			return !slices.ContainsFunc(st.PendingQuestions, func(p protocol.PendingQuestion) bool { return p.ID == q.RequestID })
		})
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "approvals are not routed through the api"})
		return
	}
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Approved == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "approved is required"})
		return
	}

	id := r.PathValue("id")
	if err := s.adapter.Approve(id, *req.Approved, req.Feedback, req.By); err != nil {
		s.writeResolveError(w, err)
		return
	}
	s.logger.Info("approval submitted", "request_id", id, "approved", *req.Approved, "by", req.By)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "answers are not routed through the api"})
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "answer is required"})
		return
	}

	id := r.PathValue("id")
	if err := s.adapter.Answer(id, req.Answer, req.By); err != nil {
		s.writeResolveError(w, err)
		return
	}
	s.logger.Info("answer submitted", "request_id", id, "by", req.By)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCancel fails a waiting approval or question through cancel.
func (s *Server) handleCancel(cancel func(id string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !cancel(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not pending"})
			return
		}
		if s.adapter != nil {
			s.adapter.Withdraw(id)
		}
		s.logger.Info("request cancelled via api", "request_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownRequest):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
	case errors.Is(err, ErrNotPending):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrDetached):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.Pause(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("pause requested via api")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.Resume(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("resume requested via api")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	f := logbuf.Filter{
		Limit:  200,
		Ticket: r.URL.Query().Get("ticket"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			f.MinLevel = slog.LevelInfo
		case "warn":
			f.MinLevel = slog.LevelWarn
		case "error":
			f.MinLevel = slog.LevelError
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.hookMu.RLock()
	h, ok := s.webhooks[name]
	s.hookMu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown webhook endpoint: %s", name)})
		return
	}
	h.ServeHTTP(w, r)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
