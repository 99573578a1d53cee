package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/h1v3-io/taskpilot/internal/agent"
	apiPkg "github.com/h1v3-io/taskpilot/internal/api"
	"github.com/h1v3-io/taskpilot/internal/config"
	slackconn "github.com/h1v3-io/taskpilot/internal/connector/slack"
	"github.com/h1v3-io/taskpilot/internal/connector/telegram"
	"github.com/h1v3-io/taskpilot/internal/connector/webhook"
	"github.com/h1v3-io/taskpilot/internal/hooks"
	"github.com/h1v3-io/taskpilot/internal/logbuf"
	"github.com/h1v3-io/taskpilot/internal/multiplex"
	"github.com/h1v3-io/taskpilot/internal/orchestrator"
	"github.com/h1v3-io/taskpilot/internal/scheduler"
	"github.com/h1v3-io/taskpilot/internal/statestore"
	"github.com/h1v3-io/taskpilot/internal/ticket"
)

func main() {
	os.Exit(run())
}

func run() int {
	source := flag.String("config", envOr("TASKPILOT_CONFIG", "tickets.yaml"), "Ticket file path or http(s) URL")
	token := flag.String("config-token", os.Getenv("TASKPILOT_CONFIG_TOKEN"), "Bearer token for a remote ticket file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load ticket file (local path or remote URL)
	var file *config.File
	var err error
	if config.IsRemote(*source) {
		logger.Info("loading ticket file from url", "url", *source)
		file, err = config.LoadRemote(ctx, config.RemoteOptions{URL: *source, Token: *token})
	} else {
		file, err = config.Load(*source)
	}
	if err != nil {
		logger.Error("failed to load ticket file", "error", err)
		return 1
	}
	cfg := file.Config
	logger.Info("taskpilotd starting", "tickets", len(file.Tickets), "plan_mode", cfg.EffectivePlanMode(), "auto_approve", cfg.AutoApprove)

	// 1. State store + ticket ledger
	state := statestore.New(cfg.StateDir)
	if _, err := state.Init(); err != nil {
		logger.Error("failed to initialize state", "dir", state.Paths().Root, "error", err)
		return 1
	}
	dbPath := filepath.Join(state.Paths().Root, "tickets.db")
	ledger, err := ticket.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open ticket ledger", "path", dbPath, "error", err)
		return 1
	}
	defer ledger.Close()

	// 2. Agent + hooks
	claude := agent.NewClaude(cfg.Agent.Binary, logger.With("component", "agent"))
	claude.ExtraArgs = cfg.Agent.ExtraArgs

	hookRunner := hooks.NewRunner(cfg.Agent.WorkDir, logger.With("component", "hooks"))
	hookRunner.Timeout = cfg.Timeouts.Hook

	// 3. Channel adapters
	mux := multiplex.New(logger.With("component", "multiplex"))

	if tg := cfg.Connectors.Telegram; tg != nil {
		conn, err := telegram.New(telegram.Config{
			Token:     tg.Token,
			ChatIDs:   tg.ChatIDs,
			AllowFrom: tg.AllowFrom,
		}, logger.With("connector", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			return 1
		}
		mux.AddProvider(conn)
	}

	if sc := cfg.Connectors.Slack; sc != nil {
		conn, err := slackconn.New(slackconn.Config{
			BotToken: sc.BotToken,
			AppToken: sc.AppToken,
			Channels: sc.Channels,
		}, logger.With("connector", "slack"))
		if err != nil {
			logger.Error("failed to init slack connector", "error", err)
			return 1
		}
		mux.AddProvider(conn)
	}

	var webhooks []*webhook.Connector
	for _, wc := range cfg.Connectors.Webhooks {
		conn, err := webhook.New(wc, logger.With("connector", "webhook"))
		if err != nil {
			logger.Error("failed to init webhook connector", "name", wc.Name, "error", err)
			return 1
		}
		mux.AddProvider(conn)
		webhooks = append(webhooks, conn)
	}

	var apiAdapter *apiPkg.Adapter
	if cfg.Server.Enabled() {
		apiAdapter = apiPkg.NewAdapter()
		mux.AddProvider(apiAdapter)
	}

	if err := mux.ConnectAll(ctx); err != nil {
		// Adapters that connected keep serving; the rest are skipped on send.
		logger.Warn("some connectors failed to connect", "error", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mux.DisconnectAll(shutCtx)
	}()
	go safeGo(logger, "multiplex-errors", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-mux.Errors():
				logger.Debug("connector error observed", "error", err)
			}
		}
	})

	// 4. Orchestrator
	orch, err := orchestrator.New(cfg, file.Tickets, orchestrator.Deps{
		Agent:  claude,
		Broker: mux,
		State:  state,
		Hooks:  hookRunner,
		Ledger: ledger,
		Logger: logger.With("component", "orchestrator"),
	})
	if err != nil {
		logger.Error("invalid ticket graph", "error", err)
		return 1
	}

	pump := newStatusPump(mux.DeliverStatus, logger.With("component", "status"))
	orch.Subscribe(pump.listen)
	go safeGo(logger, "status-pump", func() { pump.run(ctx) })

	q := newQueue(ctx, orch, logger.With("component", "queue"))

	// 5. API server
	if cfg.Server.Enabled() {
		svc := &apiService{orch: orch, state: state, ledger: ledger, requests: mux, queue: q}
		apiSrv := apiPkg.NewServer(svc, apiAdapter, apiPkg.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			Secret:         cfg.Server.Secret,
			Insecure:       cfg.Server.Insecure,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimit:      cfg.Server.RateLimit,
			Burst:          cfg.Server.Burst,
		}, logger.With("component", "api"), logBuf)
		for _, wh := range webhooks {
			apiSrv.AddWebhook(wh.Name(), wh)
		}
		go safeGo(logger, "api-server", func() {
			if err := apiSrv.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		})
	} else if len(webhooks) > 0 {
		logger.Warn("webhook responses need the api server; webhooks are send-only")
	}

	// 6. Scheduler or immediate run
	if cfg.Schedule != "" {
		sched := scheduler.New(q.trigger, logger.With("component", "scheduler"))
		if err := sched.AddJob("queue", cfg.Schedule); err != nil {
			logger.Error("failed to schedule queue", "error", err)
			return 1
		}
		go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	} else {
		q.start("startup")
	}

	// A one-shot daemon exits when its run ends; a served or scheduled one
	// keeps running until signalled.
	resident := cfg.Server.Enabled() || cfg.Schedule != ""

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	if resident {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
	} else {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case <-q.wait():
			if err := q.err(); err != nil {
				exitCode = 1
			}
		}
	}

	cancel()
	select {
	case <-q.wait():
	case <-time.After(15 * time.Second):
		logger.Warn("queue did not stop in time")
	}
	logger.Info("taskpilotd stopped")
	return exitCode
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
