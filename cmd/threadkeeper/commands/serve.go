package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/actions"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/approval"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/channels/discord"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/copilot"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/database"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/keylock"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/llm"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/scheduler"
	"github.com/jholhewres/threadkeeper/pkg/threadkeeper/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	// maxInFlight bounds concurrently handled utterances.
	maxInFlight = 16

	shutdownTimeout = 10 * time.Second
)

// newServeCmd creates the `threadkeeper serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and handle messages",
		Long: `Start threadkeeper as a daemon: connect to Discord, answer messages,
gate web searches and image generation behind approval buttons and persist
every exchange.

Examples:
  threadkeeper serve
  threadkeeper serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration in %s:\n%w", configPath, err)
	}
	logger.Info("config loaded", "path", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	backend, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	st := store.New(backend, logger)

	// ── Services ──
	completer, err := llm.New(ctx, cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("creating completion client: %w", err)
	}
	executor := actions.NewExecutor(cfg.WebSearch, cfg.ImageGeneration, logger)
	dc := discord.New(cfg.Discord, logger)
	locks := keylock.New(logger)

	approvals, err := approval.New(cfg.Approval, dc, executor, locks, logger)
	if err != nil {
		return fmt.Errorf("creating approval manager: %w", err)
	}
	defer approvals.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := copilot.MustNewMetrics(reg, approvals.PendingCount)

	orch, err := copilot.NewOrchestrator(copilot.Deps{
		Transport: dc,
		Completer: completer,
		Context:   copilot.NewContextWindow(st, completer, cfg.Context, cfg.Persistence.Timeout, metrics, logger),
		Intents:   copilot.NewIntentDetector(completer, metrics, logger),
		Approvals: approvals,
		Sessions:  copilot.NewSessionResolver(dc, locks, cfg.Discord.AutoThread, logger),
		Metrics:   metrics,
		Logger:    logger,
	}, copilot.Options{
		SystemPrompt: cfg.LLM.SystemPrompt,
		Creative:     cfg.LLM.CreativeOptions(),
		Chunker:      cfg.Chunker,
		WindowSize:   cfg.Context.WindowSize,
		SendTyping:   cfg.Discord.SendTyping,
	})
	if err != nil {
		return err
	}

	// ── Maintenance ──
	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.Job{
		Name:     "approval-result-sweep",
		Schedule: approvals.Config().SweepSchedule,
		Run: func(context.Context) error {
			approvals.Sweep()
			return nil
		},
	}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Job{
		Name:     "database-health",
		Schedule: "@every 5m",
		Timeout:  30 * time.Second,
		Run: func(ctx context.Context) error {
			hs := backend.Status(ctx)
			if !hs.Healthy {
				return fmt.Errorf("database unhealthy: %s", hs.Error)
			}
			logger.Debug("database healthy", "latency", hs.Latency, "open", hs.OpenConnections)
			return nil
		},
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	// ── Metrics listener ──
	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		srv = newMetricsServer(cfg.Metrics.Listen, reg, backend)
		go func() {
			logger.Info("metrics listener started", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	// ── Start ──
	if err := dc.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to discord: %w", err)
	}
	logger.Info("threadkeeper running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"approval_required", cfg.Approval.Required,
		"auto_thread", cfg.Discord.AutoThread,
		"database", backend.Type,
	)

	// In-flight exchanges finish after shutdown starts.
	dispatcher := copilot.NewDispatcher(orch, maxInFlight, logger)
	receive(ctx, dc, dispatcher)

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		// Dropping live approvals releases the conversations waiting on them.
		approvals.Close()
		dispatcher.Wait()
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(sctx)
		}
		if err := dc.Disconnect(); err != nil {
			logger.Warn("discord disconnect failed", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
	}
	return nil
}

// receive forwards inbound messages until ctx ends or the channel closes.
func receive(ctx context.Context, ch channels.Channel, d *copilot.Dispatcher) {
	base := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			d.Submit(base, copilot.UtteranceFromMessage(msg))
		}
	}
}

func newMetricsServer(addr string, reg *prometheus.Registry, backend *database.Backend) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hs := backend.Status(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !hs.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(hs)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
