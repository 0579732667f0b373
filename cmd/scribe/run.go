package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/eugener/scribe/internal/analysis"
	"github.com/eugener/scribe/internal/config"
	"github.com/eugener/scribe/internal/credential"
	"github.com/eugener/scribe/internal/linker"
	"github.com/eugener/scribe/internal/pipeline"
	"github.com/eugener/scribe/internal/server"
	"github.com/eugener/scribe/internal/storage/postgres"
	"github.com/eugener/scribe/internal/telemetry"
	"github.com/eugener/scribe/internal/tokens"
	"github.com/eugener/scribe/internal/upstream"
	"github.com/eugener/scribe/internal/worker"
)

// errDirtyShutdown marks a shutdown that lost data: the request drain or the
// write-pipeline flush did not finish inside its bound. main exits 2.
var errDirtyShutdown = errors.New("unclean shutdown")

// shutdownTimeout bounds the in-flight request drain after SIGTERM.
const shutdownTimeout = 30 * time.Second

func run(configPath string) error {
	// Everything up to ListenAndServe is startup misconfiguration territory:
	// any error here exits 1.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	slog.Info("starting scribe", "version", version, "addr", cfg.ListenAddr)

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		stopTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:       cfg.OTLPEndpoint,
			ServiceVersion: version,
			SampleRate:     1.0,
		})
		if err != nil {
			return err
		}
		defer stopTracing(context.Background())
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	// Credentials: one file per tenant, hot-reloaded by the watcher below.
	creds, err := credential.New(credential.Options{
		Dir:           cfg.CredentialsDir,
		RefreshLead:   cfg.RefreshLead(),
		TokenURL:      cfg.OAuthTokenURL,
		ClientID:      cfg.OAuthClientID,
		StaticSecrets: []string{cfg.DashboardAPIKey, cfg.AnalysisAPIKey},
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	workers := []worker.Worker{credential.NewWatcher(creds)}

	deps := server.Deps{
		Credentials:      creds,
		Recorder:         pipeline.Nop{},
		Metrics:          metrics,
		Gatherer:         registry,
		EnableClientAuth: cfg.ClientAuthEnabled(),
		DashboardAPIKey:  cfg.DashboardAPIKey,
		AllowedOrigins:   cfg.DashboardAllowedOrigins,
		Version:          version,
	}

	// Storage is optional: without it the proxy forwards and records nothing,
	// and the dashboard data routes answer 503.
	var store *postgres.Store
	if cfg.StorageOn() {
		store, err = postgres.New(ctx, cfg.DatabaseURL, postgres.Options{
			MaxOpenConns:       cfg.DBMaxOpenConns,
			SlowQueryThreshold: cfg.SlowQueryThreshold(),
		})
		if err != nil {
			return err
		}
		defer store.Close()

		pipe := pipeline.New(store, pipeline.Options{Metrics: metrics})
		workers = append(workers, pipe)

		deps.Recorder = pipe
		deps.Store = store
		deps.Linker = linker.New(store)
		deps.Tokens = tokens.New(store)
		deps.ReadyCheck = store.Ping
	}

	if cfg.AIWorkerEnabled {
		analyzer, err := analysis.NewFromAPIKey(cfg.AnalysisAPIKey, cfg.AnalysisURL(), cfg.AnalysisModel)
		if err != nil {
			return err
		}
		workers = append(workers,
			analysis.NewWorker(store, analyzer, analysis.Options{
				PollInterval:  cfg.WorkerPollInterval(),
				MaxConcurrent: cfg.AIWorkerMaxConcurrentJobs,
				MaxRetries:    cfg.AIAnalysisMaxRetries,
				JobTimeout:    cfg.AnalysisTimeout(),
				PromptBudget:  cfg.AIAnalysisMaxPromptTokens,
				HeadMessages:  cfg.AIHeadMessages,
				TailMessages:  cfg.AITailMessages,
				Model:         cfg.AnalysisModel,
				Scrub:         creds.Scrub,
				Metrics:       metrics,
			}),
			analysis.NewSweeper(store, cfg.AIAnalysisMaxRetries),
		)
	}

	resolver := &dnscache.Resolver{}
	deps.Upstream = upstream.NewClient(cfg.AnthropicBaseURL, upstream.NewTransport(resolver), cfg.UpstreamTimeout())

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(deps),
		// WriteTimeout exceeds the upstream timeout so persistence finishes
		// before the client socket is cut. No ReadTimeout: request bodies are
		// small, streamed responses are long.
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ServerTimeout(),
		IdleTimeout:       2 * time.Minute,
	}

	// Background workers: credential watcher, write pipeline, analysis
	// worker and sweeper. One of them failing takes the process down.
	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go upstream.RefreshResolver(runCtx, resolver, 5*time.Minute)

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Run(runCtx, workers...)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("scribe ready", "addr", cfg.ListenAddr, "storage", cfg.StorageOn(), "ai_worker", cfg.AIWorkerEnabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		stopWorkers()
		<-workerErr
		return err
	case err := <-workerErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	}

	// Stop accepting and drain in-flight requests, bounded.
	dirty := false
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("request drain failed", "error", err)
		dirty = true
	}

	// With no producers left, stop the workers; the pipeline flushes its
	// backlog within its own drain bound and reports loss as an error.
	stopWorkers()
	if err := <-workerErr; err != nil {
		slog.Error("worker shutdown failed", "error", err)
		dirty = true
	}

	if dirty {
		return errDirtyShutdown
	}
	slog.Info("scribe stopped")
	return nil
}

// setupLogger installs the process-wide slog handler: tint for development
// text logs, JSON for production.
func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
