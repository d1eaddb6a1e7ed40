// Command relisterd runs the relister backend: the job dispatcher, the
// long-polling task queue, and the HTTP API, backed by PostgreSQL.
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

	"github.com/caarlos0/env/v11"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/api"
	"github.com/crosslist/relister/audit"
	"github.com/crosslist/relister/engine"
	"github.com/crosslist/relister/listing"
	"github.com/crosslist/relister/ratelimit"
	"github.com/crosslist/relister/store/postgres"
	"github.com/crosslist/relister/taskqueue"
)

type config struct {
	Addr        string `env:"RELISTER_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	GlobalMaxConcurrent    int           `env:"RELISTER_GLOBAL_MAX" envDefault:"50"`
	PerTenantMaxConcurrent int           `env:"RELISTER_TENANT_MAX" envDefault:"3"`
	TenantJobRate          float64       `env:"RELISTER_TENANT_JOB_RATE" envDefault:"0"`
	WorkerIdleTimeout      time.Duration `env:"RELISTER_WORKER_IDLE_TIMEOUT" envDefault:"10m"`
	WorkerMaxAge           time.Duration `env:"RELISTER_WORKER_MAX_AGE" envDefault:"2h"`
	JobTTL                 time.Duration `env:"RELISTER_JOB_TTL" envDefault:"24h"`
	JobTimeout             time.Duration `env:"RELISTER_JOB_TIMEOUT" envDefault:"10m"`
	ShutdownTimeout        time.Duration `env:"RELISTER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relisterd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	st, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	engineCfg := relister.DefaultConfig()
	engineCfg.GlobalMaxConcurrent = cfg.GlobalMaxConcurrent
	engineCfg.PerTenantMaxConcurrent = cfg.PerTenantMaxConcurrent
	engineCfg.TenantJobRate = cfg.TenantJobRate
	engineCfg.WorkerIdleTimeout = cfg.WorkerIdleTimeout
	engineCfg.WorkerMaxAge = cfg.WorkerMaxAge
	engineCfg.JobTTL = cfg.JobTTL
	engineCfg.JobTimeout = cfg.JobTimeout
	engineCfg.ShutdownTimeout = cfg.ShutdownTimeout

	dispatcher, err := engine.New(st, engineCfg,
		engine.WithLogger(logger),
		engine.WithExtension(audit.New(audit.SlogRecorder(logger))),
	)
	if err != nil {
		return err
	}

	queue := taskqueue.New(st, ratelimit.Default(), dispatcher.Extensions(), logger)
	listing.New(st, queue, logger).RegisterAll(dispatcher.Registry())

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(dispatcher, queue, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	return dispatcher.Stop(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
