// Package app wires configuration into a runnable pipeline: the record store, the
// extraction provider, the orchestrator and the HTTP trigger.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shpitdev/order-extraction-pipeline/internal/config"
	"github.com/shpitdev/order-extraction-pipeline/internal/extract"
	"github.com/shpitdev/order-extraction-pipeline/internal/extract/gemini"
	"github.com/shpitdev/order-extraction-pipeline/internal/extract/openai"
	"github.com/shpitdev/order-extraction-pipeline/internal/metrics"
	"github.com/shpitdev/order-extraction-pipeline/internal/pipeline"
	"github.com/shpitdev/order-extraction-pipeline/internal/scheduler"
	"github.com/shpitdev/order-extraction-pipeline/internal/server"
	"github.com/shpitdev/order-extraction-pipeline/internal/store"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/retry"
	"go.uber.org/zap"
)

// App owns the long-lived components. Close releases the store connection.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.Store
	server *server.Server
}

// Options overrides pieces of the default wiring.
type Options struct {
	// Generator replaces the provider selected by config.
	Generator extract.Generator
	// Migrate applies the schema after connecting.
	Migrate bool
}

// New connects to the store and assembles the pipeline described by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	gen := opts.Generator
	if gen == nil {
		gen, err = NewGenerator(ctx, cfg.Extract)
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(ctx, StoreConfig(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if opts.Migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	retryOpts := RetryOptions(cfg.Pipeline)
	retryOpts.OnRetry = func(attempt int, sleep time.Duration, err error) {
		logger.Warn("retrying extraction",
			zap.Int("attempt", attempt),
			zap.Duration("sleep", sleep),
			zap.String("error", redact.Secrets(err.Error())),
		)
	}

	orch, err := pipeline.New(pipeline.Options{
		Store:     st,
		Extractor: extract.New(extract.Traced(gen, logger, m)),
		Retry:     retry.New(retryOpts),
		Logger:    logger,
		Recorder:  m,
		NewID:     st.NewID,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	srv, err := server.New(server.Options{
		Runner:   orch,
		Health:   st,
		Logger:   logger.Named("http"),
		Observer: m,
		Gatherer: registry,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	logger.Info("pipeline ready",
		zap.String("store", st.Driver()),
		zap.String("provider", gen.Name()),
		zap.Int("max_retries", retryOpts.MaxRetries),
		zap.Int("max_attempts", cfg.Database.MaxAttempts),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		server: srv,
	}, nil
}

// NewGenerator builds the provider client named by cfg.Provider.
func NewGenerator(ctx context.Context, cfg config.ExtractConfig) (extract.Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case config.ProviderOpenAI, "":
		return openai.New(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		})
	case config.ProviderGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			Model:   cfg.Gemini.Model,
			BaseURL: cfg.Gemini.BaseURL,
		})
	}
	return nil, fmt.Errorf("unknown extraction provider %q", cfg.Provider)
}

func StoreConfig(cfg config.DatabaseConfig) store.Config {
	return store.Config{
		Driver:      cfg.Driver,
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		Password:    cfg.Password,
		Name:        cfg.Name,
		SSLMode:     cfg.SSLMode,
		Path:        cfg.Path,
		MaxAttempts: cfg.MaxAttempts,
		ClaimLease:  cfg.ClaimLease,
		OpTimeout:   cfg.OpTimeout,
	}
}

func RetryOptions(cfg config.PipelineConfig) retry.Options {
	return retry.Options{
		MaxRetries:        cfg.MaxRetries,
		RequestTimeout:    cfg.RequestTimeout,
		RateLimitRPS:      cfg.RateLimitRPS,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		BackoffJitterFrac: 0.2,
	}
}

// Migrate opens the store, applies the schema and closes the connection.
func Migrate(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) error {
	return withStore(ctx, cfg, func(st *store.Store) error {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("schema applied", zap.String("store", st.Driver()))
		}
		return nil
	})
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Store exposes the record store, mainly for seeding and inspection.
func (a *App) Store() *store.Store { return a.store }

// RunOnce performs a single extraction pass.
func (a *App) RunOnce(ctx context.Context) (pipeline.Summary, error) {
	return a.server.Trigger(ctx)
}

// Serve listens on cfg.Server.ListenAddr until ctx is done, then shuts down
// gracefully. When a poll interval is configured, runs are also started on a timer.
func (a *App) Serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var ticker *scheduler.Ticker
	if a.cfg.Server.PollInterval > 0 {
		ticker = scheduler.NewTicker(a.cfg.Server.PollInterval, true)
		err := ticker.Start(ctx, func(ctx context.Context, _ time.Time) {
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("scheduled run failed", zap.String("error", redact.Secrets(err.Error())))
			}
		})
		if err != nil {
			return err
		}
		a.logger.Info("polling enabled", zap.Duration("interval", a.cfg.Server.PollInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	a.logger.Info("shutting down")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if ticker != nil {
		if err := ticker.Stop(shutdownCtx); err != nil && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (a *App) Close() error {
	return a.store.Close()
}
