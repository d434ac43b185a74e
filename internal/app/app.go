// Package app owns the registrar's lifecycle: it opens the workspace,
// recovers state by replaying the persisted log, connects the configured
// sinks and shuts everything down in order.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"registrar/internal/attest"
	"registrar/internal/config"
	"registrar/internal/db"
	"registrar/internal/engine"
	"registrar/internal/events"
	"registrar/internal/metrics"
	"registrar/internal/migrate"
	"registrar/internal/repo"
	"registrar/internal/sink"
)

const defaultCloseTimeout = 10 * time.Second

// App holds one registrar and everything it publishes to.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Registrar *engine.Registrar
	Publisher *attest.Publisher
	// Metrics and Registry are nil when metrics are disabled.
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

type Options struct {
	Logger *slog.Logger
	// InMemory keeps the workspace database in memory.
	InMemory bool
	// Sinks are appended after the configured ones.
	Sinks []attest.Sink
	// Engine options applied after the app's own.
	Engine []engine.Option
}

// Open opens the workspace database, rebuilds the registrar from the stored
// attestations and starts publishing new ones.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log, os.Stderr)
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Sinks.SQLite.Workspace, InMemory: opts.InMemory})
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, DB: conn, Repo: repo.Repo{DB: conn}}
	if err := a.start(ctx, opts); err != nil {
		if a.Publisher != nil {
			_ = a.Publisher.Close(context.Background())
		}
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) start(ctx context.Context, opts Options) error {
	version, err := migrate.Migrate(ctx, a.DB)
	if err != nil {
		return fmt.Errorf("migrate workspace: %w", err)
	}
	log, err := a.Repo.ListAttestations(ctx, attest.Filter{})
	if err != nil {
		return fmt.Errorf("load attestations: %w", err)
	}

	if a.Config.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.New(a.Registry)
	}

	sinks, err := openSinks(ctx, a.Config.Sinks, a.Repo)
	if err != nil {
		return err
	}
	sinks = append(sinks, opts.Sinks...)
	pubOpts := []attest.Option{
		attest.WithLogger(a.Logger),
		attest.WithBatchSize(a.Config.Publisher.BatchSize),
	}
	engOpts := []engine.Option{engine.WithLogger(a.Logger)}
	if a.Metrics != nil {
		pubOpts = append(pubOpts, attest.WithObserver(a.Metrics))
		engOpts = append(engOpts, engine.WithRecorder(a.Metrics))
	}
	a.Publisher = attest.NewPublisher(sinks, pubOpts...)
	engOpts = append(engOpts, engine.WithPublisher(a.Publisher))
	engOpts = append(engOpts, opts.Engine...)

	a.Registrar, err = engine.Replay(ctx, log, engOpts...)
	if err != nil {
		return fmt.Errorf("recover registrar from %d attestations: %w", len(log), err)
	}
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	a.Logger.Info("registrar ready",
		"schema_version", version,
		"recovered", len(log),
		"streams", len(a.Registrar.ListStates()),
		"sinks", strings.Join(names, ","),
	)
	return nil
}

// openSinks connects the enabled external sinks concurrently. The sqlite
// sink always comes first so that recovery sees every published record.
func openSinks(ctx context.Context, cfg config.SinksConfig, r repo.Repo) ([]attest.Sink, error) {
	var sqlite []attest.Sink
	if cfg.SQLite.Enabled {
		sqlite = append(sqlite, events.Writer{Repo: r})
	}

	var redisSink, kafkaSink, pgSink attest.Sink
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Redis.Enabled {
		g.Go(func() error {
			s, err := sink.NewRedis(gctx, cfg.Redis)
			if err != nil {
				return fmt.Errorf("redis sink: %w", err)
			}
			redisSink = s
			return nil
		})
	}
	if cfg.Kafka.Enabled {
		g.Go(func() error {
			s, err := sink.NewKafka(gctx, cfg.Kafka)
			if err != nil {
				return fmt.Errorf("kafka sink: %w", err)
			}
			kafkaSink = s
			return nil
		})
	}
	if cfg.Postgres.Enabled {
		g.Go(func() error {
			s, err := sink.NewPostgres(gctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("postgres sink: %w", err)
			}
			pgSink = s
			return nil
		})
	}
	err := g.Wait()

	sinks := sqlite
	for _, s := range []attest.Sink{redisSink, kafkaSink, pgSink} {
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	for _, hook := range cfg.Webhooks {
		if hook.Active() {
			sinks = append(sinks, sink.NewWebhook(hook))
		}
	}
	return sinks, nil
}

// Close drains the publisher within the configured timeout and closes the
// workspace database.
func (a *App) Close(ctx context.Context) error {
	timeout := defaultCloseTimeout
	if s := a.Config.Publisher.CloseTimeoutSeconds; s > 0 {
		timeout = time.Duration(s) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs []error
	if a.Publisher != nil {
		if err := a.Publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain publisher: %w", err))
		}
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
