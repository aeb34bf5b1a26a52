package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"batchline/internal/backend"
	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/engine"
	"batchline/internal/logging"
	"batchline/internal/metrics"
	"batchline/internal/migrate"
)

// Options override values from batchline.yml. Empty fields keep the file value.
type Options struct {
	Workspace    string
	BackendURL   string
	BackendToken string
	LogLevel     string
	LogFormat    string
	Version      string
	LogOutput    io.Writer
}

// Env is everything a command needs: config, journal database, backend
// client and the engine wired on top of them.
type Env struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Backend   *backend.Client
	Engine    engine.Engine
}

// Open loads the workspace config, applies overrides, migrates the journal
// database and wires the engine.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Version: opts.Version,
		Output:  opts.LogOutput,
	})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(opts.Workspace), err)
	}
	m := metrics.New("batchline")
	client := backend.New(backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.BackendTimeout(),
		Breaker: backend.BreakerSettings{
			FailureThreshold: cfg.Backend.Breaker.FailureThreshold,
			OpenTimeout:      time.Duration(cfg.Backend.Breaker.OpenSeconds) * time.Second,
			HalfOpenRequests: cfg.Backend.Breaker.HalfOpenRequests,
		},
		Logger:  logger.With("component", "backend"),
		Metrics: m,
	})
	e := engine.New(conn, cfg, client)
	e.Logger = logger.With("component", "engine")
	e.Metrics = m
	return &Env{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Logger:    logger,
		Metrics:   m,
		Backend:   client,
		Engine:    e,
	}, nil
}

func applyOverrides(cfg *config.Config, opts Options) {
	if v := strings.TrimSpace(opts.BackendURL); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(opts.BackendToken); v != "" {
		cfg.Backend.Token = v
	}
	if v := strings.TrimSpace(opts.LogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(opts.LogFormat); v != "" {
		cfg.Log.Format = v
	}
}

// Close releases the journal database.
func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
