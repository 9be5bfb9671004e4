// Package app builds the process-wide context object shared by the CLI and
// the HTTP server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"tasksheet/internal/backup/s3mirror"
	"tasksheet/internal/config"
	"tasksheet/internal/db"
	"tasksheet/internal/engine"
	"tasksheet/internal/events"
	"tasksheet/internal/metrics"
	"tasksheet/internal/migrate"
	"tasksheet/internal/repo"
)

// App holds the configured collaborators. It is built once at start-up.
type App struct {
	Config  *config.Config
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Index and Events are nil when the event index is disabled.
	Index  *events.Writer
	Events *repo.Repo

	conn *sql.DB
}

// New wires the engine, the optional event index and the optional S3 mirror.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	a.Engine = engine.New(cfg, logger)
	a.Engine.Metrics = a.Metrics

	if cfg.IndexEnabled {
		conn, err := db.Open(db.Config{DataDir: cfg.DataDir})
		if err != nil {
			return nil, fmt.Errorf("open event index: %w", err)
		}
		version, err := migrate.Migrate(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrate event index: %w", err)
		}
		logger.Debug("event index ready", "path", db.Path(cfg.DataDir), "schema", version)
		a.conn = conn
		a.Index = &events.Writer{DB: conn}
		a.Events = &repo.Repo{DB: conn}
		a.Engine.Index = a.Index
	}

	if cfg.S3.Enabled() {
		m, err := s3mirror.New(ctx, s3mirror.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("configure backup mirror: %w", err)
		}
		a.Engine.Backups.Mirror = m
	}
	return a, nil
}

// Close releases the event index.
func (a *App) Close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
