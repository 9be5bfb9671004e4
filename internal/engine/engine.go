// Package engine coordinates reads and mutations of spreadsheet-backed task
// records: locking, version checks, validation, backups and auditing.
package engine

import (
	"context"
	"log/slog"
	"time"

	"tasksheet/internal/audit"
	"tasksheet/internal/backup"
	"tasksheet/internal/config"
	"tasksheet/internal/domain"
	"tasksheet/internal/metrics"
	"tasksheet/internal/sheets"
	"tasksheet/internal/validate"
)

// TimeLayout is used for the start and completion timestamps stored in cells.
const TimeLayout = "2006-01-02 15:04:05"

// EventIndex receives every accepted audit event.
type EventIndex interface {
	Append(ctx context.Context, ev audit.Event) error
}

type Engine struct {
	Loader         *sheets.Loader
	Validator      *validate.Validator
	Journal        *audit.Journal
	Backups        *backup.Rotator
	Index          EventIndex
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	OptimisticLock bool
	Marker         domain.Marker
	Now            func() time.Time

	locks *lockTable
}

// New wires the collaborators described by cfg. Index and Metrics are optional.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	marker := domain.Marker(cfg.Rules.CompletionMarker)
	loader := sheets.NewLoader(cfg.DataDir, logger)
	loader.Marker = marker
	return &Engine{
		Loader:         loader,
		Validator:      validate.New(cfg.StrictValidation, cfg.Rules),
		Journal:        audit.NewJournal(cfg.AuditFile, cfg.AuditEnabled),
		Backups:        backup.NewRotator(cfg.BackupDir, cfg.BackupKeep, cfg.BackupEnabled, logger),
		Logger:         logger,
		OptimisticLock: cfg.OptimisticLock,
		Marker:         marker,
		Now:            time.Now,
		locks:          newLockTable(),
	}
}

// SetClock replaces the clock of the engine and its journal and rotator.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Journal.Now = now
	e.Backups.Now = now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().Format(TimeLayout)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
