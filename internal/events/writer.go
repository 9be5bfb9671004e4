// Package events mirrors audit events into the SQLite index.
package events

import (
	"context"
	"database/sql"
	"fmt"

	"tasksheet/internal/audit"
)

type Writer struct {
	DB *sql.DB
}

const insertEvent = `INSERT INTO events(ts,action,operator,project,sheet,task_id,before_json,after_json) VALUES (?,?,?,?,?,?,?,?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append indexes one stamped audit event.
func (w Writer) Append(ctx context.Context, ev audit.Event) error {
	return insert(ctx, w.DB, ev)
}

func insert(ctx context.Context, db execer, ev audit.Event) error {
	_, err := db.ExecContext(ctx, insertEvent,
		ev.TS, ev.Action, ev.Operator, ev.Project, ev.Sheet, ev.TaskID, nullable(ev.Before), nullable(ev.After))
	return err
}

// Rebuild replaces the index with the journal contents. It returns the
// number of indexed events.
func (w Writer) Rebuild(ctx context.Context, j *audit.Journal) (int, error) {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}
	count := 0
	var insertErr error
	err = j.Scan(func(ev audit.Event) bool {
		if insertErr = insert(ctx, tx, ev); insertErr != nil {
			return false
		}
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	if insertErr != nil {
		return 0, fmt.Errorf("index event: %w", insertErr)
	}
	return count, tx.Commit()
}

func nullable(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
