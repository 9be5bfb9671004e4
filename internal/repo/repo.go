// Package repo queries the event index.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"tasksheet/internal/audit"
)

type Repo struct {
	DB *sql.DB
}

// Event is an indexed audit event with its index id, used as a cursor.
type Event struct {
	ID int64 `json:"id"`
	audit.Event
}

// EventFilter narrows an event listing. Empty fields match everything.
type EventFilter struct {
	Project string
	Sheet   string
	TaskID  string
	Action  string
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events older than cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]Event, error) {
	clauses := []string{"1=1"}
	var args []any
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("project", f.Project)
	add("sheet", f.Sheet)
	add("task_id", f.TaskID)
	add("action", f.Action)
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,action,operator,project,sheet,task_id,before_json,after_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var before, after sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.Operator, &e.Project, &e.Sheet, &e.TaskID, &before, &after); err != nil {
			return nil, err
		}
		e.Before = raw(before)
		e.After = raw(after)
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByAction counts indexed events of a project per action.
func (r Repo) CountByAction(ctx context.Context, project string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action, count(*) FROM events WHERE project=? GROUP BY action`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		res[action] = count
	}
	return res, rows.Err()
}

func raw(v sql.NullString) json.RawMessage {
	if !v.Valid {
		return json.RawMessage("null")
	}
	return json.RawMessage(v.String)
}
