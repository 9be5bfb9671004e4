// Package audit appends mutation events to a JSON lines journal and reads
// them back for restore.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	TimeLayout  = "2006-01-02T15:04:05Z07:00"
	maxLineSize = 4 << 20
)

// Event is one accepted mutation. Before is JSON null for insertions.
type Event struct {
	Action   string          `json:"action"`
	Operator string          `json:"operator"`
	Project  string          `json:"project"`
	Sheet    string          `json:"sheet"`
	TaskID   string          `json:"task_id"`
	Before   json.RawMessage `json:"before"`
	After    json.RawMessage `json:"after"`
	TS       string          `json:"ts"`
}

// NewEvent marshals the before/after snapshots. A nil before is recorded as null.
func NewEvent(action, operator, project, sheet, taskID string, before, after any) (Event, error) {
	ev := Event{Action: action, Operator: operator, Project: project, Sheet: sheet, TaskID: taskID}
	var err error
	if ev.Before, err = snapshot(before); err != nil {
		return Event{}, fmt.Errorf("marshal before: %w", err)
	}
	if ev.After, err = snapshot(after); err != nil {
		return Event{}, fmt.Errorf("marshal after: %w", err)
	}
	return ev, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

// HasBefore reports whether the event carries a non-null before snapshot.
func (e Event) HasBefore() bool {
	return len(e.Before) > 0 && string(e.Before) != "null"
}

// Journal is an append-only audit file shared safely across processes.
type Journal struct {
	Path    string
	Enabled bool
	Now     func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

func NewJournal(path string, enabled bool) *Journal {
	return &Journal{Path: path, Enabled: enabled, Now: time.Now, lock: flock.New(path + ".lock")}
}

// Append stamps ev and writes it as one line. It returns the stamped event.
func (j *Journal) Append(ctx context.Context, ev Event) (Event, error) {
	if j == nil || !j.Enabled {
		return ev, nil
	}
	if err := ctx.Err(); err != nil {
		return ev, err
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	ev.TS = now().UTC().Truncate(time.Second).Format(TimeLayout)
	if len(ev.Before) == 0 {
		ev.Before = json.RawMessage("null")
	}
	if len(ev.After) == 0 {
		ev.After = json.RawMessage("null")
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
		return ev, fmt.Errorf("create audit dir: %w", err)
	}
	if err := j.lock.Lock(); err != nil {
		return ev, fmt.Errorf("lock audit journal: %w", err)
	}
	defer j.lock.Unlock()

	f, err := os.OpenFile(j.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ev, fmt.Errorf("open audit journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return ev, fmt.Errorf("write audit event: %w", err)
	}
	return ev, f.Close()
}

// Scan calls fn for every well-formed event in append order. Returning
// false from fn stops the scan. A missing journal yields no events.
func (j *Journal) Scan(fn func(Event) bool) error {
	f, err := os.Open(j.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	return sc.Err()
}

// LastBefore returns the most recent event for (sheet, taskID) that carries a
// before snapshot.
func (j *Journal) LastBefore(sheet, taskID string) (Event, bool, error) {
	var (
		last  Event
		found bool
	)
	err := j.Scan(func(ev Event) bool {
		if ev.Sheet == sheet && ev.TaskID == taskID && ev.HasBefore() {
			last, found = ev, true
		}
		return true
	})
	return last, found, err
}

// Tail returns the last n events, oldest first.
func (j *Journal) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Event, 0, n)
	err := j.Scan(func(ev Event) bool {
		if len(ring) == n {
			ring = append(ring[1:], ev)
		} else {
			ring = append(ring, ev)
		}
		return true
	})
	return ring, err
}
