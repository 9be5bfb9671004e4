package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// lockTable hands out one mutex per project. The file lock next to the
// workbook extends the exclusion to other processes.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) get(project string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[project]
	if !ok {
		m = &sync.Mutex{}
		t.locks[project] = m
	}
	return m
}

// lockProject serializes reload, mutate and persist for one project.
func (e *Engine) lockProject(ctx context.Context, project string) (func(), error) {
	m := e.locks.get(project)
	m.Lock()
	if err := ctx.Err(); err != nil {
		m.Unlock()
		return nil, err
	}
	fl := flock.New(e.Loader.Path(project) + ".lock")
	if err := fl.Lock(); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("lock project %s: %w", project, err)
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}
