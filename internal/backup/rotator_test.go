package backup_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksheet/internal/backup"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

type memMirror struct {
	mu      sync.Mutex
	puts    map[string][]byte
	pruned  []int
	failPut bool
}

func (m *memMirror) Put(_ context.Context, name string, r io.Reader) error {
	if m.failPut {
		return errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = map[string][]byte{}
	}
	m.puts[name] = data
	return nil
}

func (m *memMirror) Prune(_ context.Context, _, _ string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = append(m.pruned, keep)
	return nil
}

func setup(t *testing.T, keep int) (*backup.Rotator, string) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "alpha.xlsx")
	require.NoError(t, os.WriteFile(src, []byte("workbook"), 0o644))
	r := backup.NewRotator(filepath.Join(root, "_backup"), keep, true, nil)
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.Local)}
	r.Now = c.now
	return r, src
}

func TestRotateKeepsMostRecent(t *testing.T) {
	r, src := setup(t, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.Rotate(ctx, src)
		require.NoError(t, err)
	}

	snaps, err := r.List("alpha", ".xlsx")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha-20260504-0904.xlsx", snaps[0].Name)
	assert.Equal(t, "alpha-20260504-0905.xlsx", snaps[1].Name)
	assert.Equal(t, int64(len("workbook")), snaps[1].Size)
}

func TestRotateIgnoresOtherStems(t *testing.T) {
	r, src := setup(t, 1)
	require.NoError(t, os.MkdirAll(r.Dir, 0o755))
	foreign := []string{"alpha-beta-20200101-0000.xlsx", "alpha-old.xlsx", "alpha-20200101-0000.xlsx.tmp"}
	for _, n := range foreign {
		require.NoError(t, os.WriteFile(filepath.Join(r.Dir, n), nil, 0o644))
	}

	for i := 0; i < 3; i++ {
		_, err := r.Rotate(context.Background(), src)
		require.NoError(t, err)
	}
	for _, n := range foreign {
		assert.FileExists(t, filepath.Join(r.Dir, n))
	}
	snaps, err := r.List("alpha", ".xlsx")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestRotateNoop(t *testing.T) {
	r, src := setup(t, 2)
	path, err := r.Rotate(context.Background(), filepath.Join(filepath.Dir(src), "missing.xlsx"))
	require.NoError(t, err)
	assert.Empty(t, path)

	r.Enabled = false
	path, err = r.Rotate(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, path)
	_, err = os.Stat(r.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestRotateMirrorsSnapshots(t *testing.T) {
	r, src := setup(t, 3)
	m := &memMirror{}
	r.Mirror = m

	path, err := r.Rotate(context.Background(), src)
	require.NoError(t, err)
	name := filepath.Base(path)
	assert.True(t, bytes.Equal([]byte("workbook"), m.puts[name]))
	assert.Equal(t, []int{3}, m.pruned)

	m.failPut = true
	_, err = r.Rotate(context.Background(), src)
	require.NoError(t, err, "mirror failures are not fatal")
}

func TestBelongsTo(t *testing.T) {
	assert.True(t, backup.BelongsTo("alpha-20260101-1200.xlsx", "alpha", ".xlsx"))
	assert.False(t, backup.BelongsTo("alpha-beta-20260101-1200.xlsx", "alpha", ".xlsx"))
	assert.False(t, backup.BelongsTo("alpha-2026-01-01.xlsx", "alpha", ".xlsx"))
}
