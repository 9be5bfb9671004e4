// Package backup keeps timestamped copies of project workbooks before they
// are overwritten.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	DefaultKeep = 7
	stampLayout = "20060102-1504"
)

var stampPattern = regexp.MustCompile(`^\d{8}-\d{4}$`)

// Mirror receives each new snapshot off-site and applies the same retention.
type Mirror interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Prune(ctx context.Context, stem, ext string, keep int) error
}

// Rotator copies a workbook into Dir and prunes old copies per stem.
type Rotator struct {
	Dir     string
	Keep    int
	Enabled bool
	Now     func() time.Time
	Mirror  Mirror
	Logger  *slog.Logger
}

func NewRotator(dir string, keep int, enabled bool, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	if keep < 1 {
		keep = DefaultKeep
	}
	return &Rotator{Dir: dir, Keep: keep, Enabled: enabled, Now: time.Now, Logger: logger}
}

// Snapshot describes one retained backup file.
type Snapshot struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	TakenAt time.Time `json:"taken_at"`
}

// Rotate snapshots path and prunes. It returns the snapshot path, or "" when
// nothing was copied.
func (r *Rotator) Rotate(ctx context.Context, path string) (string, error) {
	if r == nil || !r.Enabled {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	name := stem + "-" + r.now().Format(stampLayout) + ext
	dst := filepath.Join(r.Dir, name)
	if err := copyFile(path, dst); err != nil {
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := r.prune(stem, ext); err != nil {
		return dst, err
	}
	if r.Mirror != nil {
		r.mirror(ctx, dst, name, stem, ext)
	}
	return dst, nil
}

func (r *Rotator) mirror(ctx context.Context, path, name, stem, ext string) {
	f, err := os.Open(path)
	if err != nil {
		r.logger().Warn("backup mirror skipped", "file", name, "err", err)
		return
	}
	defer f.Close()
	if err := r.Mirror.Put(ctx, name, f); err != nil {
		r.logger().Warn("backup mirror upload failed", "file", name, "err", err)
		return
	}
	if err := r.Mirror.Prune(ctx, stem, ext, r.keep()); err != nil {
		r.logger().Warn("backup mirror prune failed", "stem", stem, "err", err)
	}
}

func (r *Rotator) prune(stem, ext string) error {
	names, err := r.names(stem, ext)
	if err != nil {
		return err
	}
	excess := len(names) - r.keep()
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(r.Dir, names[i])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune backup: %w", err)
		}
	}
	return nil
}

// names lists backup file names of stem, oldest first.
func (r *Rotator) names(stem, ext string) ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if BelongsTo(e.Name(), stem, ext) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// BelongsTo reports whether name is a backup of stem: exactly
// <stem>-<YYYYMMDD-HHMM><ext>.
func BelongsTo(name, stem, ext string) bool {
	if !strings.HasPrefix(name, stem+"-") || !strings.HasSuffix(name, ext) {
		return false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, stem+"-"), ext)
	return stampPattern.MatchString(stamp)
}

// List returns the retained snapshots of stem, oldest first.
func (r *Rotator) List(stem, ext string) ([]Snapshot, error) {
	names, err := r.names(stem, ext)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		info, err := os.Stat(filepath.Join(r.Dir, n))
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(n, stem+"-"), ext)
		taken, _ := time.ParseInLocation(stampLayout, stamp, time.Local)
		out = append(out, Snapshot{Name: n, Path: filepath.Join(r.Dir, n), Size: info.Size(), TakenAt: taken})
	}
	return out, nil
}

func (r *Rotator) keep() int {
	if r.Keep < 1 {
		return DefaultKeep
	}
	return r.Keep
}

func (r *Rotator) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Rotator) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
