// Package sheets turns a directory of .xlsx workbooks into task records and
// writes them back.
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"tasksheet/internal/domain"
)

const (
	Ext             = ".xlsx"
	loadConcurrency = 4
)

// Loader reads project workbooks from Dir. Marker is the project's
// completion sentinel; empty means the built-in one.
type Loader struct {
	Dir         string
	Logger      *slog.Logger
	Concurrency int
	Marker      domain.Marker
}

func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Dir: dir, Logger: logger, Concurrency: loadConcurrency}
}

// Path returns the workbook path for a project name.
func (l *Loader) Path(name string) string {
	return filepath.Join(l.Dir, name+Ext)
}

// Projects maps project names to workbook paths. A missing directory is empty.
func (l *Loader) Projects() (map[string]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), Ext) {
			continue
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
			continue
		}
		out[strings.TrimSuffix(name, filepath.Ext(name))] = filepath.Join(l.Dir, name)
	}
	return out, nil
}

// Names returns the project names in sorted order.
func (l *Loader) Names() ([]string, error) {
	projects, err := l.Projects()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(projects))
	for name := range projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadAll loads every project. Unreadable workbooks are skipped with a warning.
func (l *Loader) LoadAll(ctx context.Context) ([]*Project, error) {
	names, err := l.Names()
	if err != nil {
		return nil, err
	}
	loaded := make([]*Project, len(names))
	g, ctx := errgroup.WithContext(ctx)
	limit := l.Concurrency
	if limit <= 0 {
		limit = loadConcurrency
	}
	g.SetLimit(limit)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := loadFile(l.Path(name), l.Marker)
			if err != nil {
				l.logger().Warn("skipping unreadable workbook", "project", name, "err", err)
				return nil
			}
			loaded[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]*Project, 0, len(loaded))
	for _, p := range loaded {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Load reads a single project by name.
func (l *Loader) Load(ctx context.Context, name string) (*Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFoundError{Kind: "project", Key: name}
		}
		return nil, err
	}
	return loadFile(path, l.Marker)
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// LoadFile parses a workbook. The project name is the file stem.
func LoadFile(path string) (*Project, error) {
	return loadFile(path, "")
}

func loadFile(path string, marker domain.Marker) (*Project, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p := &Project{Name: name, ID: ProjectID(name), Path: path}
	for _, sheetName := range f.GetSheetList() {
		sh, err := readSheet(f, p, sheetName, marker)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheetName, err)
		}
		p.Sheets = append(p.Sheets, sh)
	}
	return p, nil
}

type column struct {
	canonical string
	raw       string
}

func readSheet(f *excelize.File, p *Project, name string, marker domain.Marker) (*Sheet, error) {
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, err
	}
	sh := &Sheet{Name: name}
	if len(rows) == 0 {
		return sh, nil
	}

	cols := make([]column, len(rows[0]))
	seen := make(map[string]bool)
	refCol := -1
	for i, h := range rows[0] {
		raw := strings.TrimSpace(h)
		c := canonicalName(raw)
		if c != "" && seen[c] {
			c = ""
		}
		if c != "" {
			seen[c] = true
			if c == colDocReferencia {
				refCol = i
			}
		} else if raw != "" {
			sh.Extra = append(sh.Extra, raw)
		}
		cols[i] = column{canonical: c, raw: raw}
	}

	ids := make(map[string]bool)
	for r, row := range rows[1:] {
		if blank(row) {
			continue
		}
		rec := &domain.Record{Sheet: name, Project: p.Name}
		for i, cell := range row {
			if i >= len(cols) {
				break
			}
			assign(rec, cols[i], cell, marker)
		}
		if refCol >= 0 && refCol < len(row) {
			if err := readReference(f, name, rec, refCol, r+2); err != nil {
				return nil, err
			}
		}
		if rec.ID == "" || ids[rec.ID] {
			rec.ID = rowID(p.ID, name, r+2)
		}
		ids[rec.ID] = true
		if rec.ProjectID == "" {
			rec.ProjectID = p.ID
		}
		if rec.Version < 1 {
			rec.Version = 1
		}
		rec.NormalizeWith(marker)
		sh.Records = append(sh.Records, rec)
	}
	return sh, nil
}

// rowID derives a stable id for a row that has none, so unsaved legacy
// workbooks list the same ids on every load.
func rowID(projectID, sheet string, row int) string {
	ns, err := uuid.Parse(projectID)
	if err != nil {
		ns = uuid.NameSpaceOID
	}
	return uuid.NewSHA1(ns, []byte(sheet+"\x00"+strconv.Itoa(row))).String()
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func assign(r *domain.Record, col column, cell string, marker domain.Marker) {
	v := strings.TrimSpace(cell)
	switch col.canonical {
	case colNumero:
		r.SequenceNumber = v
	case colClassificacao:
		r.Classification = v
	case colCategoria:
		r.Category = v
	case colFase:
		r.Phase = v
	case colCondicao:
		r.Condition = v
	case colPrioridade:
		r.Priority = v
	case colNome:
		r.Name = v
	case colDuracao:
		r.Duration = normDuration(v, marker)
	case colComoFazer:
		r.Instructions = v
	case colDocReferencia:
		r.ReferenceDoc = v
	case colPorcentagem:
		r.Percent = normPercent(v)
	case colConcluida:
		r.Completed = parseBool(v)
	case colEmCurso:
		r.InProgress = parseBool(v)
	case colEmCursoBy:
		r.InProgressBy = v
	case colInicioEm:
		r.StartedAt = v
	case colColaboradores:
		r.Collaborators = v
	case colRelatorio:
		r.ProgressReport = v
	case colRespConclusao:
		r.CompletedBy = v
	case colDataConclusao:
		r.CompletedAt = v
	case colStatus:
		r.Status = v
	case colTextoAuxiliar:
		r.ReferenceText = v
	case colDocAuxiliar:
		r.ReferenceLink = v
	case colTaskUUID:
		r.ID = v
	case colVersion:
		r.Version = parseVersion(v)
	case colProjectUUID:
		r.ProjectID = v
	default:
		if col.raw == "" || cell == "" {
			return
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[col.raw] = cell
	}
}

// readReference derives the reference text and link from the reference cell.
func readReference(f *excelize.File, sheet string, r *domain.Record, col, row int) error {
	text := r.ReferenceDoc
	if text == "" {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(col+1, row)
	if err != nil {
		return err
	}
	ok, link, err := f.GetCellHyperLink(sheet, cell)
	if err != nil {
		return err
	}
	switch {
	case ok && link != "":
		r.ReferenceLink = link
		r.ReferenceText = text
	case isURL(text):
		r.ReferenceLink = text
		r.ReferenceText = text
	case r.ReferenceText == "":
		r.ReferenceText = text
	}
	return nil
}
