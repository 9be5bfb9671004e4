package engine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"tasksheet/internal/backup"
	"tasksheet/internal/domain"
	"tasksheet/internal/sheets"
)

// ProjectInfo summarizes one workbook.
type ProjectInfo struct {
	Name   string   `json:"name"`
	ID     string   `json:"id"`
	Sheets []string `json:"sheets"`
	Tasks  int      `json:"tasks"`
}

// SheetInfo summarizes one sheet.
type SheetInfo struct {
	Name  string `json:"name"`
	Tasks int    `json:"tasks"`
}

func projectInfo(p *sheets.Project) ProjectInfo {
	info := ProjectInfo{Name: p.Name, ID: p.ID, Sheets: p.SheetNames()}
	for _, sh := range p.Sheets {
		info.Tasks += len(sh.Records)
	}
	return info
}

// Projects lists every readable project.
func (e *Engine) Projects(ctx context.Context) ([]ProjectInfo, error) {
	all, err := e.Loader.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectInfo, 0, len(all))
	for _, p := range all {
		out = append(out, projectInfo(p))
	}
	return out, nil
}

// CreateProject creates an empty workbook with a Backlog sheet.
func (e *Engine) CreateProject(ctx context.Context, name string) (ProjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ProjectInfo{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") || strings.ContainsAny(name, `/\:`) || name != filepath.Base(name) {
		return ProjectInfo{}, &domain.ValidationError{Violations: []domain.Violation{{Field: "name", Message: "invalid project name"}}}
	}
	if err := sheets.CreateWorkbook(e.Loader.Path(name)); err != nil {
		return ProjectInfo{}, fmt.Errorf("create project: %w", err)
	}
	p, err := e.Loader.Load(ctx, name)
	if err != nil {
		return ProjectInfo{}, err
	}
	e.logger().Info("project created", "project", name)
	return projectInfo(p), nil
}

// Sheets lists the sheets of a project.
func (e *Engine) Sheets(ctx context.Context, project string) ([]SheetInfo, error) {
	p, err := e.Loader.Load(ctx, project)
	if err != nil {
		return nil, err
	}
	out := make([]SheetInfo, 0, len(p.Sheets))
	for _, sh := range p.Sheets {
		out = append(out, SheetInfo{Name: sh.Name, Tasks: len(sh.Records)})
	}
	return out, nil
}

// Records returns the tasks of one sheet, or of every sheet when sheet is empty.
func (e *Engine) Records(ctx context.Context, project, sheet string) ([]domain.Record, error) {
	p, err := e.Loader.Load(ctx, project)
	if err != nil {
		return nil, err
	}
	if sheet != "" {
		sh := p.Sheet(sheet)
		if sh == nil {
			return nil, domain.NotFoundError{Kind: "sheet", Key: sheet}
		}
		return copyRecords(sh.Records, nil), nil
	}
	var out []domain.Record
	for _, sh := range p.Sheets {
		out = copyRecords(sh.Records, out)
	}
	return out, nil
}

func copyRecords(in []*domain.Record, out []domain.Record) []domain.Record {
	if out == nil {
		out = make([]domain.Record, 0, len(in))
	}
	for _, r := range in {
		out = append(out, r.Clone())
	}
	return out
}

// Get returns one task. The project is discovered when loc.Project is empty.
func (e *Engine) Get(ctx context.Context, loc domain.Locator) (domain.Record, error) {
	project, err := e.resolveProject(ctx, loc)
	if err != nil {
		return domain.Record{}, err
	}
	_, _, rec, err := e.locate(ctx, project, loc)
	if err != nil {
		return domain.Record{}, err
	}
	return rec.Clone(), nil
}

// InProgress lists tasks currently held by someone, across all projects when
// project is empty.
func (e *Engine) InProgress(ctx context.Context, project string) ([]domain.Record, error) {
	var projects []*sheets.Project
	if project != "" {
		p, err := e.Loader.Load(ctx, project)
		if err != nil {
			return nil, err
		}
		projects = []*sheets.Project{p}
	} else {
		all, err := e.Loader.LoadAll(ctx)
		if err != nil {
			return nil, err
		}
		projects = all
	}
	out := []domain.Record{}
	for _, p := range projects {
		for _, sh := range p.Sheets {
			for _, r := range sh.Records {
				if r.InProgress && !r.IsDone() {
					out = append(out, r.Clone())
				}
			}
		}
	}
	return out, nil
}

// Summary aggregates the tasks of a project.
func (e *Engine) Summary(ctx context.Context, project string) (domain.Summary, error) {
	p, err := e.Loader.Load(ctx, project)
	if err != nil {
		return domain.Summary{}, err
	}
	s := domain.Summary{
		Project:     p.Name,
		ByPhase:     map[string]int{},
		ByCondition: map[string]int{},
		ByCategory:  map[string]int{},
	}
	for _, sh := range p.Sheets {
		for _, r := range sh.Records {
			s.Total++
			done := r.IsDone()
			if done {
				s.Completed++
			}
			if r.InProgress && !done {
				s.InProgress++
			}
			if strings.EqualFold(r.Condition, "Sempre") && !done {
				s.CriticalOpen++
			}
			s.ByPhase[label(r.Phase)]++
			s.ByCondition[label(r.Condition)]++
			s.ByCategory[label(r.Category)]++
		}
	}
	if s.Total > 0 {
		s.PercentComplete = math.Round(float64(s.Completed)/float64(s.Total)*1000) / 10
	}
	return s, nil
}

func label(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

// ListBackups lists the retained snapshots of a project, oldest first.
func (e *Engine) ListBackups(project string) ([]backup.Snapshot, error) {
	return e.Backups.List(project, sheets.Ext)
}
