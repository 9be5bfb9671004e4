package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksheet/internal/audit"
	"tasksheet/internal/domain"
	"tasksheet/internal/metrics"
	"tasksheet/internal/sheets"
)

// MutateFunc changes r in place. Its first result is handed back to the
// caller in Result.Output. Returning an error aborts the mutation.
type MutateFunc func(r *domain.Record) (any, error)

// Result is the outcome of an accepted mutation.
type Result struct {
	Record  domain.Record
	Project string
	Output  any
}

// Mutate applies fn to the located record under the project lock. The record
// is reloaded from disk, checked against expected (when optimistic locking is
// on and expected is non-nil), validated, versioned, backed up, saved and
// audited, in that order.
func (e *Engine) Mutate(ctx context.Context, loc domain.Locator, expected *int, operator, action string, fn MutateFunc) (Result, error) {
	start := time.Now()
	res, err := e.mutate(ctx, loc, expected, operator, action, fn)
	e.Metrics.Mutation(action, outcome(err), time.Since(start))
	return res, err
}

func (e *Engine) mutate(ctx context.Context, loc domain.Locator, expected *int, operator, action string, fn MutateFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	project, err := e.resolveProject(ctx, loc)
	if err != nil {
		return Result{}, err
	}
	unlock, err := e.lockProject(ctx, project)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	p, sh, rec, err := e.locate(ctx, project, loc)
	if err != nil {
		return Result{}, err
	}
	before := rec.Clone()

	if e.OptimisticLock && expected != nil && *expected != before.Version {
		return Result{}, &domain.VersionConflictError{Expected: *expected, Current: before.Version, Record: before}
	}

	out, err := fn(rec)
	if err != nil {
		*rec = before
		return Result{}, err
	}
	sh.BindExtra(rec)
	seal(rec, before, e.Marker)
	if err := e.Validator.Validate(*rec); err != nil {
		*rec = before
		return Result{}, err
	}
	rec.Version = before.Version + 1

	if err := e.commit(ctx, p, sh, action, operator, &before, *rec); err != nil {
		return Result{}, err
	}
	e.logger().Info("task mutated", "action", action, "project", p.Name, "sheet", sh.Name, "task", rec.ID, "version", rec.Version, "operator", operator)
	return Result{Record: rec.Clone(), Project: p.Name, Output: out}, nil
}

// seal restores the store-owned fields and applies completion coercion.
func seal(r *domain.Record, before domain.Record, marker domain.Marker) {
	r.ID = before.ID
	r.ProjectID = before.ProjectID
	r.Project = before.Project
	r.Sheet = before.Sheet
	r.Version = before.Version
	r.NormalizeWith(marker)
}

// locate reloads the project and resolves the sheet and record.
func (e *Engine) locate(ctx context.Context, project string, loc domain.Locator) (*sheets.Project, *sheets.Sheet, *domain.Record, error) {
	p, err := e.Loader.Load(ctx, project)
	if err != nil {
		return nil, nil, nil, err
	}
	sh := p.Sheet(loc.Sheet)
	if sh == nil {
		return nil, nil, nil, domain.NotFoundError{Kind: "sheet", Key: loc.Sheet}
	}
	rec := sh.Find(loc.ID, loc.Number)
	if rec == nil {
		return nil, nil, nil, domain.NotFoundError{Kind: "task", Key: locatorKey(loc)}
	}
	return p, sh, rec, nil
}

// commit snapshots the workbook, saves it and records the event. Only the
// save can fail the operation.
func (e *Engine) commit(ctx context.Context, p *sheets.Project, sh *sheets.Sheet, action, operator string, before *domain.Record, after domain.Record) error {
	if _, err := e.Backups.Rotate(ctx, p.Path); err != nil {
		e.Metrics.BackupFailed()
		e.logger().Warn("backup rotation failed", "project", p.Name, "err", err)
	}
	if err := sheets.Save(p); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, p.Name, err)
	}

	var snapshot any
	if before != nil {
		snapshot = before
	}
	ev, err := audit.NewEvent(action, operator, p.Name, sh.Name, after.ID, snapshot, after)
	if err != nil {
		e.Metrics.AuditFailed()
		e.logger().Warn("audit event not built", "project", p.Name, "task", after.ID, "err", err)
		return nil
	}
	ev, err = e.Journal.Append(ctx, ev)
	if ev.TS == "" {
		ev.TS = e.now().UTC().Truncate(time.Second).Format(audit.TimeLayout)
	}
	if err != nil {
		e.Metrics.AuditFailed()
		e.logger().Warn("audit append failed", "project", p.Name, "task", after.ID, "err", err)
	}
	if e.Index != nil {
		if err := e.Index.Append(ctx, ev); err != nil {
			e.Metrics.IndexFailed()
			e.logger().Warn("event index append failed", "project", p.Name, "task", after.ID, "err", err)
		}
	}
	return nil
}

// resolveProject returns the explicit project, or discovers the single
// project holding the located record.
func (e *Engine) resolveProject(ctx context.Context, loc domain.Locator) (string, error) {
	if loc.Empty() {
		return "", &domain.ValidationError{Violations: []domain.Violation{{Field: "task", Message: "id or sequence number is required"}}}
	}
	projects, err := e.Loader.Projects()
	if err != nil {
		return "", err
	}
	if name := strings.TrimSpace(loc.Project); name != "" {
		if _, ok := projects[name]; !ok {
			return "", domain.NotFoundError{Kind: "project", Key: name}
		}
		return name, nil
	}
	all, err := e.Loader.LoadAll(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, p := range all {
		if sh := p.Sheet(loc.Sheet); sh != nil && sh.Find(loc.ID, loc.Number) != nil {
			matches = append(matches, p.Name)
		}
	}
	switch len(matches) {
	case 0:
		return "", domain.NotFoundError{Kind: "task", Key: locatorKey(loc)}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrAmbiguousProject, strings.Join(matches, ", "))
	}
}

func locatorKey(loc domain.Locator) string {
	key := loc.ID
	if key == "" {
		key = loc.Number
	}
	if loc.Sheet != "" {
		key = loc.Sheet + "/" + key
	}
	return key
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	var conflict *domain.VersionConflictError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &conflict):
		return metrics.OutcomeConflict
	case errors.As(err, &invalid):
		return metrics.OutcomeInvalid
	case errors.Is(err, domain.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, domain.ErrPersistence):
		return metrics.OutcomePersistErr
	}
	return metrics.OutcomeRejected
}
