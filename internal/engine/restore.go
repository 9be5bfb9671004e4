package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tasksheet/internal/domain"
)

// Restore rewrites a task with the most recent "before" snapshot found in the
// audit journal. Fields absent from the snapshot keep their current value.
func (e *Engine) Restore(ctx context.Context, project, sheet, taskID, operator string) (domain.Record, error) {
	start := time.Now()
	rec, err := e.restore(ctx, strings.TrimSpace(project), sheet, strings.TrimSpace(taskID), strings.TrimSpace(operator))
	e.Metrics.Mutation(ActionRestore, outcome(err), time.Since(start))
	return rec, err
}

func (e *Engine) restore(ctx context.Context, project, sheet, taskID, operator string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	project, err := e.resolveProject(ctx, domain.Locator{Project: project, Sheet: sheet, ID: taskID})
	if err != nil {
		return domain.Record{}, err
	}
	unlock, err := e.lockProject(ctx, project)
	if err != nil {
		return domain.Record{}, err
	}
	defer unlock()

	p, err := e.Loader.Load(ctx, project)
	if err != nil {
		return domain.Record{}, err
	}
	sh := p.Sheet(sheet)
	if sh == nil {
		return domain.Record{}, domain.NotFoundError{Kind: "sheet", Key: sheet}
	}
	// Events carry the sheet name as stored in the workbook.
	ev, ok, err := e.Journal.LastBefore(sh.Name, taskID)
	if err != nil {
		return domain.Record{}, fmt.Errorf("scan audit journal: %w", err)
	}
	if !ok {
		return domain.Record{}, domain.ErrNotFoundInAudit
	}
	var snap struct {
		Number string `json:"sequence_number"`
	}
	_ = json.Unmarshal(ev.Before, &snap)

	rec := sh.Find(taskID, snap.Number)
	if rec == nil {
		return domain.Record{}, domain.NotFoundError{Kind: "task", Key: locatorKey(domain.Locator{Sheet: sh.Name, ID: taskID})}
	}
	before := rec.Clone()

	merged := rec.Clone()
	if err := json.Unmarshal(ev.Before, &merged); err != nil {
		return domain.Record{}, fmt.Errorf("decode audit snapshot: %w", err)
	}
	sh.BindExtra(&merged)
	seal(&merged, before, e.Marker)
	merged.Version = before.Version + 1
	*rec = merged

	if err := e.commit(ctx, p, sh, ActionRestore, operator, &before, *rec); err != nil {
		return domain.Record{}, err
	}
	e.logger().Info("task restored", "project", p.Name, "sheet", sh.Name, "task", rec.ID, "from", ev.TS, "version", rec.Version, "operator", operator)
	return rec.Clone(), nil
}
