package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasksheet/internal/domain"
	"tasksheet/internal/sheets"
	"tasksheet/internal/validate"
)

// Audit actions written by the domain mutations.
const (
	ActionStart    = "iniciar"
	ActionComplete = "concluir"
	ActionReopen   = "reabrir"
	ActionProgress = "atualizar_progresso"
	ActionEdit     = "editar"
	ActionCreate   = "adicionar"
	ActionRestore  = "restore"

	DefaultReopenDuration = "30"
	maxOpenPercent        = 99
)

// ProgressOptions are the optional fields set by Start and UpdateProgress.
type ProgressOptions struct {
	Collaborators *string
	Report        *string
	Percent       *int
}

func (o ProgressOptions) apply(r *domain.Record) {
	if o.Collaborators != nil {
		r.Collaborators = strings.TrimSpace(*o.Collaborators)
	}
	if o.Report != nil {
		r.ProgressReport = strings.TrimSpace(*o.Report)
	}
	if o.Percent != nil {
		r.Percent = clamp(*o.Percent, 0, maxOpenPercent)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func checkOwner(r *domain.Record, operator string) error {
	if r.InProgress && r.InProgressBy != "" && !strings.EqualFold(strings.TrimSpace(r.InProgressBy), operator) {
		return &domain.LockedByOtherError{Owner: r.InProgressBy}
	}
	return nil
}

// Start marks the task in progress for operator.
func (e *Engine) Start(ctx context.Context, loc domain.Locator, expected *int, operator string, opts ProgressOptions) (Result, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Result{}, domain.ErrNoOperator
	}
	return e.Mutate(ctx, loc, expected, operator, ActionStart, func(r *domain.Record) (any, error) {
		if r.IsDone() {
			return nil, domain.ErrAlreadyDone
		}
		if err := checkOwner(r, operator); err != nil {
			return nil, err
		}
		r.InProgress = true
		r.InProgressBy = operator
		if r.StartedAt == "" {
			r.StartedAt = e.stamp()
		}
		r.Status = domain.StatusInProgress
		opts.apply(r)
		return nil, nil
	})
}

// Complete marks the task done.
func (e *Engine) Complete(ctx context.Context, loc domain.Locator, expected *int, operator string, report *string) (Result, error) {
	operator = strings.TrimSpace(operator)
	return e.Mutate(ctx, loc, expected, operator, ActionComplete, func(r *domain.Record) (any, error) {
		r.Duration = e.Marker.Value()
		r.Completed = true
		r.Percent = 100
		r.InProgress = false
		r.Status = domain.StatusDone
		r.CompletedAt = e.stamp()
		r.CompletedBy = operator
		if report != nil {
			r.ProgressReport = strings.TrimSpace(*report)
		}
		return nil, nil
	})
}

// ReopenOptions control Reopen.
type ReopenOptions struct {
	Duration   string
	ClearOwner bool
}

// Reopen moves a task back into progress with a numeric duration.
func (e *Engine) Reopen(ctx context.Context, loc domain.Locator, expected *int, operator string, opts ReopenOptions) (Result, error) {
	operator = strings.TrimSpace(operator)
	duration := strings.TrimSpace(opts.Duration)
	if duration == "" {
		duration = DefaultReopenDuration
	}
	if e.Marker.Matches(duration) || !validate.ValidDuration(duration) {
		return Result{}, &domain.ValidationError{Violations: []domain.Violation{{Field: "duracao", Message: "reopen requires a numeric duration"}}}
	}
	return e.Mutate(ctx, loc, expected, operator, ActionReopen, func(r *domain.Record) (any, error) {
		r.Duration = duration
		r.Completed = false
		if r.Percent >= 100 {
			r.Percent = 0
		}
		r.InProgress = true
		r.Status = domain.StatusInProgress
		r.CompletedAt = ""
		r.CompletedBy = ""
		if opts.ClearOwner {
			r.InProgressBy = ""
		}
		return nil, nil
	})
}

// UpdateProgress changes the progress fields of a task held by operator.
func (e *Engine) UpdateProgress(ctx context.Context, loc domain.Locator, expected *int, operator string, opts ProgressOptions) (Result, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Result{}, domain.ErrNoOperator
	}
	return e.Mutate(ctx, loc, expected, operator, ActionProgress, func(r *domain.Record) (any, error) {
		if !r.InProgress {
			return nil, domain.ErrNotInProgress
		}
		if err := checkOwner(r, operator); err != nil {
			return nil, err
		}
		opts.apply(r)
		return nil, nil
	})
}

// Patch lists the free domain fields Edit may change. Nil fields are kept.
type Patch struct {
	Name           *string           `json:"name,omitempty"`
	Phase          *string           `json:"phase,omitempty"`
	Category       *string           `json:"category,omitempty"`
	Classification *string           `json:"classification,omitempty"`
	Condition      *string           `json:"condition,omitempty"`
	Priority       *string           `json:"priority,omitempty"`
	Duration       *string           `json:"duration,omitempty"`
	Instructions   *string           `json:"instructions,omitempty"`
	ReferenceDoc   *string           `json:"reference_doc,omitempty"`
	Status         *string           `json:"status,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func (p Patch) apply(r *domain.Record) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&r.Name, p.Name)
	set(&r.Phase, p.Phase)
	set(&r.Category, p.Category)
	set(&r.Classification, p.Classification)
	set(&r.Condition, p.Condition)
	set(&r.Priority, p.Priority)
	set(&r.Duration, p.Duration)
	set(&r.Instructions, p.Instructions)
	set(&r.Status, p.Status)
	if p.ReferenceDoc != nil {
		setReference(r, *p.ReferenceDoc)
	}
	for k, v := range p.Extra {
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[k] = v
	}
}

// checkExtra rejects extra keys that are blank or name a built-in column.
func checkExtra(extra map[string]string) error {
	var violations []domain.Violation
	for k := range extra {
		switch {
		case strings.TrimSpace(k) == "":
			violations = append(violations, domain.Violation{Field: "extra", Message: "column name is required"})
		case sheets.IsCanonicalHeader(k):
			violations = append(violations, domain.Violation{Field: "extra", Message: fmt.Sprintf("%q is a built-in column", k)})
		}
	}
	if len(violations) == 0 {
		return nil
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return &domain.ValidationError{Violations: violations}
}

func setReference(r *domain.Record, doc string) {
	doc = strings.TrimSpace(doc)
	r.ReferenceDoc = doc
	r.ReferenceText = doc
	r.ReferenceLink = ""
	if l := strings.ToLower(doc); strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
		r.ReferenceLink = doc
	}
}

// Edit patches the free domain fields of a task.
func (e *Engine) Edit(ctx context.Context, loc domain.Locator, expected *int, operator string, patch Patch) (Result, error) {
	if err := checkExtra(patch.Extra); err != nil {
		return Result{}, err
	}
	return e.Mutate(ctx, loc, expected, strings.TrimSpace(operator), ActionEdit, func(r *domain.Record) (any, error) {
		patch.apply(r)
		return nil, nil
	})
}

// NewTask describes a task to insert.
type NewTask struct {
	Sheet          string            `json:"sheet,omitempty"`
	Number         string            `json:"sequence_number,omitempty"`
	Name           string            `json:"name"`
	Phase          string            `json:"phase,omitempty"`
	Category       string            `json:"category,omitempty"`
	Classification string            `json:"classification,omitempty"`
	Condition      string            `json:"condition,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	Duration       string            `json:"duration,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
	ReferenceDoc   string            `json:"reference_doc,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Create inserts a new task at version 1. The sheet is created when missing.
func (e *Engine) Create(ctx context.Context, project, operator string, in NewTask) (domain.Record, error) {
	start := time.Now()
	rec, err := e.create(ctx, project, strings.TrimSpace(operator), in)
	e.Metrics.Mutation(ActionCreate, outcome(err), time.Since(start))
	return rec, err
}

func (e *Engine) create(ctx context.Context, project, operator string, in NewTask) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if err := checkExtra(in.Extra); err != nil {
		return domain.Record{}, err
	}
	project = strings.TrimSpace(project)
	projects, err := e.Loader.Projects()
	if err != nil {
		return domain.Record{}, err
	}
	if _, ok := projects[project]; !ok {
		return domain.Record{}, domain.NotFoundError{Kind: "project", Key: project}
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
	sheetName := strings.TrimSpace(in.Sheet)
	if sheetName == "" {
		sheetName = domain.DefaultSheet
	}
	sh := p.Sheet(sheetName)
	if sh == nil {
		sh = p.AddSheet(sheetName)
	}

	number, err := assignNumber(sh, in.Number)
	if err != nil {
		return domain.Record{}, err
	}
	phase := strings.TrimSpace(in.Phase)
	if phase == "" {
		phase = domain.DefaultPhase
	}
	rec := domain.Record{
		ID:             uuid.NewString(),
		SequenceNumber: strconv.Itoa(number),
		Sheet:          sh.Name,
		Project:        p.Name,
		ProjectID:      p.ID,
		Version:        1,
		Name:           strings.TrimSpace(in.Name),
		Phase:          phase,
		Category:       strings.TrimSpace(in.Category),
		Classification: strings.TrimSpace(in.Classification),
		Condition:      strings.TrimSpace(in.Condition),
		Priority:       strings.TrimSpace(in.Priority),
		Duration:       strings.TrimSpace(in.Duration),
		Instructions:   strings.TrimSpace(in.Instructions),
		Extra:          in.Extra,
	}
	if in.ReferenceDoc != "" {
		setReference(&rec, in.ReferenceDoc)
	}
	sh.BindExtra(&rec)
	rec.NormalizeWith(e.Marker)
	if err := e.Validator.Validate(rec); err != nil {
		return domain.Record{}, err
	}
	sh.Records = append(sh.Records, &rec)

	if err := e.commit(ctx, p, sh, ActionCreate, operator, nil, rec); err != nil {
		return domain.Record{}, err
	}
	e.logger().Info("task created", "project", p.Name, "sheet", sh.Name, "task", rec.ID, "number", rec.SequenceNumber, "operator", operator)
	return rec.Clone(), nil
}

func assignNumber(sh *sheets.Sheet, requested string) (int, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return sh.FirstFreeNumber(), nil
	}
	n, err := strconv.Atoi(requested)
	if err != nil || n < 1 {
		return 0, &domain.ValidationError{Violations: []domain.Violation{{Field: "numero", Message: "must be a positive integer"}}}
	}
	if sh.HasNumber(n) {
		return 0, &domain.DuplicateNumberError{Number: n, Suggested: sh.MaxNumber() + 1}
	}
	return n, nil
}
