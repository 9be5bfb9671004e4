package server

import (
	"encoding/json"

	"tasksheet/internal/domain"
	"tasksheet/internal/engine"
	"tasksheet/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateTaskRequest struct {
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

func (r CreateTaskRequest) toNewTask() engine.NewTask {
	return engine.NewTask{
		Sheet:          r.Sheet,
		Number:         r.Number,
		Name:           r.Name,
		Phase:          r.Phase,
		Category:       r.Category,
		Classification: r.Classification,
		Condition:      r.Condition,
		Priority:       r.Priority,
		Duration:       r.Duration,
		Instructions:   r.Instructions,
		ReferenceDoc:   r.ReferenceDoc,
		Extra:          r.Extra,
	}
}

type PatchTaskRequest struct {
	ExpectedVersion *int              `json:"expected_version,omitempty" minimum:"1"`
	Name            *string           `json:"name,omitempty"`
	Phase           *string           `json:"phase,omitempty"`
	Category        *string           `json:"category,omitempty"`
	Classification  *string           `json:"classification,omitempty"`
	Condition       *string           `json:"condition,omitempty"`
	Priority        *string           `json:"priority,omitempty"`
	Duration        *string           `json:"duration,omitempty"`
	Instructions    *string           `json:"instructions,omitempty"`
	ReferenceDoc    *string           `json:"reference_doc,omitempty"`
	Status          *string           `json:"status,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

func (r PatchTaskRequest) toPatch() engine.Patch {
	return engine.Patch{
		Name:           r.Name,
		Phase:          r.Phase,
		Category:       r.Category,
		Classification: r.Classification,
		Condition:      r.Condition,
		Priority:       r.Priority,
		Duration:       r.Duration,
		Instructions:   r.Instructions,
		ReferenceDoc:   r.ReferenceDoc,
		Status:         r.Status,
		Extra:          r.Extra,
	}
}

type ProgressRequest struct {
	ExpectedVersion *int    `json:"expected_version,omitempty" minimum:"1"`
	Collaborators   *string `json:"collaborators,omitempty"`
	Report          *string `json:"progress_report,omitempty"`
	Percent         *int    `json:"completion_percentage,omitempty" minimum:"0" maximum:"100"`
}

func (r ProgressRequest) toOptions() engine.ProgressOptions {
	return engine.ProgressOptions{Collaborators: r.Collaborators, Report: r.Report, Percent: r.Percent}
}

type CompleteRequest struct {
	ExpectedVersion *int    `json:"expected_version,omitempty" minimum:"1"`
	Report          *string `json:"progress_report,omitempty"`
}

type ReopenRequest struct {
	ExpectedVersion *int   `json:"expected_version,omitempty" minimum:"1"`
	Duration        string `json:"duration,omitempty"`
	ClearOwner      bool   `json:"clear_owner,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Action   string         `json:"action"`
	Operator string         `json:"operator"`
	Project  string         `json:"project"`
	Sheet    string         `json:"sheet"`
	TaskID   string         `json:"task_id"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items []domain.Record `json:"items"`
}

func eventResponse(e repo.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Action:   e.Action,
		Operator: e.Operator,
		Project:  e.Project,
		Sheet:    e.Sheet,
		TaskID:   e.TaskID,
		Before:   decodeSnapshot(e.Before),
		After:    decodeSnapshot(e.After),
	}
}

func decodeSnapshot(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// SummaryResponse is a project summary plus the indexed audit activity.
type SummaryResponse struct {
	domain.Summary
	Activity map[string]int `json:"activity,omitempty" doc:"Indexed audit events per action"`
}
