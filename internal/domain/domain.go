package domain

import (
	"strconv"
	"strings"
)

// Status labels and markers written into the spreadsheets.
const (
	StatusInProgress = "Em curso"
	StatusDone       = "Concluída"
	CompletionMarker = "Concluído"
	DefaultSheet     = "Backlog"
	DefaultPhase     = "Aberta"
)

// Record is one task row of a sheet.
type Record struct {
	ID             string `json:"id"`
	SequenceNumber string `json:"sequence_number"`
	Sheet          string `json:"sheet"`
	Project        string `json:"project"`
	ProjectID      string `json:"project_id"`
	Version        int    `json:"version"`

	Name           string `json:"name"`
	Phase          string `json:"phase"`
	Category       string `json:"category"`
	Classification string `json:"classification"`
	Condition      string `json:"condition"`
	Priority       string `json:"priority"`
	Duration       string `json:"duration"`
	Percent        int    `json:"completion_percentage"`
	Completed      bool   `json:"completed"`
	Instructions   string `json:"instructions"`
	ReferenceDoc   string `json:"reference_doc"`
	ReferenceText  string `json:"reference_text"`
	ReferenceLink  string `json:"reference_link"`
	Collaborators  string `json:"collaborators"`
	ProgressReport string `json:"progress_report"`
	InProgress     bool   `json:"in_progress"`
	InProgressBy   string `json:"in_progress_by"`
	StartedAt      string `json:"started_at"`
	CompletedBy    string `json:"completed_by"`
	CompletedAt    string `json:"completed_at"`
	Status         string `json:"status"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Extra != nil {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// HasCompletionMarker reports whether a duration value carries the completion sentinel.
func HasCompletionMarker(duration string) bool {
	return strings.Contains(strings.ToLower(duration), "conclu")
}

// IsDone reports whether any of the completion signals is set.
func (r Record) IsDone() bool {
	return r.Completed || r.Percent >= 100 || HasCompletionMarker(r.Duration)
}

// Marker is the completion sentinel a project writes into the duration
// column. The zero value stands for CompletionMarker.
type Marker string

// Value returns the text written by a completion.
func (m Marker) Value() string {
	if s := strings.TrimSpace(string(m)); s != "" {
		return s
	}
	return CompletionMarker
}

// Matches reports whether a duration carries the built-in sentinel or the
// configured one.
func (m Marker) Matches(duration string) bool {
	d := strings.TrimSpace(duration)
	if d == "" {
		return false
	}
	return HasCompletionMarker(d) || strings.EqualFold(d, m.Value())
}

// Normalize applies the completion coercion: a completion marker in the
// duration implies 100% and completed.
func (r *Record) Normalize() {
	r.NormalizeWith("")
}

// NormalizeWith is Normalize for a project-specific marker.
func (r *Record) NormalizeWith(m Marker) {
	if m.Matches(r.Duration) {
		r.Completed = true
		r.Percent = 100
	}
	if r.Percent < 0 {
		r.Percent = 0
	}
	if r.Percent > 100 {
		r.Percent = 100
	}
}

// Number returns the sequence number as an int when it is numeric.
func (r Record) Number() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(r.SequenceNumber))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Locator identifies a record by stable id or by (sequence number, sheet).
type Locator struct {
	Project string `json:"project,omitempty"`
	Sheet   string `json:"sheet"`
	ID      string `json:"id,omitempty"`
	Number  string `json:"sequence_number,omitempty"`
}

// Empty reports whether the locator carries neither an id nor a number.
func (l Locator) Empty() bool {
	return strings.TrimSpace(l.ID) == "" && strings.TrimSpace(l.Number) == ""
}

// Summary aggregates a project's records for dashboards.
type Summary struct {
	Project         string         `json:"project"`
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	PercentComplete float64        `json:"percent_complete"`
	CriticalOpen    int            `json:"critical_open"`
	InProgress      int            `json:"in_progress"`
	ByPhase         map[string]int `json:"by_phase"`
	ByCondition     map[string]int `json:"by_condition"`
	ByCategory      map[string]int `json:"by_category"`
}
