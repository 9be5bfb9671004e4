// Package validate checks task records against the domain rules before they
// are persisted.
package validate

import (
	"strconv"
	"strings"

	"tasksheet/internal/config"
	"tasksheet/internal/domain"
)

// Validator enforces required fields and the allowed value sets.
type Validator struct {
	Strict     bool
	marker     domain.Marker
	conditions map[string]struct{}
	priorities map[string]struct{}
}

// New builds a Validator from the rules file.
func New(strict bool, rules config.Rules) *Validator {
	return &Validator{
		Strict:     strict,
		marker:     domain.Marker(rules.CompletionMarker),
		conditions: toSet(rules.Conditions),
		priorities: toSet(rules.Priorities),
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.TrimSpace(v)] = struct{}{}
	}
	return out
}

// Validate returns nil or a *domain.ValidationError listing every violation.
func (v *Validator) Validate(r domain.Record) error {
	if v == nil || !v.Strict {
		return nil
	}
	var out []domain.Violation
	add := func(field, msg string) {
		out = append(out, domain.Violation{Field: field, Message: msg})
	}

	if strings.TrimSpace(r.SequenceNumber) == "" {
		add("numero", "is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		add("nome", "is required")
	}
	if c := strings.TrimSpace(r.Condition); c != "" {
		if _, ok := v.conditions[c]; !ok {
			add("condicao", "invalid value "+strconv.Quote(c))
		}
	}
	if p := strings.TrimSpace(r.Priority); p != "" && len(v.priorities) > 0 {
		if _, ok := v.priorities[p]; !ok {
			add("prioridade", "invalid value "+strconv.Quote(p))
		}
	}
	if d := strings.TrimSpace(r.Duration); d != "" && !v.marker.Matches(d) && !ValidDuration(d) {
		add("duracao", "must be numeric or a completion marker")
	}

	if len(out) == 0 {
		return nil
	}
	return &domain.ValidationError{Violations: out}
}

// ValidDuration accepts numeric text (comma as decimal separator) or a completion marker.
func ValidDuration(d string) bool {
	if domain.HasCompletionMarker(d) {
		return true
	}
	_, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(d), ",", "."), 64)
	return err == nil
}
