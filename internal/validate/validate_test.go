package validate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksheet/internal/config"
	"tasksheet/internal/domain"
	"tasksheet/internal/validate"
)

func validRecord() domain.Record {
	return domain.Record{
		ID:             "r1",
		SequenceNumber: "1",
		Name:           "Inspect pump",
		Condition:      "A",
		Priority:       "Alta",
		Duration:       "5",
	}
}

func TestValidateAcceptsValidRecord(t *testing.T) {
	v := validate.New(true, config.DefaultRules())
	require.NoError(t, v.Validate(validRecord()))

	r := validRecord()
	r.Condition = ""
	r.Priority = ""
	r.Duration = "Concluído"
	require.NoError(t, v.Validate(r))

	r.Duration = "2,5"
	require.NoError(t, v.Validate(r))
}

func TestValidateRejectsUnknownCondition(t *testing.T) {
	v := validate.New(true, config.DefaultRules())
	r := validRecord()
	r.Condition = "Z"

	err := v.Validate(r)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "condicao", verr.Violations[0].Field)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	v := validate.New(true, config.DefaultRules())
	r := domain.Record{Condition: "Z", Priority: "Urgent", Duration: "soon"}

	err := v.Validate(r)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	fields := make([]string, 0, len(verr.Violations))
	for _, viol := range verr.Violations {
		fields = append(fields, viol.Field)
	}
	assert.Equal(t, []string{"numero", "nome", "condicao", "prioridade", "duracao"}, fields)
}

func TestValidateLenientModeAcceptsEverything(t *testing.T) {
	v := validate.New(false, config.DefaultRules())
	assert.NoError(t, v.Validate(domain.Record{Condition: "Z"}))
}

func TestValidateUsesConfiguredRules(t *testing.T) {
	rules, err := config.RulesFromYAML([]byte("conditions: [X]\n"))
	require.NoError(t, err)
	v := validate.New(true, *rules)

	r := validRecord()
	r.Condition = "X"
	assert.NoError(t, v.Validate(r))

	r.Condition = "A"
	assert.Error(t, v.Validate(r))
}

func TestValidateAcceptsConfiguredMarker(t *testing.T) {
	rules := config.DefaultRules()
	rules.CompletionMarker = "Feito"
	v := validate.New(true, rules)

	r := validRecord()
	r.Duration = "feito"
	assert.NoError(t, v.Validate(r))

	r.Duration = "Concluído"
	assert.NoError(t, v.Validate(r))

	r.Duration = "amanhã"
	assert.Error(t, v.Validate(r))
}
