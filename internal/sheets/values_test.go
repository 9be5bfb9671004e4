package sheets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderAliases(t *testing.T) {
	cases := map[string]string{
		"Número":               colNumero,
		"Nº":                   colNumero,
		"Duração":              colDuracao,
		"Condição":             colCondicao,
		"% Concluída":          colPorcentagem,
		"Documento Referência": colDocReferencia,
		"Doc Referencia":       colDocReferencia,
		"EM_CURSO_BY":          colEmCursoBy,
		"  como   fazer ":      colComoFazer,
		"Observação":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalName(in), in)
	}
}

func TestValueNormalization(t *testing.T) {
	assert.Equal(t, "5", normDuration("5 dias", ""))
	assert.Equal(t, "2,5", normDuration("2,5", ""))
	assert.Equal(t, "Concluído", normDuration("concluida", ""))
	assert.Equal(t, "a definir", normDuration("a definir", ""))
	assert.Equal(t, "Feito", normDuration("feito", "Feito"))
	assert.Equal(t, "Feito", normDuration("Concluída", "Feito"))
	assert.Equal(t, "feito hoje", normDuration("feito hoje", ""))

	assert.Equal(t, 50, normPercent("0,5"))
	assert.Equal(t, 75, normPercent("75%"))
	assert.Equal(t, 1, normPercent("1"))
	assert.Equal(t, 100, normPercent("250"))
	assert.Equal(t, 0, normPercent("n/a"))

	assert.True(t, parseBool("Sim"))
	assert.True(t, parseBool("TRUE"))
	assert.True(t, parseBool("concluído"))
	assert.False(t, parseBool("FALSE"))

	assert.Equal(t, 1, parseVersion(""))
	assert.Equal(t, 4, parseVersion("4"))
	assert.Equal(t, 1, parseVersion("-2"))
}
