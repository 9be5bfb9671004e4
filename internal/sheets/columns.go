package sheets

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical column names as written to disk.
const (
	colNumero        = "numero"
	colClassificacao = "classificacao"
	colCategoria     = "categoria"
	colFase          = "fase"
	colCondicao      = "condicao"
	colPrioridade    = "prioridade"
	colNome          = "nome"
	colDuracao       = "duracao"
	colComoFazer     = "como_fazer"
	colDocReferencia = "documento_referencia"
	colPorcentagem   = "porcentagem"
	colConcluida     = "concluida"
	colEmCurso       = "em_curso"
	colEmCursoBy     = "em_curso_by"
	colInicioEm      = "inicio_em"
	colColaboradores = "colaboradores"
	colRelatorio     = "relatorio_progresso"
	colRespConclusao = "responsavel_conclusao"
	colDataConclusao = "data_conclusao"
	colStatus        = "status"
	colTextoAuxiliar = "texto_auxiliar"
	colDocAuxiliar   = "documento_auxiliar"
	colTaskUUID      = "task_uuid"
	colVersion       = "version"
	colProjectUUID   = "project_uuid"
)

// canonicalColumns is the write order; extra columns follow.
var canonicalColumns = []string{
	colNumero, colClassificacao, colCategoria, colFase, colCondicao, colPrioridade,
	colNome, colDuracao, colComoFazer, colDocReferencia, colPorcentagem, colConcluida,
	colEmCurso, colEmCursoBy, colInicioEm, colColaboradores, colRelatorio,
	colRespConclusao, colDataConclusao, colStatus, colTextoAuxiliar, colDocAuxiliar,
	colTaskUUID, colVersion, colProjectUUID,
}

// DefaultHeader is the header of a freshly created sheet.
var DefaultHeader = []string{
	colNumero, colClassificacao, colCategoria, colFase, colCondicao, colPrioridade,
	colNome, colDuracao, colComoFazer, colDocReferencia, colPorcentagem, colConcluida,
}

// aliasTable lists the accepted header spellings per canonical column, in
// folded form. The canonical name itself is always accepted.
var aliasTable = map[string][]string{
	colNumero:        {"n", "no", "n°", "num", "sequencia"},
	colClassificacao: {"classe"},
	colNome:          {"tarefa", "nome da tarefa"},
	colDuracao:       {"duracao dias", "duracao (dias)"},
	colComoFazer:     {"instrucoes"},
	colDocReferencia: {"doc referencia", "documento", "documento de referencia"},
	colPorcentagem:   {"% concluida", "% conclusao", "percentual", "progresso"},
	colConcluida:     {"concluido"},
	colEmCursoBy:     {"em curso por", "responsavel"},
	colInicioEm:      {"inicio"},
	colRelatorio:     {"relatorio de progresso"},
	colDocAuxiliar:   {"link"},
	colTaskUUID:      {"id", "uuid"},
	colVersion:       {"versao"},
}

var aliases = buildAliases()

func buildAliases() map[string]string {
	out := make(map[string]string)
	for _, c := range canonicalColumns {
		out[foldHeader(c)] = c
	}
	for c, names := range aliasTable {
		for _, n := range names {
			out[n] = c
		}
	}
	return out
}

var folder = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldHeader strips diacritics, lowercases and collapses separators.
func foldHeader(h string) string {
	s, _, err := transform.String(folder, h)
	if err != nil {
		s = h
	}
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	return strings.Join(strings.Fields(s), " ")
}

// canonicalName resolves a header to its canonical column, or "" when unknown.
func canonicalName(h string) string {
	f := foldHeader(h)
	if c, ok := aliases[f]; ok {
		return c
	}
	return ""
}
