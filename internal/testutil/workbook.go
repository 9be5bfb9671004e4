// Package testutil writes fixture workbooks for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// Sheet is a fixture worksheet: the first row is the header.
type Sheet struct {
	Name  string
	Rows  [][]string
	Links map[string]string
}

// LegacyHeader mirrors the hand-maintained workbooks: accented, spaced headers
// without identity columns.
var LegacyHeader = []string{
	"Número", "Fase", "Condição", "Prioridade", "Nome", "Duração", "% Concluída", "Documento Referência", "Observação",
}

// WriteWorkbook writes sheets to path. Links maps cell names of the first
// sheet to hyperlink targets.
func WriteWorkbook(t testing.TB, path string, sheets ...Sheet) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, sh := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", sh.Name))
		} else {
			_, err := f.NewSheet(sh.Name)
			require.NoError(t, err)
		}
		for r, row := range sh.Rows {
			values := make([]interface{}, len(row))
			for c, v := range row {
				values[c] = v
			}
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(sh.Name, cell, &values))
		}
		for cell, link := range sh.Links {
			require.NoError(t, f.SetCellHyperLink(sh.Name, cell, link, "External"))
		}
	}
	require.NoError(t, f.SaveAs(path))
}

// SampleProject writes <dir>/<name>.xlsx with a legacy-style Backlog sheet of
// three tasks and an empty Fase 2 sheet. It returns the workbook path.
func SampleProject(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".xlsx")
	WriteWorkbook(t, path,
		Sheet{
			Name: "Backlog",
			Rows: [][]string{
				LegacyHeader,
				{"1", "Aberta", "Sempre", "Alta", "Inspect pump", "5 dias", "0", "Manual", "north wing"},
				{"2", "Aberta", "A", "Média", "Replace valve", "3", "0,5", "https://docs.example.com/valve", ""},
				{"3", "Fechada", "B", "Baixa", "Paint rails", "Concluído", "", "", ""},
			},
			Links: map[string]string{"H2": "https://docs.example.com/pump"},
		},
		Sheet{Name: "Fase 2", Rows: [][]string{LegacyHeader}},
	)
	return path
}
