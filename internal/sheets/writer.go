package sheets

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"tasksheet/internal/domain"
)

const defaultSheetName = "Sheet1"

// Save rewrites the whole workbook through a temporary file and an atomic rename.
func Save(p *Project) error {
	f := excelize.NewFile()
	defer f.Close()

	if len(p.Sheets) == 0 {
		p.AddSheet(domain.DefaultSheet)
	}
	for i, sh := range p.Sheets {
		if i == 0 {
			if err := f.SetSheetName(defaultSheetName, sh.Name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sh.Name); err != nil {
			return err
		}
		if err := writeSheet(f, sh); err != nil {
			return fmt.Errorf("write sheet %q: %w", sh.Name, err)
		}
	}

	dir := filepath.Dir(p.Path)
	stem := strings.TrimSuffix(filepath.Base(p.Path), filepath.Ext(p.Path))
	tmp := filepath.Join(dir, "."+stem+".saving"+Ext)
	if err := f.SaveAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save %s: %w", p.Path, err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", p.Path, err)
	}
	return nil
}

func writeSheet(f *excelize.File, sh *Sheet) error {
	header := make([]interface{}, 0, len(canonicalColumns)+len(sh.Extra))
	for _, c := range canonicalColumns {
		header = append(header, c)
	}
	for _, e := range sh.Extra {
		header = append(header, e)
	}
	if err := f.SetSheetRow(sh.Name, "A1", &header); err != nil {
		return err
	}

	refCol := indexOf(canonicalColumns, colDocReferencia) + 1
	for i, r := range sh.Records {
		row := recordRow(r, sh.Extra)
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sh.Name, cell, &row); err != nil {
			return err
		}
		if r.ReferenceDoc != "" && r.ReferenceLink != "" {
			ref, err := excelize.CoordinatesToCellName(refCol, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellHyperLink(sh.Name, ref, r.ReferenceLink, "External"); err != nil {
				return err
			}
		}
	}
	return nil
}

func recordRow(r *domain.Record, extra []string) []interface{} {
	row := []interface{}{
		numberCell(r.SequenceNumber),
		r.Classification,
		r.Category,
		r.Phase,
		r.Condition,
		r.Priority,
		r.Name,
		r.Duration,
		r.Instructions,
		r.ReferenceDoc,
		r.Percent,
		r.Completed,
		r.InProgress,
		r.InProgressBy,
		r.StartedAt,
		r.Collaborators,
		r.ProgressReport,
		r.CompletedBy,
		r.CompletedAt,
		r.Status,
		r.ReferenceText,
		r.ReferenceLink,
		r.ID,
		r.Version,
		r.ProjectID,
	}
	for _, e := range extra {
		row = append(row, r.Extra[e])
	}
	return row
}

func numberCell(s string) interface{} {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return s
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// CreateWorkbook writes a new project file with an empty Backlog sheet.
func CreateWorkbook(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("project file %s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(defaultSheetName, domain.DefaultSheet); err != nil {
		return err
	}
	header := make([]interface{}, 0, len(DefaultHeader))
	for _, h := range DefaultHeader {
		header = append(header, h)
	}
	if err := f.SetSheetRow(domain.DefaultSheet, "A1", &header); err != nil {
		return err
	}
	return f.SaveAs(path)
}
