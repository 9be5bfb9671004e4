package sheets

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tasksheet/internal/domain"
)

// Project is one workbook: a named, ordered set of sheets.
type Project struct {
	Name   string
	ID     string
	Path   string
	Sheets []*Sheet
}

// Sheet holds the records of one worksheet. Extra lists unknown headers in
// their original order.
type Sheet struct {
	Name    string
	Extra   []string
	Records []*domain.Record
}

// ProjectID derives the deterministic project identifier from its name.
func ProjectID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("tasksheet::"+name)).String()
}

// Sheet returns the named sheet, matching case-insensitively when no exact
// match exists.
func (p *Project) Sheet(name string) *Sheet {
	for _, s := range p.Sheets {
		if s.Name == name {
			return s
		}
	}
	for _, s := range p.Sheets {
		if strings.EqualFold(s.Name, strings.TrimSpace(name)) {
			return s
		}
	}
	return nil
}

// AddSheet appends an empty sheet and returns it.
func (p *Project) AddSheet(name string) *Sheet {
	s := &Sheet{Name: name}
	p.Sheets = append(p.Sheets, s)
	return s
}

// SheetNames lists the sheets in workbook order.
func (p *Project) SheetNames() []string {
	out := make([]string, 0, len(p.Sheets))
	for _, s := range p.Sheets {
		out = append(out, s.Name)
	}
	return out
}

// Find locates a record by id, falling back to its sequence number.
func (s *Sheet) Find(id, number string) *domain.Record {
	id = strings.TrimSpace(id)
	if id != "" {
		for _, r := range s.Records {
			if r.ID == id {
				return r
			}
		}
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return nil
	}
	want, numeric := atoi(number)
	for _, r := range s.Records {
		if strings.TrimSpace(r.SequenceNumber) == number {
			return r
		}
		if n, ok := r.Number(); ok && numeric && n == want {
			return r
		}
	}
	return nil
}

// IsCanonicalHeader reports whether h names a built-in column under any of
// its accepted spellings.
func IsCanonicalHeader(h string) bool {
	return canonicalName(h) != ""
}

// BindExtra maps the extra keys of r onto the sheet's extra columns. A key
// equal to an existing column up to case and accents takes that column's
// spelling. Unknown keys with a value become new columns, in sorted order.
func (s *Sheet) BindExtra(r *domain.Record) {
	if len(r.Extra) == 0 {
		return
	}
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := s.extraColumn(k)
		switch {
		case ok && col != k:
			r.Extra[col] = r.Extra[k]
			delete(r.Extra, k)
		case !ok && strings.TrimSpace(r.Extra[k]) != "":
			s.Extra = append(s.Extra, k)
		}
	}
}

func (s *Sheet) extraColumn(key string) (string, bool) {
	for _, c := range s.Extra {
		if c == key {
			return c, true
		}
	}
	folded := foldHeader(key)
	for _, c := range s.Extra {
		if foldHeader(c) == folded {
			return c, true
		}
	}
	return "", false
}

// HasNumber reports whether n is already used in the sheet.
func (s *Sheet) HasNumber(n int) bool {
	for _, r := range s.Records {
		if got, ok := r.Number(); ok && got == n {
			return true
		}
	}
	return false
}

// MaxNumber returns the highest numeric sequence number, or 0.
func (s *Sheet) MaxNumber() int {
	max := 0
	for _, r := range s.Records {
		if n, ok := r.Number(); ok && n > max {
			max = n
		}
	}
	return max
}

// FirstFreeNumber returns the smallest positive number not in use.
func (s *Sheet) FirstFreeNumber() int {
	used := make(map[int]struct{}, len(s.Records))
	for _, r := range s.Records {
		if n, ok := r.Number(); ok {
			used[n] = struct{}{}
		}
	}
	for n := 1; ; n++ {
		if _, ok := used[n]; !ok {
			return n
		}
	}
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}
