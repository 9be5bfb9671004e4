package sheets_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksheet/internal/domain"
	"tasksheet/internal/sheets"
	"tasksheet/internal/testutil"
)

func TestLoadFileNormalizesLegacyWorkbook(t *testing.T) {
	dir := t.TempDir()
	path := testutil.SampleProject(t, dir, "alpha")

	p, err := sheets.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name)
	assert.Equal(t, sheets.ProjectID("alpha"), p.ID)
	require.Equal(t, []string{"Backlog", "Fase 2"}, p.SheetNames())

	backlog := p.Sheet("backlog")
	require.NotNil(t, backlog)
	require.Len(t, backlog.Records, 3)
	assert.Equal(t, []string{"Observação"}, backlog.Extra)
	assert.Empty(t, p.Sheet("Fase 2").Records)

	r1 := backlog.Records[0]
	assert.Equal(t, "1", r1.SequenceNumber)
	assert.Equal(t, "Inspect pump", r1.Name)
	assert.Equal(t, "Sempre", r1.Condition)
	assert.Equal(t, "5", r1.Duration)
	assert.Equal(t, 1, r1.Version)
	assert.NotEmpty(t, r1.ID)
	assert.Equal(t, p.ID, r1.ProjectID)
	assert.Equal(t, "Manual", r1.ReferenceText)
	assert.Equal(t, "https://docs.example.com/pump", r1.ReferenceLink)
	assert.Equal(t, "north wing", r1.Extra["Observação"])

	r2 := backlog.Records[1]
	assert.Equal(t, 50, r2.Percent)
	assert.Equal(t, "https://docs.example.com/valve", r2.ReferenceLink)

	r3 := backlog.Records[2]
	assert.Equal(t, domain.CompletionMarker, r3.Duration)
	assert.True(t, r3.Completed)
	assert.Equal(t, 100, r3.Percent)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := testutil.SampleProject(t, dir, "alpha")

	p, err := sheets.LoadFile(path)
	require.NoError(t, err)
	r := p.Sheet("Backlog").Records[0]
	r.Percent = 40
	r.InProgress = true
	r.InProgressBy = "ana"
	r.Version = 3
	require.NoError(t, sheets.Save(p))

	again, err := sheets.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, p.SheetNames(), again.SheetNames())
	for i, want := range p.Sheet("Backlog").Records {
		got := again.Sheet("Backlog").Records[i]
		assert.Equal(t, *want, *got)
	}
	assert.Empty(t, again.Sheet("Fase 2").Records)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not remain")
}

func TestLoaderDiscoversProjects(t *testing.T) {
	dir := t.TempDir()
	testutil.SampleProject(t, dir, "alpha")
	testutil.SampleProject(t, dir, "beta")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "~$alpha.xlsx"), []byte("lock"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.xlsx"), []byte("not a zip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	l := sheets.NewLoader(dir, nil)
	names, err := l.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "broken"}, names)

	projects, err := l.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "alpha", projects[0].Name)
	assert.Equal(t, "beta", projects[1].Name)

	_, err = l.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoaderMissingDirectoryIsEmpty(t *testing.T) {
	l := sheets.NewLoader(filepath.Join(t.TempDir(), "nope"), nil)
	projects, err := l.Projects()
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestCreateWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamma.xlsx")
	require.NoError(t, sheets.CreateWorkbook(path))
	require.Error(t, sheets.CreateWorkbook(path))

	p, err := sheets.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{domain.DefaultSheet}, p.SheetNames())
	assert.Empty(t, p.Sheets[0].Records)
	assert.Empty(t, p.Sheets[0].Extra)
}

func TestSheetNumbers(t *testing.T) {
	sh := &sheets.Sheet{Records: []*domain.Record{
		{ID: "a", SequenceNumber: "1"},
		{ID: "b", SequenceNumber: "3"},
		{ID: "c", SequenceNumber: "x"},
	}}
	assert.Equal(t, 2, sh.FirstFreeNumber())
	assert.Equal(t, 3, sh.MaxNumber())
	assert.True(t, sh.HasNumber(3))
	assert.Equal(t, "b", sh.Find("", "3").ID)
	assert.Equal(t, "c", sh.Find("c", "1").ID)
	assert.Nil(t, sh.Find("zzz", ""))
}

func TestLoadFileDerivesStableIDsForLegacyRows(t *testing.T) {
	dir := t.TempDir()
	path := testutil.SampleProject(t, dir, "alpha")

	first, err := sheets.LoadFile(path)
	require.NoError(t, err)
	second, err := sheets.LoadFile(path)
	require.NoError(t, err)

	a, b := first.Sheet("Backlog").Records, second.Sheet("Backlog").Records
	require.Len(t, b, len(a))
	seen := map[string]bool{}
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.False(t, seen[a[i].ID], "row ids must be unique")
		seen[a[i].ID] = true
	}
}

func TestLoaderHonorsConfiguredMarker(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteWorkbook(t, filepath.Join(dir, "alpha.xlsx"), testutil.Sheet{
		Name: "Backlog",
		Rows: [][]string{
			{"Número", "Nome", "Duração"},
			{"1", "Inspect pump", "feito"},
			{"2", "Replace valve", "3"},
		},
	})

	l := sheets.NewLoader(dir, nil)
	l.Marker = "Feito"
	p, err := l.Load(context.Background(), "alpha")
	require.NoError(t, err)
	recs := p.Sheet("Backlog").Records
	assert.Equal(t, "Feito", recs[0].Duration)
	assert.True(t, recs[0].Completed)
	assert.Equal(t, 100, recs[0].Percent)
	assert.False(t, recs[1].Completed)
}
