package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tasksheet/internal/app"
	"tasksheet/internal/config"
	"tasksheet/internal/domain"
	tu "tasksheet/internal/testutil"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	tu.WriteWorkbook(t, filepath.Join(dir, "alpha.xlsx"),
		tu.Sheet{Name: "Backlog", Rows: [][]string{
			{"numero", "nome", "condicao", "prioridade", "duracao", "porcentagem", "task_uuid", "version"},
			{"1", "Inspect pump", "A", "Alta", "5", "0", "r1", "1"},
			{"2", "Replace valve", "Sempre", "Média", "3", "0", "r2", "1"},
			{"3", "Paint rails", "B", "Baixa", "Concluído", "", "r3", "2"},
		}},
	)
	cfg := config.Default(dir)
	cfg.IndexEnabled = true
	cfg.Auth.JWTSecret = testSecret
	a, err := app.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	a.Engine.SetClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) })
	handler, err := New(Config{
		Engine:   a.Engine,
		Events:   a.Events,
		Metrics:  a.Metrics,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: cfg.Auth.JWTSecret, AllowOperatorHeader: cfg.Auth.AllowOperatorHeader},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(operator string) map[string]string {
	return map[string]string{operatorHeader: operator}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func decodeRecord(t *testing.T, data []byte) domain.Record {
	t.Helper()
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v (%s)", err, string(data))
	}
	return rec
}

func TestCompleteWithExpectedVersion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/alpha/sheets/Backlog/tasks/r1"

	res, data := doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{"expected_version": 1}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	rec := decodeRecord(t, data)
	if rec.Version != 2 || !rec.Completed || rec.Percent != 100 {
		t.Fatalf("unexpected record after complete: %+v", rec)
	}
	if rec.CompletedBy != "ana" {
		t.Fatalf("expected completed_by ana, got %q", rec.CompletedBy)
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	if got := decodeRecord(t, data); got.Version != 2 {
		t.Fatalf("expected persisted version 2, got %d", got.Version)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/alpha/sheets/Backlog/tasks/r1"

	res, data := doJSON(t, client, http.MethodPost, base+"/start", map[string]any{"expected_version": 1}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/complete", map[string]any{"expected_version": 1}, as("ana"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %q", env.Error.Code)
	}
	if cur, _ := env.Error.Details["current"].(float64); cur != 2 {
		t.Fatalf("expected current 2 in details, got %v", env.Error.Details["current"])
	}
	if _, ok := env.Error.Details["record"].(map[string]any); !ok {
		t.Fatalf("expected current record in details: %v", env.Error.Details)
	}
}

func TestValidationFailureReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/alpha/sheets/Backlog/tasks/1"

	res, data := doJSON(t, client, http.MethodPatch, base, map[string]any{"condition": "Z"}, as("ana"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	violations, _ := env.Error.Details["violations"].([]any)
	if env.Error.Code != "validation_failed" || len(violations) != 1 {
		t.Fatalf("unexpected envelope: %+v", env.Error)
	}

	_, data = doJSON(t, client, http.MethodGet, base, nil, nil)
	if rec := decodeRecord(t, data); rec.Condition != "A" || rec.Version != 1 {
		t.Fatalf("record changed after rejected edit: %+v", rec)
	}
}

func TestLockedByOther(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/alpha/sheets/Backlog/tasks/r2"

	res, data := doJSON(t, client, http.MethodPost, base+"/start", nil, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/start", nil, as("bruno"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "locked_by_other" || env.Error.Details["owner"] != "ana" {
		t.Fatalf("unexpected envelope: %+v", env.Error)
	}
}

func TestMutationRequiresOperator(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r1/complete", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "no_operator" {
		t.Fatalf("expected no_operator, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alpha/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anonymous read status %d: %s", res.StatusCode, string(data))
	}
}

func TestBearerTokenNamesOperator(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "carla",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r1/start", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if rec := decodeRecord(t, data); rec.InProgressBy != "carla" {
		t.Fatalf("expected in_progress_by carla, got %q", rec.InProgressBy)
	}

	headers["Authorization"] = "Bearer not-a-token"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r2/start", nil, headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRestoreAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/alpha/sheets/Backlog/tasks/r1"

	res, data := doJSON(t, client, http.MethodPatch, base, map[string]any{"name": "Inspect pump twice"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/restore", nil, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore status %d: %s", res.StatusCode, string(data))
	}
	rec := decodeRecord(t, data)
	if rec.Name != "Inspect pump" || rec.Version != 3 {
		t.Fatalf("unexpected restored record: %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alpha/events?limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Action != "restore" || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alpha/events?limit=1&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].Action != "editar" || next.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", next)
	}
	if next.Items[0].Before["name"] != "Inspect pump" {
		t.Fatalf("expected before snapshot in event: %+v", next.Items[0].Before)
	}
}

func TestRestoreWithoutHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r2/restore", nil, as("ana"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found_in_audit" {
		t.Fatalf("expected not_found_in_audit, got %q", env.Error.Code)
	}
}

func TestCreateTaskAndDuplicateNumber(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/projects/alpha/tasks"

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{"name": "Check wiring", "condition": "A"}, as("ana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	rec := decodeRecord(t, data)
	if rec.SequenceNumber != "4" || rec.Version != 1 || rec.ID == "" {
		t.Fatalf("unexpected created record: %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{"name": "Again", "sequence_number": "2"}, as("ana"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "duplicate_number" {
		t.Fatalf("expected duplicate_number, got %q", env.Error.Code)
	}
	if s, _ := env.Error.Details["suggested"].(float64); s != 5 {
		t.Fatalf("expected suggested 5, got %v", env.Error.Details["suggested"])
	}
}

func TestProjectsSummaryAndNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alpha/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var s domain.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if s.Total != 3 || s.Completed != 1 || s.CriticalOpen != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "beta"}, as("ana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"name": "beta"}, as("ana"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for existing project, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r99", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", env.Error.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r1/complete", nil, as("ana"))
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `tasksheet_mutations_total{action="concluir",outcome="ok"} 1`) {
		t.Fatalf("mutation counter missing from metrics output")
	}
}

func TestSummaryIncludesIndexedActivity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r1/complete", map[string]any{"expected_version": 1}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alpha/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var s SummaryResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if s.Completed != 2 || s.Activity["concluir"] != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestSaveFailureReturns500(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	blocker := filepath.Join(srv.App.Config.DataDir, ".alpha.saving.xlsx")
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alpha/sheets/Backlog/tasks/r1/complete", map[string]any{"expected_version": 1}, as("ana"))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "persistence_failed" {
		t.Fatalf("expected persistence_failed, got %q", env.Error.Code)
	}
}

func TestOpenAPIDocumentsErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var doc struct {
		Paths      map[string]map[string]json.RawMessage `json:"paths"`
		Components struct {
			Schemas         map[string]json.RawMessage `json:"schemas"`
			SecuritySchemes map[string]json.RawMessage `json:"securitySchemes"`
		} `json:"components"`
	}
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("unmarshal openapi: %v", err)
		}
	}
	if _, ok := doc.Components.SecuritySchemes["operatorHeader"]; !ok {
		t.Fatalf("operator header scheme missing: %v", doc.Components.SecuritySchemes)
	}

	var op struct {
		Responses map[string]struct {
			Content map[string]struct {
				Schema struct {
					Ref string `json:"$ref"`
				} `json:"schema"`
			} `json:"content"`
		} `json:"responses"`
	}
	raw, ok := doc.Paths["/v0/projects/{project}/sheets/{sheet}/tasks/{ref}/complete"]["post"]
	if !ok {
		t.Fatalf("complete operation missing from spec")
	}
	if err := json.Unmarshal(raw, &op); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	for _, code := range []string{"default", "409"} {
		ref := op.Responses[code].Content["application/json"].Schema.Ref
		name := strings.TrimPrefix(ref, "#/components/schemas/")
		if ref == "" || name == ref {
			t.Fatalf("%s response has no schema ref: %q", code, ref)
		}
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Fatalf("%s response refers to missing schema %q", code, name)
		}
	}
}
