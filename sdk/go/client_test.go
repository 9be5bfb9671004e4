package tasksheetsdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompleteSendsOperatorAndVersion(t *testing.T) {
	var gotPath, gotOperator string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotOperator = r.Header.Get("X-Operator")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"r1","version":2,"completed":true,"completed_by":"ana"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "alpha", "ana")
	task, err := c.CompleteTask(context.Background(), Ref{Sheet: "Fase 2", Task: "r1"}, 1, "done")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if gotPath != "/v0/projects/alpha/sheets/Fase%202/tasks/r1/complete" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotOperator != "ana" {
		t.Fatalf("expected operator header, got %q", gotOperator)
	}
	if gotBody["expected_version"] != float64(1) || gotBody["progress_report"] != "done" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if task.Version != 2 || !task.Completed {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"version_conflict","message":"version conflict: expected 1, current 2","details":{"current":2}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "alpha", "ana")
	_, err := c.StartTask(context.Background(), Ref{Sheet: "Backlog", Task: "1"}, 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "version_conflict" || apiErr.Details["current"] != float64(2) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if !IsConflict(err) {
		t.Fatalf("expected IsConflict")
	}
}

func TestBearerTokenWinsOverOperator(t *testing.T) {
	var authz, operator string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
		operator = r.Header.Get("X-Operator")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "alpha", "ana")
	c.BearerToken = "tok"
	items, err := c.ListTasks(context.Background(), ListOptions{InProgress: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 || authz != "Bearer tok" || operator != "" {
		t.Fatalf("unexpected request: items=%v authz=%q operator=%q", items, authz, operator)
	}
}
