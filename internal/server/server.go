package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tasksheet/internal/domain"
	"tasksheet/internal/engine"
	"tasksheet/internal/metrics"
	"tasksheet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Events   *repo.Repo
	Metrics  *metrics.Metrics
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"version conflict: expected 1, current 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"expected\":1,\"current\":2}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the task API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema failures are client errors, domain validation keeps 422.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Tasksheet API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine, cfg.Events)
	registerTasks(group, cfg.Engine)
	registerTaskActions(group, cfg.Engine)
	registerEvents(group, cfg.Events)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	return router, nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()

	var vc *domain.VersionConflictError
	if errors.As(err, &vc) {
		return newAPIError(http.StatusConflict, "version_conflict", msg, map[string]any{
			"expected": vc.Expected,
			"current":  vc.Current,
			"record":   vc.Record,
		})
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, map[string]any{"violations": ve.Violations})
	}
	var lo *domain.LockedByOtherError
	if errors.As(err, &lo) {
		return newAPIError(http.StatusConflict, "locked_by_other", msg, map[string]any{"owner": lo.Owner})
	}
	var dn *domain.DuplicateNumberError
	if errors.As(err, &dn) {
		return newAPIError(http.StatusConflict, "duplicate_number", msg, map[string]any{"number": dn.Number, "suggested": dn.Suggested})
	}
	switch {
	case errors.Is(err, domain.ErrAlreadyDone):
		return newAPIError(http.StatusConflict, "already_done", msg, nil)
	case errors.Is(err, domain.ErrNotInProgress):
		return newAPIError(http.StatusConflict, "not_in_progress", msg, nil)
	case errors.Is(err, domain.ErrAmbiguousProject):
		return newAPIError(http.StatusConflict, "ambiguous_project", msg, nil)
	case errors.Is(err, domain.ErrNotFoundInAudit):
		return newAPIError(http.StatusNotFound, "not_found_in_audit", msg, nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrNoOperator):
		return newAPIError(http.StatusUnauthorized, "no_operator", msg, nil)
	case errors.Is(err, os.ErrExist):
		return newAPIError(http.StatusConflict, "already_exists", msg, nil)
	case errors.Is(err, domain.ErrPersistence):
		return newAPIError(http.StatusInternalServerError, "persistence_failed", "could not persist the project", map[string]any{"error": msg})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves the spec with the error envelope and auth schemes
// documented. It is rendered once, on first request.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			documentErrorEnvelope(oas)
			applyAuthSecurity(oas)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, "openapi: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// documentErrorEnvelope registers the envelope schema and uses it for every
// error response, declared or default.
func documentErrorEnvelope(oas *huma.OpenAPI) {
	if oas == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ErrorEnvelope")
	content := map[string]*huma.MediaType{"application/json": {Schema: envelope}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			for code, resp := range op.Responses {
				if strings.HasPrefix(code, "4") || strings.HasPrefix(code, "5") {
					resp.Content = content
				}
			}
			op.Responses["default"] = &huma.Response{Description: "Error envelope", Content: content}
		}
	}
}

// applyAuthSecurity documents both ways of naming the operator. Reads stay
// anonymous so the security requirement includes the empty alternative.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["operatorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: operatorHeader,
	}
	oas.Security = []map[string][]string{
		{"bearerAuth": {}},
		{"operatorHeader": {}},
		{},
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tasksheet API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Mutations need Authorization: Bearer &lt;token&gt; or %s.
    </p>
  </body>
</html>`, specURL, operatorHeader)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	Project string `path:"project"`
}

func registerProjects(api huma.API, e *engine.Engine, events *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.ProjectInfo `json:"body"`
	}, error) {
		items, err := e.Projects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ProjectInfo `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body engine.ProjectInfo `json:"body"`
	}, error) {
		if _, authErr := operatorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		info, err := e.CreateProject(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProjectInfo `json:"body"`
		}{Body: info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sheets",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/sheets",
		Summary:     "List sheets",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []engine.SheetInfo `json:"body"`
	}, error) {
		items, err := e.Sheets(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.SheetInfo `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-summary",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/summary",
		Summary:     "Project summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		s, err := e.Summary(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		out := SummaryResponse{Summary: s}
		if events != nil {
			// Activity is best effort; the figures come from the workbook.
			if counts, err := events.CountByAction(ctx, s.Project); err == nil {
				out.Activity = counts
			}
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: out}, nil
	})
}

type TaskPath struct {
	Project string `path:"project"`
	Sheet   string `path:"sheet"`
	Ref     string `path:"ref" doc:"Task id or sequence number"`
}

func (p TaskPath) locator() domain.Locator {
	return domain.Locator{Project: p.Project, Sheet: p.Sheet, ID: p.Ref, Number: p.Ref}
}

type recordOutput struct {
	Body domain.Record `json:"body"`
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project    string `path:"project"`
		Sheet      string `query:"sheet"`
		InProgress bool   `query:"in_progress"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		var (
			items []domain.Record
			err   error
		)
		if input.InProgress {
			items, err = e.InProgress(ctx, input.Project)
			if err == nil && input.Sheet != "" {
				items = filterSheet(items, input.Sheet)
			}
		} else {
			items, err = e.Records(ctx, input.Project, input.Sheet)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Record{}
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Body    CreateTaskRequest
	}) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Create(ctx, input.Project, operator, input.Body.toNewTask())
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*recordOutput, error) {
		rec, err := e.Get(ctx, input.locator())
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}",
		Summary:     "Edit task fields",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body PatchTaskRequest
	}) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Edit(ctx, input.locator(), input.Body.ExpectedVersion, operator, input.Body.toPatch())
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: res.Record}, nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerTaskActions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}/start",
		Summary:     "Start task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body *ProgressRequest `required:"false"`
	}) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var body ProgressRequest
		if input.Body != nil {
			body = *input.Body
		}
		res, err := e.Start(ctx, input.locator(), body.ExpectedVersion, operator, body.toOptions())
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: res.Record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}/complete",
		Summary:     "Complete task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body *CompleteRequest `required:"false"`
	}) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var body CompleteRequest
		if input.Body != nil {
			body = *input.Body
		}
		res, err := e.Complete(ctx, input.locator(), body.ExpectedVersion, operator, body.Report)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: res.Record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}/reopen",
		Summary:     "Reopen task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body *ReopenRequest `required:"false"`
	}) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var body ReopenRequest
		if input.Body != nil {
			body = *input.Body
		}
		opts := engine.ReopenOptions{Duration: body.Duration, ClearOwner: body.ClearOwner}
		res, err := e.Reopen(ctx, input.locator(), body.ExpectedVersion, operator, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: res.Record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-progress",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}/progress",
		Summary:     "Update progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body ProgressRequest
	}) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpdateProgress(ctx, input.locator(), input.Body.ExpectedVersion, operator, input.Body.toOptions())
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: res.Record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/sheets/{sheet}/tasks/{ref}/restore",
		Summary:     "Restore the last audited state",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *TaskPath) (*recordOutput, error) {
		operator, authErr := operatorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := e.Get(ctx, input.locator())
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Restore(ctx, current.Project, current.Sheet, current.ID, operator)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})
}

func registerEvents(api huma.API, events *repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Sheet   string `query:"sheet"`
		TaskID  string `query:"task_id"`
		Action  string `query:"action"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if events == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "index_disabled", "event index is disabled", nil)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		filter := repo.EventFilter{Project: input.Project, Sheet: input.Sheet, TaskID: input.TaskID, Action: input.Action}
		items, err := events.LatestEventsFrom(ctx, limit+1, cursorID, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// The cursor is exclusive: the next page starts below the last item returned.
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func filterSheet(items []domain.Record, sheet string) []domain.Record {
	out := items[:0]
	for _, r := range items {
		if strings.EqualFold(r.Sheet, sheet) {
			out = append(out, r)
		}
	}
	return out
}
