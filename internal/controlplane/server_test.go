package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/fentz26/hub/internal/engine"
	"github.com/fentz26/hub/internal/metrics"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/scheduler"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.Storage != "ok" {
		t.Errorf("Expected storage status 'ok', got '%s'", health.Storage)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_StorageError(t *testing.T) {
	env := newTestEnv(t)
	server := NewServer(env.svc, env.store, "127.0.0.1:0")

	// Removing the data directory makes the backend unreachable.
	if err := os.RemoveAll(env.dir); err != nil {
		t.Fatalf("Failed to remove data dir: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK {
		t.Error("Expected health.OK to be false when storage is down")
	}
	if health.Storage == "ok" {
		t.Error("Expected storage status to indicate error")
	}
}

func newTestServer(t *testing.T) (*Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return NewServer(env.svc, env.store, "127.0.0.1:0"), env
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestTaskEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/tasks", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty array, got %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/tasks", `{"description":"Test task"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	task := decode[models.Task](t, w)
	if task.Status != models.TaskStatusPending || task.Description != "Test task" {
		t.Errorf("Unexpected task %+v", task)
	}

	w = do(t, h, http.MethodPut, "/api/tasks/"+task.ID, `{"description":"changed"}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := decode[models.Task](t, w); got.Description != "changed" {
		t.Errorf("Expected updated description, got %q", got.Description)
	}

	w = do(t, h, http.MethodPost, "/api/tasks/"+task.ID, `{}`)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	w = do(t, h, http.MethodPut, "/api/tasks", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without id, got %d", w.Code)
	}

	w = do(t, h, http.MethodDelete, "/api/tasks/"+task.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/tasks/"+task.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestTaskEndpoints_InvalidJSON(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodPost, "/api/tasks", `{"description":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Error != "Invalid JSON" {
		t.Errorf("Expected 'Invalid JSON', got %q", resp.Error)
	}
}

func TestPipelineEndpoints(t *testing.T) {
	s, env := newTestServer(t)
	h := s.Handler()
	task := env.task(t, "Test task")

	w := do(t, h, http.MethodPost, "/api/pipelines", `{"taskId":"`+task.ID+`","description":"d","gitToken":"s3cret"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Error("Response echoed the git token")
	}
	p := decode[models.Pipeline](t, w)
	if p.ID != task.ID+"_pipeline_1" || p.Status != models.PipelineStatusRunning {
		t.Errorf("Unexpected pipeline %+v", p)
	}

	w = do(t, h, http.MethodGet, "/api/pipelines?task="+task.ID, "")
	if list := decode[[]models.Pipeline](t, w); len(list) != 1 {
		t.Errorf("Expected 1 pipeline, got %d", len(list))
	}

	w = do(t, h, http.MethodGet, "/api/pipelines/"+p.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	env.engine.logs = "line one\n"
	w = do(t, h, http.MethodGet, "/api/pipelines/"+p.ID+"/logs", "")
	if w.Code != http.StatusOK || w.Body.String() != "line one\n" {
		t.Errorf("Expected raw logs, got %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %s", ct)
	}

	w = do(t, h, http.MethodPost, "/api/pipelines/"+p.ID+"/stop", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := decode[models.Pipeline](t, w); got.Status != models.PipelineStatusStopped {
		t.Errorf("Expected stopped, got %s", got.Status)
	}

	w = do(t, h, http.MethodPost, "/api/pipelines/"+p.ID+"/stop", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 on conflict, got %d", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Kind != KindConflict {
		t.Errorf("Expected conflict kind, got %s", resp.Kind)
	}
}

func TestPipelineEndpoints_Errors(t *testing.T) {
	s, env := newTestServer(t)
	h := s.Handler()
	task := env.task(t, "t")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing taskId", http.MethodPost, "/api/pipelines", `{"description":"d"}`, http.StatusBadRequest},
		{"missing description", http.MethodPost, "/api/pipelines", `{"taskId":"` + task.ID + `"}`, http.StatusBadRequest},
		{"unknown task", http.MethodPost, "/api/pipelines", `{"taskId":"task_nope","description":"d"}`, http.StatusNotFound},
		{"bad status id", http.MethodGet, "/api/pipelines/bogus/status", "", http.StatusBadRequest},
		{"bad logs id", http.MethodGet, "/api/pipelines/bogus/logs", "", http.StatusBadRequest},
		{"unknown pipeline", http.MethodGet, "/api/pipelines/" + task.ID + "_pipeline_7", "", http.StatusNotFound},
		{"stop unknown", http.MethodPost, "/api/pipelines/" + task.ID + "_pipeline_7/stop", "", http.StatusNotFound},
		{"unknown action", http.MethodGet, "/api/pipelines/" + task.ID + "_pipeline_1/bogus", "", http.StatusNotFound},
		{"unknown api path", http.MethodGet, "/api/nothing", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
	if env.engine.callCount() != 0 {
		t.Errorf("Expected no engine calls, got %v", env.engine.calls)
	}
}

func TestPipelineEndpoints_StartFailure(t *testing.T) {
	s, env := newTestServer(t)
	task := env.task(t, "t")
	env.engine.startErr = &engine.Failure{Verb: engine.VerbStart, ExitCode: 1, Detail: "no docker"}

	w := do(t, s.Handler(), http.MethodPost, "/api/pipelines", `{"taskId":"`+task.ID+`","description":"d"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	resp := decode[errorResponse](t, w)
	if resp.Pipeline == nil || resp.Pipeline.Status != models.PipelineStatusFailed {
		t.Errorf("Expected failed pipeline in body, got %+v", resp.Pipeline)
	}
	if resp.Details != "no docker" {
		t.Errorf("Expected engine detail, got %q", resp.Details)
	}
}

func TestPipelineEndpoints_StatusEngineFailureIsText(t *testing.T) {
	s, env := newTestServer(t)
	task := env.task(t, "t")
	p := env.create(t, task.ID)

	failing := &failingStatusEngine{fakeEngine: env.engine}
	s.service.engine = failing

	w := do(t, s.Handler(), http.MethodGet, "/api/pipelines/"+p.ID+"/status", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if w.Body.String() != "container not found" {
		t.Errorf("Expected engine detail as text, got %q", w.Body.String())
	}
}

type failingStatusEngine struct {
	*fakeEngine
}

func (e *failingStatusEngine) Status(ctx context.Context, taskID, pipelineID string) (string, error) {
	return "", &engine.Failure{Verb: engine.VerbStatus, ExitCode: 1, Detail: "container not found"}
}

func TestWorkersAndMetrics(t *testing.T) {
	s, env := newTestServer(t)
	m := metrics.New()
	s.SetMetrics(m)
	h := s.Handler()

	w := do(t, h, http.MethodGet, "/api/workers", "")
	if got := decode[map[string]any](t, w); got["enabled"] != false {
		t.Errorf("Expected dispatcher disabled, got %v", got)
	}

	sch := scheduler.New(env.svc.HandleTaskStarted, &scheduler.Config{GlobalMax: 2, QueueSize: 8}, m, nil)
	s.SetScheduler(sch)
	w = do(t, h, http.MethodGet, "/api/workers", "")
	if !strings.Contains(w.Body.String(), `"global_max":2`) {
		t.Errorf("Expected scheduler stats, got %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "hub_http_requests_total") {
		t.Error("Expected request counter in metrics output")
	}
}

func TestReconcileAndAuditEndpoints(t *testing.T) {
	s, env := newTestServer(t)
	h := s.Handler()
	task := env.task(t, "t")
	env.create(t, task.ID)

	w := do(t, h, http.MethodGet, "/api/reconcile?task="+task.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	report := decode[ReconcileReport](t, w)
	if len(report.Stale) != 1 {
		t.Errorf("Expected 1 stale record, got %d", len(report.Stale))
	}

	w = do(t, h, http.MethodGet, "/api/audit?task="+task.ID, "")
	if entries := decode[[]models.PDREntry](t, w); len(entries) != 2 {
		t.Errorf("Expected 2 audit entries, got %d", len(entries))
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s.Handler(), http.MethodGet, "/api/status", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestMiddleware_BodyTooLarge(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"description":"` + strings.Repeat("a", maxBodyBytes) + `"}`

	w := do(t, s.Handler(), http.MethodPost, "/api/tasks", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
}

func TestMiddleware_PanicBecomesInternalError(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/api/tasks", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	resp := decode[errorResponse](t, w)
	if resp.Kind != KindInternal {
		t.Errorf("Expected internal kind, got %q", resp.Kind)
	}
}

func TestMiddleware_PanicAfterWriteKeepsResponse(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("partial"))
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/api/tasks", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if got := w.Body.String(); got != "partial" {
		t.Errorf("Expected only the original body, got %q", got)
	}
}
