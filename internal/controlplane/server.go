package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/hub/internal/metrics"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/scheduler"
	"github.com/fentz26/hub/internal/store"
	"github.com/google/uuid"
)

// Version is reported by /health and /api/status.
var Version = "0.1.0"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Server provides the HTTP API for the hub.
type Server struct {
	service   *Service
	store     *store.Store
	addr      string
	server    *http.Server
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, addr string) *Server {
	return &Server{
		service: service,
		store:   st,
		addr:    addr,
		logger:  slog.Default(),
	}
}

// SetMetrics exposes m on /metrics and counts requests into it.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetScheduler wires the dispatcher for /api/workers.
func (s *Server) SetScheduler(sch *scheduler.Scheduler) {
	s.scheduler = sch
}

// SetLogger replaces the request logger.
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Handler returns the full route table wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	mux.HandleFunc("/api/pipelines", s.handlePipelines)
	mux.HandleFunc("/api/pipelines/", s.handlePipelineByID)

	mux.HandleFunc("/api/reconcile", s.handleReconcile)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	return s.middleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	s.logger.Info("starting hub API", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// middleware tags each request with an id, logs and counts it, and turns a
// handler panic into a 500.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panic", "request_id", requestID, "path", r.URL.Path, "panic", fmt.Sprint(p))
				// A response already under way cannot be replaced.
				if !rec.wroteHeader {
					writeJSON(rec, http.StatusInternalServerError, errorResponse{
						Error:   KindInternal.Title(),
						Kind:    KindInternal,
						Message: "unexpected failure",
					})
				}
			}
			s.metrics.HTTPRequest(r.Method, strconv.Itoa(rec.status))
			s.logger.Debug("request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start))
		}()

		if r.Body != nil {
			r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(rec, r)
	})
}

// --- Responses ---

type errorResponse struct {
	Error    string           `json:"error"`
	Kind     Kind             `json:"kind,omitempty"`
	Message  string           `json:"message"`
	Details  string           `json:"details,omitempty"`
	Pipeline *models.Pipeline `json:"pipeline,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, text)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind == KindInternal || kind == KindStorage {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	title := kind.Title()
	if errors.Is(err, ErrMissingField) {
		title = "Missing required field"
	}
	writeJSON(w, kind.HTTPStatus(), errorResponse{
		Error:   title,
		Kind:    kind,
		Message: err.Error(),
	})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

func writeBadJSON(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error:   "Request too large",
			Kind:    KindValidation,
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:   "Invalid JSON",
		Kind:    KindValidation,
		Message: err.Error(),
	})
}

func methodNotAllowed(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error:   "Method not allowed",
		Message: message,
	})
}

// splitID splits "/api/<collection>/<id>/<action>" into id and action.
func splitID(path, prefix string) (id, action string, extra bool) {
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	id = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action, len(parts) > 2
}

// --- Health & Status ---

// HealthResponse is the /health body.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Storage string `json:"storage"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "use GET")
		return
	}

	resp := HealthResponse{
		OK:      true,
		Storage: "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.Storage = err.Error()
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "hub",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoints": []string{
			"/api/status - Service status",
			"/api/tasks - Tasks CRUD",
			"/api/pipelines - Pipeline lifecycle",
			"/api/reconcile - Records vs engine",
			"/api/audit - Decision records",
			"/api/workers - Auto-start dispatcher",
			"/health - Liveness and storage",
			"/metrics - Prometheus metrics",
		},
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "use GET")
		return
	}
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"stats":   s.scheduler.GetStats(),
	})
}

// --- Task Handlers ---

// handleTasks handles GET, POST, PUT and DELETE on /api/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodPut, http.MethodDelete:
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "Missing task ID",
			Kind:    KindValidation,
			Message: "Task ID is required for " + r.Method + " requests",
		})
	default:
		methodNotAllowed(w, "use GET or POST")
	}
}

// handleTaskByID handles /api/tasks/{id}
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, action, extra := splitID(r.URL.Path, "/api/tasks/")
	if id == "" {
		s.handleTasks(w, r)
		return
	}
	if action != "" || extra {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getTask(w, r, id)
	case http.MethodPut:
		s.updateTask(w, r, id)
	case http.MethodDelete:
		s.deleteTask(w, r, id)
	case http.MethodPost:
		methodNotAllowed(w, "POST with task ID is not allowed. Use PUT to update.")
	default:
		methodNotAllowed(w, "use GET, PUT or DELETE")
	}
}

type createTaskRequest struct {
	Description string `json:"description"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeBadJSON(w, err)
		return
	}

	task, err := s.service.CreateTask(r.Context(), req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.service.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Description *string            `json:"description"`
	Status      *models.TaskStatus `json:"status"`
	GitURL      string             `json:"gitUrl"`
	GitUsername string             `json:"gitUsername"`
	GitToken    string             `json:"gitToken"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeBadJSON(w, err)
		return
	}

	task, err := s.service.UpdateTask(r.Context(), id, TaskPatch{
		Description: req.Description,
		Status:      req.Status,
		Git: models.GitParams{
			URL:      req.GitURL,
			Username: req.GitUsername,
			Token:    req.GitToken,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.service.DeleteTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted successfully"})
}

// --- Pipeline Handlers ---

// handlePipelines handles GET and POST on /api/pipelines.
func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPipelines(w, r)
	case http.MethodPost:
		s.createPipeline(w, r)
	default:
		methodNotAllowed(w, "use GET or POST")
	}
}

// handlePipelineByID handles /api/pipelines/{id}[/stop|/status|/logs]
func (s *Server) handlePipelineByID(w http.ResponseWriter, r *http.Request) {
	id, action, extra := splitID(r.URL.Path, "/api/pipelines/")
	if id == "" {
		s.handlePipelines(w, r)
		return
	}
	if extra {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getPipeline(w, r, id)
	case action == "" && r.Method == http.MethodPost:
		methodNotAllowed(w, "POST with pipeline ID is not allowed")
	case action == "stop" && r.Method == http.MethodPost:
		s.stopPipeline(w, r, id)
	case action == "status" && r.Method == http.MethodGet:
		s.pipelineText(w, r, id, s.service.PipelineStatus)
	case action == "logs" && r.Method == http.MethodGet:
		s.pipelineText(w, r, id, s.service.PipelineLogs)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	}
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.service.ListPipelines(r.Context(), r.URL.Query().Get("task"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pipelines == nil {
		pipelines = []models.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

type createPipelineRequest struct {
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
	GitURL      string `json:"gitUrl"`
	GitUsername string `json:"gitUsername"`
	GitToken    string `json:"gitToken"`
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeBadJSON(w, err)
		return
	}
	if req.TaskID != "" && req.Description == "" {
		s.writeError(w, newError(KindValidation, "create pipeline", fmt.Errorf("%w: description is required", ErrMissingField)))
		return
	}

	p, err := s.service.CreatePipeline(r.Context(), CreatePipelineInput{
		TaskID:      req.TaskID,
		Description: req.Description,
		Git: models.GitParams{
			URL:      req.GitURL,
			Username: req.GitUsername,
			Token:    req.GitToken,
		},
	})
	if err != nil {
		if KindOf(err) == KindEngine && p != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error:    "Pipeline start failed",
				Kind:     KindEngine,
				Message:  "Failed to start pipeline",
				Details:  p.Error,
				Pipeline: p,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.service.GetPipeline(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.service.StopPipeline(r.Context(), id)
	if err != nil {
		if KindOf(err) == KindEngine {
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error:   "Stop failed",
				Kind:    KindEngine,
				Message: "Failed to stop pipeline",
				Details: failureDetail(err),
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// pipelineText relays live engine output. Engine failures are relayed as
// text too; everything else is a JSON error.
func (s *Server) pipelineText(w http.ResponseWriter, r *http.Request, id string, fetch func(context.Context, string) (string, error)) {
	out, err := fetch(r.Context(), id)
	if err != nil {
		if KindOf(err) == KindEngine {
			writeText(w, http.StatusInternalServerError, failureDetail(err))
			return
		}
		s.writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, out)
}

// --- Reconcile & Audit ---

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "use GET")
		return
	}
	report, err := s.service.Reconcile(r.Context(), r.URL.Query().Get("task"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "use GET")
		return
	}
	entries, err := s.service.ListAudit(r.Context(), r.URL.Query().Get("task"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
