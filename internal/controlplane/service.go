// Package controlplane provides the HTTP API and service layer for the hub.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/hub/internal/audit"
	"github.com/fentz26/hub/internal/clock"
	"github.com/fentz26/hub/internal/engine"
	"github.com/fentz26/hub/internal/ids"
	"github.com/fentz26/hub/internal/metrics"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/store"
)

// Engine is the execution engine as seen by the service.
type Engine interface {
	Start(ctx context.Context, taskID, pipelineID, description string, git models.GitParams) error
	Stop(ctx context.Context, taskID, pipelineID string) error
	Status(ctx context.Context, taskID, pipelineID string) (string, error)
	Logs(ctx context.Context, taskID, pipelineID string) (string, error)
	List(ctx context.Context, taskID string) ([]models.LivePipeline, error)
}

// Options carries optional collaborators of a Service.
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Service provides the control plane business logic.
type Service struct {
	store   *store.Store
	pdr     *audit.PDRWriter
	engine  Engine
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	// taskLocks serialises pipeline create and stop per task; recordLocks
	// serialises read-merge-write of task records.
	taskLocks   keyedMutex
	recordLocks keyedMutex

	observersMu sync.RWMutex
	observers   []TaskObserver
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, eng Engine, opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		pdr:     pdr,
		engine:  eng,
		clock:   clk,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// --- Pipeline Operations ---

// CreatePipelineInput is the request to create and start a pipeline.
type CreatePipelineInput struct {
	TaskID      string
	Description string
	Git         models.GitParams
}

// CreatePipeline stops whatever pipeline is active for the task, records a
// new one as starting, and asks the engine to start it. When the engine
// fails, the failed record is returned together with a KindEngine error. An
// empty description falls back to the task's own.
func (s *Service) CreatePipeline(ctx context.Context, in CreatePipelineInput) (*models.Pipeline, error) {
	const op = "create pipeline"

	if in.TaskID == "" {
		return nil, newError(KindValidation, op, fmt.Errorf("%w: taskId is required", ErrMissingField))
	}

	// Once records are being written the engine calls must run to completion
	// even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	unlock := s.taskLocks.Lock(in.TaskID)
	defer unlock()

	task, err := s.store.Tasks.Get(ctx, in.TaskID)
	if err != nil {
		return nil, taskError(op, in.TaskID, err)
	}
	description := in.Description
	if description == "" {
		description = task.Description
	}

	active, err := s.store.Pipelines.ActiveByTask(ctx, in.TaskID)
	if err != nil {
		return nil, newError(KindStorage, op, err)
	}
	for i := range active {
		s.stopReplaced(ctx, &active[i])
	}

	// Allocation counts every stored id, including records that no longer
	// decode, so a sequence number is never handed out twice.
	existingIDs, err := s.store.Pipelines.IDsByTask(ctx, in.TaskID)
	if err != nil {
		return nil, newError(KindStorage, op, err)
	}

	p := &models.Pipeline{
		ID:          ids.NextPipelineID(in.TaskID, existingIDs),
		TaskID:      in.TaskID,
		Description: description,
		Status:      models.PipelineStatusStarting,
		CreatedAt:   s.clock.Now(),
		GitURL:      in.Git.URL,
		GitUsername: in.Git.Username,
	}
	p.ContainerName = ids.ContainerName(p.ID)
	p.VolumeName = ids.VolumeName(p.ID)
	if in.Git.Token != "" {
		p.GitToken = models.RedactedToken
	}

	if err := s.store.Pipelines.Save(ctx, p); err != nil {
		return nil, newError(KindStorage, op, err)
	}
	s.metrics.PipelineTransition(string(p.Status))

	logger := s.logger.With("task_id", p.TaskID, "pipeline_id", p.ID)
	logger.Info("starting pipeline")

	inputs := map[string]any{
		"task_id":      in.TaskID,
		"description":  description,
		"git_url":      in.Git.URL,
		"git_username": in.Git.Username,
		"git_token":    in.Git.Token != "",
	}

	if startErr := s.engine.Start(ctx, p.TaskID, p.ID, p.Description, in.Git); startErr != nil {
		scrubToken(startErr, in.Git.Token)
		if err := s.transition(p, models.PipelineStatusFailed); err != nil {
			return nil, err
		}
		p.Error = failureDetail(startErr)
		logger.Error("pipeline failed to start", "error", startErr)

		if err := s.store.Pipelines.Save(ctx, p); err != nil {
			return p, newError(KindStorage, op, errors.Join(startErr, err))
		}
		s.record(ctx, audit.Entry{
			Action:     "pipeline.create",
			Inputs:     inputs,
			Outcome:    "failed",
			TaskID:     p.TaskID,
			PipelineID: p.ID,
			Details:    p.Error,
		})
		return p, newError(KindEngine, op, startErr)
	}

	if err := s.transition(p, models.PipelineStatusRunning); err != nil {
		return nil, err
	}
	startedAt := s.clock.Now()
	p.StartedAt = &startedAt
	if err := s.store.Pipelines.Save(ctx, p); err != nil {
		return p, newError(KindStorage, op, err)
	}
	logger.Info("pipeline running")

	s.record(ctx, audit.Entry{
		Action:     "pipeline.create",
		Inputs:     inputs,
		Outcome:    "success",
		TaskID:     p.TaskID,
		PipelineID: p.ID,
	})
	return p, nil
}

// stopReplaced stops a pipeline that is about to be superseded. Failures are
// logged and otherwise ignored: the replacement starts regardless.
func (s *Service) stopReplaced(ctx context.Context, old *models.Pipeline) {
	logger := s.logger.With("task_id", old.TaskID, "pipeline_id", old.ID)
	logger.Info("stopping active pipeline before replacement")

	if err := s.engine.Stop(ctx, old.TaskID, old.ID); err != nil {
		logger.Warn("failed to stop replaced pipeline", "error", err)
		s.record(ctx, audit.Entry{
			Action:     "pipeline.replace_stop",
			Inputs:     map[string]string{"pipeline_id": old.ID},
			Outcome:    "failed",
			TaskID:     old.TaskID,
			PipelineID: old.ID,
			Details:    failureDetail(err),
		})
		return
	}

	if err := s.transition(old, models.PipelineStatusStopped); err != nil {
		logger.Error("cannot mark replaced pipeline stopped", "error", err)
		return
	}
	stoppedAt := s.clock.Now()
	old.StoppedAt = &stoppedAt
	if err := s.store.Pipelines.Save(ctx, old); err != nil {
		logger.Error("failed to persist replaced pipeline", "error", err)
		return
	}
	s.record(ctx, audit.Entry{
		Action:     "pipeline.replace_stop",
		Inputs:     map[string]string{"pipeline_id": old.ID},
		Outcome:    "success",
		TaskID:     old.TaskID,
		PipelineID: old.ID,
	})
}

// StopPipeline stops an active pipeline. When the engine fails the record is
// left as it was.
func (s *Service) StopPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	const op = "stop pipeline"

	taskID, _, err := ids.ParsePipelineID(id)
	if err != nil {
		return nil, newError(KindValidation, op, err)
	}
	ctx = context.WithoutCancel(ctx)

	unlock := s.taskLocks.Lock(taskID)
	defer unlock()

	p, err := s.loadPipeline(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.IsActive() {
		return nil, newError(KindConflict, op, fmt.Errorf("%w: %s is %s", ErrPipelineNotRunning, p.ID, p.Status))
	}

	inputs := map[string]string{"pipeline_id": p.ID}
	if err := s.engine.Stop(ctx, p.TaskID, p.ID); err != nil {
		s.logger.Warn("failed to stop pipeline", "task_id", p.TaskID, "pipeline_id", p.ID, "error", err)
		s.record(ctx, audit.Entry{
			Action:     "pipeline.stop",
			Inputs:     inputs,
			Outcome:    "failed",
			TaskID:     p.TaskID,
			PipelineID: p.ID,
			Details:    failureDetail(err),
		})
		return nil, newError(KindEngine, op, err)
	}

	if err := s.transition(p, models.PipelineStatusStopped); err != nil {
		return nil, err
	}
	stoppedAt := s.clock.Now()
	p.StoppedAt = &stoppedAt
	if err := s.store.Pipelines.Save(ctx, p); err != nil {
		return nil, newError(KindStorage, op, err)
	}
	s.logger.Info("pipeline stopped", "task_id", p.TaskID, "pipeline_id", p.ID)

	s.record(ctx, audit.Entry{
		Action:     "pipeline.stop",
		Inputs:     inputs,
		Outcome:    "success",
		TaskID:     p.TaskID,
		PipelineID: p.ID,
	})
	return p, nil
}

// GetPipeline retrieves a pipeline record.
func (s *Service) GetPipeline(ctx context.Context, id string) (*models.Pipeline, error) {
	const op = "get pipeline"
	if _, _, err := ids.ParsePipelineID(id); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	return s.loadPipeline(ctx, op, id)
}

// PipelineStatus returns the engine's live status text for a pipeline.
func (s *Service) PipelineStatus(ctx context.Context, id string) (string, error) {
	const op = "pipeline status"
	if _, _, err := ids.ParsePipelineID(id); err != nil {
		return "", newError(KindValidation, op, err)
	}
	p, err := s.loadPipeline(ctx, op, id)
	if err != nil {
		return "", err
	}
	out, err := s.engine.Status(ctx, p.TaskID, p.ID)
	if err != nil {
		return "", newError(KindEngine, op, err)
	}
	return out, nil
}

// PipelineLogs returns the engine's log output for a pipeline.
func (s *Service) PipelineLogs(ctx context.Context, id string) (string, error) {
	const op = "pipeline logs"
	if _, _, err := ids.ParsePipelineID(id); err != nil {
		return "", newError(KindValidation, op, err)
	}
	p, err := s.loadPipeline(ctx, op, id)
	if err != nil {
		return "", err
	}
	out, err := s.engine.Logs(ctx, p.TaskID, p.ID)
	if err != nil {
		return "", newError(KindEngine, op, err)
	}
	return out, nil
}

// ListPipelines returns pipeline records, newest first. An empty taskID
// lists every task's pipelines.
func (s *Service) ListPipelines(ctx context.Context, taskID string) ([]models.Pipeline, error) {
	var (
		pipelines []models.Pipeline
		err       error
	)
	if taskID == "" {
		pipelines, err = s.store.Pipelines.ListAll(ctx)
	} else {
		pipelines, err = s.store.Pipelines.ListByTask(ctx, taskID)
	}
	if err != nil {
		return nil, newError(KindStorage, "list pipelines", err)
	}
	return pipelines, nil
}

// ReconcileReport compares pipeline records with the engine's own listing.
type ReconcileReport struct {
	// Stale records are active in the store but unknown to the engine.
	Stale []models.Pipeline `json:"stale"`
	// Orphaned entries are known to the engine but have no record.
	Orphaned  []models.LivePipeline `json:"orphaned"`
	CheckedAt time.Time             `json:"checkedAt"`
}

// Reconcile reports where the record store and the engine disagree. It never
// modifies either side.
func (s *Service) Reconcile(ctx context.Context, taskID string) (*ReconcileReport, error) {
	const op = "reconcile"

	records, err := s.ListPipelines(ctx, taskID)
	if err != nil {
		return nil, err
	}
	live, err := s.engine.List(ctx, taskID)
	if err != nil {
		return nil, newError(KindEngine, op, err)
	}

	liveIDs := make(map[string]bool, len(live))
	for _, lp := range live {
		liveIDs[lp.ID] = true
	}
	recordIDs := make(map[string]bool, len(records))

	report := &ReconcileReport{
		Stale:     []models.Pipeline{},
		Orphaned:  []models.LivePipeline{},
		CheckedAt: s.clock.Now(),
	}
	for _, p := range records {
		recordIDs[p.ID] = true
		if p.Status.IsActive() && !liveIDs[p.ID] {
			report.Stale = append(report.Stale, p)
		}
	}
	for _, lp := range live {
		if !recordIDs[lp.ID] {
			report.Orphaned = append(report.Orphaned, lp)
		}
	}

	if len(report.Stale) > 0 || len(report.Orphaned) > 0 {
		s.logger.Warn("records and engine disagree",
			"task_id", taskID, "stale", len(report.Stale), "orphaned", len(report.Orphaned))
	}
	return report, nil
}

// ListAudit returns audit entries for a task (all when empty), oldest first.
func (s *Service) ListAudit(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	if s.pdr == nil {
		return []models.PDREntry{}, nil
	}
	entries, err := s.pdr.List(ctx, taskID)
	if err != nil {
		return nil, newError(KindStorage, "list audit", err)
	}
	return entries, nil
}

// loadPipeline fetches a record after an existence check. A read failure
// of a record known to exist is reported as storage corruption.
func (s *Service) loadPipeline(ctx context.Context, op, id string) (*models.Pipeline, error) {
	exists, err := s.store.Pipelines.Exists(ctx, id)
	if err != nil {
		return nil, newError(KindStorage, op, err)
	}
	if !exists {
		return nil, newError(KindNotFound, op, fmt.Errorf("%w: %s", ErrPipelineNotFound, id))
	}
	p, err := s.store.Pipelines.Get(ctx, id)
	if err != nil {
		return nil, newError(KindStorage, op, err)
	}
	return p, nil
}

func (s *Service) transition(p *models.Pipeline, next models.PipelineStatus) error {
	if !p.Status.CanTransition(next) {
		return newError(KindInternal, "transition "+p.ID,
			fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, next))
	}
	p.Status = next
	s.metrics.PipelineTransition(string(next))
	return nil
}

// record writes an audit entry. Audit failures are logged, never returned.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.pdr == nil {
		return
	}
	if _, err := s.pdr.Record(ctx, e); err != nil {
		s.logger.Error("failed to write audit entry", "action", e.Action, "error", err)
	}
}

// scrubToken masks token wherever the engine echoed it into a failure.
func scrubToken(err error, token string) {
	var f *engine.Failure
	if token == "" || !errors.As(err, &f) {
		return
	}
	f.Detail = strings.ReplaceAll(f.Detail, token, models.RedactedToken)
}

// failureDetail extracts the engine's own diagnostic text.
func failureDetail(err error) string {
	var f *engine.Failure
	if errors.As(err, &f) && f.Detail != "" {
		return f.Detail
	}
	return err.Error()
}
