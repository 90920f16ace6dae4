package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/hub/internal/audit"
	"github.com/fentz26/hub/internal/ids"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/store"
)

// TaskObserver is notified when a task moves into in-progress.
// OnTaskStarted is called synchronously after the task is written and must
// not block.
type TaskObserver interface {
	OnTaskStarted(ev models.TaskStartedEvent)
}

// AddObserver registers o for task lifecycle events.
func (s *Service) AddObserver(o TaskObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Service) publishTaskStarted(ev models.TaskStartedEvent) {
	s.observersMu.RLock()
	observers := append([]TaskObserver(nil), s.observers...)
	s.observersMu.RUnlock()

	for _, o := range observers {
		o.OnTaskStarted(ev)
	}
}

// --- Task Operations ---

// CreateTask creates a new pending task.
func (s *Service) CreateTask(ctx context.Context, description string) (*models.Task, error) {
	now := s.clock.Now()
	task := &models.Task{
		ID:          ids.NewTaskID(),
		Description: description,
		Status:      models.TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Tasks.Save(ctx, task); err != nil {
		return nil, newError(KindStorage, "create task", err)
	}

	s.record(ctx, audit.Entry{
		Action:  "task.create",
		Inputs:  map[string]string{"description": description},
		Outcome: "success",
		TaskID:  task.ID,
	})
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, taskError("get task", id, err)
	}
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *Service) ListTasks(ctx context.Context) ([]models.Task, error) {
	tasks, err := s.store.Tasks.List(ctx)
	if err != nil {
		return nil, newError(KindStorage, "list tasks", err)
	}
	return tasks, nil
}

// TaskPatch is a partial task update. Nil fields are left unchanged. Git is
// never stored; it only travels with the started event.
type TaskPatch struct {
	Description *string
	Status      *models.TaskStatus
	Git         models.GitParams
}

// UpdateTask merges patch into the stored task. A move into in-progress
// publishes a TaskStartedEvent after the write.
func (s *Service) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*models.Task, error) {
	const op = "update task"

	unlock := s.recordLocks.Lock(id)
	defer unlock()

	task, err := s.store.Tasks.Get(ctx, id)
	if err != nil {
		return nil, taskError(op, id, err)
	}

	previous := task.Status
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	task.UpdatedAt = s.clock.Now()

	if err := s.store.Tasks.Save(ctx, task); err != nil {
		return nil, newError(KindStorage, op, err)
	}

	s.record(ctx, audit.Entry{
		Action: "task.update",
		Inputs: map[string]string{
			"description": task.Description,
			"status":      string(task.Status),
		},
		Outcome: "success",
		TaskID:  task.ID,
		Details: fmt.Sprintf("%s -> %s", previous, task.Status),
	})

	if previous != models.TaskStatusInProgress && task.Status == models.TaskStatusInProgress {
		s.logger.Info("task started", "task_id", task.ID)
		s.publishTaskStarted(models.TaskStartedEvent{
			TaskID:      task.ID,
			Description: task.Description,
			Git:         patch.Git,
		})
	}
	return task, nil
}

// DeleteTask removes a task. Its pipeline records are kept.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	const op = "delete task"

	unlock := s.recordLocks.Lock(id)
	defer unlock()

	if err := s.store.Tasks.Delete(ctx, id); err != nil {
		return taskError(op, id, err)
	}
	s.record(ctx, audit.Entry{
		Action:  "task.delete",
		Inputs:  map[string]string{"task_id": id},
		Outcome: "success",
		TaskID:  id,
	})
	return nil
}

// taskError maps a store error for a task lookup. Ids that can never be
// stored are reported as missing.
func taskError(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID) {
		return newError(KindNotFound, op, fmt.Errorf("%w: %s", ErrTaskNotFound, id))
	}
	return newError(KindStorage, op, err)
}

// HandleTaskStarted creates a pipeline for a started task. It is the
// scheduler's handler for TaskStartedEvent.
func (s *Service) HandleTaskStarted(ctx context.Context, ev models.TaskStartedEvent) error {
	_, err := s.CreatePipeline(ctx, CreatePipelineInput{
		TaskID:      ev.TaskID,
		Description: ev.Description,
		Git:         ev.Git,
	})
	return err
}
