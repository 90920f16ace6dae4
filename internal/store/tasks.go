package store

import (
	"context"
	"sort"

	"github.com/fentz26/hub/internal/models"
)

// TaskRepository persists task records.
type TaskRepository struct {
	records *Collection[models.Task]
}

// Get retrieves a task by ID.
func (r *TaskRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := r.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Exists reports whether a task record is present.
func (r *TaskRepository) Exists(ctx context.Context, id string) (bool, error) {
	return r.records.Exists(ctx, id)
}

// Save overwrites the task record.
func (r *TaskRepository) Save(ctx context.Context, task *models.Task) error {
	return r.records.Put(ctx, task.ID, *task)
}

// Delete removes a task record.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	return r.records.Delete(ctx, id)
}

// List returns all tasks, newest first.
func (r *TaskRepository) List(ctx context.Context) ([]models.Task, error) {
	tasks, err := r.records.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}
