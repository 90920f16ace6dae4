package store

import (
	"context"
	"sort"

	"github.com/fentz26/hub/internal/ids"
	"github.com/fentz26/hub/internal/models"
)

// PipelineRepository adds task-scoped queries over pipeline records.
// Listings are ordered newest createdAt first, ties broken by ascending id.
type PipelineRepository struct {
	records *Collection[models.Pipeline]
}

// Get retrieves a pipeline by ID.
func (r *PipelineRepository) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	p, err := r.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Exists reports whether a pipeline record is present.
func (r *PipelineRepository) Exists(ctx context.Context, id string) (bool, error) {
	return r.records.Exists(ctx, id)
}

// Save overwrites the pipeline record.
func (r *PipelineRepository) Save(ctx context.Context, p *models.Pipeline) error {
	return r.records.Put(ctx, p.ID, *p)
}

// ListAll returns every pipeline.
func (r *PipelineRepository) ListAll(ctx context.Context) ([]models.Pipeline, error) {
	pipelines, err := r.records.List(ctx)
	if err != nil {
		return nil, err
	}
	sortPipelines(pipelines)
	return pipelines, nil
}

// ListByTask returns the pipelines belonging to taskID.
func (r *PipelineRepository) ListByTask(ctx context.Context, taskID string) ([]models.Pipeline, error) {
	all, err := r.records.List(ctx)
	if err != nil {
		return nil, err
	}
	pipelines := make([]models.Pipeline, 0, len(all))
	for _, p := range all {
		if p.TaskID == taskID {
			pipelines = append(pipelines, p)
		}
	}
	sortPipelines(pipelines)
	return pipelines, nil
}

// IDsByTask returns the ids of every stored pipeline of taskID, corrupt
// records included. Id allocation must see all of them.
func (r *PipelineRepository) IDsByTask(ctx context.Context, taskID string) ([]string, error) {
	all, err := r.records.IDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, id := range all {
		if owner, _, err := ids.ParsePipelineID(id); err == nil && owner == taskID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ActiveByTask returns every starting or running pipeline of taskID, newest
// first. Normally there is at most one.
func (r *PipelineRepository) ActiveByTask(ctx context.Context, taskID string) ([]models.Pipeline, error) {
	pipelines, err := r.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	active := pipelines[:0]
	for _, p := range pipelines {
		if p.Status.IsActive() {
			active = append(active, p)
		}
	}
	return active, nil
}

// FindActive returns the most recent starting or running pipeline of
// taskID, or nil when there is none. Pipeline creation uses ActiveByTask
// instead so that stray active records left by a crash are stopped too.
func (r *PipelineRepository) FindActive(ctx context.Context, taskID string) (*models.Pipeline, error) {
	active, err := r.ActiveByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return &active[0], nil
}

func sortPipelines(pipelines []models.Pipeline) {
	sort.SliceStable(pipelines, func(i, j int) bool {
		if !pipelines[i].CreatedAt.Equal(pipelines[j].CreatedAt) {
			return pipelines[i].CreatedAt.After(pipelines[j].CreatedAt)
		}
		return pipelines[i].ID < pipelines[j].ID
	})
}
