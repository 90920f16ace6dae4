package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/hub/internal/metrics"
	"github.com/fentz26/hub/internal/models"
	"github.com/google/uuid"
)

// Handler performs the work for one event, typically creating a pipeline.
type Handler func(ctx context.Context, ev models.TaskStartedEvent) error

// Stats is a snapshot of scheduler activity.
type Stats struct {
	ActiveWorkers int    `json:"active_workers"`
	GlobalMax     int    `json:"global_max"`
	QueueDepth    int    `json:"queue_depth"`
	QueueSize     int    `json:"queue_size"`
	Dispatched    uint64 `json:"dispatched"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
}

// Scheduler queues task-started events and runs the handler for each on a
// fixed pool of workers.
type Scheduler struct {
	handler Handler
	config  *Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan models.TaskStartedEvent

	mu            sync.Mutex
	started       bool
	closed        bool
	activeWorkers int
	dispatched    uint64
	failed        uint64
	dropped       uint64

	wg sync.WaitGroup
}

// New creates a new scheduler.
func New(handler Handler, cfg *Config, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		handler: handler,
		config:  cfg,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		queue:   make(chan models.TaskStartedEvent, cfg.QueueSize),
	}
}

// Start launches the worker pool. Calling Start twice has no effect.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.started || sch.closed {
		return
	}
	sch.started = true

	for i := 0; i < sch.config.GlobalMax; i++ {
		sch.wg.Add(1)
		go sch.worker()
	}
	sch.logger.Info("scheduler started", "workers", sch.config.GlobalMax, "queue_size", sch.config.QueueSize)
}

// Stop refuses new events, lets the workers drain the queue, and waits for
// them to finish.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	if sch.closed {
		sch.mu.Unlock()
		return
	}
	sch.closed = true
	close(sch.queue)
	sch.mu.Unlock()

	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// OnTaskStarted enqueues ev without blocking. It is dropped when the queue
// is full or the scheduler is stopping.
func (sch *Scheduler) OnTaskStarted(ev models.TaskStartedEvent) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	if sch.closed {
		sch.dropped++
		sch.metrics.HookEvent("dropped")
		sch.logger.Warn("scheduler stopping, dropping event", "task_id", ev.TaskID)
		return
	}

	select {
	case sch.queue <- ev:
		sch.metrics.SetQueueDepth(len(sch.queue))
		sch.logger.Debug("queued task event", "task_id", ev.TaskID)
	default:
		sch.dropped++
		sch.metrics.HookEvent("dropped")
		sch.logger.Warn("scheduler queue full, dropping event", "task_id", ev.TaskID)
	}
}

func (sch *Scheduler) worker() {
	defer sch.wg.Done()
	for ev := range sch.queue {
		sch.dispatch(ev)
	}
}

// dispatch runs the handler for one event.
func (sch *Scheduler) dispatch(ev models.TaskStartedEvent) {
	dispatchID := uuid.New().String()
	logger := sch.logger.With("task_id", ev.TaskID, "dispatch_id", dispatchID)

	sch.mu.Lock()
	sch.activeWorkers++
	sch.metrics.SetQueueDepth(len(sch.queue))
	sch.mu.Unlock()

	defer func() {
		sch.mu.Lock()
		sch.activeWorkers--
		sch.mu.Unlock()
	}()

	logger.Info("dispatching task event")
	start := time.Now()
	err := sch.runHandler(ev)

	sch.mu.Lock()
	if err != nil {
		sch.failed++
		sch.metrics.HookEvent("failed")
	} else {
		sch.dispatched++
		sch.metrics.HookEvent("dispatched")
	}
	sch.mu.Unlock()

	if err != nil {
		logger.Error("task event handler failed", "error", err, "duration", time.Since(start))
		return
	}
	logger.Info("task event handled", "duration", time.Since(start))
}

// runHandler keeps a panicking handler from taking down its worker.
func (sch *Scheduler) runHandler(ev models.TaskStartedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sch.handler(context.Background(), ev)
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	return Stats{
		ActiveWorkers: sch.activeWorkers,
		GlobalMax:     sch.config.GlobalMax,
		QueueDepth:    len(sch.queue),
		QueueSize:     sch.config.QueueSize,
		Dispatched:    sch.dispatched,
		Failed:        sch.failed,
		Dropped:       sch.dropped,
	}
}
