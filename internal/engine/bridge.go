// Package engine invokes the external execution engine on behalf of the
// orchestrator.
//
// Every call is synchronous and attempted exactly once. A spawn error or a
// non-zero exit is returned as a *Failure carrying the engine's own
// diagnostic text; the caller decides what to persist. Git tokens are only
// ever passed as argv elements and are redacted from logs and failures.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/hub/internal/connectors"
	"github.com/fentz26/hub/internal/ids"
	"github.com/fentz26/hub/internal/metrics"
	"github.com/fentz26/hub/internal/models"
)

// Engine verbs.
const (
	VerbStart  = "start"
	VerbStop   = "stop"
	VerbStatus = "status"
	VerbLogs   = "logs"
	VerbList   = "list"
)

// Failure is returned when the engine could not be run or exited non-zero.
type Failure struct {
	Verb string
	// ExitCode is -1 when the process could not be started.
	ExitCode int
	// Detail is stderr, or stdout when stderr is empty, or the spawn error.
	Detail string
}

func (f *Failure) Error() string {
	detail := strings.TrimSpace(f.Detail)
	if detail == "" {
		detail = fmt.Sprintf("exit status %d", f.ExitCode)
	}
	return fmt.Sprintf("engine %s failed: %s", f.Verb, detail)
}

// Options configures a Bridge.
type Options struct {
	// Executable is the engine script or binary.
	Executable string
	// Timeout bounds each call; zero leaves calls unbounded.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Bridge maps orchestrator operations onto engine invocations.
type Bridge struct {
	connector  connectors.Connector
	executable string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a Bridge that executes through conn.
func New(conn connectors.Connector, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		connector:  conn,
		executable: opts.Executable,
		timeout:    opts.Timeout,
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// Start launches a pipeline.
func (b *Bridge) Start(ctx context.Context, taskID, pipelineID, description string, git models.GitParams) error {
	args := []string{VerbStart, "--task-id", taskID, "--pipeline-id", pipelineID, "--task-description", description}
	if git.URL != "" {
		args = append(args, "--git-url", git.URL)
	}
	if git.Username != "" {
		args = append(args, "--git-username", git.Username)
	}
	if git.Token != "" {
		args = append(args, "--git-token", git.Token)
	}
	_, err := b.run(ctx, VerbStart, taskID, pipelineID, args)
	return err
}

// Stop halts a pipeline.
func (b *Bridge) Stop(ctx context.Context, taskID, pipelineID string) error {
	_, err := b.run(ctx, VerbStop, taskID, pipelineID, pipelineArgs(VerbStop, taskID, pipelineID))
	return err
}

// Status returns the engine's live status text for a pipeline.
func (b *Bridge) Status(ctx context.Context, taskID, pipelineID string) (string, error) {
	res, err := b.run(ctx, VerbStatus, taskID, pipelineID, pipelineArgs(VerbStatus, taskID, pipelineID))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Logs returns the engine's log output for a pipeline.
func (b *Bridge) Logs(ctx context.Context, taskID, pipelineID string) (string, error) {
	res, err := b.run(ctx, VerbLogs, taskID, pipelineID, pipelineArgs(VerbLogs, taskID, pipelineID))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// List returns the pipelines the engine currently knows about, optionally
// restricted to one task.
func (b *Bridge) List(ctx context.Context, taskID string) ([]models.LivePipeline, error) {
	args := []string{VerbList, "--format", "json"}
	if taskID != "" {
		args = append(args, "--task-id", taskID)
	}
	res, err := b.run(ctx, VerbList, taskID, "", args)
	if err != nil {
		return nil, err
	}
	return parseList(res.Stdout)
}

func pipelineArgs(verb, taskID, pipelineID string) []string {
	return []string{verb, "--task-id", taskID, "--pipeline-id", pipelineID}
}

func (b *Bridge) run(ctx context.Context, verb, taskID, pipelineID string, args []string) (*connectors.ExecResult, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	logger := b.logger.With("verb", verb, "task_id", taskID)
	if pipelineID != "" {
		logger = logger.With("pipeline_id", pipelineID)
	}
	logger.Debug("invoking engine", "args", connectors.RedactArgs(args))

	start := time.Now()
	res, err := b.connector.Execute(ctx, b.executable, args)
	elapsed := time.Since(start)

	if err != nil {
		b.metrics.EngineCall(verb, false, elapsed)
		logger.Error("engine invocation failed", "error", err, "duration", elapsed)
		return nil, &Failure{Verb: verb, ExitCode: -1, Detail: err.Error()}
	}
	if res.ExitCode != 0 {
		b.metrics.EngineCall(verb, false, elapsed)
		detail := res.Stderr
		if strings.TrimSpace(detail) == "" {
			detail = res.Stdout
		}
		logger.Warn("engine exited non-zero", "exit_code", res.ExitCode, "duration", elapsed)
		return nil, &Failure{Verb: verb, ExitCode: res.ExitCode, Detail: detail}
	}

	b.metrics.EngineCall(verb, true, elapsed)
	logger.Info("engine call succeeded", "duration", elapsed)
	return res, nil
}

// parseList decodes `list --format json` output. Entries that only carry a
// container name get their pipeline and task ids derived from it.
func parseList(out string) ([]models.LivePipeline, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	var live []models.LivePipeline
	if err := json.Unmarshal([]byte(out), &live); err != nil {
		return nil, fmt.Errorf("parse engine list output: %w", err)
	}
	for i := range live {
		p := &live[i]
		if p.ID == "" && p.ContainerName != "" {
			if id, ok := ids.PipelineIDFromContainer(p.ContainerName); ok {
				p.ID = id
			}
		}
		if p.TaskID == "" && p.ID != "" {
			if taskID, _, err := ids.ParsePipelineID(p.ID); err == nil {
				p.TaskID = taskID
			}
		}
		if p.ContainerName == "" && p.ID != "" {
			p.ContainerName = ids.ContainerName(p.ID)
		}
	}
	return live, nil
}
