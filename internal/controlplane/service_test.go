package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/hub/internal/audit"
	"github.com/fentz26/hub/internal/clock"
	"github.com/fentz26/hub/internal/engine"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/store"
)

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	startGit []models.GitParams
	startErr error
	stopErr  error
	status   string
	logs     string
	live     []models.LivePipeline
	listErr  error
}

func (e *fakeEngine) note(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Start(ctx context.Context, taskID, pipelineID, description string, git models.GitParams) error {
	e.note("start " + pipelineID)
	e.mu.Lock()
	e.startGit = append(e.startGit, git)
	e.mu.Unlock()
	return e.startErr
}

func (e *fakeEngine) Stop(ctx context.Context, taskID, pipelineID string) error {
	e.note("stop " + pipelineID)
	return e.stopErr
}

func (e *fakeEngine) Status(ctx context.Context, taskID, pipelineID string) (string, error) {
	e.note("status " + pipelineID)
	return e.status, nil
}

func (e *fakeEngine) Logs(ctx context.Context, taskID, pipelineID string) (string, error) {
	e.note("logs " + pipelineID)
	return e.logs, nil
}

func (e *fakeEngine) List(ctx context.Context, taskID string) ([]models.LivePipeline, error) {
	e.note("list " + taskID)
	return e.live, e.listErr
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type testEnv struct {
	svc    *Service
	store  *store.Store
	engine *fakeEngine
	clock  *clock.FakeClock
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(store.Options{Backend: "file", Format: "json", DataDir: dir}, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.Fake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	eng := &fakeEngine{}
	pdr := audit.NewPDRWriter(st.Audit, clk)
	svc := NewService(st, pdr, eng, Options{Clock: clk})

	return &testEnv{svc: svc, store: st, engine: eng, clock: clk, dir: dir}
}

func (env *testEnv) task(t *testing.T, description string) *models.Task {
	t.Helper()
	task, err := env.svc.CreateTask(context.Background(), description)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func (env *testEnv) create(t *testing.T, taskID string) *models.Pipeline {
	t.Helper()
	env.clock.Advance(time.Second)
	p, err := env.svc.CreatePipeline(context.Background(), CreatePipelineInput{TaskID: taskID, Description: "d"})
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	return p
}

func countActive(pipelines []models.Pipeline) int {
	n := 0
	for _, p := range pipelines {
		if p.Status.IsActive() {
			n++
		}
	}
	return n
}

func TestCreatePipeline_Running(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Test task")

	p := env.create(t, task.ID)

	if p.ID != task.ID+"_pipeline_1" {
		t.Errorf("Expected id %s_pipeline_1, got %s", task.ID, p.ID)
	}
	if p.Status != models.PipelineStatusRunning {
		t.Errorf("Expected status running, got %s", p.Status)
	}
	if p.StartedAt == nil {
		t.Error("Expected startedAt to be set")
	}
	if p.ContainerName != "pipe-"+p.ID || p.VolumeName != "vol-"+p.ID {
		t.Errorf("Unexpected resource names %q %q", p.ContainerName, p.VolumeName)
	}

	stored, err := env.store.Pipelines.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != models.PipelineStatusRunning {
		t.Errorf("Expected persisted status running, got %s", stored.Status)
	}
}

func TestCreatePipeline_MonotonicIDs(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "a")
	other := env.task(t, "b")

	env.create(t, other.ID)
	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, env.create(t, task.ID).ID)
		env.create(t, other.ID)
	}

	for i, id := range got {
		want := fmt.Sprintf("%s_pipeline_%d", task.ID, i+1)
		if id != want {
			t.Errorf("Expected %s, got %s", want, id)
		}
	}
}

func TestCreatePipeline_ReplacesActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "Test task")

	first := env.create(t, task.ID)
	second := env.create(t, task.ID)

	old, err := env.store.Pipelines.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if old.Status != models.PipelineStatusStopped {
		t.Errorf("Expected replaced pipeline to be stopped, got %s", old.Status)
	}
	if old.StoppedAt == nil {
		t.Error("Expected stoppedAt on replaced pipeline")
	}
	if second.Status != models.PipelineStatusRunning {
		t.Errorf("Expected new pipeline running, got %s", second.Status)
	}

	list, err := env.svc.ListPipelines(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListPipelines failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 pipelines, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("Expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}
	if n := countActive(list); n != 1 {
		t.Errorf("Expected 1 active pipeline, got %d", n)
	}

	want := []string{"start " + first.ID, "stop " + first.ID, "start " + second.ID}
	if strings.Join(env.engine.calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, env.engine.calls)
	}
}

func TestCreatePipeline_ReplaceStopFailureStillStarts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")

	first := env.create(t, task.ID)
	env.engine.stopErr = &engine.Failure{Verb: engine.VerbStop, ExitCode: 1, Detail: "no such container"}
	second := env.create(t, task.ID)

	if second.Status != models.PipelineStatusRunning {
		t.Errorf("Expected new pipeline running, got %s", second.Status)
	}
	old, _ := env.store.Pipelines.Get(ctx, first.ID)
	if old.Status != models.PipelineStatusRunning {
		t.Errorf("Expected unstoppable pipeline left as running, got %s", old.Status)
	}
}

func TestCreatePipeline_UnknownTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreatePipeline(ctx, CreatePipelineInput{TaskID: "task_missing", Description: "d"})
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}

	all, _ := env.store.Pipelines.ListAll(ctx)
	if len(all) != 0 {
		t.Errorf("Expected no pipeline records, got %d", len(all))
	}
	if env.engine.callCount() != 0 {
		t.Errorf("Expected no engine calls, got %v", env.engine.calls)
	}
}

func TestCreatePipeline_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreatePipeline(context.Background(), CreatePipelineInput{Description: "d"})
	if KindOf(err) != KindValidation || !errors.Is(err, ErrMissingField) {
		t.Errorf("Expected missing field validation error, got %v", err)
	}
	if env.engine.callCount() != 0 {
		t.Errorf("Expected no engine calls, got %d", env.engine.callCount())
	}
}

func TestCreatePipeline_DefaultsToTaskDescription(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "write the docs")

	p, err := env.svc.CreatePipeline(context.Background(), CreatePipelineInput{TaskID: task.ID})
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	if p.Description != "write the docs" {
		t.Errorf("Expected task description, got %q", p.Description)
	}
}

func TestHandleTaskStarted_EmptyDescription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "")

	obs := &recordingObserver{}
	env.svc.AddObserver(obs)
	inProgress := models.TaskStatusInProgress
	if _, err := env.svc.UpdateTask(ctx, task.ID, TaskPatch{Status: &inProgress}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if len(obs.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(obs.events))
	}

	if err := env.svc.HandleTaskStarted(ctx, obs.events[0]); err != nil {
		t.Fatalf("HandleTaskStarted failed: %v", err)
	}
	list, _ := env.svc.ListPipelines(ctx, task.ID)
	if len(list) != 1 || list[0].Status != models.PipelineStatusRunning {
		t.Errorf("Expected one running pipeline, got %+v", list)
	}
}

func TestCreatePipeline_CorruptRecordKeepsIDReserved(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "t")

	env.create(t, task.ID)
	second := env.create(t, task.ID)

	path := filepath.Join(env.dir, "pipelines", second.ID+".json")
	if err := os.WriteFile(path, []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	third := env.create(t, task.ID)
	if want := task.ID + "_pipeline_3"; third.ID != want {
		t.Errorf("Expected %s, got %s", want, third.ID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Corrupt record was removed: %v", err)
	}
	if string(data) != "{garbage" {
		t.Errorf("Expected corrupt record left untouched, got %q", data)
	}
}

func TestCreatePipeline_EngineFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")

	env.engine.startErr = &engine.Failure{Verb: engine.VerbStart, ExitCode: 2, Detail: "docker: image not found"}
	p, err := env.svc.CreatePipeline(ctx, CreatePipelineInput{TaskID: task.ID, Description: "d"})

	if KindOf(err) != KindEngine {
		t.Fatalf("Expected engine error, got %v", err)
	}
	if p == nil {
		t.Fatal("Expected failed pipeline record to be returned")
	}
	if p.Status != models.PipelineStatusFailed {
		t.Errorf("Expected status failed, got %s", p.Status)
	}
	if p.Error != "docker: image not found" {
		t.Errorf("Expected engine detail in record, got %q", p.Error)
	}

	stored, _ := env.store.Pipelines.Get(ctx, p.ID)
	if stored.Status != models.PipelineStatusFailed {
		t.Errorf("Expected persisted status failed, got %s", stored.Status)
	}
}

func TestCreatePipeline_TokenNeverPersisted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")
	const token = "ghp_supersecret"

	env.engine.startErr = &engine.Failure{Verb: engine.VerbStart, ExitCode: 1, Detail: "auth failed for " + token}
	p, err := env.svc.CreatePipeline(ctx, CreatePipelineInput{
		TaskID:      task.ID,
		Description: "d",
		Git:         models.GitParams{URL: "https://example.com/r.git", Username: "bob", Token: token},
	})
	if err == nil {
		t.Fatal("Expected engine error")
	}

	if env.engine.startGit[0].Token != token {
		t.Errorf("Expected engine to receive the raw token")
	}
	if p.GitToken != models.RedactedToken {
		t.Errorf("Expected redacted token marker, got %q", p.GitToken)
	}
	if strings.Contains(p.Error, token) || strings.Contains(err.Error(), token) {
		t.Error("Expected token scrubbed from failure detail")
	}

	filepath.WalkDir(env.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, _ := os.ReadFile(path)
		if bytes.Contains(data, []byte(token)) {
			t.Errorf("Raw token found in %s", path)
		}
		return nil
	})
}

func TestStopPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")
	p := env.create(t, task.ID)

	stopped, err := env.svc.StopPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("StopPipeline failed: %v", err)
	}
	if stopped.Status != models.PipelineStatusStopped || stopped.StoppedAt == nil {
		t.Errorf("Expected stopped with stoppedAt, got %+v", stopped)
	}

	_, err = env.svc.StopPipeline(ctx, p.ID)
	if KindOf(err) != KindConflict {
		t.Errorf("Expected conflict on second stop, got %v", err)
	}
}

func TestStopPipeline_CompletedUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")

	p := &models.Pipeline{
		ID:          task.ID + "_pipeline_1",
		TaskID:      task.ID,
		Description: "d",
		Status:      models.PipelineStatusCompleted,
		CreatedAt:   env.clock.Now(),
	}
	if err := env.store.Pipelines.Save(ctx, p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	path := filepath.Join(env.dir, store.PipelinesCollection, p.ID+".json")
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	_, err = env.svc.StopPipeline(ctx, p.ID)
	if KindOf(err) != KindConflict || !errors.Is(err, ErrPipelineNotRunning) {
		t.Errorf("Expected conflict, got %v", err)
	}

	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("Expected record to be unchanged")
	}
	if env.engine.callCount() != 0 {
		t.Errorf("Expected no engine calls, got %v", env.engine.calls)
	}
}

func TestStopPipeline_EngineFailureLeavesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")
	p := env.create(t, task.ID)

	env.engine.stopErr = &engine.Failure{Verb: engine.VerbStop, ExitCode: 1, Detail: "daemon unavailable"}
	_, err := env.svc.StopPipeline(ctx, p.ID)
	if KindOf(err) != KindEngine {
		t.Fatalf("Expected engine error, got %v", err)
	}
	if failureDetail(err) != "daemon unavailable" {
		t.Errorf("Expected engine detail, got %q", failureDetail(err))
	}

	stored, _ := env.store.Pipelines.Get(ctx, p.ID)
	if stored.Status != models.PipelineStatusRunning {
		t.Errorf("Expected record left running, got %s", stored.Status)
	}
}

func TestStopPipeline_NotFoundAndInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.StopPipeline(ctx, "task_x_pipeline_4")
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}

	_, err = env.svc.StopPipeline(ctx, "not-a-pipeline")
	if KindOf(err) != KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestStatusAndLogs_InvalidIDSkipsEngine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"bogus", "T1_pipeline_0", "T1_pipeline_x", "_pipeline_1"} {
		if _, err := env.svc.PipelineStatus(ctx, id); KindOf(err) != KindValidation {
			t.Errorf("Status(%q): expected validation error, got %v", id, err)
		}
		if _, err := env.svc.PipelineLogs(ctx, id); KindOf(err) != KindValidation {
			t.Errorf("Logs(%q): expected validation error, got %v", id, err)
		}
	}
	if env.engine.callCount() != 0 {
		t.Errorf("Expected no engine calls, got %v", env.engine.calls)
	}
}

func TestStatusAndLogs_PassThrough(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")
	p := env.create(t, task.ID)

	env.engine.status = "Up 3 minutes\n"
	env.engine.logs = "step 1\nstep 2\n"

	status, err := env.svc.PipelineStatus(ctx, p.ID)
	if err != nil || status != "Up 3 minutes\n" {
		t.Errorf("Expected raw status, got %q (%v)", status, err)
	}
	logs, err := env.svc.PipelineLogs(ctx, p.ID)
	if err != nil || logs != "step 1\nstep 2\n" {
		t.Errorf("Expected raw logs, got %q (%v)", logs, err)
	}
}

func TestConcurrentCreatesKeepOneActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.svc.CreatePipeline(ctx, CreatePipelineInput{TaskID: task.ID, Description: "d"})
		}()
	}
	wg.Wait()

	list, err := env.svc.ListPipelines(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListPipelines failed: %v", err)
	}
	if len(list) != 8 {
		t.Errorf("Expected 8 pipelines, got %d", len(list))
	}
	if n := countActive(list); n != 1 {
		t.Errorf("Expected exactly 1 active pipeline, got %d", n)
	}
	seen := make(map[string]bool)
	for _, p := range list {
		if seen[p.ID] {
			t.Errorf("Duplicate pipeline id %s", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestUpdateTask_PublishesStartedEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "build it")

	obs := &recordingObserver{}
	env.svc.AddObserver(obs)

	inProgress := models.TaskStatusInProgress
	updated, err := env.svc.UpdateTask(ctx, task.ID, TaskPatch{
		Status: &inProgress,
		Git:    models.GitParams{URL: "https://example.com/r.git", Token: "tok"},
	})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if updated.Status != models.TaskStatusInProgress {
		t.Errorf("Expected in-progress, got %s", updated.Status)
	}

	// A second in-progress write is not a new start.
	env.svc.UpdateTask(ctx, task.ID, TaskPatch{Status: &inProgress})

	if len(obs.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(obs.events))
	}
	ev := obs.events[0]
	if ev.TaskID != task.ID || ev.Description != "build it" || ev.Git.Token != "tok" {
		t.Errorf("Unexpected event %+v", ev)
	}

	if err := env.svc.HandleTaskStarted(ctx, ev); err != nil {
		t.Fatalf("HandleTaskStarted failed: %v", err)
	}
	list, _ := env.svc.ListPipelines(ctx, task.ID)
	if len(list) != 1 || list[0].Status != models.PipelineStatusRunning {
		t.Errorf("Expected one running pipeline, got %+v", list)
	}
}

type recordingObserver struct {
	events []models.TaskStartedEvent
}

func (o *recordingObserver) OnTaskStarted(ev models.TaskStartedEvent) {
	o.events = append(o.events, ev)
}

func TestTaskCRUD(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "first")

	desc := "renamed"
	updated, err := env.svc.UpdateTask(ctx, task.ID, TaskPatch{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if updated.Description != "renamed" || updated.Status != models.TaskStatusPending {
		t.Errorf("Unexpected task after update %+v", updated)
	}

	if err := env.svc.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := env.svc.GetTask(ctx, task.ID); KindOf(err) != KindNotFound {
		t.Errorf("Expected not_found after delete, got %v", err)
	}
	if err := env.svc.DeleteTask(ctx, task.ID); KindOf(err) != KindNotFound {
		t.Errorf("Expected not_found on second delete, got %v", err)
	}
	if _, err := env.svc.GetTask(ctx, "../etc/passwd"); KindOf(err) != KindNotFound {
		t.Errorf("Expected not_found for unstorable id, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")
	p := env.create(t, task.ID)

	env.engine.live = []models.LivePipeline{{ID: task.ID + "_pipeline_9", TaskID: task.ID}}
	report, err := env.svc.Reconcile(ctx, task.ID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(report.Stale) != 1 || report.Stale[0].ID != p.ID {
		t.Errorf("Expected %s stale, got %+v", p.ID, report.Stale)
	}
	if len(report.Orphaned) != 1 || report.Orphaned[0].ID != task.ID+"_pipeline_9" {
		t.Errorf("Expected one orphan, got %+v", report.Orphaned)
	}

	env.engine.listErr = &engine.Failure{Verb: engine.VerbList, ExitCode: 1}
	if _, err := env.svc.Reconcile(ctx, task.ID); KindOf(err) != KindEngine {
		t.Errorf("Expected engine error, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "t")
	p := env.create(t, task.ID)
	env.clock.Advance(time.Second)
	env.svc.StopPipeline(ctx, p.ID)

	entries, err := env.svc.ListAudit(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action+":"+e.Outcome)
	}
	want := "task.create:success,pipeline.create:success,pipeline.stop:success"
	if strings.Join(actions, ",") != want {
		t.Errorf("Expected %s, got %s", want, strings.Join(actions, ","))
	}
}
