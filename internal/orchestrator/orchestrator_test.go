package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/recovery"
	"github.com/msageha/stagehand/internal/snapshot"
	"github.com/msageha/stagehand/internal/workflow"
)

type execFunc func(ctx context.Context, task *model.Task) (map[string]interface{}, error)

func (f execFunc) Execute(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return f(ctx, task)
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(model.DefaultConfig(), nil)
	t.Cleanup(o.Close)
	return o
}

func twoStageDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "release-pipeline",
		Stages: []workflow.StageSpec{
			{
				Name: "build",
				Mode: model.ModeParallel,
				Tasks: []workflow.TaskSpec{
					{Agent: "compiler", Description: "compile backend"},
					{Agent: "compiler", Description: "compile frontend"},
					{Agent: "packager", Description: "bundle assets"},
				},
				SyncPoint: &model.SyncPointSpec{
					Type:     "barrier",
					Criteria: map[string]interface{}{"tasks_completed": "> 2"},
					MustPass: true,
				},
			},
			{
				Name:      "deploy",
				Mode:      model.ModeSequential,
				DependsOn: []string{"build"},
				Tasks: []workflow.TaskSpec{
					{Agent: "deployer", Description: "roll out"},
				},
			},
		},
	}
}

func TestLoadWorkflowRejectsInvalid(t *testing.T) {
	o := newTestOrchestrator(t)

	res := o.LoadWorkflow(&workflow.Definition{Name: "empty"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "at least one stage")

	res = o.LoadWorkflow(&workflow.Definition{
		Name: "cyclic",
		Stages: []workflow.StageSpec{
			{Name: "a", Mode: model.ModeParallel, DependsOn: []string{"b"}},
			{Name: "b", Mode: model.ModeParallel, DependsOn: []string{"a"}},
		},
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "circular dependency")

	// Nothing was installed.
	_, err := o.GetWorkflowProgress()
	assert.Error(t, err)
}

func TestLoadWorkflowSuccess(t *testing.T) {
	o := newTestOrchestrator(t)

	res := o.LoadWorkflow(twoStageDefinition())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.StageCount)
	idType, err := model.ParseIDType(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.IDTypeRun, idType)
}

func TestCreateTask(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	res := o.CreateTask("tester", "smoke test", "deploy", TaskOptions{Priority: 8})
	require.True(t, res.Success, res.Error)
	idType, err := model.ParseIDType(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.IDTypeTask, idType)

	res = o.CreateTask("tester", "smoke test", "missing", TaskOptions{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	res = o.CreateTask("tester", "smoke test", "deploy", TaskOptions{Priority: 11})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "out of range")
}

func TestCreateTaskWithoutWorkflow(t *testing.T) {
	o := newTestOrchestrator(t)
	res := o.CreateTask("tester", "anything", "build", TaskOptions{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no workflow loaded")
}

func TestPlanStageExecution(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	res := o.PlanStageExecution("build")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, model.ModeParallel, res.ExecutionMode)
	assert.Equal(t, 3, res.TaskCount)
	require.NotNil(t, res.ExecutionPlan)
	require.Len(t, res.ExecutionPlan.Levels, 1)
	assert.Len(t, res.ExecutionPlan.Levels[0], 3)

	res = o.PlanStageExecution("missing")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestExecuteStageEnforcesStageDependencies(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	res := o.ExecuteStage(context.Background(), "deploy")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "dependencies not satisfied")
}

func TestExecuteWorkflowEndToEnd(t *testing.T) {
	o := newTestOrchestrator(t)
	o.SetTaskExecutor(execFunc(func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"agent": task.Agent}, nil
	}))
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	res := o.ExecuteStage(context.Background(), "build")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.TasksExecuted)

	progress, err := o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, progress.StageCompletionPercentage, 0.01)
	assert.InDelta(t, 75.0, progress.TaskCompletionPercentage, 0.01)
	assert.InDelta(t, 60.0, progress.CompletionPercentage, 0.01)
	assert.Equal(t, model.RunStateRunning, progress.RunState)

	res = o.ExecuteStage(context.Background(), "deploy")
	require.True(t, res.Success, res.Error)

	progress, err = o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.InDelta(t, 100.0, progress.CompletionPercentage, 0.01)
	assert.Equal(t, model.RunStateCompleted, progress.RunState)
}

func TestStageOutputsCollected(t *testing.T) {
	o := newTestOrchestrator(t)
	o.SetTaskExecutor(execFunc(func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
		return map[string]interface{}{
			"artifact_url": "s3://builds/v1.tgz",
			"scratch":      "not declared",
		}, nil
	}))

	def := &workflow.Definition{
		Name: "publisher",
		Stages: []workflow.StageSpec{
			{
				Name: "package",
				Mode: model.ModeParallel,
				Tasks: []workflow.TaskSpec{
					{Agent: "packager", Description: "build artifact", Outputs: []string{"artifact_url"}},
				},
				SyncPoint: &model.SyncPointSpec{
					Criteria: map[string]interface{}{"artifact_url": "s3://builds/v1.tgz"},
					MustPass: true,
				},
			},
		},
	}
	require.True(t, o.LoadWorkflow(def).Success)

	res := o.ExecuteStage(context.Background(), "package")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "s3://builds/v1.tgz", res.Outputs["artifact_url"])
	_, undeclared := res.Outputs["scratch"]
	assert.False(t, undeclared, "only declared outputs are promoted to the stage")
}

func TestExecuteStageRejectsRepeat(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	require.True(t, o.ExecuteStage(context.Background(), "build").Success)
	res := o.ExecuteStage(context.Background(), "build")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already completed")
}

func TestSyncPointMustPassFailsStageAndRun(t *testing.T) {
	o := newTestOrchestrator(t)
	def := &workflow.Definition{
		Name: "gated",
		Stages: []workflow.StageSpec{
			{
				Name: "verify",
				Mode: model.ModeParallel,
				Tasks: []workflow.TaskSpec{
					{Agent: "verifier", Description: "check"},
				},
				SyncPoint: &model.SyncPointSpec{
					Type:     "barrier",
					Criteria: map[string]interface{}{"tasks_completed": "> 10"},
					MustPass: true,
				},
			},
		},
	}
	require.True(t, o.LoadWorkflow(def).Success)

	res := o.ExecuteStage(context.Background(), "verify")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "sync point failed")

	progress, err := o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, progress.RunState)

	// A failed run accepts no further execution.
	res = o.ExecuteStage(context.Background(), "verify")
	assert.Contains(t, res.Error, "run is failed")
}

func TestMarkTaskCompleted(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	created := o.CreateTask("tester", "manual step", "deploy", TaskOptions{})
	require.True(t, created.Success)

	res := o.MarkTaskCompleted(created.TaskID, map[string]interface{}{"ok": true})
	require.True(t, res.Success, res.Error)
	assert.GreaterOrEqual(t, res.ExecutionTimeSec, 0.0)

	res = o.MarkTaskCompleted("task_0000000000_deadbeef", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestMarkTaskCompletedRejectsTerminalTask(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	created := o.CreateTask("tester", "one shot", "deploy", TaskOptions{})
	require.True(t, created.Success)

	require.True(t, o.MarkTaskCompleted(created.TaskID, nil).Success)

	res := o.MarkTaskCompleted(created.TaskID, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "terminal")
}

func TestHandleTaskErrorRejectsTerminalTask(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	created := o.CreateTask("tester", "one shot", "deploy", TaskOptions{})
	require.True(t, created.Success)
	require.True(t, o.MarkTaskCompleted(created.TaskID, nil).Success)

	res := o.HandleTaskError(created.TaskID, "network_error: late report")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "terminal")

	// The completed task was not disturbed.
	progress, err := o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Tasks.Completed)
	assert.Zero(t, progress.Tasks.Retrying)
}

func TestHandleTaskErrorRetry(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	created := o.CreateTask("fetcher", "download artifact", "deploy", TaskOptions{Priority: 7})
	require.True(t, created.Success)

	res := o.HandleTaskError(created.TaskID, "network_error: connection reset")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, recovery.ActionRetry, res.Action)
	assert.Equal(t, 1, res.RetryCount)
	assert.InDelta(t, 2.0, res.RetryDelaySec, 0.01)

	res = o.HandleTaskError(created.TaskID, "network_error: connection reset")
	require.True(t, res.Success)
	assert.Equal(t, 2, res.RetryCount)
	assert.InDelta(t, 4.0, res.RetryDelaySec, 0.01)
}

func TestHandleTaskErrorSkip(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	created := o.CreateTask("optional", "nice to have", "deploy", TaskOptions{Priority: 3})
	require.True(t, created.Success)

	res := o.HandleTaskError(created.TaskID, "something odd happened")
	require.True(t, res.Success)
	assert.Equal(t, recovery.ActionSkip, res.Action)

	progress, err := o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Tasks.Skipped)
}

func TestErrorBudgetFailsRun(t *testing.T) {
	o := newTestOrchestrator(t)
	def := &workflow.Definition{
		Name: "fragile",
		Stages: []workflow.StageSpec{
			{Name: "work", Mode: model.ModeParallel},
		},
	}
	require.True(t, o.LoadWorkflow(def).Success)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		created := o.CreateTask("worker", "doomed", "work", TaskOptions{})
		require.True(t, created.Success)
		ids = append(ids, created.TaskID)
	}

	for i, id := range ids {
		res := o.HandleTaskError(id, "validation_error: bad input")
		require.True(t, res.Success)
		assert.Equal(t, recovery.ActionFail, res.Action)

		progress, err := o.GetWorkflowProgress()
		require.NoError(t, err)
		if i < 4 {
			assert.NotEqual(t, model.RunStateFailed, progress.RunState, "run failed before the budget was spent")
		} else {
			assert.Equal(t, model.RunStateFailed, progress.RunState)
		}
	}

	res := o.ExecuteStage(context.Background(), "work")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "run is failed")
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []*snapshot.RunSnapshot
}

func (r *recordingSink) Persist(snap *snapshot.RunSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingSink) all() []*snapshot.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*snapshot.RunSnapshot{}, r.snaps...)
}

func TestSnapshotEmittedPerTransition(t *testing.T) {
	o := newTestOrchestrator(t)
	sink := &recordingSink{}
	o.SetSink(sink)

	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	afterLoad := len(sink.all())
	require.Greater(t, afterLoad, 0, "loading a workflow must emit a snapshot")

	require.True(t, o.ExecuteStage(context.Background(), "build").Success)
	snaps := sink.all()
	require.Greater(t, len(snaps), afterLoad, "completing a stage must emit a snapshot")
	last := snaps[len(snaps)-1]
	assert.Equal(t, model.StageStatusCompleted, last.StageStatuses["build"])
	assert.Equal(t, model.RunStateRunning, last.State)
	assert.Equal(t, "build", last.CurrentStage)

	require.True(t, o.RollbackToStage("build").Success)
	snaps = sink.all()
	last = snaps[len(snaps)-1]
	assert.Equal(t, model.StageStatusCreated, last.StageStatuses["build"])
	assert.Equal(t, 1, last.Counters.Rollbacks)
}

func TestRollbackResetsStages(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	require.True(t, o.ExecuteStage(context.Background(), "build").Success)

	res := o.RollbackToStage("build")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "build", res.TargetStage)
	assert.Equal(t, []string{"build", "deploy"}, res.RolledBackStages)

	progress, err := o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, progress.CompletionPercentage, 0.01)
	assert.Equal(t, "build", progress.CurrentStage)
	assert.Equal(t, progress.Tasks.Total, progress.Tasks.Created)

	// The rolled-back stage executes again from scratch.
	again := o.ExecuteStage(context.Background(), "build")
	require.True(t, again.Success, again.Error)
	assert.Equal(t, 3, again.TasksExecuted)
}

func TestRollbackUnknownStage(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	res := o.RollbackToStage("missing")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}

func TestPauseResumeCancel(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	// Pausing before anything ran is rejected; the run is still initialized.
	assert.Error(t, o.PauseRun())

	require.True(t, o.ExecuteStage(context.Background(), "build").Success)
	require.NoError(t, o.PauseRun())

	res := o.ExecuteStage(context.Background(), "deploy")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "paused")

	require.NoError(t, o.ResumeRun())
	assert.True(t, o.ExecuteStage(context.Background(), "deploy").Success)

	// Completed runs cannot be cancelled.
	assert.Error(t, o.CancelRun())
}

func TestCancelRunIsTerminal(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)
	require.NoError(t, o.CancelRun())

	res := o.ExecuteStage(context.Background(), "build")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "run is cancelled")

	progress, err := o.GetWorkflowProgress()
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCancelled, progress.RunState)
}

func TestExecuteStageAsync(t *testing.T) {
	o := newTestOrchestrator(t)
	require.True(t, o.LoadWorkflow(twoStageDefinition()).Success)

	res := <-o.ExecuteStageAsync(context.Background(), "build")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.TasksExecuted)
}
