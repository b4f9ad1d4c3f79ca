package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/stagehand/internal/events"
	"github.com/msageha/stagehand/internal/gate"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/plan"
	"github.com/msageha/stagehand/internal/recovery"
	"github.com/msageha/stagehand/internal/workflow"
)

// LoadResult is returned by LoadWorkflow.
type LoadResult struct {
	Success    bool   `yaml:"success"`
	RunID      string `yaml:"run_id,omitempty"`
	StageCount int    `yaml:"stage_count,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

// CreateTaskResult is returned by CreateTask.
type CreateTaskResult struct {
	Success bool   `yaml:"success"`
	TaskID  string `yaml:"task_id,omitempty"`
	Error   string `yaml:"error,omitempty"`
}

// PlanResult is returned by PlanStageExecution.
type PlanResult struct {
	Success              bool                      `yaml:"success"`
	ExecutionMode        model.ExecutionMode       `yaml:"execution_mode,omitempty"`
	ExecutionPlan        *plan.ExecutionPlan       `yaml:"execution_plan,omitempty"`
	EstimatedDurationSec int                       `yaml:"estimated_duration_sec"`
	Resources            plan.ResourceRequirements `yaml:"resource_requirements"`
	TaskCount            int                       `yaml:"task_count"`
	Error                string                    `yaml:"error,omitempty"`
}

// ExecuteResult is returned by ExecuteStage.
type ExecuteResult struct {
	Success          bool                   `yaml:"success"`
	ExecutionTimeSec float64                `yaml:"execution_time_sec"`
	TasksExecuted    int                    `yaml:"tasks_executed"`
	Outputs          map[string]interface{} `yaml:"outputs,omitempty"`
	Error            string                 `yaml:"error,omitempty"`
}

// MarkCompletedResult is returned by MarkTaskCompleted.
type MarkCompletedResult struct {
	Success          bool    `yaml:"success"`
	ExecutionTimeSec float64 `yaml:"execution_time_sec"`
	Error            string  `yaml:"error,omitempty"`
}

// ErrorHandlingResult is returned by HandleTaskError.
type ErrorHandlingResult struct {
	Success       bool            `yaml:"success"`
	Action        recovery.Action `yaml:"action,omitempty"`
	RetryCount    int             `yaml:"retry_count,omitempty"`
	RetryDelaySec float64         `yaml:"retry_delay_sec,omitempty"`
	Error         string          `yaml:"error,omitempty"`
}

// RollbackResult is returned by RollbackToStage.
type RollbackResult struct {
	Success          bool     `yaml:"success"`
	TargetStage      string   `yaml:"target_stage,omitempty"`
	RolledBackStages []string `yaml:"rolled_back_stages,omitempty"`
	Error            string   `yaml:"error,omitempty"`
}

// TaskOptions carries the optional CreateTask parameters.
type TaskOptions struct {
	Priority     int
	TimeoutSec   int
	Dependencies []string
	Outputs      []string
	IOBound      bool
}

// LoadWorkflow validates a definition and installs it as the active run.
// Loading is all-or-nothing: on any validation or dependency error the
// previous run (if any) is left untouched.
func (o *Orchestrator) LoadWorkflow(def *workflow.Definition) LoadResult {
	if def == nil {
		return LoadResult{Error: "workflow definition is required"}
	}
	if _, errs := def.Validate(); errs != nil {
		return LoadResult{Error: errs.Error()}
	}

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return LoadResult{Error: err.Error()}
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:               runID,
		Name:             def.Name,
		State:            model.RunStateInitialized,
		Stages:           make(map[string]*model.Stage, len(def.Stages)),
		StageOrder:       make([]string, 0, len(def.Stages)),
		Context:          def.GlobalContext,
		MaxErrorRecovery: o.cfg.Engine.MaxErrorRecovery,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	for _, spec := range def.Stages {
		stage := &model.Stage{
			Name:        spec.Name,
			Description: spec.Description,
			Mode:        spec.Mode,
			DependsOn:   spec.DependsOn,
			SyncPoint:   spec.SyncPoint,
			QualityGate: spec.QualityGate,
			TimeoutSec:  spec.TimeoutSec,
			Status:      model.StageStatusCreated,
		}
		for _, ts := range spec.Tasks {
			task, err := o.newTask(ts.Agent, ts.Description, spec.Name, TaskOptions{
				Priority:     ts.Priority,
				TimeoutSec:   ts.TimeoutSec,
				Dependencies: ts.Dependencies,
				Outputs:      ts.Outputs,
				IOBound:      ts.IOBound,
			})
			if err != nil {
				return LoadResult{Error: err.Error()}
			}
			stage.Tasks = append(stage.Tasks, task)
		}
		run.Stages[spec.Name] = stage
		run.StageOrder = append(run.StageOrder, spec.Name)
	}
	if len(run.StageOrder) > 0 {
		run.CurrentStage = run.StageOrder[0]
	}

	o.mu.Lock()
	o.run = run
	o.counters = model.Counters{}
	run.AppendLog("run_loaded", "", "", map[string]interface{}{
		"name":        run.Name,
		"stage_count": len(run.StageOrder),
	})
	o.mu.Unlock()

	o.bus.Publish(events.EventRunLoaded, map[string]interface{}{
		"run_id": run.ID,
		"name":   run.Name,
	})
	o.log(LogLevelInfo, "run_loaded run=%s name=%s stages=%d", run.ID, run.Name, len(run.StageOrder))

	o.mu.Lock()
	o.persistSnapshot()
	o.mu.Unlock()

	return LoadResult{Success: true, RunID: run.ID, StageCount: len(run.StageOrder)}
}

func (o *Orchestrator) newTask(agent, description, stageName string, opts TaskOptions) (*model.Task, error) {
	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, err
	}
	priority := opts.Priority
	if priority == 0 {
		priority = o.cfg.Engine.DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, fmt.Errorf("priority %d out of range 1-10", priority)
	}
	timeout := opts.TimeoutSec
	if timeout == 0 {
		timeout = o.cfg.Engine.DefaultTaskTimeoutSec
	}
	return &model.Task{
		ID:           id,
		Agent:        agent,
		Description:  description,
		Stage:        stageName,
		Priority:     priority,
		TimeoutSec:   timeout,
		Status:       model.TaskStatusCreated,
		CreatedAt:    time.Now().UTC(),
		MaxRetries:   o.cfg.Retry.MaxRetries,
		Dependencies: opts.Dependencies,
		Outputs:      opts.Outputs,
		IOBound:      opts.IOBound,
	}, nil
}

// CreateTask appends a new task to a stage of the loaded run.
func (o *Orchestrator) CreateTask(agent, description, stageName string, opts TaskOptions) CreateTaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run == nil {
		return CreateTaskResult{Error: "no workflow loaded"}
	}
	stage := o.run.StageByName(stageName)
	if stage == nil {
		return CreateTaskResult{Error: fmt.Sprintf("stage %q not found", stageName)}
	}

	task, err := o.newTask(agent, description, stageName, opts)
	if err != nil {
		return CreateTaskResult{Error: err.Error()}
	}

	stage.Tasks = append(stage.Tasks, task)
	o.run.AppendLog("task_created", stageName, task.ID, map[string]interface{}{
		"agent":    agent,
		"priority": task.Priority,
	})
	o.bus.Publish(events.EventTaskCreated, map[string]interface{}{
		"run_id":   o.run.ID,
		"stage":    stageName,
		"task_id":  task.ID,
		"agent_id": agent,
	})
	o.log(LogLevelDebug, "task_created task=%s stage=%s agent=%s", task.ID, stageName, agent)

	return CreateTaskResult{Success: true, TaskID: task.ID}
}

// PlanStageExecution computes the execution plan for a stage without
// running anything.
func (o *Orchestrator) PlanStageExecution(stageName string) PlanResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.run == nil {
		return PlanResult{Error: "no workflow loaded"}
	}
	stage := o.run.StageByName(stageName)
	if stage == nil {
		return PlanResult{Error: fmt.Sprintf("stage %q not found", stageName)}
	}

	p, err := plan.Build(stage)
	if err != nil {
		return PlanResult{Error: err.Error()}
	}

	return PlanResult{
		Success:              true,
		ExecutionMode:        stage.Mode,
		ExecutionPlan:        p,
		EstimatedDurationSec: plan.EstimateDuration(stage, p),
		Resources:            plan.Resources(stage),
		TaskCount:            len(stage.Tasks),
	}
}

// ExecuteStage runs one stage to completion: plan, execute, then sync-point
// and quality-gate evaluation. Task-level failures are absorbed by the
// failure policy; only gate failures with must_pass and an exhausted
// recovery budget surface as stage/run failure.
func (o *Orchestrator) ExecuteStage(ctx context.Context, stageName string) ExecuteResult {
	o.stageLocks.Lock("stage:" + stageName)
	defer o.stageLocks.Unlock("stage:" + stageName)

	o.mu.Lock()
	stage, p, err := o.beginStageLocked(stageName)
	if err != nil {
		o.mu.Unlock()
		return ExecuteResult{Error: err.Error()}
	}
	runID := o.run.ID
	stageExec, gates := o.stageExec, o.gates
	o.mu.Unlock()

	o.bus.Publish(events.EventStageStarted, map[string]interface{}{
		"run_id": runID,
		"stage":  stageName,
	})
	o.log(LogLevelInfo, "stage_started stage=%s mode=%s tasks=%d", stageName, stage.Mode, len(stage.Tasks))

	start := time.Now()
	res, execErr := stageExec.Run(ctx, stage, p)

	o.mu.Lock()
	defer o.mu.Unlock()

	if execErr != nil {
		o.failStageLocked(stage, execErr.Error())
		return ExecuteResult{
			ExecutionTimeSec: time.Since(start).Seconds(),
			TasksExecuted:    countStarted(stage),
			Error:            execErr.Error(),
		}
	}

	o.counters.TasksDispatched += res.TasksExecuted
	o.counters.TasksCompleted += res.Completed
	collectStageOutputs(stage)

	// Gates run after every task is terminal.
	facts := o.stageFactsLocked(stage)
	if stage.SyncPoint != nil {
		evalRes, err := gates.EvaluateSyncPoint(ctx, stage.SyncPoint, facts)
		if err != nil {
			o.failStageLocked(stage, fmt.Sprintf("sync point evaluation: %v", err))
			return ExecuteResult{TasksExecuted: res.TasksExecuted, Error: "sync point evaluation failed"}
		}
		if !evalRes.AllCriteriaMet && stage.SyncPoint.MustPass {
			reason := fmt.Sprintf("sync point failed: %v", evalRes.FailedCriteria)
			o.failStageLocked(stage, reason)
			o.failRunLocked(reason)
			return ExecuteResult{TasksExecuted: res.TasksExecuted, Error: reason}
		}
	}
	if stage.QualityGate != nil {
		evalRes, err := gates.EvaluateQualityGate(ctx, stage.QualityGate, facts)
		if err != nil {
			o.failStageLocked(stage, fmt.Sprintf("quality gate evaluation: %v", err))
			return ExecuteResult{TasksExecuted: res.TasksExecuted, Error: "quality gate evaluation failed"}
		}
		if !evalRes.AllCriteriaMet && stage.QualityGate.MustPass {
			reason := fmt.Sprintf("quality gate failed: %v (score %.1f)", evalRes.FailedCriteria, evalRes.Score)
			o.failStageLocked(stage, reason)
			o.failRunLocked(reason)
			return ExecuteResult{TasksExecuted: res.TasksExecuted, Error: reason}
		}
	}

	now := time.Now().UTC()
	stage.Status = model.StageStatusCompleted
	stage.CompletedAt = &now
	o.counters.StagesCompleted++
	o.run.AppendLog("stage_completed", stage.Name, "", map[string]interface{}{
		"tasks_executed": res.TasksExecuted,
		"completed":      res.Completed,
		"failed":         res.Failed,
		"skipped":        res.Skipped,
	})
	o.bus.Publish(events.EventStageCompleted, map[string]interface{}{
		"run_id": o.run.ID,
		"stage":  stage.Name,
	})
	o.log(LogLevelInfo, "stage_completed stage=%s completed=%d failed=%d skipped=%d",
		stage.Name, res.Completed, res.Failed, res.Skipped)

	o.advanceRunLocked()
	o.persistSnapshot()

	// A run that died on the recovery budget mid-stage surfaces here.
	if o.run.State == model.RunStateFailed {
		return ExecuteResult{
			ExecutionTimeSec: time.Since(start).Seconds(),
			TasksExecuted:    res.TasksExecuted,
			Outputs:          stage.Outputs,
			Error:            recovery.ErrRecoveryExhausted.Error(),
		}
	}

	return ExecuteResult{
		Success:          res.Success,
		ExecutionTimeSec: time.Since(start).Seconds(),
		TasksExecuted:    res.TasksExecuted,
		Outputs:          stage.Outputs,
	}
}

// ExecuteStageAsync is the non-blocking entry point backed by the same
// internals; the result is delivered on the returned channel.
func (o *Orchestrator) ExecuteStageAsync(ctx context.Context, stageName string) <-chan ExecuteResult {
	ch := make(chan ExecuteResult, 1)
	go func() {
		ch <- o.ExecuteStage(ctx, stageName)
		close(ch)
	}()
	return ch
}

// beginStageLocked checks preconditions and moves the stage to running.
func (o *Orchestrator) beginStageLocked(stageName string) (*model.Stage, *plan.ExecutionPlan, error) {
	if o.run == nil {
		return nil, nil, fmt.Errorf("no workflow loaded")
	}
	if model.IsRunTerminal(o.run.State) {
		return nil, nil, fmt.Errorf("run is %s; no further stage may execute", o.run.State)
	}
	if o.run.State == model.RunStatePaused {
		return nil, nil, fmt.Errorf("run is paused; resume before executing stages")
	}
	stage := o.run.StageByName(stageName)
	if stage == nil {
		return nil, nil, fmt.Errorf("stage %q not found", stageName)
	}
	if model.IsStageTerminal(stage.Status) {
		return nil, nil, fmt.Errorf("stage %q already %s", stageName, stage.Status)
	}

	for _, dep := range stage.DependsOn {
		depStage := o.run.StageByName(dep)
		if depStage == nil || depStage.Status != model.StageStatusCompleted {
			return nil, nil, fmt.Errorf("stage %q dependencies not satisfied: %q is not completed", stageName, dep)
		}
	}

	p, err := plan.Build(stage)
	if err != nil {
		return nil, nil, err
	}

	if o.run.State == model.RunStateInitialized {
		o.run.State = model.RunStateRunning
	}
	now := time.Now().UTC()
	stage.Status = model.StageStatusRunning
	stage.StartedAt = &now
	o.run.CurrentStage = stageName
	o.run.AppendLog("stage_started", stageName, "", map[string]interface{}{
		"mode":  string(stage.Mode),
		"tasks": len(stage.Tasks),
	})
	return stage, p, nil
}

func (o *Orchestrator) failStageLocked(stage *model.Stage, reason string) {
	now := time.Now().UTC()
	stage.Status = model.StageStatusFailed
	stage.CompletedAt = &now
	o.run.AppendLog("stage_failed", stage.Name, "", map[string]interface{}{
		"reason": reason,
	})
	o.bus.Publish(events.EventStageFailed, map[string]interface{}{
		"run_id": o.run.ID,
		"stage":  stage.Name,
		"reason": reason,
	})
	o.log(LogLevelError, "stage_failed stage=%s reason=%s", stage.Name, reason)
	o.persistSnapshot()
}

func (o *Orchestrator) failRunLocked(reason string) {
	if model.IsRunTerminal(o.run.State) {
		return
	}
	o.run.State = model.RunStateFailed
	o.run.AppendLog("run_failed", "", "", map[string]interface{}{"reason": reason})
	o.bus.Publish(events.EventRunFailed, map[string]interface{}{
		"run_id": o.run.ID,
		"reason": reason,
	})
	o.persistSnapshot()
}

// advanceRunLocked completes the run when every stage is completed.
func (o *Orchestrator) advanceRunLocked() {
	for _, name := range o.run.StageOrder {
		if o.run.Stages[name].Status != model.StageStatusCompleted {
			return
		}
	}
	if !model.IsRunTerminal(o.run.State) {
		o.run.State = model.RunStateCompleted
		o.run.AppendLog("run_completed", "", "", nil)
		o.log(LogLevelInfo, "run_completed run=%s", o.run.ID)
	}
}

// stageFactsLocked snapshots the stage-level facts gates are matched
// against: task counts, stage outputs, and the run's shared context.
func (o *Orchestrator) stageFactsLocked(stage *model.Stage) gate.Facts {
	facts := gate.Facts{}
	for k, v := range o.run.Context {
		facts[k] = v
	}
	for k, v := range stage.Outputs {
		facts[k] = v
	}

	completed, failed := 0, 0
	for _, t := range stage.Tasks {
		switch t.Status {
		case model.TaskStatusCompleted:
			completed++
		case model.TaskStatusFailed:
			failed++
		}
		if t.Result != nil {
			for k, v := range t.Result {
				if _, exists := facts[k]; !exists {
					facts[k] = v
				}
			}
		}
	}
	facts["tasks_completed"] = completed
	facts["tasks_failed"] = failed
	return facts
}

// collectStageOutputs copies each completed task's declared outputs from
// its result map into the stage's output map, where gates and the caller
// can see them by name.
func collectStageOutputs(stage *model.Stage) {
	for _, t := range stage.Tasks {
		if t.Status != model.TaskStatusCompleted || t.Result == nil {
			continue
		}
		for _, name := range t.Outputs {
			v, ok := t.Result[name]
			if !ok {
				continue
			}
			if stage.Outputs == nil {
				stage.Outputs = make(map[string]interface{})
			}
			stage.Outputs[name] = v
		}
	}
}

func countStarted(stage *model.Stage) int {
	n := 0
	for _, t := range stage.Tasks {
		if t.Status != model.TaskStatusCreated {
			n++
		}
	}
	return n
}

// MarkTaskCompleted records an externally reported task completion.
func (o *Orchestrator) MarkTaskCompleted(taskID string, result map[string]interface{}) MarkCompletedResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run == nil {
		return MarkCompletedResult{Error: "no workflow loaded"}
	}
	task, stage := o.run.TaskByID(taskID)
	if task == nil {
		return MarkCompletedResult{Error: fmt.Sprintf("task %q not found", taskID)}
	}

	// An externally reported completion implies the task ran.
	from := task.Status
	if from == model.TaskStatusCreated || from == model.TaskStatusRetrying {
		from = model.TaskStatusRunning
	}
	if err := model.ValidateTaskTransition(from, model.TaskStatusCompleted); err != nil {
		return MarkCompletedResult{Error: err.Error()}
	}

	now := time.Now().UTC()
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result
	task.Error = ""
	o.counters.TasksCompleted++

	execTime := now.Sub(*task.StartedAt).Seconds()
	o.run.AppendLog("task_completed", stage.Name, task.ID, map[string]interface{}{
		"execution_time_sec": execTime,
	})
	o.bus.Publish(events.EventTaskCompleted, map[string]interface{}{
		"run_id":  o.run.ID,
		"stage":   stage.Name,
		"task_id": task.ID,
	})

	return MarkCompletedResult{Success: true, ExecutionTimeSec: execTime}
}

// HandleTaskError resolves an externally reported task failure through the
// retry/skip/fail policy and applies the decision to the task.
func (o *Orchestrator) HandleTaskError(taskID, errText string) ErrorHandlingResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run == nil {
		return ErrorHandlingResult{Error: "no workflow loaded"}
	}
	task, stage := o.run.TaskByID(taskID)
	if task == nil {
		return ErrorHandlingResult{Error: fmt.Sprintf("task %q not found", taskID)}
	}

	decision := recovery.Decide(task, errText, o.cfg.Retry.BackoffCapSec)
	now := time.Now().UTC()

	// An externally reported error implies the task ran.
	from := task.Status
	if from == model.TaskStatusCreated || from == model.TaskStatusRetrying {
		from = model.TaskStatusRunning
	}
	var target model.TaskStatus
	switch decision.Action {
	case recovery.ActionRetry:
		target = model.TaskStatusRetrying
	case recovery.ActionSkip:
		target = model.TaskStatusSkipped
	default:
		target = model.TaskStatusFailed
	}
	if err := model.ValidateTaskTransition(from, target); err != nil {
		return ErrorHandlingResult{Error: err.Error()}
	}

	switch decision.Action {
	case recovery.ActionRetry:
		task.RetryCount++
		task.Status = model.TaskStatusRetrying
		task.Error = errText
		o.counters.TaskRetries++
		o.run.AppendLog("task_retrying", stage.Name, task.ID, map[string]interface{}{
			"retry_count":     task.RetryCount,
			"retry_delay_sec": decision.RetryDelay.Seconds(),
		})
		o.bus.Publish(events.EventTaskRetrying, map[string]interface{}{
			"run_id":  o.run.ID,
			"stage":   stage.Name,
			"task_id": task.ID,
		})
		return ErrorHandlingResult{
			Success:       true,
			Action:        decision.Action,
			RetryCount:    task.RetryCount,
			RetryDelaySec: decision.RetryDelay.Seconds(),
		}

	case recovery.ActionSkip:
		task.Status = model.TaskStatusSkipped
		task.CompletedAt = &now
		task.Error = errText
		o.counters.TasksSkipped++
		o.run.AppendLog("task_skipped", stage.Name, task.ID, map[string]interface{}{
			"reason": decision.Reason,
		})
		o.bus.Publish(events.EventTaskSkipped, map[string]interface{}{
			"run_id":  o.run.ID,
			"stage":   stage.Name,
			"task_id": task.ID,
		})
		return ErrorHandlingResult{Success: true, Action: decision.Action}

	default: // recovery.ActionFail
		task.Status = model.TaskStatusFailed
		task.CompletedAt = &now
		task.Error = errText
		o.bus.Publish(events.EventTaskFailed, map[string]interface{}{
			"run_id":  o.run.ID,
			"stage":   stage.Name,
			"task_id": task.ID,
			"error":   errText,
		})
		o.noteWorkflowLevelErrorLocked(task, errText)
		return ErrorHandlingResult{Success: true, Action: decision.Action, RetryCount: task.RetryCount}
	}
}

// RollbackToStage resets the target stage and every stage at or after it in
// declared order back to created. Nothing is deleted; only transient fields
// are cleared.
func (o *Orchestrator) RollbackToStage(stageName string) RollbackResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run == nil {
		return RollbackResult{Error: "no workflow loaded"}
	}

	scope := recovery.RollbackScope(o.run.StageOrder, stageName)
	if scope == nil {
		return RollbackResult{Error: fmt.Sprintf("stage %q not found", stageName)}
	}

	for _, name := range scope {
		recovery.ResetStage(o.run.Stages[name])
	}
	o.run.CurrentStage = stageName
	o.counters.Rollbacks++
	o.run.AppendLog("rollback", stageName, "", map[string]interface{}{
		"rolled_back": scope,
	})
	o.bus.Publish(events.EventRollback, map[string]interface{}{
		"run_id": o.run.ID,
		"stage":  stageName,
	})
	o.log(LogLevelInfo, "rollback target=%s stages=%d", stageName, len(scope))
	o.persistSnapshot()

	return RollbackResult{Success: true, TargetStage: stageName, RolledBackStages: scope}
}
