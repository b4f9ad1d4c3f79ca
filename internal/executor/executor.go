// Package executor runs a stage's execution plan against an injected task
// execution capability under the stage's concurrency mode.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/stagehand/internal/events"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/plan"
	"github.com/msageha/stagehand/internal/recovery"
)

// TaskExecutor is the external capability that performs a task's actual
// work. It is assumed to be I/O-bound and may block up to the task timeout;
// cancellation of the underlying work is its responsibility.
type TaskExecutor interface {
	Execute(ctx context.Context, task *model.Task) (map[string]interface{}, error)
}

// Simulated is the no-op executor used when no real capability is injected:
// every task succeeds instantly with a canned result.
type Simulated struct{}

func (Simulated) Execute(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	return map[string]interface{}{
		"simulated": true,
		"agent":     task.Agent,
	}, nil
}

// FailureResolver decides retry/skip/fail for one task failure. The
// orchestrator owns the implementation so run-level error accounting stays
// on its side.
type FailureResolver interface {
	Resolve(task *model.Task, errText string) recovery.Decision
}

// Result aggregates one stage execution.
type Result struct {
	TasksExecuted int
	Completed     int
	Failed        int
	Skipped       int
	Success       bool
	Duration      time.Duration
}

// terminalPollInterval paces the barrier wait for externally driven
// terminal transitions.
const terminalPollInterval = 50 * time.Millisecond

// StageExecutor drives a stage's tasks through their state machine. Task
// goroutines write only their own task's fields; stage- and run-level state
// stays with the caller.
type StageExecutor struct {
	exec     TaskExecutor
	resolver FailureResolver
	bus      *events.Bus

	// sleep is swapped out in tests to skip real backoff delays.
	sleep func(context.Context, time.Duration) error
}

func New(exec TaskExecutor, resolver FailureResolver, bus *events.Bus) *StageExecutor {
	if exec == nil {
		exec = Simulated{}
	}
	return &StageExecutor{
		exec:     exec,
		resolver: resolver,
		bus:      bus,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the plan for the given stage. Task-level failures are
// resolved locally through the FailureResolver and never abort the stage
// except in sequential mode, where a fail decision stops the stage
// immediately.
func (e *StageExecutor) Run(ctx context.Context, stage *model.Stage, p *plan.ExecutionPlan) (*Result, error) {
	start := time.Now()
	res := &Result{}

	var err error
	switch stage.Mode {
	case model.ModeSequential:
		err = e.runSequential(ctx, stage, p, res)
	case model.ModeParallel:
		err = e.runParallelLevels(ctx, stage, p, res)
	case model.ModeParallelThenSync:
		if err = e.runParallelLevels(ctx, stage, p, res); err == nil {
			err = e.awaitAllTerminal(ctx, stage)
		}
	case model.ModeLayered, model.ModeHybrid:
		err = e.runParallelLevels(ctx, stage, p, res)
	default:
		return nil, fmt.Errorf("unknown execution mode %q", stage.Mode)
	}
	if err != nil {
		return nil, err
	}

	e.tally(stage, res)
	res.Success = res.Failed == 0 && res.Completed+res.Skipped == len(stage.Tasks)
	res.Duration = time.Since(start)
	return res, nil
}

// runSequential runs one task at a time in plan order and stops the stage
// on the first fail decision.
func (e *StageExecutor) runSequential(ctx context.Context, stage *model.Stage, p *plan.ExecutionPlan, res *Result) error {
	for _, id := range p.TaskIDs() {
		task := stage.TaskByID(id)
		if task == nil {
			return fmt.Errorf("task %s: %w", id, recovery.ErrNotFound)
		}
		res.TasksExecuted++
		if failed := e.runTask(ctx, stage, task); failed {
			return fmt.Errorf("stage %s stopped at task %s: %s", stage.Name, task.ID, task.Error)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// runParallelLevels fans out each plan level as one concurrent batch and
// does not start level N+1 before every task of level N is terminal. A
// parallel plan is a single level.
func (e *StageExecutor) runParallelLevels(ctx context.Context, stage *model.Stage, p *plan.ExecutionPlan, res *Result) error {
	for _, level := range p.Levels {
		var g errgroup.Group
		for _, id := range level {
			task := stage.TaskByID(id)
			if task == nil {
				return fmt.Errorf("task %s: %w", id, recovery.ErrNotFound)
			}
			res.TasksExecuted++
			g.Go(func() error {
				// Sibling failures are absorbed here; they surface through
				// task status, not through the group.
				e.runTask(ctx, stage, task)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// runTask drives one task through created → running → terminal, looping
// through retrying as long as the resolver grants retries. Returns true when
// the task ends failed.
func (e *StageExecutor) runTask(ctx context.Context, stage *model.Stage, task *model.Task) (failed bool) {
	now := time.Now().UTC()
	task.Status = model.TaskStatusRunning
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	e.publish(events.EventTaskStarted, stage, task, nil)

	for {
		result, execErr := e.executeOnce(ctx, task)
		if execErr == nil {
			done := time.Now().UTC()
			task.Status = model.TaskStatusCompleted
			task.CompletedAt = &done
			task.Result = result
			task.Error = ""
			e.publish(events.EventTaskCompleted, stage, task, nil)
			return false
		}

		errText := execErr.Error()
		decision := e.resolver.Resolve(task, errText)
		switch decision.Action {
		case recovery.ActionRetry:
			task.RetryCount++
			task.Status = model.TaskStatusRetrying
			task.Error = errText
			e.publish(events.EventTaskRetrying, stage, task, map[string]interface{}{
				"retry_count": task.RetryCount,
				"retry_delay": decision.RetryDelay.Seconds(),
			})
			if err := e.sleep(ctx, decision.RetryDelay); err != nil {
				task.Status = model.TaskStatusFailed
				e.finishWithError(stage, task, errText)
				return true
			}
			task.Status = model.TaskStatusRunning

		case recovery.ActionSkip:
			done := time.Now().UTC()
			task.Status = model.TaskStatusSkipped
			task.CompletedAt = &done
			task.Error = errText
			e.publish(events.EventTaskSkipped, stage, task, map[string]interface{}{
				"reason": decision.Reason,
			})
			return false

		default: // recovery.ActionFail
			task.Status = model.TaskStatusFailed
			e.finishWithError(stage, task, errText)
			return true
		}
	}
}

// executeOnce bounds one execution attempt by the task's timeout. The
// engine stops waiting on expiry; it does not kill the underlying work.
func (e *StageExecutor) executeOnce(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	execCtx := ctx
	if task.TimeoutSec > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout())
		defer cancel()
	}

	result, err := e.exec.Execute(execCtx, task)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timeout after %ds: %w", task.TimeoutSec, recovery.ErrTimeout)
		}
		return nil, err
	}
	return result, nil
}

// awaitAllTerminal parks until every task of the stage has reached a
// terminal state. No new work is submitted while waiting.
func (e *StageExecutor) awaitAllTerminal(ctx context.Context, stage *model.Stage) error {
	for {
		if stage.TerminalTaskCount() == len(stage.Tasks) {
			return nil
		}
		if err := sleepCtx(ctx, terminalPollInterval); err != nil {
			return err
		}
	}
}

func (e *StageExecutor) finishWithError(stage *model.Stage, task *model.Task, errText string) {
	done := time.Now().UTC()
	task.CompletedAt = &done
	task.Error = errText
	e.publish(events.EventTaskFailed, stage, task, map[string]interface{}{
		"error": errText,
	})
}

func (e *StageExecutor) tally(stage *model.Stage, res *Result) {
	res.Completed, res.Failed, res.Skipped = 0, 0, 0
	for _, t := range stage.Tasks {
		switch t.Status {
		case model.TaskStatusCompleted:
			res.Completed++
		case model.TaskStatusFailed:
			res.Failed++
		case model.TaskStatusSkipped:
			res.Skipped++
		}
	}
}

func (e *StageExecutor) publish(eventType events.EventType, stage *model.Stage, task *model.Task, extra map[string]interface{}) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"stage":    stage.Name,
		"task_id":  task.ID,
		"agent_id": task.Agent,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(eventType, data)
}
