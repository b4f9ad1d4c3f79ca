package orchestrator

import (
	"fmt"

	"github.com/msageha/stagehand/internal/model"
)

// PauseRun pauses a running run. Stages already executing finish their
// in-flight tasks; no new stage may begin while paused.
func (o *Orchestrator) PauseRun() error {
	return o.transitionRun(model.RunStatePaused, "run_paused")
}

// ResumeRun moves a paused run back to running.
func (o *Orchestrator) ResumeRun() error {
	return o.transitionRun(model.RunStateRunning, "run_resumed")
}

// CancelRun cancels the run. Cancellation is terminal; the run cannot be
// resumed or re-executed afterwards.
func (o *Orchestrator) CancelRun() error {
	return o.transitionRun(model.RunStateCancelled, "run_cancelled")
}

func (o *Orchestrator) transitionRun(to model.RunState, eventType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run == nil {
		return fmt.Errorf("no workflow loaded")
	}
	if err := model.ValidateRunTransition(o.run.State, to); err != nil {
		return err
	}
	o.run.State = to
	o.run.AppendLog(eventType, "", "", nil)
	o.log(LogLevelInfo, "%s run=%s", eventType, o.run.ID)
	o.persistSnapshot()
	return nil
}
