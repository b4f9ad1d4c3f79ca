package recovery

import "github.com/msageha/stagehand/internal/model"

// ResetStage returns a stage and all of its tasks to their initial,
// unexecuted state. Tasks and stages are never deleted; only transient
// fields are cleared.
func ResetStage(stage *model.Stage) {
	stage.Status = model.StageStatusCreated
	stage.StartedAt = nil
	stage.CompletedAt = nil
	stage.Outputs = nil

	for _, t := range stage.Tasks {
		t.Status = model.TaskStatusCreated
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Result = nil
		t.Error = ""
		t.RetryCount = 0
	}
}

// RollbackScope returns the stage names affected by a rollback to target:
// the target and every stage at or after it in declared order. Declaration
// order is used rather than dependency closure.
func RollbackScope(stageOrder []string, target string) []string {
	for i, name := range stageOrder {
		if name == target {
			scope := make([]string, len(stageOrder)-i)
			copy(scope, stageOrder[i:])
			return scope
		}
	}
	return nil
}
