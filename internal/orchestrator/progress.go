package orchestrator

import (
	"fmt"

	"github.com/msageha/stagehand/internal/model"
)

// GetWorkflowProgress reports run progress. The overall percentage weights
// stage completion at 0.6 and task completion at 0.4; skipped tasks count
// as done so that a skip never stalls the reported figure.
func (o *Orchestrator) GetWorkflowProgress() (*model.ProgressReport, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.run == nil {
		return nil, fmt.Errorf("no workflow loaded")
	}

	report := &model.ProgressReport{
		CurrentStage: o.run.CurrentStage,
		RunState:     o.run.State,
	}

	completedStages := 0
	totalTasks := 0
	doneTasks := 0

	for _, name := range o.run.StageOrder {
		stage := o.run.Stages[name]

		summary := model.StageSummary{
			Name:      stage.Name,
			Status:    stage.Status,
			TaskCount: len(stage.Tasks),
		}
		if stage.StartedAt != nil && stage.CompletedAt != nil {
			summary.DurationSec = stage.CompletedAt.Sub(*stage.StartedAt).Seconds()
		}

		for _, t := range stage.Tasks {
			totalTasks++
			report.Tasks.Total++
			switch t.Status {
			case model.TaskStatusCreated:
				report.Tasks.Created++
			case model.TaskStatusRunning:
				report.Tasks.Running++
			case model.TaskStatusCompleted:
				report.Tasks.Completed++
				summary.CompletedTasks++
				doneTasks++
			case model.TaskStatusFailed:
				report.Tasks.Failed++
				summary.FailedTasks++
			case model.TaskStatusSkipped:
				report.Tasks.Skipped++
				doneTasks++
			case model.TaskStatusRetrying:
				report.Tasks.Retrying++
			}
		}

		if stage.Status == model.StageStatusCompleted {
			completedStages++
		}
		report.Stages = append(report.Stages, summary)
	}

	if n := len(o.run.StageOrder); n > 0 {
		report.StageCompletionPercentage = float64(completedStages) / float64(n) * 100
	}
	if totalTasks > 0 {
		report.TaskCompletionPercentage = float64(doneTasks) / float64(totalTasks) * 100
	}
	report.CompletionPercentage = 0.6*report.StageCompletionPercentage + 0.4*report.TaskCompletionPercentage

	return report, nil
}
