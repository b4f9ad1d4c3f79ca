package model

// StageSummary is a per-stage slice of a progress report.
type StageSummary struct {
	Name           string      `yaml:"name"`
	Status         StageStatus `yaml:"status"`
	TaskCount      int         `yaml:"task_count"`
	CompletedTasks int         `yaml:"completed_tasks"`
	FailedTasks    int         `yaml:"failed_tasks"`
	DurationSec    float64     `yaml:"duration_sec,omitempty"`
}

// TaskSummary aggregates task statuses across the whole run.
type TaskSummary struct {
	Total     int `yaml:"total"`
	Created   int `yaml:"created"`
	Running   int `yaml:"running"`
	Completed int `yaml:"completed"`
	Failed    int `yaml:"failed"`
	Skipped   int `yaml:"skipped"`
	Retrying  int `yaml:"retrying"`
}

// ProgressReport is the result of GetWorkflowProgress. The overall
// completion percentage weights stages at 0.6 and tasks at 0.4.
type ProgressReport struct {
	CompletionPercentage      float64        `yaml:"completion_percentage"`
	StageCompletionPercentage float64        `yaml:"stage_completion_percentage"`
	TaskCompletionPercentage  float64        `yaml:"task_completion_percentage"`
	CurrentStage              string         `yaml:"current_stage"`
	RunState                  RunState       `yaml:"run_state"`
	Stages                    []StageSummary `yaml:"stages_summary"`
	Tasks                     TaskSummary    `yaml:"tasks_summary"`
}

// Counters tracks engine-level counters included in persistence snapshots.
type Counters struct {
	TasksDispatched int `yaml:"tasks_dispatched"`
	TasksCompleted  int `yaml:"tasks_completed"`
	TasksFailed     int `yaml:"tasks_failed"`
	TasksSkipped    int `yaml:"tasks_skipped"`
	TaskRetries     int `yaml:"task_retries"`
	StagesCompleted int `yaml:"stages_completed"`
	Rollbacks       int `yaml:"rollbacks"`
}
