// Package model defines the data structures for stagehand's runs, stages,
// tasks, configuration and progress reporting.
package model

import "time"

type ExecutionMode string

const (
	ModeParallel         ExecutionMode = "parallel"
	ModeSequential       ExecutionMode = "sequential"
	ModeHybrid           ExecutionMode = "hybrid"
	ModeParallelThenSync ExecutionMode = "parallel_then_sync"
	ModeLayered          ExecutionMode = "layered"
)

var validExecutionModes = map[ExecutionMode]bool{
	ModeParallel:         true,
	ModeSequential:       true,
	ModeHybrid:           true,
	ModeParallelThenSync: true,
	ModeLayered:          true,
}

func IsValidExecutionMode(m ExecutionMode) bool {
	return validExecutionModes[m]
}

// Task is a unit of work assigned to a named external agent. Tasks belong to
// exactly one stage; cross-task references use task IDs, never pointers.
type Task struct {
	ID           string                 `yaml:"id"`
	Agent        string                 `yaml:"agent"`
	Description  string                 `yaml:"description"`
	Stage        string                 `yaml:"stage"`
	Priority     int                    `yaml:"priority"` // 1-10
	TimeoutSec   int                    `yaml:"timeout_sec"`
	Status       TaskStatus             `yaml:"status"`
	CreatedAt    time.Time              `yaml:"created_at"`
	StartedAt    *time.Time             `yaml:"started_at"`
	CompletedAt  *time.Time             `yaml:"completed_at"`
	Result       map[string]interface{} `yaml:"result,omitempty"`
	Error        string                 `yaml:"error,omitempty"`
	RetryCount   int                    `yaml:"retry_count"`
	MaxRetries   int                    `yaml:"max_retries"`
	Dependencies []string               `yaml:"dependencies,omitempty"` // task IDs within the same stage
	Outputs      []string               `yaml:"outputs,omitempty"`
	IOBound      bool                   `yaml:"io_bound,omitempty"`
}

// Timeout returns the task timeout as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// SyncPointSpec is a declarative checkpoint evaluated after a stage's tasks
// are all terminal. Criterion values are rule strings, booleans or numbers.
type SyncPointSpec struct {
	Type       string                 `yaml:"type"`
	Criteria   map[string]interface{} `yaml:"validation_criteria"`
	MustPass   bool                   `yaml:"must_pass"`
	TimeoutSec int                    `yaml:"timeout_sec,omitempty"`
}

// QualityGateSpec names an externally scored checklist evaluated after the
// sync point.
type QualityGateSpec struct {
	Checklist string `yaml:"checklist"`
	MustPass  bool   `yaml:"must_pass"`
}

// Stage is a named phase of a run. It owns its tasks; stage dependencies are
// by name and must form a DAG within the run.
type Stage struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Mode        ExecutionMode          `yaml:"execution_mode"`
	Tasks       []*Task                `yaml:"tasks"`
	DependsOn   []string               `yaml:"depends_on,omitempty"`
	SyncPoint   *SyncPointSpec         `yaml:"sync_point,omitempty"`
	QualityGate *QualityGateSpec       `yaml:"quality_gate,omitempty"`
	TimeoutSec  int                    `yaml:"timeout_sec,omitempty"`
	Status      StageStatus            `yaml:"status"`
	Outputs     map[string]interface{} `yaml:"outputs,omitempty"`
	StartedAt   *time.Time             `yaml:"started_at"`
	CompletedAt *time.Time             `yaml:"completed_at"`
}

// TaskByID returns the stage's task with the given ID, or nil.
func (s *Stage) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TerminalTaskCount returns how many of the stage's tasks are terminal.
func (s *Stage) TerminalTaskCount() int {
	n := 0
	for _, t := range s.Tasks {
		if IsTaskTerminal(t.Status) {
			n++
		}
	}
	return n
}

// LogEntry is one record of the run's append-only execution log.
type LogEntry struct {
	Timestamp time.Time              `yaml:"timestamp"`
	EventType string                 `yaml:"event_type"`
	StageName string                 `yaml:"stage,omitempty"`
	TaskID    string                 `yaml:"task_id,omitempty"`
	Details   map[string]interface{} `yaml:"details,omitempty"`
}

// Run is one instantiated execution of a loaded workflow definition. Exactly
// one run is active per orchestrator instance. The run owns its stages; the
// orchestrator is the single writer of run- and stage-level fields.
type Run struct {
	ID                 string                 `yaml:"id"`
	Name               string                 `yaml:"name"`
	State              RunState               `yaml:"state"`
	CurrentStage       string                 `yaml:"current_stage"`
	Stages             map[string]*Stage      `yaml:"stages"`
	StageOrder         []string               `yaml:"stage_order"` // declaration order
	Context            map[string]interface{} `yaml:"context,omitempty"`
	Log                []LogEntry             `yaml:"log"`
	ErrorRecoveryCount int                    `yaml:"error_recovery_count"`
	MaxErrorRecovery   int                    `yaml:"max_error_recovery"`
	CreatedAt          time.Time              `yaml:"created_at"`
	UpdatedAt          time.Time              `yaml:"updated_at"`
}

// StageByName returns the named stage, or nil.
func (r *Run) StageByName(name string) *Stage {
	return r.Stages[name]
}

// TaskByID searches all stages for the given task ID.
func (r *Run) TaskByID(id string) (*Task, *Stage) {
	for _, name := range r.StageOrder {
		st := r.Stages[name]
		if t := st.TaskByID(id); t != nil {
			return t, st
		}
	}
	return nil, nil
}

// AppendLog appends an entry to the run's execution log. The log is
// append-only; entries are never mutated or removed.
func (r *Run) AppendLog(eventType, stageName, taskID string, details map[string]interface{}) {
	r.Log = append(r.Log, LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		StageName: stageName,
		TaskID:    taskID,
		Details:   details,
	})
	r.UpdatedAt = time.Now().UTC()
}
