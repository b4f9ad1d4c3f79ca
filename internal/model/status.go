package model

import "fmt"

type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusRetrying  TaskStatus = "retrying"
)

type StageStatus string

const (
	StageStatusCreated   StageStatus = "created"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

type RunState string

const (
	RunStateInitialized RunState = "initialized"
	RunStateRunning     RunState = "running"
	RunStatePaused      RunState = "paused"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
	RunStateCancelled   RunState = "cancelled"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusCompleted: true,
	TaskStatusFailed:    true,
	TaskStatusSkipped:   true,
}

var terminalStageStatuses = map[StageStatus]bool{
	StageStatusCompleted: true,
	StageStatusFailed:    true,
}

var terminalRunStates = map[RunState]bool{
	RunStateCompleted: true,
	RunStateFailed:    true,
	RunStateCancelled: true,
}

// Task transitions: created → running → terminal, with running ↔ retrying
// for the retry loop. A retrying task always goes back through running.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusCreated: {
		TaskStatusRunning: true,
		TaskStatusSkipped: true,
	},
	TaskStatusRunning: {
		TaskStatusCompleted: true,
		TaskStatusFailed:    true,
		TaskStatusSkipped:   true,
		TaskStatusRetrying:  true,
	},
	TaskStatusRetrying: {
		TaskStatusRunning: true,
		TaskStatusFailed:  true,
		TaskStatusSkipped: true,
	},
}

var validStageTransitions = map[StageStatus]map[StageStatus]bool{
	StageStatusCreated: {
		StageStatusRunning: true,
	},
	StageStatusRunning: {
		StageStatusCompleted: true,
		StageStatusFailed:    true,
	},
}

var validRunTransitions = map[RunState]map[RunState]bool{
	RunStateInitialized: {
		RunStateRunning:   true,
		RunStateCancelled: true,
	},
	RunStateRunning: {
		RunStatePaused:    true,
		RunStateCompleted: true,
		RunStateFailed:    true,
		RunStateCancelled: true,
	},
	RunStatePaused: {
		RunStateRunning:   true,
		RunStateCancelled: true,
	},
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsStageTerminal(s StageStatus) bool {
	return terminalStageStatuses[s]
}

func IsRunTerminal(s RunState) bool {
	return terminalRunStates[s]
}

func ValidateTaskTransition(from, to TaskStatus) error {
	// Rollback resets any status back to created; not part of the forward table.
	if to == TaskStatusCreated {
		return nil
	}
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateStageTransition(from, to StageStatus) error {
	if to == StageStatusCreated {
		return nil // rollback reset
	}
	if IsStageTerminal(from) {
		return fmt.Errorf("cannot transition from terminal stage status %q", from)
	}
	allowed, ok := validStageTransitions[from]
	if !ok {
		return fmt.Errorf("unknown stage status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid stage transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRunTransition(from, to RunState) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run state %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}
