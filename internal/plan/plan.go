// Package plan builds per-stage execution plans from task dependency graphs
// and validates stage- and task-level DAGs.
package plan

import (
	"fmt"

	"github.com/msageha/stagehand/internal/model"
)

// PlanKind tags the shape of an ExecutionPlan.
type PlanKind string

const (
	KindParallel   PlanKind = "parallel"
	KindSequential PlanKind = "sequential"
	KindLayered    PlanKind = "layered"
)

// ExecutionPlan is the concrete grouping computed for one stage's tasks.
// Plans are built fresh per execution and never persisted.
type ExecutionPlan struct {
	Kind PlanKind
	// Levels holds task IDs grouped by execution order. A parallel plan has
	// one level; a sequential plan has one task per level; a layered plan
	// has one level per dependency layer.
	Levels [][]string
}

// TaskIDs returns all task IDs in the plan, in level order.
func (p *ExecutionPlan) TaskIDs() []string {
	var ids []string
	for _, level := range p.Levels {
		ids = append(ids, level...)
	}
	return ids
}

// ResourceRequirements is a coarse reporting summary; it is never used for
// admission control.
type ResourceRequirements struct {
	Agents       int `yaml:"agents"`
	IOBoundTasks int `yaml:"io_bound_tasks"`
}

// Build computes the execution plan for a stage. Layered and hybrid modes
// use dependency layering; a cycle remnant ends up in the final level rather
// than being dropped.
func Build(stage *model.Stage) (*ExecutionPlan, error) {
	if stage == nil {
		return nil, fmt.Errorf("nil stage")
	}

	ids := make([]string, 0, len(stage.Tasks))
	deps := make(map[string][]string, len(stage.Tasks))
	for _, t := range stage.Tasks {
		ids = append(ids, t.ID)
		if len(t.Dependencies) > 0 {
			deps[t.ID] = t.Dependencies
		}
	}

	switch stage.Mode {
	case model.ModeParallel, model.ModeParallelThenSync:
		if len(ids) == 0 {
			return &ExecutionPlan{Kind: KindParallel}, nil
		}
		return &ExecutionPlan{Kind: KindParallel, Levels: [][]string{ids}}, nil

	case model.ModeSequential:
		levels := make([][]string, 0, len(ids))
		for _, id := range ids {
			levels = append(levels, []string{id})
		}
		return &ExecutionPlan{Kind: KindSequential, Levels: levels}, nil

	case model.ModeLayered, model.ModeHybrid:
		return &ExecutionPlan{Kind: KindLayered, Levels: BuildLayers(ids, deps)}, nil

	default:
		return nil, fmt.Errorf("unknown execution mode %q", stage.Mode)
	}
}

// EstimateDuration computes the reporting-only duration estimate in seconds:
// max task timeout for a parallel plan, sum for sequential, sum of per-level
// maxima for layered.
func EstimateDuration(stage *model.Stage, p *ExecutionPlan) int {
	timeouts := make(map[string]int, len(stage.Tasks))
	for _, t := range stage.Tasks {
		timeouts[t.ID] = t.TimeoutSec
	}

	switch p.Kind {
	case KindParallel:
		max := 0
		for _, t := range stage.Tasks {
			if t.TimeoutSec > max {
				max = t.TimeoutSec
			}
		}
		return max

	case KindSequential:
		sum := 0
		for _, t := range stage.Tasks {
			sum += t.TimeoutSec
		}
		return sum

	default:
		sum := 0
		for _, level := range p.Levels {
			levelMax := 0
			for _, id := range level {
				if timeouts[id] > levelMax {
					levelMax = timeouts[id]
				}
			}
			sum += levelMax
		}
		return sum
	}
}

// Resources summarizes distinct agents and I/O-flagged tasks for reporting.
func Resources(stage *model.Stage) ResourceRequirements {
	agents := make(map[string]bool)
	ioBound := 0
	for _, t := range stage.Tasks {
		agents[t.Agent] = true
		if t.IOBound {
			ioBound++
		}
	}
	return ResourceRequirements{Agents: len(agents), IOBoundTasks: ioBound}
}
