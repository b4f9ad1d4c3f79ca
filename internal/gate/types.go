// Package gate evaluates declarative sync-point criteria and quality-gate
// checklists against stage-level facts.
package gate

import (
	"context"
	"time"
)

// Facts is a snapshot of stage-level observations a criterion is matched
// against: completed/failed task counts, stage outputs, plus any extra
// key/value facts a collaborator supplies.
type Facts map[string]interface{}

// CriterionResult records one criterion's evaluation detail.
type CriterionResult struct {
	Name     string      `yaml:"name"`
	Rule     interface{} `yaml:"rule"`
	Observed interface{} `yaml:"observed"`
	Passed   bool        `yaml:"passed"`
	Detail   string      `yaml:"detail,omitempty"`
}

// EvaluationResult is the outcome of evaluating a sync point or a quality
// gate against a facts snapshot.
type EvaluationResult struct {
	Success        bool              `yaml:"success"`
	AllCriteriaMet bool              `yaml:"all_criteria_met"`
	FailedCriteria []string          `yaml:"failed_criteria"`
	Criteria       []CriterionResult `yaml:"criteria"`
	Score          float64           `yaml:"score,omitempty"`
	Duration       time.Duration     `yaml:"-"`
	CacheHit       bool              `yaml:"-"`
}

// SyncValidator is an optional collaborator for centralized criterion
// evaluation. When injected, it overrides the engine's built-in matcher for
// the criteria it recognizes.
type SyncValidator interface {
	// Validate returns (passed, handled). When handled is false the engine
	// falls back to its built-in matcher.
	Validate(name string, rule interface{}, facts Facts) (passed bool, handled bool)
}

// CheckResult is one externally scored checklist item of a quality gate.
type CheckResult struct {
	Name   string  `yaml:"name"`
	Passed bool    `yaml:"passed"`
	Score  float64 `yaml:"score"`
	Detail string  `yaml:"detail,omitempty"`
}

// QualityCollaborator runs a named checklist and supplies its results. The
// engine aggregates pass/fail and reports the externally computed score; it
// never computes check outcomes itself.
type QualityCollaborator interface {
	RunChecklist(ctx context.Context, checklist string, facts Facts) ([]CheckResult, error)
}
