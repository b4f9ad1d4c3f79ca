// Package workflow defines the workflow-definition input schema and its
// validation rules.
package workflow

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/plan"
)

// Definition is the input to LoadWorkflow.
type Definition struct {
	Name          string                 `yaml:"name"`
	GlobalContext map[string]interface{} `yaml:"global_context,omitempty"`
	Stages        []StageSpec            `yaml:"stages"`
}

// StageSpec declares one stage of a workflow definition.
type StageSpec struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Mode        model.ExecutionMode    `yaml:"execution_mode"`
	TimeoutSec  int                    `yaml:"timeout_sec,omitempty"`
	DependsOn   []string               `yaml:"depends_on,omitempty"`
	SyncPoint   *model.SyncPointSpec   `yaml:"sync_point,omitempty"`
	QualityGate *model.QualityGateSpec `yaml:"quality_gate,omitempty"`
	Tasks       []TaskSpec             `yaml:"tasks,omitempty"`
}

// TaskSpec optionally declares tasks inline with the definition; tasks may
// also be added later through CreateTask.
type TaskSpec struct {
	Agent        string   `yaml:"agent"`
	Description  string   `yaml:"description"`
	Priority     int      `yaml:"priority,omitempty"`
	TimeoutSec   int      `yaml:"timeout_sec,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Outputs      []string `yaml:"outputs,omitempty"`
	IOBound      bool     `yaml:"io_bound,omitempty"`
}

// Parse unmarshals a YAML workflow definition.
func Parse(content []byte) (*Definition, error) {
	var def Definition
	if err := yamlv3.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &def, nil
}

// ParseFile reads and parses a workflow definition file.
func ParseFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(content)
}

// Validate checks the definition: required fields, known execution modes,
// known stage references and an acyclic depends_on graph. On success it
// returns the topological order of stage names.
func (d *Definition) Validate() ([]string, *plan.ValidationErrors) {
	errs := &plan.ValidationErrors{}

	if d.Name == "" {
		errs.Add("name", "workflow name is required")
	}
	if len(d.Stages) == 0 {
		errs.Add("stages", "at least one stage is required")
	}

	names := make([]string, 0, len(d.Stages))
	nameSet := make(map[string]bool, len(d.Stages))
	dependsOn := make(map[string][]string)

	for i, spec := range d.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if spec.Name == "" {
			errs.Add(field+".name", "stage name is required")
			continue
		}
		if nameSet[spec.Name] {
			errs.Add(field+".name", fmt.Sprintf("duplicate stage name %q", spec.Name))
			continue
		}
		mode := spec.Mode
		if mode == "" {
			errs.Add(field+".execution_mode", "execution mode is required")
		} else if !model.IsValidExecutionMode(mode) {
			errs.Add(field+".execution_mode", fmt.Sprintf("unknown execution mode %q", mode))
		}
		nameSet[spec.Name] = true
		names = append(names, spec.Name)
		if len(spec.DependsOn) > 0 {
			dependsOn[spec.Name] = spec.DependsOn
		}
	}

	errs.Merge(plan.ValidateNoSelfReference(dependsOn))
	errs.Merge(plan.ValidateKnownRefs(dependsOn, nameSet))

	if errs.HasErrors() {
		return nil, errs
	}

	sorted, err := plan.ValidateStageDAG(names, dependsOn)
	if err != nil {
		errs.Add("stages", err.Error())
		return nil, errs
	}

	return sorted, nil
}
