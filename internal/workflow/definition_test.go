package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/stagehand/internal/model"
)

const sampleYAML = `
name: release-pipeline
global_context:
  repo: stagehand
stages:
  - name: build
    description: compile everything
    execution_mode: parallel
  - name: verify
    description: run checks
    execution_mode: sequential
    depends_on: [build]
    sync_point:
      type: post_stage
      validation_criteria:
        tasks_failed: "0"
        score: "> 80"
      must_pass: true
    quality_gate:
      checklist: release_readiness
      must_pass: true
`

func TestParse_Sample(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "release-pipeline", def.Name)
	require.Len(t, def.Stages, 2)
	assert.Equal(t, model.ModeParallel, def.Stages[0].Mode)
	assert.Equal(t, []string{"build"}, def.Stages[1].DependsOn)
	require.NotNil(t, def.Stages[1].SyncPoint)
	assert.True(t, def.Stages[1].SyncPoint.MustPass)
	require.NotNil(t, def.Stages[1].QualityGate)
	assert.Equal(t, "release_readiness", def.Stages[1].QualityGate.Checklist)
}

func TestValidate_OK(t *testing.T) {
	def, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	order, errs := def.Validate()
	require.Nil(t, errs)
	assert.Equal(t, []string{"build", "verify"}, order)
}

func TestValidate_UnknownDependency(t *testing.T) {
	def := &Definition{
		Name: "w",
		Stages: []StageSpec{
			{Name: "a", Mode: model.ModeParallel, DependsOn: []string{"ghost"}},
		},
	}

	_, errs := def.Validate()
	require.NotNil(t, errs)
	assert.Contains(t, errs.Error(), `unknown name "ghost"`)
}

func TestValidate_Cycle(t *testing.T) {
	def := &Definition{
		Name: "w",
		Stages: []StageSpec{
			{Name: "a", Mode: model.ModeParallel, DependsOn: []string{"b"}},
			{Name: "b", Mode: model.ModeParallel, DependsOn: []string{"a"}},
		},
	}

	_, errs := def.Validate()
	require.NotNil(t, errs)
	assert.Contains(t, errs.Error(), "circular dependency")
}

func TestValidate_BadMode(t *testing.T) {
	def := &Definition{
		Name:   "w",
		Stages: []StageSpec{{Name: "a", Mode: "warp"}},
	}

	_, errs := def.Validate()
	require.NotNil(t, errs)
	assert.Contains(t, errs.Error(), `unknown execution mode "warp"`)
}

func TestValidate_DuplicateStage(t *testing.T) {
	def := &Definition{
		Name: "w",
		Stages: []StageSpec{
			{Name: "a", Mode: model.ModeParallel},
			{Name: "a", Mode: model.ModeSequential},
		},
	}

	_, errs := def.Validate()
	require.NotNil(t, errs)
	assert.Contains(t, errs.Error(), "duplicate stage name")
}
