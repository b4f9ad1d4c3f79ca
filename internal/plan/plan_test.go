package plan

import (
	"testing"

	"github.com/msageha/stagehand/internal/model"
)

func stageWith(mode model.ExecutionMode, tasks ...*model.Task) *model.Stage {
	return &model.Stage{Name: "s", Mode: mode, Tasks: tasks}
}

func TestBuild_Parallel(t *testing.T) {
	st := stageWith(model.ModeParallel,
		&model.Task{ID: "t1"}, &model.Task{ID: "t2"}, &model.Task{ID: "t3"})

	p, err := Build(st)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindParallel {
		t.Errorf("expected parallel plan, got %s", p.Kind)
	}
	if len(p.Levels) != 1 || len(p.Levels[0]) != 3 {
		t.Errorf("expected one group of 3, got %v", p.Levels)
	}
}

func TestBuild_SequentialPreservesCreationOrder(t *testing.T) {
	st := stageWith(model.ModeSequential,
		&model.Task{ID: "t1"}, &model.Task{ID: "t2"}, &model.Task{ID: "t3"})

	p, err := Build(st)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindSequential {
		t.Errorf("expected sequential plan, got %s", p.Kind)
	}
	want := []string{"t1", "t2", "t3"}
	got := p.TaskIDs()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected creation order %v, got %v", want, got)
		}
	}
}

func TestBuild_Layered(t *testing.T) {
	st := stageWith(model.ModeHybrid,
		&model.Task{ID: "t1"},
		&model.Task{ID: "t2", Dependencies: []string{"t1"}},
		&model.Task{ID: "t3", Dependencies: []string{"t1"}},
		&model.Task{ID: "t4", Dependencies: []string{"t2", "t3"}})

	p, err := Build(st)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindLayered {
		t.Errorf("expected layered plan, got %s", p.Kind)
	}
	if len(p.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %v", p.Levels)
	}
}

func TestBuild_UnknownMode(t *testing.T) {
	st := stageWith(model.ExecutionMode("bogus"), &model.Task{ID: "t1"})
	if _, err := Build(st); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestEstimateDuration(t *testing.T) {
	tasks := []*model.Task{
		{ID: "t1", TimeoutSec: 10},
		{ID: "t2", TimeoutSec: 30},
		{ID: "t3", TimeoutSec: 20},
	}

	par := stageWith(model.ModeParallel, tasks...)
	pPar, _ := Build(par)
	if d := EstimateDuration(par, pPar); d != 30 {
		t.Errorf("parallel estimate: expected max 30, got %d", d)
	}

	seq := stageWith(model.ModeSequential, tasks...)
	pSeq, _ := Build(seq)
	if d := EstimateDuration(seq, pSeq); d != 60 {
		t.Errorf("sequential estimate: expected sum 60, got %d", d)
	}

	lay := stageWith(model.ModeLayered,
		&model.Task{ID: "t1", TimeoutSec: 10},
		&model.Task{ID: "t2", TimeoutSec: 30, Dependencies: []string{"t1"}},
		&model.Task{ID: "t3", TimeoutSec: 20, Dependencies: []string{"t1"}})
	pLay, _ := Build(lay)
	// Level maxima: 10 + max(30, 20) = 40
	if d := EstimateDuration(lay, pLay); d != 40 {
		t.Errorf("layered estimate: expected 40, got %d", d)
	}
}

func TestResources(t *testing.T) {
	st := stageWith(model.ModeParallel,
		&model.Task{ID: "t1", Agent: "builder", IOBound: true},
		&model.Task{ID: "t2", Agent: "builder"},
		&model.Task{ID: "t3", Agent: "tester", IOBound: true})

	r := Resources(st)
	if r.Agents != 2 {
		t.Errorf("expected 2 distinct agents, got %d", r.Agents)
	}
	if r.IOBoundTasks != 2 {
		t.Errorf("expected 2 io-bound tasks, got %d", r.IOBoundTasks)
	}
}
