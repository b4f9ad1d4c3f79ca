// Package snapshot persists run metadata after stage transitions for
// external inspection and recovery. Snapshots are write-only from the
// engine's point of view; nothing here is ever read back.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/stagehand/internal/lock"
	"github.com/msageha/stagehand/internal/model"
)

// RunSnapshot is the serializable view of a run emitted after every stage
// transition.
type RunSnapshot struct {
	SchemaVersion int              `yaml:"schema_version"`
	FileType      string           `yaml:"file_type"`
	RunID         string           `yaml:"run_id"`
	Name          string           `yaml:"name"`
	State         model.RunState   `yaml:"state"`
	CurrentStage  string           `yaml:"current_stage"`
	Counters      model.Counters   `yaml:"counters"`
	StageStatuses map[string]model.StageStatus `yaml:"stage_statuses"`
	CreatedAt     time.Time        `yaml:"created_at"`
	UpdatedAt     time.Time        `yaml:"updated_at"`
}

const (
	currentSchemaVersion = 1
	fileTypeRunSnapshot  = "run_snapshot"
)

// Sink receives run snapshots. Implementations must tolerate being called
// from the orchestrator's scheduling path; a nil Sink is valid and means no
// persistence.
type Sink interface {
	Persist(snap *RunSnapshot) error
}

// YAMLSink atomically writes one YAML file per run under its directory. It
// takes a flock on the directory so two orchestrators never share it.
type YAMLSink struct {
	dir      string
	fileLock *lock.FileLock
	lockMap  *lock.MutexMap
}

// NewYAMLSink creates the snapshot directory and acquires its lock file.
func NewYAMLSink(dir string) (*YAMLSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	fl := lock.NewFileLock(filepath.Join(dir, ".stagehand.lock"))
	if err := fl.TryLock(); err != nil {
		return nil, err
	}

	return &YAMLSink{
		dir:      dir,
		fileLock: fl,
		lockMap:  lock.NewMutexMap(),
	}, nil
}

// Persist writes the snapshot to <dir>/<run_id>.yaml. A pre-existing file
// that is not valid YAML is quarantined first.
func (s *YAMLSink) Persist(snap *RunSnapshot) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("snapshot missing run ID")
	}

	snap.SchemaVersion = currentSchemaVersion
	snap.FileType = fileTypeRunSnapshot

	path := filepath.Join(s.dir, snap.RunID+".yaml")

	s.lockMap.Lock(path)
	defer s.lockMap.Unlock(path)

	if content, err := os.ReadFile(path); err == nil {
		if err := validateYAML(content); err != nil {
			if qerr := quarantine(s.dir, path); qerr != nil {
				return fmt.Errorf("quarantine corrupt snapshot: %w", qerr)
			}
		}
	}

	return atomicWrite(path, snap)
}

// Close releases the directory lock.
func (s *YAMLSink) Close() error {
	return s.fileLock.Unlock()
}

// Capture builds a snapshot from a run.
func Capture(run *model.Run, counters model.Counters) *RunSnapshot {
	statuses := make(map[string]model.StageStatus, len(run.Stages))
	for name, st := range run.Stages {
		statuses[name] = st.Status
	}
	return &RunSnapshot{
		RunID:         run.ID,
		Name:          run.Name,
		State:         run.State,
		CurrentStage:  run.CurrentStage,
		Counters:      counters,
		StageStatuses: statuses,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
}
