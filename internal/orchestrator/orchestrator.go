// Package orchestrator is the run facade: it owns the single active run and
// composes the planner, stage executor, gate evaluators, failure policy and
// persistence sink behind the public operations.
package orchestrator

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/msageha/stagehand/internal/events"
	"github.com/msageha/stagehand/internal/executor"
	"github.com/msageha/stagehand/internal/gate"
	"github.com/msageha/stagehand/internal/lock"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/recovery"
	"github.com/msageha/stagehand/internal/snapshot"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Orchestrator drives one run at a time. All run- and stage-level mutation
// happens on its scheduling path under mu (single-writer discipline); task
// goroutines spawned by the stage executor write only their own task's
// fields.
type Orchestrator struct {
	mu       sync.RWMutex
	cfg      model.Config
	run      *model.Run
	counters model.Counters

	taskExec  executor.TaskExecutor
	stageExec *executor.StageExecutor
	gates     *gate.Engine
	validator gate.SyncValidator
	quality   gate.QualityCollaborator
	bus       *events.Bus
	audit     *events.AuditLogger
	sink      snapshot.Sink

	stageLocks *lock.MutexMap
	logger     *log.Logger
	logLevel   LogLevel
}

// New creates an orchestrator with no run loaded. Collaborators are wired
// through the Set* methods before the first LoadWorkflow.
func New(cfg model.Config, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		bus:        events.NewBus(100),
		stageLocks: lock.NewMutexMap(),
		logger:     logger,
		logLevel:   ParseLogLevel(cfg.Logging.Level),
	}
	o.rebuildEngines()
	return o
}

// SetTaskExecutor injects the external task-execution capability. Without
// one, stages run in simulated mode.
func (o *Orchestrator) SetTaskExecutor(exec executor.TaskExecutor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.taskExec = exec
	o.rebuildEngines()
}

// SetSyncValidator injects the optional centralized criterion evaluator.
func (o *Orchestrator) SetSyncValidator(v gate.SyncValidator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.validator = v
	o.rebuildEngines()
}

// SetQualityCollaborator injects the external checklist runner.
func (o *Orchestrator) SetQualityCollaborator(q gate.QualityCollaborator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quality = q
	o.rebuildEngines()
}

// SetSink injects the persistence sink receiving run snapshots.
func (o *Orchestrator) SetSink(s snapshot.Sink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = s
}

// SetAuditLogger wires the append-only execution log file. Every bus event
// is mirrored there.
func (o *Orchestrator) SetAuditLogger(audit *events.AuditLogger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audit = audit

	for _, et := range []events.EventType{
		events.EventRunLoaded, events.EventTaskCreated, events.EventTaskStarted,
		events.EventTaskCompleted, events.EventTaskFailed, events.EventTaskSkipped,
		events.EventTaskRetrying, events.EventStageStarted, events.EventStageCompleted,
		events.EventStageFailed, events.EventRunFailed, events.EventRollback,
	} {
		o.bus.Subscribe(et, func(e events.Event) {
			if err := audit.LogEvent(e); err != nil {
				o.log(LogLevelWarn, "audit_write_failed error=%v", err)
			}
		})
	}
}

// Bus exposes the event bus for external subscribers (progress callbacks,
// dashboards). Subscriber panics are contained by the bus.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

func (o *Orchestrator) rebuildEngines() {
	o.gates = gate.NewEngine(
		o.cfg.Gates.CacheSize,
		time.Duration(o.cfg.Gates.CacheTTLSec)*time.Second,
		o.validator,
		o.quality,
	)
	o.stageExec = executor.New(o.taskExec, &workflowResolver{o: o}, o.bus)
}

// Close shuts down the bus and audit log.
func (o *Orchestrator) Close() {
	o.bus.Close()
	if o.audit != nil {
		_ = o.audit.Close()
	}
}

func (o *Orchestrator) log(level LogLevel, format string, args ...interface{}) {
	if o.logger == nil || level < o.logLevel {
		return
	}
	prefix := [...]string{"DEBUG", "INFO", "WARN", "ERROR"}[level]
	o.logger.Printf("[%s] "+format, append([]interface{}{prefix}, args...)...)
}

// workflowResolver is the failure policy the stage executor consults. Fail
// decisions charge the run's error-recovery budget; run-level mutation stays
// on the orchestrator's side of the fence.
type workflowResolver struct {
	o *Orchestrator
}

func (r *workflowResolver) Resolve(task *model.Task, errText string) recovery.Decision {
	d := recovery.Decide(task, errText, r.o.cfg.Retry.BackoffCapSec)
	switch d.Action {
	case recovery.ActionFail:
		r.o.noteWorkflowLevelError(task, errText)
	case recovery.ActionRetry:
		r.o.mu.Lock()
		r.o.counters.TaskRetries++
		r.o.mu.Unlock()
	case recovery.ActionSkip:
		r.o.mu.Lock()
		r.o.counters.TasksSkipped++
		r.o.mu.Unlock()
	}
	return d
}

// noteWorkflowLevelError charges one terminal task failure against the
// run's recovery budget; exhausting the budget fails the whole run.
func (o *Orchestrator) noteWorkflowLevelError(task *model.Task, errText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noteWorkflowLevelErrorLocked(task, errText)
}

// noteWorkflowLevelErrorLocked requires mu to be held.
func (o *Orchestrator) noteWorkflowLevelErrorLocked(task *model.Task, errText string) {
	o.counters.TasksFailed++
	if o.run == nil {
		return
	}

	o.run.ErrorRecoveryCount++
	o.run.AppendLog("task_failed", task.Stage, task.ID, map[string]interface{}{
		"error":                errText,
		"error_recovery_count": o.run.ErrorRecoveryCount,
	})

	if o.run.ErrorRecoveryCount >= o.run.MaxErrorRecovery && !model.IsRunTerminal(o.run.State) {
		o.run.State = model.RunStateFailed
		o.run.AppendLog("run_failed", "", "", map[string]interface{}{
			"reason": "error recovery budget exhausted",
		})
		o.bus.Publish(events.EventRunFailed, map[string]interface{}{
			"run_id": o.run.ID,
			"reason": "error recovery budget exhausted",
		})
		o.log(LogLevelError, "run_failed run=%s recovery_count=%d", o.run.ID, o.run.ErrorRecoveryCount)
	}
}

// persistSnapshot emits the run's current metadata to the sink. Sink errors
// are logged, never propagated; persistence is advisory.
func (o *Orchestrator) persistSnapshot() {
	if o.sink == nil || o.run == nil {
		return
	}
	if err := o.sink.Persist(snapshot.Capture(o.run, o.counters)); err != nil {
		o.log(LogLevelWarn, "snapshot_failed run=%s error=%v", o.run.ID, err)
	}
}
