package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAuditLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "execution.jsonl")

	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	err = logger.WriteEntry(&LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: "task_completed",
		RunID:     "run_0000000001_aaaaaaaa",
		TaskID:    "task_0000000001_bbbbbbbb",
		Details:   map[string]interface{}{"duration_sec": 1.5},
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one log line")
	}

	var entry LogEntry
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry.EventType != "task_completed" {
		t.Errorf("unexpected event type %q", entry.EventType)
	}
	if entry.TaskID != "task_0000000001_bbbbbbbb" {
		t.Errorf("unexpected task ID %q", entry.TaskID)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "execution.jsonl")

	// Tiny max size to force rotation on the second write.
	logger, err := NewAuditLogger(logPath, 150)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	for i := 0; i < 3; i++ {
		err := logger.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: "stage_completed",
			StageName: "build",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	archives, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "*.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) == 0 {
		t.Error("expected at least one archived log file after rotation")
	}
}

func TestAuditLogger_RotationShortName(t *testing.T) {
	dir := t.TempDir()
	// A base name shorter than the ".jsonl" extension must still rotate.
	logPath := filepath.Join(dir, "a.log")

	logger, err := NewAuditLogger(logPath, 150)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	for i := 0; i < 3; i++ {
		err := logger.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: "stage_completed",
			StageName: "build",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	archives, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "a.log.*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) == 0 {
		t.Error("expected archived log file for non-jsonl base name")
	}
}

func TestAuditLogger_LogEventExtractsFields(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewAuditLogger(filepath.Join(dir, "a.jsonl"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	err = logger.LogEvent(Event{
		Type:      EventStageFailed,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"run_id": "run_0000000001_aaaaaaaa",
			"stage":  "verify",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "a.jsonl"))
	if err != nil {
		t.Fatal(err)
	}

	var entry LogEntry
	if err := json.Unmarshal(content[:len(content)-1], &entry); err != nil {
		t.Fatal(err)
	}
	if entry.RunID != "run_0000000001_aaaaaaaa" || entry.StageName != "verify" {
		t.Errorf("expected run/stage promoted to entry fields, got %+v", entry)
	}
}
