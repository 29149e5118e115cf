package runstate

import (
	"os"
	"path/filepath"
	"testing"
)

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSnapshot_RunningFromProgress(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "run.json", `{"run_id":"r1","topic":"carry","started_at":"2026-01-02T03:04:05Z"}`)
	write(t, dir, "progress.ndjson",
		`{"event":"run_started","run_id":"r1","ts":"2026-01-02T03:04:05Z"}`+"\n"+
			`{"event":"stage_finished","stage":"plan","next":"web_research","run_id":"r1","ts":"2026-01-02T03:04:06.5Z"}`+"\n\n")

	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateRunning || s.RunID != "r1" || s.Topic != "carry" {
		t.Fatalf("snapshot: %+v", s)
	}
	if s.LastEvent != "stage_finished" || s.CurrentStage != "web_research" {
		t.Fatalf("activity: event=%q stage=%q", s.LastEvent, s.CurrentStage)
	}
	if s.LastEventAt.IsZero() || s.StartedAt.IsZero() {
		t.Fatalf("timestamps not parsed: %+v", s)
	}
}

func TestLoadSnapshot_FinalOutcomeWins(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "final.json", `{"status":"degraded","run_id":"r2","artifact_path":"proposals/x.json","planning_iterations":2,"repair_attempts":3,"validation_errors":[{"path":"summary","message":"missing"}]}`)
	write(t, dir, "progress.ndjson", `{"event":"run_finished","run_id":"r2"}`+"\n")

	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateDegraded || s.RepairAttempts != 3 || s.ValidationErrors != 1 || s.ArtifactPath != "proposals/x.json" {
		t.Fatalf("snapshot: %+v", s)
	}
}

func TestLoadSnapshot_Failure(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "final.json", `{"status":"fail","run_id":"r3","failed_stage":"persist","failure_reason":" disk full "}`)
	s, err := LoadSnapshot(dir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateFail || s.FailedStage != "persist" || s.FailureReason != "disk full" {
		t.Fatalf("snapshot: %+v", s)
	}
}

func TestLoadSnapshot_EmptyDirIsUnknown(t *testing.T) {
	s, err := LoadSnapshot(t.TempDir())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateUnknown {
		t.Fatalf("state: got %q want unknown", s.State)
	}
}

func TestLoadSnapshot_CorruptFinal(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "final.json", `{not json`)
	if _, err := LoadSnapshot(dir); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := LoadSnapshot(" "); err == nil {
		t.Fatalf("expected error for empty logs root")
	}
}
