// Package runstate summarizes a run from the files it leaves in its logs root.
package runstate

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/proposer/internal/xjson"
)

type State string

const (
	StateUnknown  State = "unknown"
	StateRunning  State = "running"
	StateSuccess  State = "success"
	StateDegraded State = "degraded"
	StateFail     State = "fail"
)

// Terminal reports whether the run has written its final outcome.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateDegraded || s == StateFail
}

type Snapshot struct {
	LogsRoot string `json:"logs_root"`
	RunID    string `json:"run_id,omitempty"`
	Topic    string `json:"topic,omitempty"`
	State    State  `json:"state"`

	StartedAt    time.Time `json:"started_at,omitempty"`
	LastEvent    string    `json:"last_event,omitempty"`
	LastEventAt  time.Time `json:"last_event_at,omitempty"`
	CurrentStage string    `json:"current_stage,omitempty"`

	ArtifactPath       string `json:"artifact_path,omitempty"`
	PlanningIterations int    `json:"planning_iterations"`
	RepairAttempts     int    `json:"repair_attempts"`
	ValidationErrors   int    `json:"validation_errors"`
	FailedStage        string `json:"failed_stage,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
}

type manifestDoc struct {
	RunID     string `json:"run_id"`
	Topic     string `json:"topic"`
	StartedAt string `json:"started_at"`
}

type finalOutcomeDoc struct {
	Status             string `json:"status"`
	RunID              string `json:"run_id"`
	ArtifactPath       string `json:"artifact_path"`
	PlanningIterations int    `json:"planning_iterations"`
	RepairAttempts     int    `json:"repair_attempts"`
	ValidationErrors   []any  `json:"validation_errors"`
	FailedStage        string `json:"failed_stage"`
	FailureReason      string `json:"failure_reason"`
}

// LoadSnapshot reads run.json, final.json and progress.ndjson under logsRoot.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	s := &Snapshot{LogsRoot: root, State: StateUnknown}

	if err := applyManifest(s); err != nil {
		return nil, err
	}
	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	// The last progress event only fills in activity; a terminal final.json decides the state.
	if err := applyProgress(s); err != nil {
		return nil, err
	}
	return s, nil
}

func readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := xjson.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func applyManifest(s *Snapshot) error {
	var doc manifestDoc
	found, err := readJSON(filepath.Join(s.LogsRoot, "run.json"), &doc)
	if err != nil || !found {
		return err
	}
	s.RunID = strings.TrimSpace(doc.RunID)
	s.Topic = doc.Topic
	s.StartedAt = parseTime(doc.StartedAt)
	return nil
}

func applyFinalOutcome(s *Snapshot) error {
	var doc finalOutcomeDoc
	found, err := readJSON(filepath.Join(s.LogsRoot, "final.json"), &doc)
	if err != nil || !found {
		return err
	}
	if rid := strings.TrimSpace(doc.RunID); rid != "" {
		s.RunID = rid
	}
	switch State(strings.ToLower(strings.TrimSpace(doc.Status))) {
	case StateSuccess:
		s.State = StateSuccess
	case StateDegraded:
		s.State = StateDegraded
	case StateFail:
		s.State = StateFail
		s.FailedStage = doc.FailedStage
		s.FailureReason = strings.TrimSpace(doc.FailureReason)
	}
	s.ArtifactPath = doc.ArtifactPath
	s.PlanningIterations = doc.PlanningIterations
	s.RepairAttempts = doc.RepairAttempts
	s.ValidationErrors = len(doc.ValidationErrors)
	return nil
}

func applyProgress(s *Snapshot) error {
	ev, found, err := readLastProgressEvent(filepath.Join(s.LogsRoot, "progress.ndjson"))
	if err != nil || !found {
		return err
	}
	if rid := eventString(ev["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(ev["event"])
	s.LastEventAt = parseTime(eventString(ev["ts"]))
	if next := eventString(ev["next"]); next != "" {
		s.CurrentStage = next
	} else {
		s.CurrentStage = eventString(ev["stage"])
	}
	if !s.State.Terminal() {
		s.State = StateRunning
	}
	return nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := xjson.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
