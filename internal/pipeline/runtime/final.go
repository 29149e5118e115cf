package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/proposer/internal/xjson"
)

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	// FinalDegraded is a normal terminal outcome: the document was persisted
	// after repair attempts ran out and still carries validation errors.
	FinalDegraded FinalStatus = "degraded"
	FinalFail     FinalStatus = "fail"
)

type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	ArtifactPath       string  `json:"artifact_path,omitempty"`
	PlanningIterations int     `json:"planning_iterations"`
	RepairAttempts     int     `json:"repair_attempts"`
	ValidationErrors   []Issue `json:"validation_errors,omitempty"`

	FailedStage   StageName `json:"failed_stage,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// OutcomeFor derives the terminal outcome of a run that reached Terminal.
func OutcomeFor(s *State) FinalOutcome {
	fo := FinalOutcome{
		Timestamp:          time.Now().UTC(),
		Status:             FinalSuccess,
		RunID:              s.RunID,
		ArtifactPath:       s.ArtifactPath,
		PlanningIterations: s.PlanningIteration,
		RepairAttempts:     s.RepairAttempts,
	}
	if s.Degraded() {
		fo.Status = FinalDegraded
		fo.ValidationErrors = append([]Issue(nil), s.ValidationErrors...)
	}
	return fo
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return WriteJSONAtomic(path, fo)
}

// LoadFinalOutcome reads a final.json written by Save.
func LoadFinalOutcome(path string) (FinalOutcome, error) {
	var fo FinalOutcome
	b, err := os.ReadFile(path)
	if err != nil {
		return fo, err
	}
	if err := xjson.Unmarshal(b, &fo); err != nil {
		return fo, fmt.Errorf("%s: %w", path, err)
	}
	return fo, nil
}

// WriteJSONAtomic writes v as indented JSON via a temp file and rename.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := xjson.MarshalIndent(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
