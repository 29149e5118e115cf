package runtime

import (
	"fmt"
	"time"
)

// Checkpoint is the full snapshot persisted after every completed stage.
type Checkpoint struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	// Completed lists executed stages in order, repeats included.
	Completed []StageName `json:"completed"`
	// Next is the stage the run continues with, or Terminal.
	Next StageName `json:"next"`

	// PlanFingerprint identifies the compiled graph the run was started with.
	PlanFingerprint string `json:"plan_fingerprint"`

	State State `json:"state"`
}

func (cp *Checkpoint) Validate() error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if cp.Version != StateVersion {
		return fmt.Errorf("unsupported checkpoint version: %d", cp.Version)
	}
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run_id is empty")
	}
	if cp.RunID != cp.State.RunID {
		return fmt.Errorf("checkpoint run_id %q does not match state run_id %q", cp.RunID, cp.State.RunID)
	}
	if cp.Next == "" {
		return fmt.Errorf("checkpoint next stage is empty")
	}
	return nil
}
