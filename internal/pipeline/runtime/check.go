package runtime

import (
	"fmt"
	"strings"
)

// InvariantError lists every state invariant violated at one check.
type InvariantError struct {
	Violations []string
}

func (e *InvariantError) Error() string {
	return "state invariant violated: " + strings.Join(e.Violations, "; ")
}

// Check verifies the state invariants under the given limits.
func (s *State) Check(l Limits) error {
	if s == nil {
		return &InvariantError{Violations: []string{"state is nil"}}
	}
	var v []string
	if s.Version != StateVersion {
		v = append(v, fmt.Sprintf("version %d, want %d", s.Version, StateVersion))
	}
	if strings.TrimSpace(s.RunID) == "" {
		v = append(v, "run_id is empty")
	}
	if strings.TrimSpace(string(s.CurrentStage)) == "" {
		v = append(v, "current_stage is empty")
	}
	if s.PlanningIteration < 0 || s.PlanningIteration > l.MaxPlanningIterations {
		v = append(v, fmt.Sprintf("planning_iteration %d outside [0,%d]", s.PlanningIteration, l.MaxPlanningIterations))
	}
	if s.ShouldRestart != (strings.TrimSpace(s.RestartReason) != "") {
		v = append(v, fmt.Sprintf("should_restart=%t but restart_reason=%q", s.ShouldRestart, s.RestartReason))
	}
	if s.RepairAttempts < 0 || s.RepairAttempts > l.MaxRepairAttempts {
		v = append(v, fmt.Sprintf("repair_attempts %d outside [0,%d]", s.RepairAttempts, l.MaxRepairAttempts))
	}
	if s.ViabilityScore != nil && (*s.ViabilityScore < 0 || *s.ViabilityScore > 100) {
		v = append(v, fmt.Sprintf("viability_score %d outside [0,100]", *s.ViabilityScore))
	}
	// Finalized is authoritative; an empty final document is still final.
	if s.FinalDocument != nil && !s.Finalized {
		v = append(v, "final_document present but finalized=false")
	}
	if len(v) > 0 {
		return &InvariantError{Violations: v}
	}
	return nil
}
