package engine

import (
	"fmt"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// DefaultViabilityScore stands in for a quality gate that produced no score.
const DefaultViabilityScore = 50

// RestartDecision is the outcome of the quality gate.
type RestartDecision struct {
	Restart bool
	// Reason is non-empty iff Restart.
	Reason string
	// Note explains a suppressed restart; it is logged, never stored in state.
	Note string
}

// DecideRestart is total over its inputs: a restart happens exactly when
// the score is below the minimum and planning iterations remain. The
// iteration bound is checked first.
func DecideRestart(score *int, iteration int, l runtime.Limits) RestartDecision {
	if iteration >= l.MaxPlanningIterations {
		return RestartDecision{Note: fmt.Sprintf("Maximum planning iterations (%d) reached", l.MaxPlanningIterations)}
	}
	s := DefaultViabilityScore
	if score != nil {
		s = *score
	}
	if s < l.MinViabilityScore {
		return RestartDecision{Restart: true, Reason: fmt.Sprintf("Low viability score (%d/100) - need to revise approach", s)}
	}
	return RestartDecision{}
}

// restartUpdate converts a decision into the controller's state change.
func restartUpdate(d RestartDecision) runtime.Update {
	return runtime.Update{
		ShouldRestart: runtime.Bool(d.Restart),
		RestartReason: runtime.String(d.Reason),
	}
}

// entryUpdate is applied after the entry stage opens a planning iteration:
// it counts the iteration and consumes any pending restart.
func entryUpdate(st *runtime.State) runtime.Update {
	return runtime.Update{
		PlanningIteration: runtime.Int(st.PlanningIteration + 1),
		ShouldRestart:     runtime.Bool(false),
		RestartReason:     runtime.String(""),
	}
}
