package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// RunState tracks a single running or finished run.
type RunState struct {
	RunID       string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu     sync.Mutex
	result *engine.Result
	err    error
	done   bool
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(res *engine.Result, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = res
	rs.err = err
	rs.done = true
}

// Done reports whether the run has finished.
func (rs *RunState) Done() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done
}

// Status returns the current run status for the HTTP API.
func (rs *RunState) Status() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	status := RunStatus{
		RunID:     rs.RunID,
		State:     "running",
		StartedAt: rs.StartedAt,
	}
	if rs.done {
		switch {
		case rs.err != nil:
			status.State = string(runtime.FinalFail)
			status.FailureReason = rs.err.Error()
			if stage, ok := engine.FaultStage(rs.err); ok {
				status.FailedStage = string(stage)
			}
		case rs.result != nil:
			fo := rs.result.Final
			status.State = string(fo.Status)
			status.LogsRoot = rs.result.LogsRoot
			status.ArtifactPath = fo.ArtifactPath
			status.PlanningIterations = fo.PlanningIterations
			status.RepairAttempts = fo.RepairAttempts
			status.ValidationErrors = len(fo.ValidationErrors)
		}
	}

	if rs.Broadcaster != nil {
		if ev, ok := rs.Broadcaster.Last("stage_started", "stage_finished", "run_resumed"); ok {
			status.CurrentStage = ev.Stage
			if next, _ := ev.Data["next"].(string); next != "" {
				status.CurrentStage = next
			}
		}
		if last, ok := rs.Broadcaster.Last(); ok {
			status.LastEvent = last.Name
			if ts, ok := last.Data["ts"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					status.LastEventAt = &t
				}
			}
		}
		if !rs.done {
			if ev, ok := rs.Broadcaster.Last("stage_started", "validation"); ok {
				if p, ok := ev.Data["planning_iteration"].(float64); ok {
					status.PlanningIterations = int(p)
				}
				if a, ok := ev.Data["repair_attempts"].(float64); ok {
					status.RepairAttempts = int(a)
				}
			}
		}
	}
	return status
}

// RunRegistry tracks all runs started by this server instance.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run. It fails if the id is already taken.
func (r *RunRegistry) Register(runID string, rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = rs
	return nil
}

func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns all run ids, sorted.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelAll cancels every run with the given reason.
func (r *RunRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if rs.Cancel != nil {
			rs.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
