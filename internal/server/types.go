package server

import "time"

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	Topic       string   `json:"topic"`
	Components  []string `json:"components,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
	Constraints string   `json:"constraints,omitempty"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID              string     `json:"run_id"`
	State              string     `json:"state"`
	CurrentStage       string     `json:"current_stage,omitempty"`
	LastEvent          string     `json:"last_event,omitempty"`
	LastEventAt        *time.Time `json:"last_event_at,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	LogsRoot           string     `json:"logs_root,omitempty"`
	ArtifactPath       string     `json:"artifact_path,omitempty"`
	PlanningIterations int        `json:"planning_iterations"`
	RepairAttempts     int        `json:"repair_attempts"`
	ValidationErrors   int        `json:"validation_errors"`
	FailedStage        string     `json:"failed_stage,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
