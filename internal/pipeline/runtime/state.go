package runtime

import (
	"fmt"
	"strings"
)

// StateVersion is bumped whenever the persisted State shape changes.
const StateVersion = 1

// Engine defaults.
const (
	DefaultMinViabilityScore     = 51
	DefaultMaxPlanningIterations = 3
	DefaultMaxRepairAttempts     = 3
)

// Limits bound the two retry loops.
type Limits struct {
	MinViabilityScore     int `json:"min_viability_score" yaml:"min_viability_score"`
	MaxPlanningIterations int `json:"max_planning_iterations" yaml:"max_planning_iterations"`
	MaxRepairAttempts     int `json:"max_repair_attempts" yaml:"max_repair_attempts"`
}

func DefaultLimits() Limits {
	return Limits{
		MinViabilityScore:     DefaultMinViabilityScore,
		MaxPlanningIterations: DefaultMaxPlanningIterations,
		MaxRepairAttempts:     DefaultMaxRepairAttempts,
	}
}

func (l Limits) Validate() error {
	if l.MinViabilityScore < 0 || l.MinViabilityScore > 101 {
		return fmt.Errorf("min_viability_score must be in [0,101], got %d", l.MinViabilityScore)
	}
	if l.MaxPlanningIterations < 1 {
		return fmt.Errorf("max_planning_iterations must be >= 1, got %d", l.MaxPlanningIterations)
	}
	if l.MaxRepairAttempts < 1 {
		return fmt.Errorf("max_repair_attempts must be >= 1, got %d", l.MaxRepairAttempts)
	}
	return nil
}

// Issue is one schema-validation error.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("At %s: %s", i.Path, i.Message)
}

// Document is a structured artifact: a decoded JSON object.
type Document map[string]any

// Clone deep-copies maps and slices. Scalars are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Seed is the caller-supplied starting point of a run.
type Seed struct {
	Topic       string
	Components  ComponentSet
	Instruments []Instrument
	Constraints string
	Extensions  map[string]any
}

// State is the shared document threaded through every stage of a run.
// Handlers see clones; only the engine applies updates to the live value.
type State struct {
	Version      int       `json:"version"`
	RunID        string    `json:"run_id"`
	CurrentStage StageName `json:"current_stage"`

	Topic       string       `json:"topic"`
	Components  ComponentSet `json:"components"`
	Instruments []Instrument `json:"instruments,omitempty"`
	Constraints string       `json:"constraints,omitempty"`

	Plan        string `json:"plan,omitempty"`
	WebResearch string `json:"web_research,omitempty"`
	PriorArt    string `json:"prior_art,omitempty"`
	Criticism   string `json:"criticism,omitempty"`

	ViabilityScore    *int   `json:"viability_score,omitempty"`
	PlanningIteration int    `json:"planning_iteration"`
	ShouldRestart     bool   `json:"should_restart"`
	RestartReason     string `json:"restart_reason,omitempty"`

	RepairAttempts    int      `json:"repair_attempts"`
	ValidationErrors  []Issue  `json:"validation_errors,omitempty"`
	ValidationReport  string   `json:"validation_report,omitempty"`
	CandidateDocument Document `json:"candidate_document,omitempty"`

	// FinalDocument is encoded even when empty so a finalized run
	// round-trips through every checkpoint store.
	FinalDocument Document `json:"final_document"`
	Finalized     bool     `json:"finalized"`

	ArtifactPath string `json:"artifact_path,omitempty"`

	// Error records the most recent stage that degraded gracefully.
	Error string `json:"error,omitempty"`

	// Extensions holds collaborator-specific fields. The engine never reads them.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewState validates the seed and returns the initial state of a run.
func NewState(runID string, seed Seed) (*State, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	topic := strings.TrimSpace(seed.Topic)
	if topic == "" {
		return nil, fmt.Errorf("seed topic is required")
	}
	comps := seed.Components
	if len(comps) == 0 {
		comps = AllComponents()
	}
	var ext map[string]any
	if len(seed.Extensions) > 0 {
		ext = cloneValue(map[string]any(seed.Extensions)).(map[string]any)
	}
	return &State{
		Version:      StateVersion,
		RunID:        runID,
		CurrentStage: "",
		Topic:        topic,
		Components:   append(ComponentSet(nil), comps...),
		Instruments:  append([]Instrument(nil), seed.Instruments...),
		Constraints:  strings.TrimSpace(seed.Constraints),
		Extensions:   ext,
	}, nil
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	if s == nil {
		return State{}
	}
	out := *s
	out.Components = append(ComponentSet(nil), s.Components...)
	out.Instruments = append([]Instrument(nil), s.Instruments...)
	if s.ViabilityScore != nil {
		v := *s.ViabilityScore
		out.ViabilityScore = &v
	}
	if s.ValidationErrors != nil {
		out.ValidationErrors = append([]Issue(nil), s.ValidationErrors...)
	}
	out.CandidateDocument = s.CandidateDocument.Clone()
	out.FinalDocument = s.FinalDocument.Clone()
	if s.Extensions != nil {
		out.Extensions = cloneValue(s.Extensions).(map[string]any)
	}
	return out
}

// Degraded reports a finalized document that never passed validation.
func (s *State) Degraded() bool {
	return s != nil && s.Finalized && len(s.ValidationErrors) > 0
}
