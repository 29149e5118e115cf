package runtime

import (
	"fmt"
	"sort"

	"dario.cat/mergo"
)

// Update is a partial state change. Nil fields are left untouched.
//
// The fields in the second group belong to the engine's controllers; a
// handler that sets any of them is rejected by the executor.
type Update struct {
	Plan              *string
	WebResearch       *string
	PriorArt          *string
	Criticism         *string
	ViabilityScore    *int
	CandidateDocument Document
	ArtifactPath      *string
	Error             *string
	Extensions        map[string]any

	PlanningIteration *int
	ShouldRestart     *bool
	RestartReason     *string
	RepairAttempts    *int
	ValidationErrors  *[]Issue
	ValidationReport  *string
	FinalDocument     Document
}

func String(s string) *string { return &s }
func Int(i int) *int          { return &i }
func Bool(b bool) *bool       { return &b }

// Issues wraps a slice for Update.ValidationErrors. Issues(nil) clears the list.
func Issues(in []Issue) *[]Issue {
	var out []Issue
	if len(in) > 0 {
		out = append(out, in...)
	}
	return &out
}

// Fields lists the state field names the update changes, sorted.
func (u Update) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(u.Plan != nil, "plan")
	add(u.WebResearch != nil, "web_research")
	add(u.PriorArt != nil, "prior_art")
	add(u.Criticism != nil, "criticism")
	add(u.ViabilityScore != nil, "viability_score")
	add(u.CandidateDocument != nil, "candidate_document")
	add(u.ArtifactPath != nil, "artifact_path")
	add(u.Error != nil, "error")
	add(len(u.Extensions) > 0, "extensions")
	add(u.PlanningIteration != nil, "planning_iteration")
	add(u.ShouldRestart != nil, "should_restart")
	add(u.RestartReason != nil, "restart_reason")
	add(u.RepairAttempts != nil, "repair_attempts")
	add(u.ValidationErrors != nil, "validation_errors")
	add(u.ValidationReport != nil, "validation_report")
	add(u.FinalDocument != nil, "final_document")
	sort.Strings(out)
	return out
}

// EngineOwned returns the controller-owned fields the update sets.
func (u Update) EngineOwned() []string {
	var out []string
	if u.PlanningIteration != nil {
		out = append(out, "planning_iteration")
	}
	if u.ShouldRestart != nil {
		out = append(out, "should_restart")
	}
	if u.RestartReason != nil {
		out = append(out, "restart_reason")
	}
	if u.RepairAttempts != nil {
		out = append(out, "repair_attempts")
	}
	if u.ValidationErrors != nil {
		out = append(out, "validation_errors")
	}
	if u.ValidationReport != nil {
		out = append(out, "validation_report")
	}
	if u.FinalDocument != nil {
		out = append(out, "final_document")
	}
	return out
}

// Apply writes u into s. final_document may be written only once per run.
func (s *State) Apply(u Update) error {
	if s == nil {
		return fmt.Errorf("apply update: state is nil")
	}
	if u.FinalDocument != nil && s.Finalized {
		return &InvariantError{Violations: []string{"final_document is already set"}}
	}
	if u.Plan != nil {
		s.Plan = *u.Plan
	}
	if u.WebResearch != nil {
		s.WebResearch = *u.WebResearch
	}
	if u.PriorArt != nil {
		s.PriorArt = *u.PriorArt
	}
	if u.Criticism != nil {
		s.Criticism = *u.Criticism
	}
	if u.ViabilityScore != nil {
		v := *u.ViabilityScore
		s.ViabilityScore = &v
	}
	if u.CandidateDocument != nil {
		s.CandidateDocument = u.CandidateDocument.Clone()
	}
	if u.ArtifactPath != nil {
		s.ArtifactPath = *u.ArtifactPath
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
	if len(u.Extensions) > 0 {
		ext, err := mergeExtensions(s.Extensions, u.Extensions)
		if err != nil {
			return err
		}
		s.Extensions = ext
	}
	if u.PlanningIteration != nil {
		s.PlanningIteration = *u.PlanningIteration
	}
	if u.ShouldRestart != nil {
		s.ShouldRestart = *u.ShouldRestart
	}
	if u.RestartReason != nil {
		s.RestartReason = *u.RestartReason
	}
	if u.RepairAttempts != nil {
		s.RepairAttempts = *u.RepairAttempts
	}
	if u.ValidationErrors != nil {
		if len(*u.ValidationErrors) == 0 {
			s.ValidationErrors = nil
		} else {
			s.ValidationErrors = append([]Issue(nil), (*u.ValidationErrors)...)
		}
	}
	if u.ValidationReport != nil {
		s.ValidationReport = *u.ValidationReport
	}
	if u.FinalDocument != nil {
		s.FinalDocument = u.FinalDocument.Clone()
		s.Finalized = true
	}
	return nil
}

func mergeExtensions(dst, src map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if dst != nil {
		out = cloneValue(dst).(map[string]any)
	}
	if err := mergo.Merge(&out, cloneValue(src).(map[string]any), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge extensions: %w", err)
	}
	return out, nil
}
