package runtime

import "strings"

// StageName identifies a stage. It is unique within a pipeline.
type StageName string

// Terminal is the sentinel successor that ends a run.
const Terminal StageName = "__end__"

// Built-in stages of the research-proposal pipeline, in canonical order.
const (
	StagePlan        StageName = "plan"
	StageWebResearch StageName = "web_research"
	StagePriorArt    StageName = "prior_art"
	StageCriticism   StageName = "criticism"
	StageSynthesize  StageName = "synthesize"
	StagePersist     StageName = "persist"
)

// DefaultOrder returns a fresh copy of the canonical stage order.
func DefaultOrder() []StageName {
	return []StageName{StagePlan, StageWebResearch, StagePriorArt, StageCriticism, StageSynthesize, StagePersist}
}

func (s StageName) IsTerminal() bool { return s == Terminal }

func (s StageName) String() string { return string(s) }

// ParseStageNames trims and drops empty entries.
func ParseStageNames(raw []string) []StageName {
	out := make([]StageName, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, StageName(r))
	}
	return out
}
