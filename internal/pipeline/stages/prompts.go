package stages

import (
	"fmt"
	"strings"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

func scopeLines(st runtime.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Components: %s\n", strings.Join(st.Components.Strings(), ", "))
	if len(st.Instruments) > 0 {
		names := make([]string, 0, len(st.Instruments))
		for _, in := range st.Instruments {
			names = append(names, string(in))
		}
		fmt.Fprintf(&b, "Instruments: %s\n", strings.Join(names, ", "))
	}
	if c := strings.TrimSpace(st.Constraints); c != "" {
		fmt.Fprintf(&b, "Constraints: %s\n", c)
	}
	return b.String()
}

func researchPrompt(stage runtime.StageName, st runtime.State) (system, user string) {
	switch stage {
	case runtime.StagePriorArt:
		system = "You search for existing public implementations of a trading research idea and judge its novelty."
	default:
		system = "You research a systematic trading idea and summarize the most relevant approaches and sources."
	}
	user = fmt.Sprintf("%s\n\n%s\nResearch plan:\n%s", st.Topic, scopeLines(st), st.Plan)
	return system, user
}

func criticismPrompt(st runtime.State) (system, user string) {
	system = "You are a skeptical reviewer of quantitative research proposals. " +
		"Finish with a line of the form 'VIABILITY SCORE: N' where N is 0-100, and one " +
		"'COMPONENT_SCORE_<NAME>: N' line per component."
	user = fmt.Sprintf("%s\n\n%s\nResearch plan:\n%s\n\nWeb research:\n%s\n\nPrior art:\n%s",
		st.Topic, scopeLines(st), st.Plan, st.WebResearch, st.PriorArt)
	return system, user
}

func synthesisSystem(schema string, errs []runtime.Issue) string {
	var b strings.Builder
	b.WriteString("Write a research proposal as a single JSON object.")
	if schema != "" {
		b.WriteString(" It must validate against this JSON Schema:\n")
		b.WriteString(schema)
	}
	if len(errs) > 0 {
		b.WriteString("\n\nVALIDATION ERRORS TO FIX:\n")
		for _, e := range errs {
			b.WriteString(e.String())
			b.WriteByte('\n')
		}
		b.WriteString("\nPlease fix these validation errors in the output.")
	}
	return b.String()
}

func synthesisUser(st runtime.State, prior runtime.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\nResearch plan:\n%s\n\nWeb research:\n%s\n\nPrior art:\n%s\n\nCriticism:\n%s\n",
		st.Topic, scopeLines(st), st.Plan, st.WebResearch, st.PriorArt, st.Criticism)
	if len(prior) > 0 {
		if body, err := xjson.MarshalIndent(prior); err == nil {
			fmt.Fprintf(&b, "\nPrevious attempt:\n%s\n", body)
		}
	}
	return b.String()
}

// planText is the research plan for one planning iteration.
func planText(st runtime.State, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research plan for %s\n\n%s", st.Topic, scopeLines(st))
	b.WriteString("\nSteps:\n")
	for _, c := range st.Components {
		fmt.Fprintf(&b, "- Research %s approaches for %s\n", c, st.Topic)
	}
	b.WriteString("- Search for prior art\n- Critically assess viability\n- Synthesize a structured proposal\n")
	if st.ShouldRestart && st.RestartReason != "" {
		fmt.Fprintf(&b, "\nITERATION %d - ADDRESSING: %s", iteration, st.RestartReason)
		reason := strings.ToLower(st.RestartReason)
		switch {
		case strings.Contains(reason, "prior art"):
			b.WriteString("\nFocus on: Novel approaches, unique data sources, differentiation strategies")
		case strings.Contains(reason, "viability score"):
			b.WriteString("\nFocus on: Risk mitigation, implementation feasibility, alternative approaches")
		}
	}
	return b.String()
}
