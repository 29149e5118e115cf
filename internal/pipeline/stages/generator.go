package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

// GenerateRequest is the input of one proposal generation. Prior and Errors
// are set when the previous candidate failed validation.
type GenerateRequest struct {
	State    runtime.State
	Prior    runtime.Document
	Errors   []runtime.Issue
	Settings engine.StageSettings
}

// Generator produces a candidate proposal document.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (runtime.Document, error)
}

// TemplateGenerator assembles a proposal from the research already in state.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) (runtime.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := req.State
	components := st.Components
	if len(components) == 0 {
		components = runtime.AllComponents()
	}
	sections := map[string]any{}
	for _, c := range components {
		sections[string(c)] = map[string]any{
			"description": fmt.Sprintf("%s design for %s.", titleCase(string(c)), st.Topic),
			"parameters":  map[string]any{},
		}
	}
	instruments := make([]any, 0, len(st.Instruments))
	for _, in := range st.Instruments {
		instruments = append(instruments, string(in))
	}
	doc := runtime.Document{
		"title":       "Research proposal: " + st.Topic,
		"summary":     summaryOf(st),
		"hypothesis":  fmt.Sprintf("%s produces a persistent, risk-adjusted edge.", st.Topic),
		"components":  stringsToAny(components.Strings()),
		"instruments": instruments,
		"sections":    sections,
		"risks":       stringsToAny(bullets(st.Criticism)),
	}
	if st.ViabilityScore != nil {
		doc["viability_score"] = *st.ViabilityScore
	}
	if strings.TrimSpace(st.Constraints) != "" {
		doc["constraints"] = st.Constraints
	}
	return doc, nil
}

func summaryOf(st runtime.State) string {
	if line := firstLine(st.Plan); line != "" {
		return line
	}
	return "Systematic study of " + st.Topic + "."
}

// bullets returns the "- " lines of a text without their markers.
func bullets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			out = append(out, strings.TrimSpace(line[2:]))
		}
	}
	return out
}

func stringsToAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// CompletionGenerator asks a Completer for the proposal as JSON and decodes
// the first object in the reply.
type CompletionGenerator struct {
	Completer Completer
	// Schema is included in the prompt when set.
	Schema string
}

func (g CompletionGenerator) Generate(ctx context.Context, req GenerateRequest) (runtime.Document, error) {
	if g.Completer == nil {
		return nil, fmt.Errorf("completion generator: no completer")
	}
	p := Prompt{
		Stage:    runtime.StageSynthesize,
		System:   synthesisSystem(g.Schema, req.Errors),
		User:     synthesisUser(req.State, req.Prior),
		Settings: req.Settings,
	}
	text, err := g.Completer.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	body, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("completion contained no JSON object")
	}
	var doc runtime.Document
	if err := xjson.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return doc, nil
}

// extractJSONObject returns the first balanced {...} in s, skipping braces inside strings.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
