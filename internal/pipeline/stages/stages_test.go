package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/proposer/internal/pipeline/artifact"
	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
)

func testState(t *testing.T) runtime.State {
	t.Helper()
	st, err := runtime.NewState("r1", runtime.Seed{
		Topic:       "volatility carry",
		Components:  runtime.ComponentSet{runtime.ComponentAlpha, runtime.ComponentRisk},
		Instruments: []runtime.Instrument{runtime.InstrumentOptions},
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return *st
}

func sc(stage runtime.StageName) engine.StageContext {
	return engine.StageContext{RunID: "r1", Stage: stage, Limits: runtime.DefaultLimits()}
}

func failing(msg string) Completer {
	return CompleterFunc(func(context.Context, Prompt) (string, error) {
		return "", errors.New(msg)
	})
}

func TestExtractViabilityScore(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"...\nVIABILITY SCORE: 65", 65},
		{"viability score:   7 overall", 7},
		{"Overall viability is roughly 44/100.", 44},
		{"My score would be 81 out of 100", 81},
		{"Rating: 30/100", 30},
		{"VIABILITY SCORE: 250", 100},
		{"no number here", DefaultScore},
		{"", DefaultScore},
	}
	for _, tc := range cases {
		if got := ExtractViabilityScore(tc.text); got != tc.want {
			t.Fatalf("ExtractViabilityScore(%q): got %d want %d", tc.text, got, tc.want)
		}
	}
}

func TestExtractComponentScores(t *testing.T) {
	got := ExtractComponentScores("COMPONENT_SCORE_ALPHA: 70\ncomponent_score_risk: 40\nCOMPONENT_SCORE_UNIVERSE: x")
	if len(got) != 2 || got["alpha"] != 70 || got["risk"] != 40 {
		t.Fatalf("got %v", got)
	}
}

func TestPlan_RestartNamesIterationAndReason(t *testing.T) {
	st := testState(t)
	u, err := Plan(sc(runtime.StagePlan), st)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if strings.Contains(*u.Plan, "ITERATION") {
		t.Fatalf("first plan mentions an iteration:\n%s", *u.Plan)
	}

	st.PlanningIteration = 1
	st.ShouldRestart = true
	st.RestartReason = "Low viability score (40/100) - need to revise approach"
	u, err = Plan(sc(runtime.StagePlan), st)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.Contains(*u.Plan, "ITERATION 2 - ADDRESSING: Low viability score (40/100)") {
		t.Fatalf("restart plan missing iteration note:\n%s", *u.Plan)
	}
	if !strings.Contains(*u.Plan, "Focus on: Risk mitigation") {
		t.Fatalf("restart plan missing guidance:\n%s", *u.Plan)
	}
	if len(u.EngineOwned()) != 0 {
		t.Fatalf("plan set controller fields: %v", u.EngineOwned())
	}
}

func TestResearch_DegradesOnCompleterFailure(t *testing.T) {
	h := Research{Completer: failing("search api down")}
	u, err := h.Run(context.Background(), sc(runtime.StageWebResearch), testState(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if u.Error == nil || !strings.Contains(*u.Error, "search api down") {
		t.Fatalf("error field: %v", u.Error)
	}
	if u.WebResearch == nil || *u.WebResearch == "" || u.PriorArt != nil {
		t.Fatalf("fallback not written to web_research: %+v", u)
	}

	u, err = Research{Completer: Offline{}}.Run(context.Background(), sc(runtime.StagePriorArt), testState(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if u.PriorArt == nil || u.Error != nil {
		t.Fatalf("prior art update: %+v", u)
	}
}

func TestCriticism_ScoresCritique(t *testing.T) {
	c := CompleterFunc(func(_ context.Context, p Prompt) (string, error) {
		if !strings.Contains(p.System, "VIABILITY SCORE") {
			t.Fatalf("prompt does not ask for a score")
		}
		return "weak edge\nCOMPONENT_SCORE_ALPHA: 35\nVIABILITY SCORE: 42", nil
	})
	u, err := Criticism{Completer: c}.Run(context.Background(), sc(runtime.StageCriticism), testState(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *u.ViabilityScore != 42 {
		t.Fatalf("score: got %d want 42", *u.ViabilityScore)
	}
	if cs := u.Extensions["component_scores"].(map[string]any); cs["alpha"] != 35 {
		t.Fatalf("component scores: %v", cs)
	}

	u, err = Criticism{Completer: failing("timeout")}.Run(context.Background(), sc(runtime.StageCriticism), testState(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if u.Error == nil || *u.ViabilityScore != DefaultScore {
		t.Fatalf("fallback critique: %+v", u)
	}
}

type recordingGenerator struct {
	reqs []GenerateRequest
	err  error
}

func (g *recordingGenerator) Generate(_ context.Context, req GenerateRequest) (runtime.Document, error) {
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return nil, g.err
	}
	return runtime.Document{"title": "t"}, nil
}

func TestSynthesize_PassesPriorErrorsOnRegeneration(t *testing.T) {
	g := &recordingGenerator{}
	h := Synthesize{Generator: g}
	st := testState(t)
	if _, err := h.Run(context.Background(), sc(runtime.StageSynthesize), st); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.reqs[0].Prior != nil || g.reqs[0].Errors != nil {
		t.Fatalf("first generation got repair context: %+v", g.reqs[0])
	}

	st.CandidateDocument = runtime.Document{"title": "draft"}
	st.ValidationErrors = []runtime.Issue{{Path: "summary", Message: "missing"}}
	st.RepairAttempts = 1
	u, err := h.Run(context.Background(), sc(runtime.StageSynthesize), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.reqs[1].Prior["title"] != "draft" || len(g.reqs[1].Errors) != 1 {
		t.Fatalf("regeneration request: %+v", g.reqs[1])
	}
	if u.CandidateDocument["title"] != "t" {
		t.Fatalf("candidate: %v", u.CandidateDocument)
	}
}

func TestSynthesize_GeneratorFailureIsGraceful(t *testing.T) {
	h := Synthesize{Generator: &recordingGenerator{err: errors.New("rate limited")}}
	u, err := h.Run(context.Background(), sc(runtime.StageSynthesize), testState(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if u.Error == nil || u.CandidateDocument != nil {
		t.Fatalf("update: %+v", u)
	}
}

func TestTemplateGenerator_ProducesValidProposal(t *testing.T) {
	s, err := schema.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	st := testState(t)
	st.Plan = "Harvest the variance risk premium\nmore"
	st.Criticism = "- costs\n- regime shifts"
	st.ViabilityScore = runtime.Int(72)
	doc, err := TemplateGenerator{}.Generate(context.Background(), GenerateRequest{State: st})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res := s.Validate(doc); !res.Valid {
		t.Fatalf("template proposal invalid: %v", res.Errors)
	}
	if doc["summary"] != "Harvest the variance risk premium" {
		t.Fatalf("summary: %v", doc["summary"])
	}
	sections := doc["sections"].(map[string]any)
	if len(sections) != 2 || sections["alpha"] == nil || sections["risk"] == nil {
		t.Fatalf("sections: %v", sections)
	}
}

func TestCompletionGenerator_DecodesFirstObject(t *testing.T) {
	var got Prompt
	c := CompleterFunc(func(_ context.Context, p Prompt) (string, error) {
		got = p
		return "Here it is:\n```json\n{\"title\": \"a {brace}\", \"summary\": \"s\"}\n```\n", nil
	})
	g := CompletionGenerator{Completer: c, Schema: `{"type":"object"}`}
	doc, err := g.Generate(context.Background(), GenerateRequest{
		State:  testState(t),
		Prior:  runtime.Document{"title": "old"},
		Errors: []runtime.Issue{{Path: "summary", Message: "missing"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if doc["title"] != "a {brace}" || doc["summary"] != "s" {
		t.Fatalf("doc: %v", doc)
	}
	if !strings.Contains(got.System, "At summary: missing") || !strings.Contains(got.User, `"old"`) {
		t.Fatalf("repair context missing from prompt:\nsystem=%s\nuser=%s", got.System, got.User)
	}

	bad := CompletionGenerator{Completer: CompleterFunc(func(context.Context, Prompt) (string, error) { return "sorry", nil })}
	if _, err := bad.Generate(context.Background(), GenerateRequest{State: testState(t)}); err == nil {
		t.Fatalf("expected error for reply without JSON")
	}
}

type brokenPersister struct{}

func (brokenPersister) Persist(context.Context, runtime.Document, runtime.State) (artifact.Location, error) {
	return artifact.Location{}, &artifact.IOFault{Op: "write", Path: "/ro/x.json", Err: os.ErrPermission}
}

func TestPersist_IOFaultIsReturned(t *testing.T) {
	_, err := Persist{Persister: brokenPersister{}}.Run(context.Background(), sc(runtime.StagePersist), testState(t))
	var f *artifact.IOFault
	if !errors.As(err, &f) {
		t.Fatalf("got %v want IOFault", err)
	}
}

func TestPersist_RecordsArtifact(t *testing.T) {
	dir := t.TempDir()
	p, err := artifact.NewFSPersister(dir, nil)
	if err != nil {
		t.Fatalf("NewFSPersister: %v", err)
	}
	st := testState(t)
	st.FinalDocument = runtime.Document{"title": "x"}
	st.Finalized = true
	u, err := Persist{Persister: p}.Run(context.Background(), sc(runtime.StagePersist), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *u.ArtifactPath != filepath.Join(dir, "volatility_carry.json") {
		t.Fatalf("artifact path: %s", *u.ArtifactPath)
	}
	if a := u.Extensions["artifact"].(map[string]any); a["blake3"] == "" {
		t.Fatalf("artifact extension: %v", a)
	}
}

func TestRegister_RejectsMissingPersister(t *testing.T) {
	if err := Register(engine.NewRegistry(), Deps{}); err == nil {
		t.Fatalf("expected error")
	}
}
