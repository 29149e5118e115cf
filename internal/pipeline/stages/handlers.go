package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/danshapiro/proposer/internal/logx"
	"github.com/danshapiro/proposer/internal/pipeline/artifact"
	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// Deps are the collaborators shared by the built-in handlers.
type Deps struct {
	Completer Completer
	Generator Generator
	Persister artifact.Persister
}

// Register installs the built-in handler for every canonical stage.
func Register(reg *engine.Registry, d Deps) error {
	if reg == nil {
		return errors.New("stages: registry is nil")
	}
	if d.Completer == nil {
		d.Completer = Offline{}
	}
	if d.Generator == nil {
		d.Generator = TemplateGenerator{}
	}
	if d.Persister == nil {
		return errors.New("stages: persister is required")
	}
	handlers := map[runtime.StageName]engine.Handler{
		runtime.StagePlan:        engine.Sync(Plan),
		runtime.StageWebResearch: Research{Completer: d.Completer},
		runtime.StagePriorArt:    Research{Completer: d.Completer},
		runtime.StageCriticism:   Criticism{Completer: d.Completer},
		runtime.StageSynthesize:  Synthesize{Generator: d.Generator},
		runtime.StagePersist:     Persist{Persister: d.Persister},
	}
	for _, name := range runtime.DefaultOrder() {
		if err := reg.Register(name, handlers[name]); err != nil {
			return err
		}
	}
	return nil
}

// Plan writes the research plan. On a restart the plan names the iteration
// it opens and the reason for it.
func Plan(sc engine.StageContext, st runtime.State) (runtime.Update, error) {
	iteration := st.PlanningIteration + 1
	logx.OrNull(sc.Logger).Info("planning", "iteration", iteration, "restart", st.ShouldRestart)
	return runtime.Update{Plan: runtime.String(planText(st, iteration))}, nil
}

// Research serves both web_research and prior_art. A failing completer
// degrades the stage instead of aborting the run.
type Research struct {
	Completer Completer
}

func (h Research) Run(ctx context.Context, sc engine.StageContext, st runtime.State) (runtime.Update, error) {
	system, user := researchPrompt(sc.Stage, st)
	text, err := h.Completer.Complete(ctx, Prompt{Stage: sc.Stage, System: system, User: user, Settings: sc.Settings})
	if err != nil {
		logx.OrNull(sc.Logger).Warn("research unavailable", "error", err)
		msg := fmt.Sprintf("%s failed: %v", sc.Stage, err)
		fallback := fmt.Sprintf("Research temporarily unavailable for query: %s", st.Topic)
		return researchUpdate(sc.Stage, fallback, msg), nil
	}
	return researchUpdate(sc.Stage, text, ""), nil
}

func researchUpdate(stage runtime.StageName, text, errMsg string) runtime.Update {
	u := runtime.Update{}
	if stage == runtime.StagePriorArt {
		u.PriorArt = runtime.String(text)
	} else {
		u.WebResearch = runtime.String(text)
	}
	if errMsg != "" {
		u.Error = runtime.String(errMsg)
	}
	return u
}

// Criticism is the quality gate's producer: it reviews the research and
// reports a viability score for the restart controller.
type Criticism struct {
	Completer Completer
}

func (h Criticism) Run(ctx context.Context, sc engine.StageContext, st runtime.State) (runtime.Update, error) {
	system, user := criticismPrompt(st)
	text, err := h.Completer.Complete(ctx, Prompt{Stage: sc.Stage, System: system, User: user, Settings: sc.Settings})
	if err != nil {
		logx.OrNull(sc.Logger).Warn("criticism unavailable", "error", err)
		return runtime.Update{
			Criticism:      runtime.String("Critical analysis unavailable for: " + st.Topic),
			ViabilityScore: runtime.Int(DefaultScore),
			Error:          runtime.String(fmt.Sprintf("criticism failed: %v", err)),
		}, nil
	}
	score := ExtractViabilityScore(text)
	u := runtime.Update{
		Criticism:      runtime.String(text),
		ViabilityScore: runtime.Int(score),
	}
	if cs := ExtractComponentScores(text); len(cs) > 0 {
		u.Extensions = map[string]any{"component_scores": cs}
	}
	logx.OrNull(sc.Logger).Info("critique scored", "viability_score", score)
	return u, nil
}

// Synthesize produces the candidate document. A regeneration passes the
// previous candidate and its validation errors to the generator.
type Synthesize struct {
	Generator Generator
}

func (h Synthesize) Run(ctx context.Context, sc engine.StageContext, st runtime.State) (runtime.Update, error) {
	req := GenerateRequest{State: st, Settings: sc.Settings}
	if len(st.ValidationErrors) > 0 {
		req.Prior = st.CandidateDocument
		req.Errors = st.ValidationErrors
	}
	doc, err := h.Generator.Generate(ctx, req)
	if err != nil {
		logx.OrNull(sc.Logger).Warn("synthesis failed", "error", err, "repair_attempts", st.RepairAttempts)
		return runtime.Update{Error: runtime.String(fmt.Sprintf("synthesis failed: %v", err))}, nil
	}
	if doc == nil {
		doc = runtime.Document{}
	}
	return runtime.Update{CandidateDocument: doc}, nil
}

// Persist writes the final document. Storage failures are fatal.
type Persist struct {
	Persister artifact.Persister
}

func (h Persist) Run(ctx context.Context, sc engine.StageContext, st runtime.State) (runtime.Update, error) {
	loc, err := h.Persister.Persist(ctx, st.FinalDocument, st)
	if err != nil {
		return runtime.Update{}, err
	}
	logx.OrNull(sc.Logger).Info("proposal saved", "path", loc.Path, "degraded", loc.Degraded)
	return runtime.Update{
		ArtifactPath: runtime.String(loc.Path),
		Extensions: map[string]any{"artifact": map[string]any{
			"state_path": loc.StatePath,
			"blake3":     loc.Digest,
			"degraded":   loc.Degraded,
		}},
	}, nil
}
