package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/proposer/internal/pipeline/artifact"
	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/graph"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
	"github.com/danshapiro/proposer/internal/pipeline/store"
)

func newPipeline(t *testing.T, c Completer) (*engine.Engine, string) {
	t.Helper()
	root := t.TempDir()
	cfg := engine.DefaultRunConfig()
	g, err := graph.Compile(cfg.GraphSpec())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	s, err := schema.Default()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	p, err := artifact.NewFSPersister(filepath.Join(root, "proposals"), []string{"web_research"})
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	st, err := store.NewFileStore(filepath.Join(root, "runs"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := engine.NewRegistry()
	if err := Register(reg, Deps{Completer: c, Persister: p}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	e, err := engine.New(engine.Config{
		Graph:     g,
		Registry:  reg,
		Validator: s,
		Store:     st,
		Limits:    cfg.Limits,
		Settings:  cfg.StageSettings(),
		LogsRoot:  filepath.Join(root, "runs"),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e, root
}

func TestPipeline_OfflineRunPersistsValidProposal(t *testing.T) {
	e, root := newPipeline(t, Offline{})
	res, err := e.StartRun(context.Background(), runtime.Seed{Topic: "Volatility carry", Instruments: []runtime.Instrument{runtime.InstrumentOptions}}, "")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.Final.Status != runtime.FinalSuccess {
		t.Fatalf("status: got %q want success", res.Final.Status)
	}
	st := res.State
	if st.PlanningIteration != 1 || st.RepairAttempts != 0 || *st.ViabilityScore != 72 {
		t.Fatalf("counters: iteration=%d attempts=%d score=%v", st.PlanningIteration, st.RepairAttempts, *st.ViabilityScore)
	}
	want := filepath.Join(root, "proposals", "volatility_carry.json")
	if st.ArtifactPath != want {
		t.Fatalf("artifact: got %q want %q", st.ArtifactPath, want)
	}
	if _, err := os.Stat(filepath.Join(root, "proposals", "volatility_carry_state.json")); err != nil {
		t.Fatalf("state sidecar: %v", err)
	}
}

func TestPipeline_LowScoreExhaustsPlanningIterations(t *testing.T) {
	e, _ := newPipeline(t, Offline{Score: 20})
	res, err := e.StartRun(context.Background(), runtime.Seed{Topic: "pairs trading"}, "r-low")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	plans := 0
	for _, s := range res.Executed {
		if s == runtime.StagePlan {
			plans++
		}
	}
	if plans != 3 || res.State.PlanningIteration != 3 {
		t.Fatalf("plans=%d iteration=%d, want 3 and 3", plans, res.State.PlanningIteration)
	}
	if res.Final.Status != runtime.FinalSuccess {
		t.Fatalf("status: %q", res.Final.Status)
	}
}
