package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danshapiro/proposer/internal/pipeline/graph"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
	"github.com/danshapiro/proposer/internal/pipeline/store"
)

func stageNames(ss ...string) []runtime.StageName {
	out := make([]runtime.StageName, 0, len(ss))
	for _, s := range ss {
		out = append(out, runtime.StageName(s))
	}
	return out
}

// noop returns a handler that records nothing but an extension marker.
func noop(name string) Handler {
	return Sync(func(sc StageContext, st runtime.State) (runtime.Update, error) {
		return runtime.Update{Extensions: map[string]any{"ran_" + name: true}}, nil
	})
}

// scriptedValidator returns the next verdict on every call.
type scriptedValidator struct {
	mu       sync.Mutex
	verdicts []bool
	calls    int
}

func (v *scriptedValidator) Validate(doc runtime.Document) schema.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	ok := v.verdicts[len(v.verdicts)-1]
	if v.calls < len(v.verdicts) {
		ok = v.verdicts[v.calls]
	}
	v.calls++
	if ok {
		return schema.Result{Valid: true, Report: schema.ReportValid}
	}
	return schema.Result{Errors: []runtime.Issue{{Path: "summary", Message: "missing"}}}
}

// countingStore counts saves on top of a file store.
type countingStore struct {
	store.Store
	mu    sync.Mutex
	saves []runtime.StageName
}

func (s *countingStore) Save(ctx context.Context, cp *runtime.Checkpoint) error {
	s.mu.Lock()
	s.saves = append(s.saves, cp.Next)
	s.mu.Unlock()
	return s.Store.Save(ctx, cp)
}

type testRig struct {
	t       *testing.T
	root    string
	reg     *Registry
	store   *countingStore
	spec    graph.Spec
	limits  runtime.Limits
	valid   schema.Validator
	engine  *Engine
	compile *graph.Compiled
}

func newRig(t *testing.T, spec graph.Spec) *testRig {
	t.Helper()
	root := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(root, "runs"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return &testRig{
		t:      t,
		root:   root,
		reg:    NewRegistry(),
		store:  &countingStore{Store: fs},
		spec:   spec,
		limits: runtime.DefaultLimits(),
	}
}

func (r *testRig) build() *Engine {
	r.t.Helper()
	c, err := graph.Compile(r.spec)
	if err != nil {
		r.t.Fatalf("Compile: %v", err)
	}
	for _, name := range c.Enabled() {
		if _, ok := r.reg.Lookup(name); !ok {
			r.reg.MustRegister(name, noop(string(name)))
		}
	}
	e, err := New(Config{
		Graph:     c,
		Registry:  r.reg,
		Validator: r.valid,
		Store:     r.store,
		Limits:    r.limits,
		LogsRoot:  filepath.Join(r.root, "runs"),
	})
	if err != nil {
		r.t.Fatalf("New: %v", err)
	}
	r.engine, r.compile = e, c
	return e
}

func seed() runtime.Seed {
	return runtime.Seed{Topic: "volatility carry"}
}

func readProgress(t *testing.T, logsRoot string) []map[string]any {
	t.Helper()
	f, err := os.Open(filepath.Join(logsRoot, progressFile))
	if err != nil {
		t.Fatalf("open progress: %v", err)
	}
	defer func() { _ = f.Close() }()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode progress line: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func eventsNamed(evs []map[string]any, name string) []map[string]any {
	var out []map[string]any
	for _, ev := range evs {
		if ev["event"] == name {
			out = append(out, ev)
		}
	}
	return out
}

func readFinal(t *testing.T, logsRoot string) runtime.FinalOutcome {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(logsRoot, "final.json"))
	if err != nil {
		t.Fatalf("read final.json: %v", err)
	}
	var fo runtime.FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		t.Fatalf("decode final.json: %v", err)
	}
	return fo
}
