package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// StageSettings are the resolved per-stage collaborator settings.
type StageSettings struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// StageContext is passed explicitly to every invocation in place of
// closures over per-stage configuration.
type StageContext struct {
	RunID    string
	Stage    runtime.StageName
	Settings StageSettings
	Limits   runtime.Limits
	Logger   hclog.Logger
}

// Handler runs one stage. It receives a clone of the state and returns only
// the fields it changed. Handlers that want graceful degradation catch their
// own failures and report them through Update.Error; a returned error or a
// panic aborts the run.
type Handler interface {
	Run(ctx context.Context, sc StageContext, st runtime.State) (runtime.Update, error)
}

// HandlerFunc adapts a function that may block on collaborators.
type HandlerFunc func(ctx context.Context, sc StageContext, st runtime.State) (runtime.Update, error)

func (f HandlerFunc) Run(ctx context.Context, sc StageContext, st runtime.State) (runtime.Update, error) {
	return f(ctx, sc, st)
}

// Sync wraps a handler that never blocks.
func Sync(fn func(sc StageContext, st runtime.State) (runtime.Update, error)) Handler {
	return HandlerFunc(func(_ context.Context, sc StageContext, st runtime.State) (runtime.Update, error) {
		return fn(sc, st)
	})
}

type Registry struct {
	handlers map[runtime.StageName]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[runtime.StageName]Handler{}}
}

// Register binds h to name. Registering a name twice is an error.
func (r *Registry) Register(name runtime.StageName, h Handler) error {
	if h == nil {
		return fmt.Errorf("stage %s: handler is nil", name)
	}
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("stage %s: handler already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for static wiring.
func (r *Registry) MustRegister(name runtime.StageName, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name runtime.StageName) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []runtime.StageName {
	out := make([]runtime.StageName, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
