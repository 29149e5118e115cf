// Package engine walks a compiled stage plan one stage at a time, applying
// handler updates to the run's state, driving the restart and repair loops
// and checkpointing after every stage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/proposer/internal/logx"
	"github.com/danshapiro/proposer/internal/metrics"
	"github.com/danshapiro/proposer/internal/pipeline/graph"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
	"github.com/danshapiro/proposer/internal/pipeline/store"
)

// ErrRunExists is returned when starting a run id that already has a checkpoint.
var ErrRunExists = errors.New("run already exists")

type Config struct {
	Graph    *graph.Compiled
	Registry *Registry

	// Validator is required when the plan has an active generation stage.
	Validator schema.Validator

	Store  store.Store
	Limits runtime.Limits

	Settings map[runtime.StageName]StageSettings

	// LogsRoot is the base directory. Each run writes progress.ndjson,
	// run.json and final.json under LogsRoot/<run_id>.
	LogsRoot string

	Logger  hclog.Logger
	Metrics *metrics.Pipeline

	// ProgressSink, when set, receives a copy of every progress event after
	// it is written. It must not block.
	ProgressSink func(ev map[string]any)
}

type Engine struct {
	cfg    Config
	logger hclog.Logger
}

// New checks that the plan is executable: every enabled stage has a handler,
// the limits are sane and the repair loop has a validator.
func New(cfg Config) (*Engine, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("engine: compiled graph is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	var diags []graph.Diagnostic
	for _, name := range cfg.Graph.Enabled() {
		if _, ok := cfg.Registry.Lookup(name); !ok {
			diags = append(diags, graph.Diagnostic{Rule: "handler_missing", Severity: graph.SeverityError, Message: "no handler registered for enabled stage", Stage: string(name)})
		}
	}
	if cfg.Graph.Generation() != "" && cfg.Validator == nil {
		diags = append(diags, graph.Diagnostic{Rule: "validator_missing", Severity: graph.SeverityError, Message: "generation stage requires a validator", Stage: string(cfg.Graph.Generation())})
	}
	if err := cfg.Limits.Validate(); err != nil {
		diags = append(diags, graph.Diagnostic{Rule: "limits", Severity: graph.SeverityError, Message: err.Error()})
	}
	if len(diags) > 0 {
		return nil, &graph.ConfigurationError{Diagnostics: diags}
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: checkpoint store is required")
	}
	if cfg.LogsRoot == "" {
		return nil, fmt.Errorf("engine: logs root is required")
	}
	return &Engine{cfg: cfg, logger: logx.OrNull(cfg.Logger).Named("engine")}, nil
}

type Result struct {
	RunID    string
	LogsRoot string
	State    *runtime.State
	Final    runtime.FinalOutcome
	// Executed lists the stages run by this invocation, in order.
	Executed []runtime.StageName
}

// StartRun begins a new run from seed. An empty runID gets a fresh ULID.
func (e *Engine) StartRun(ctx context.Context, seed runtime.Seed, runID string) (*Result, error) {
	if runID == "" {
		runID = NewRunID()
	}
	if _, err := e.cfg.Store.Load(ctx, runID); err == nil {
		return nil, fmt.Errorf("%w: %s (resume it instead)", ErrRunExists, runID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	st, err := runtime.NewState(runID, seed)
	if err != nil {
		return nil, err
	}
	entry := e.cfg.Graph.Entry()
	st.CurrentStage = entry

	r, err := e.newRun(st, nil)
	if err != nil {
		return nil, err
	}
	if err := r.writeManifest(); err != nil {
		return nil, err
	}
	r.progress.append(map[string]any{
		"event":       "run_started",
		"entry":       string(entry),
		"enabled":     stageStrings(e.cfg.Graph.Enabled()),
		"fingerprint": e.cfg.Graph.Fingerprint(),
	})
	r.logger.Info("run started", "entry", entry)
	return r.loop(ctx, entry)
}

// ResumeRun continues a run from its last checkpoint.
func (e *Engine) ResumeRun(ctx context.Context, runID string) (*Result, error) {
	cp, err := e.cfg.Store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if cp.PlanFingerprint != e.cfg.Graph.Fingerprint() {
		return nil, graph.NewConfigurationError("plan_mismatch", "", "run %s was started with a different stage plan", runID)
	}
	if cp.Next.IsTerminal() {
		return e.finished(cp), nil
	}
	if !e.cfg.Graph.Has(cp.Next) {
		return nil, graph.NewConfigurationError("router_target", string(cp.Next), "checkpointed next stage is not in the compiled set")
	}
	st := cp.State.Clone()
	r, err := e.newRun(&st, cp.Completed)
	if err != nil {
		return nil, err
	}
	r.progress.append(map[string]any{"event": "run_resumed", "next": string(cp.Next), "completed": len(cp.Completed)})
	r.logger.Info("run resumed", "next", cp.Next)
	return r.loop(ctx, cp.Next)
}

// finished reports a run that already reached the terminal stage. Nothing
// is rewritten: final.json, progress and metrics keep the original outcome.
func (e *Engine) finished(cp *runtime.Checkpoint) *Result {
	logsRoot := filepath.Join(e.cfg.LogsRoot, cp.RunID)
	st := cp.State.Clone()
	fo, err := runtime.LoadFinalOutcome(filepath.Join(logsRoot, "final.json"))
	if err != nil {
		e.logger.Warn("stored final outcome unreadable, deriving from checkpoint", "run_id", cp.RunID, "error", err)
		fo = runtime.OutcomeFor(&st)
	}
	return &Result{RunID: cp.RunID, LogsRoot: logsRoot, State: &st, Final: fo}
}

// run is the mutable state of one invocation. Only its goroutine touches st.
type run struct {
	e         *Engine
	st        *runtime.State
	completed []runtime.StageName
	executed  []runtime.StageName
	logsRoot  string
	progress  *progress
	logger    hclog.Logger
}

func (e *Engine) newRun(st *runtime.State, completed []runtime.StageName) (*run, error) {
	logsRoot := filepath.Join(e.cfg.LogsRoot, st.RunID)
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, err
	}
	logger := e.logger.With("run_id", st.RunID)
	return &run{
		e:         e,
		st:        st,
		completed: append([]runtime.StageName(nil), completed...),
		logsRoot:  logsRoot,
		progress:  newProgress(logsRoot, st.RunID, logger, e.cfg.ProgressSink),
		logger:    logger,
	}, nil
}

func (r *run) loop(ctx context.Context, current runtime.StageName) (*Result, error) {
	for {
		// Cancellation is observed between stages only; the last checkpoint stays resumable.
		if err := ctx.Err(); err != nil {
			return nil, r.fail("", err)
		}
		if current.IsTerminal() {
			return r.finish(), nil
		}
		next, err := r.step(ctx, current)
		if err != nil {
			return nil, r.fail(current, err)
		}
		current = next
	}
}

func (r *run) step(ctx context.Context, stage runtime.StageName) (runtime.StageName, error) {
	g := r.e.cfg.Graph
	limits := r.e.cfg.Limits
	r.st.CurrentStage = stage
	// The entry stage opens a planning iteration on the first pass and after
	// a restart, never when it re-runs as the generation stage.
	opensIteration := stage == g.Entry() && (r.st.PlanningIteration == 0 || r.st.ShouldRestart)

	upd, dur, err := r.execute(ctx, stage)
	if err != nil {
		return "", err
	}
	if err := r.st.Apply(upd); err != nil {
		return "", &StageFault{Stage: stage, Err: err}
	}
	if upd.Error != nil && *upd.Error != "" {
		r.progress.append(map[string]any{"event": "stage_degraded", "stage": string(stage), "error": *upd.Error})
	}

	if opensIteration {
		if err := r.st.Apply(entryUpdate(r.st)); err != nil {
			return "", &StageFault{Stage: stage, Err: err}
		}
	}
	if stage == g.QualityGate() {
		if err := r.qualityGate(stage); err != nil {
			return "", err
		}
	}
	if stage == g.Generation() {
		if err := r.repair(stage); err != nil {
			return "", err
		}
	}
	if err := r.st.Check(limits); err != nil {
		return "", &StageFault{Stage: stage, Err: err}
	}

	next, err := g.Next(stage, r.st)
	if err != nil {
		return "", err
	}
	r.completed = append(r.completed, stage)
	r.executed = append(r.executed, stage)
	r.st.CurrentStage = next
	if err := r.checkpoint(ctx, next); err != nil {
		return "", fmt.Errorf("checkpoint after %s: %w", stage, err)
	}
	r.progress.append(map[string]any{
		"event":       "stage_finished",
		"stage":       string(stage),
		"fields":      upd.Fields(),
		"duration_ms": dur.Milliseconds(),
		"next":        string(next),
	})
	return next, nil
}

// execute is the stage executor: it runs the handler against a clone of the
// state and turns panics and returned errors into a *StageFault.
func (r *run) execute(ctx context.Context, stage runtime.StageName) (runtime.Update, time.Duration, error) {
	h, ok := r.e.cfg.Registry.Lookup(stage)
	if !ok {
		return runtime.Update{}, 0, &StageFault{Stage: stage, Err: fmt.Errorf("no handler registered")}
	}
	sc := StageContext{
		RunID:    r.st.RunID,
		Stage:    stage,
		Settings: r.e.cfg.Settings[stage],
		Limits:   r.e.cfg.Limits,
		Logger:   r.logger.Named(string(stage)),
	}
	r.progress.append(map[string]any{
		"event":              "stage_started",
		"stage":              string(stage),
		"planning_iteration": r.st.PlanningIteration,
		"repair_attempts":    r.st.RepairAttempts,
	})

	var (
		upd runtime.Update
		err error
	)
	start := time.Now()
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = &StageFault{Stage: stage, Err: fmt.Errorf("panic: %v", rec), Stack: string(rdebug.Stack())}
			}
		}()
		upd, err = h.Run(ctx, sc, r.st.Clone())
	}()
	dur := time.Since(start)

	if err == nil {
		if owned := upd.EngineOwned(); len(owned) > 0 {
			err = &StageFault{Stage: stage, Err: fmt.Errorf("%w: %v", ErrEngineOwnedField, owned)}
		}
	}
	if err != nil {
		var f *StageFault
		if !errors.As(err, &f) || f.Stage != stage {
			err = &StageFault{Stage: stage, Err: err}
		}
		r.e.cfg.Metrics.ObserveStage(string(stage), "fault", dur)
		return runtime.Update{}, dur, err
	}
	status := "ok"
	if upd.Error != nil && *upd.Error != "" {
		status = "degraded"
	}
	r.e.cfg.Metrics.ObserveStage(string(stage), status, dur)
	return upd, dur, nil
}

func (r *run) qualityGate(stage runtime.StageName) error {
	d := DecideRestart(r.st.ViabilityScore, r.st.PlanningIteration, r.e.cfg.Limits)
	if err := r.st.Apply(restartUpdate(d)); err != nil {
		return &StageFault{Stage: stage, Err: err}
	}
	score := DefaultViabilityScore
	if r.st.ViabilityScore != nil {
		score = *r.st.ViabilityScore
	}
	switch {
	case d.Restart:
		r.e.cfg.Metrics.IncRestart()
		r.progress.append(map[string]any{
			"event":              "restart",
			"stage":              string(stage),
			"reason":             d.Reason,
			"viability_score":    score,
			"planning_iteration": r.st.PlanningIteration,
		})
		r.logger.Info("restarting planning", "reason", d.Reason, "iteration", r.st.PlanningIteration)
	case d.Note != "":
		r.progress.append(map[string]any{"event": "restart_suppressed", "stage": string(stage), "note": d.Note, "viability_score": score})
		r.logger.Info("restart suppressed", "note", d.Note)
	}
	return nil
}

func (r *run) repair(stage runtime.StageName) error {
	phase, u, res := RepairStep(r.st, r.e.cfg.Validator, r.e.cfg.Limits)
	if err := r.st.Apply(u); err != nil {
		return &StageFault{Stage: stage, Err: err}
	}
	if phase == RepairGenerating {
		r.e.cfg.Metrics.IncRepair()
	}
	r.progress.append(map[string]any{
		"event":           "validation",
		"stage":           string(stage),
		"valid":           res.Valid,
		"errors":          len(r.st.ValidationErrors),
		"phase":           string(phase),
		"repair_attempts": r.st.RepairAttempts,
		"report":          r.st.ValidationReport,
	})
	if phase == RepairDegraded {
		r.logger.Warn("repair attempts exhausted; keeping last candidate", "attempts", r.st.RepairAttempts, "errors", len(r.st.ValidationErrors))
	}
	return nil
}

func (r *run) checkpoint(ctx context.Context, next runtime.StageName) error {
	cp := &runtime.Checkpoint{
		Version:         runtime.StateVersion,
		RunID:           r.st.RunID,
		Timestamp:       time.Now().UTC(),
		Completed:       append([]runtime.StageName(nil), r.completed...),
		Next:            next,
		PlanFingerprint: r.e.cfg.Graph.Fingerprint(),
		State:           r.st.Clone(),
	}
	return r.e.cfg.Store.Save(ctx, cp)
}

func (r *run) finish() *Result {
	fo := runtime.OutcomeFor(r.st)
	r.saveFinal(fo)
	r.e.cfg.Metrics.ObserveRun(string(fo.Status))
	r.progress.append(map[string]any{
		"event":               "run_finished",
		"status":              string(fo.Status),
		"artifact_path":       fo.ArtifactPath,
		"planning_iterations": fo.PlanningIterations,
		"repair_attempts":     fo.RepairAttempts,
	})
	r.logger.Info("run finished", "status", fo.Status, "artifact", fo.ArtifactPath)
	st := r.st.Clone()
	return &Result{
		RunID:    r.st.RunID,
		LogsRoot: r.logsRoot,
		State:    &st,
		Final:    fo,
		Executed: append([]runtime.StageName(nil), r.executed...),
	}
}

func (r *run) fail(stage runtime.StageName, err error) error {
	if s, ok := FaultStage(err); ok {
		stage = s
	}
	fo := runtime.FinalOutcome{
		Timestamp:          time.Now().UTC(),
		Status:             runtime.FinalFail,
		RunID:              r.st.RunID,
		PlanningIterations: r.st.PlanningIteration,
		RepairAttempts:     r.st.RepairAttempts,
		FailedStage:        stage,
		FailureReason:      err.Error(),
	}
	r.saveFinal(fo)
	r.e.cfg.Metrics.ObserveRun(string(fo.Status))
	ev := map[string]any{"event": "run_failed", "stage": string(stage), "error": err.Error()}
	var f *StageFault
	if errors.As(err, &f) && f.Stack != "" {
		ev["stack"] = f.Stack
	}
	r.progress.append(ev)
	r.logger.Error("run failed", "stage", stage, "error", err)
	return err
}

func (r *run) saveFinal(fo runtime.FinalOutcome) {
	if err := fo.Save(filepath.Join(r.logsRoot, "final.json")); err != nil {
		r.logger.Warn("final outcome not saved", "error", err)
	}
}

func (r *run) writeManifest() error {
	g := r.e.cfg.Graph
	manifest := map[string]any{
		"run_id":           r.st.RunID,
		"started_at":       time.Now().UTC().Format(time.RFC3339Nano),
		"topic":            r.st.Topic,
		"order":            stageStrings(g.Order()),
		"enabled":          stageStrings(g.Enabled()),
		"quality_gate":     string(g.QualityGate()),
		"generation":       string(g.Generation()),
		"plan_fingerprint": g.Fingerprint(),
		"limits":           r.e.cfg.Limits,
		"logs_root":        r.logsRoot,
	}
	return runtime.WriteJSONAtomic(filepath.Join(r.logsRoot, "run.json"), manifest)
}

func stageStrings(in []runtime.StageName) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
