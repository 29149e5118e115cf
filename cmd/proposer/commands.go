package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danshapiro/proposer/internal/pipeline/artifact"
	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/graph"
	"github.com/danshapiro/proposer/internal/pipeline/runstate"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
	"github.com/danshapiro/proposer/internal/pipeline/stages"
	"github.com/danshapiro/proposer/internal/xjson"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var (
		configPath  string
		topic       string
		components  []string
		instruments []string
		constraints string
		runID       string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new pipeline run",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if strings.TrimSpace(topic) == "" {
				return usageErr("--topic is required")
			}
			comps, err := runtime.NewComponentSet(components)
			if err != nil {
				return usageErr("%v", err)
			}
			ins, err := runtime.ParseInstruments(instruments)
			if err != nil {
				return usageErr("%v", err)
			}
			a, err := newApp(configPath, metricsAddr, c.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()
			res, err := a.engine.StartRun(ctx, runtime.Seed{
				Topic:       topic,
				Components:  comps,
				Instruments: ins,
				Constraints: constraints,
			}, runID)
			if err != nil {
				return err
			}
			printResult(c.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run config file (YAML or JSON)")
	cmd.Flags().StringVar(&topic, "topic", "", "Research topic")
	cmd.Flags().StringSliceVar(&components, "components", nil, "Proposal components (universe,alpha,portfolio,execution,risk); default all")
	cmd.Flags().StringSliceVar(&instruments, "instruments", nil, "Instruments (stocks,options,futures,forex,crypto)")
	cmd.Flags().StringVar(&constraints, "constraints", "", "Free-form constraints for the proposal")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: a new ULID)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func resumeCmd() *cobra.Command {
	var (
		configPath  string
		runID       string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a run from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if strings.TrimSpace(runID) == "" {
				return usageErr("--run-id is required")
			}
			a, err := newApp(configPath, metricsAddr, c.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()
			res, err := a.engine.ResumeRun(ctx, runID)
			if err != nil {
				return err
			}
			printResult(c.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run config file (YAML or JSON)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to resume")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func printResult(w io.Writer, res *engine.Result) {
	fmt.Fprintf(w, "run_id=%s\n", res.RunID)
	fmt.Fprintf(w, "logs_root=%s\n", res.LogsRoot)
	fmt.Fprintf(w, "status=%s\n", res.Final.Status)
	fmt.Fprintf(w, "artifact=%s\n", res.Final.ArtifactPath)
	fmt.Fprintf(w, "planning_iterations=%d\n", res.Final.PlanningIterations)
	fmt.Fprintf(w, "repair_attempts=%d\n", res.Final.RepairAttempts)
	for _, is := range res.Final.ValidationErrors {
		fmt.Fprintf(w, "validation_error=%s\n", is)
	}
}

func validateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile the stage plan and print diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return usageErr("load config: %v", err)
			}
			diags := graph.Lint(cfg.GraphSpec())
			if !graph.HasErrors(diags) {
				diags = append(diags, handlerDiagnostics(cfg)...)
			}
			if _, err := loadValidator(cfg); err != nil {
				diags = append(diags, graph.Diagnostic{Rule: "schema", Severity: graph.SeverityError, Message: err.Error()})
			}
			w := c.OutOrStdout()
			for _, d := range diags {
				fmt.Fprintf(w, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
			}
			if graph.HasErrors(diags) {
				return &graph.ConfigurationError{Diagnostics: diags}
			}
			name := "default config"
			if configPath != "" {
				name = filepath.Base(configPath)
			}
			fmt.Fprintf(w, "ok: %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run config file (YAML or JSON)")
	return cmd
}

// handlerDiagnostics reports enabled stages with no built-in handler.
func handlerDiagnostics(cfg *engine.RunConfigFile) []graph.Diagnostic {
	g, err := graph.Compile(cfg.GraphSpec())
	if err != nil {
		return nil
	}
	reg := engine.NewRegistry()
	if err := stages.Register(reg, stages.Deps{Persister: &artifact.FSPersister{Dir: cfg.Artifacts.Dir}}); err != nil {
		return []graph.Diagnostic{{Rule: "handlers", Severity: graph.SeverityError, Message: err.Error()}}
	}
	var out []graph.Diagnostic
	for _, name := range g.Enabled() {
		if _, ok := reg.Lookup(name); !ok {
			out = append(out, graph.Diagnostic{Rule: "handler_missing", Severity: graph.SeverityError, Message: "no built-in handler for stage " + string(name), Stage: string(name)})
		}
	}
	return out
}

func statusCmd() *cobra.Command {
	var (
		logsRoot   string
		configPath string
		runID      string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the snapshot of a run",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			root := strings.TrimSpace(logsRoot)
			if root == "" {
				if strings.TrimSpace(runID) == "" {
					return usageErr("--logs-root or --run-id is required")
				}
				cfg, err := loadConfig(configPath)
				if err != nil {
					return usageErr("load config: %v", err)
				}
				root = filepath.Join(cfg.LogsRoot, runID)
			}
			s, err := runstate.LoadSnapshot(root)
			if err != nil {
				return err
			}
			w := c.OutOrStdout()
			if asJSON {
				b, err := xjson.MarshalIndent(s)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, string(b))
				return nil
			}
			fmt.Fprintf(w, "state=%s\n", s.State)
			fmt.Fprintf(w, "run_id=%s\n", s.RunID)
			fmt.Fprintf(w, "logs_root=%s\n", s.LogsRoot)
			if s.Topic != "" {
				fmt.Fprintf(w, "topic=%s\n", s.Topic)
			}
			if s.CurrentStage != "" {
				fmt.Fprintf(w, "current_stage=%s\n", s.CurrentStage)
			}
			if s.LastEvent != "" {
				fmt.Fprintf(w, "last_event=%s\n", s.LastEvent)
			}
			if s.State.Terminal() {
				fmt.Fprintf(w, "planning_iterations=%d\n", s.PlanningIterations)
				fmt.Fprintf(w, "repair_attempts=%d\n", s.RepairAttempts)
			}
			if s.ArtifactPath != "" {
				fmt.Fprintf(w, "artifact=%s\n", s.ArtifactPath)
			}
			if s.FailureReason != "" {
				fmt.Fprintf(w, "failed_stage=%s\n", s.FailedStage)
				fmt.Fprintf(w, "failure_reason=%s\n", s.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logsRoot, "logs-root", "", "Run logs directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run config file used to locate --run-id")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id under the configured logs root")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func checkCmd() *cobra.Command {
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "check DOCUMENT",
		Short: "Validate a proposal document against the schema",
		Args: func(c *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErr("check takes exactly one document path")
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			var (
				s   *schema.Schema
				err error
			)
			if schemaPath != "" {
				s, err = schema.Load(schemaPath)
			} else {
				s, err = schema.Default()
			}
			if err != nil {
				return err
			}
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc runtime.Document
			if err := xjson.Unmarshal(schema.StripComments(b), &doc); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			res := s.Validate(doc)
			w := c.OutOrStdout()
			fmt.Fprintln(w, res.Report)
			for _, is := range res.Errors {
				fmt.Fprintln(w, is.String())
			}
			if !res.Valid {
				return errors.New("document is invalid")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON or JSONC schema (default: built-in proposal schema)")
	return cmd
}
