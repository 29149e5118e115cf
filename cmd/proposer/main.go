// Command proposer runs the research-proposal pipeline.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/danshapiro/proposer/internal/pipeline/graph"
)

const (
	Version = "0.1.0"
	appName = "proposer"
)

// exitError carries a process exit code through cobra. Usage and
// configuration problems exit 2, run failures 1. A degraded run exits 0.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ce *graph.ConfigurationError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(1)
		}
	}()
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Research proposal pipeline",
		Long:          "proposer plans, researches, critiques and synthesizes a structured research proposal, restarting or repairing stages when quality or schema checks fail.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	cmd.AddCommand(
		runCmd(),
		resumeCmd(),
		serveCmd(),
		validateCmd(),
		statusCmd(),
		checkCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(c *cobra.Command, args []string) {
				fmt.Fprintf(c.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}
