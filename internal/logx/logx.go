// Package logx builds the hclog loggers shared by the engine, stages and CLI.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Options struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string
	JSON  bool
	// Output defaults to stderr.
	Output io.Writer
}

// New returns the root "proposer" logger.
func New(opts Options) (hclog.Logger, error) {
	level := hclog.Info
	if raw := strings.TrimSpace(opts.Level); raw != "" {
		level = hclog.LevelFromString(raw)
		if level == hclog.NoLevel {
			return nil, fmt.Errorf("invalid log level %q (want trace|debug|info|warn|error)", opts.Level)
		}
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "proposer",
		Level:      level,
		JSONFormat: opts.JSON,
		Output:     out,
	}), nil
}

// OrNull returns l, or a discarding logger when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
