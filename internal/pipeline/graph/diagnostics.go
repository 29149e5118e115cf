package graph

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Stage    string   `json:"stage,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Stage != "" {
		return fmt.Sprintf("%s %s (%s): %s", d.Severity, d.Rule, d.Stage, d.Message)
	}
	return fmt.Sprintf("%s %s: %s", d.Severity, d.Rule, d.Message)
}

// ConfigurationError reports a pipeline that cannot be compiled. It is
// raised before any stage runs and is never retried.
type ConfigurationError struct {
	Diagnostics []Diagnostic
}

// NewConfigurationError builds an error from a single rule failure.
func NewConfigurationError(rule, stage, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Diagnostics: []Diagnostic{{
		Rule:     rule,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
		Stage:    stage,
	}}}
}

func (e *ConfigurationError) Error() string {
	var parts []string
	for _, d := range e.Diagnostics {
		if d.Severity != SeverityError {
			continue
		}
		msg := d.Rule + ": " + d.Message
		if d.Stage != "" {
			msg = d.Rule + " (" + d.Stage + "): " + d.Message
		}
		parts = append(parts, msg)
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
