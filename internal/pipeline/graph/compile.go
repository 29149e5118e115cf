// Package graph compiles a canonical stage order and per-stage enabled flags
// into an immutable execution plan.
package graph

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// Spec is the compiler input.
type Spec struct {
	Order []runtime.StageName

	// Enabled is consulted once per stage during compilation. Nil enables every stage.
	Enabled func(runtime.StageName) bool

	// QualityGate and Generation name the two routed stages. Either may be
	// empty, which leaves the corresponding loop out of the plan.
	QualityGate runtime.StageName
	Generation  runtime.StageName
}

// Compiled is the read-only execution plan of one run.
type Compiled struct {
	order   []runtime.StageName
	enabled []runtime.StageName
	pos     map[runtime.StageName]int
	on      map[runtime.StageName]bool
	routes  map[runtime.StageName]Route

	entry       runtime.StageName
	qualityGate runtime.StageName
	generation  runtime.StageName
	fingerprint string
}

// Compile builds the plan or returns a *ConfigurationError.
func Compile(spec Spec) (*Compiled, error) {
	c, diags := build(spec)
	if HasErrors(diags) {
		return nil, &ConfigurationError{Diagnostics: diags}
	}
	return c, nil
}

// Lint returns every diagnostic for spec, warnings included.
func Lint(spec Spec) []Diagnostic {
	_, diags := build(spec)
	return diags
}

func build(spec Spec) (*Compiled, []Diagnostic) {
	var diags []Diagnostic
	if len(spec.Order) == 0 {
		return nil, []Diagnostic{{Rule: "order_empty", Severity: SeverityError, Message: "stage order is empty"}}
	}

	c := &Compiled{
		order:  append([]runtime.StageName(nil), spec.Order...),
		pos:    map[runtime.StageName]int{},
		on:     map[runtime.StageName]bool{},
		routes: map[runtime.StageName]Route{},
	}
	for i, name := range c.order {
		if strings.TrimSpace(string(name)) == "" || name.IsTerminal() {
			diags = append(diags, Diagnostic{Rule: "stage_name", Severity: SeverityError, Message: fmt.Sprintf("invalid stage name %q at position %d", name, i)})
			continue
		}
		if _, dup := c.pos[name]; dup {
			diags = append(diags, Diagnostic{Rule: "duplicate_stage", Severity: SeverityError, Message: "stage appears more than once in the order", Stage: string(name)})
			continue
		}
		c.pos[name] = i
		if spec.Enabled == nil || spec.Enabled(name) {
			c.on[name] = true
			c.enabled = append(c.enabled, name)
		} else {
			diags = append(diags, Diagnostic{Rule: "stage_disabled", Severity: SeverityInfo, Message: "stage is disabled and will be skipped", Stage: string(name)})
		}
	}
	if len(c.enabled) == 0 {
		diags = append(diags, Diagnostic{Rule: "no_enabled_stage", Severity: SeverityError, Message: "at least one stage must be enabled"})
		return nil, diags
	}
	c.entry = c.enabled[0]

	diags = append(diags, c.resolveRole("quality_gate", spec.QualityGate, &c.qualityGate)...)
	diags = append(diags, c.resolveRole("generation", spec.Generation, &c.generation)...)
	if spec.QualityGate != "" && spec.QualityGate == spec.Generation {
		diags = append(diags, Diagnostic{Rule: "role_conflict", Severity: SeverityError, Message: "quality gate and generation must be different stages", Stage: string(spec.QualityGate)})
	}
	if gi, ok := c.pos[spec.QualityGate]; ok {
		if ri, ok := c.pos[spec.Generation]; ok && gi > ri {
			diags = append(diags, Diagnostic{Rule: "role_order", Severity: SeverityError, Message: fmt.Sprintf("quality gate %q must come before generation stage %q", spec.QualityGate, spec.Generation), Stage: string(spec.QualityGate)})
		}
	}
	if HasErrors(diags) {
		return nil, diags
	}

	for _, name := range c.enabled {
		forward := c.after(name)
		switch name {
		case c.qualityGate:
			c.routes[name] = restartRoute{restart: c.Clamp(c.order[0]), forward: forward}
		case c.generation:
			c.routes[name] = repairRoute{retry: name, forward: forward}
		default:
			c.routes[name] = fixedRoute{to: forward}
		}
	}
	for _, name := range c.enabled {
		for _, to := range c.routes[name].Targets() {
			if !to.IsTerminal() && !c.on[to] {
				diags = append(diags, Diagnostic{Rule: "router_target", Severity: SeverityError, Message: fmt.Sprintf("route targets %q outside the compiled set", to), Stage: string(name)})
			}
		}
	}
	if HasErrors(diags) {
		return nil, diags
	}
	c.fingerprint = fingerprint(c)
	return c, diags
}

func (c *Compiled) resolveRole(role string, name runtime.StageName, dst *runtime.StageName) []Diagnostic {
	if name == "" {
		return []Diagnostic{{Rule: role + "_unset", Severity: SeverityWarning, Message: "no " + role + " stage configured; its loop is inactive"}}
	}
	if _, ok := c.pos[name]; !ok {
		return []Diagnostic{{Rule: "role_unknown", Severity: SeverityError, Message: fmt.Sprintf("%s stage %q is not in the stage order", role, name), Stage: string(name)}}
	}
	if !c.on[name] {
		return []Diagnostic{{Rule: role + "_disabled", Severity: SeverityWarning, Message: role + " stage is disabled; its loop is inactive", Stage: string(name)}}
	}
	*dst = name
	return nil
}

// after returns the next enabled stage strictly after name, or Terminal.
func (c *Compiled) after(name runtime.StageName) runtime.StageName {
	for _, n := range c.order[c.pos[name]+1:] {
		if c.on[n] {
			return n
		}
	}
	return runtime.Terminal
}

// Clamp maps a stage to itself when enabled, otherwise to the nearest
// enabled stage after it in order. Unknown names and exhausted orders map to Terminal.
func (c *Compiled) Clamp(name runtime.StageName) runtime.StageName {
	if c.on[name] {
		return name
	}
	if _, ok := c.pos[name]; !ok {
		return runtime.Terminal
	}
	return c.after(name)
}

func fingerprint(c *Compiled) string {
	h := blake3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p))
			_, _ = h.Write([]byte{0})
		}
	}
	write("order")
	for _, n := range c.order {
		write(string(n), fmt.Sprint(c.on[n]))
	}
	write("roles", string(c.qualityGate), string(c.generation))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Compiled) Entry() runtime.StageName       { return c.entry }
func (c *Compiled) QualityGate() runtime.StageName { return c.qualityGate }
func (c *Compiled) Generation() runtime.StageName  { return c.generation }
func (c *Compiled) Fingerprint() string            { return c.fingerprint }

// Order returns the full canonical order, disabled stages included.
func (c *Compiled) Order() []runtime.StageName {
	return append([]runtime.StageName(nil), c.order...)
}

// Enabled returns the enabled stages in canonical order.
func (c *Compiled) Enabled() []runtime.StageName {
	return append([]runtime.StageName(nil), c.enabled...)
}

// Has reports whether name is an enabled stage of the plan.
func (c *Compiled) Has(name runtime.StageName) bool { return c.on[name] }

// Route returns the route of an enabled stage.
func (c *Compiled) Route(name runtime.StageName) (Route, bool) {
	r, ok := c.routes[name]
	return r, ok
}

// Next consults the route of from. The result is always an enabled stage or Terminal.
func (c *Compiled) Next(from runtime.StageName, s *runtime.State) (runtime.StageName, error) {
	r, ok := c.routes[from]
	if !ok {
		return "", NewConfigurationError("unknown_stage", string(from), "stage is not part of the compiled plan")
	}
	to := r.Next(s)
	if !to.IsTerminal() && !c.on[to] {
		return "", NewConfigurationError("router_target", string(from), "route returned %q outside the compiled set", to)
	}
	return to, nil
}

// Path follows forward successors from the entry stage to Terminal.
func (c *Compiled) Path() []runtime.StageName {
	var out []runtime.StageName
	for cur := c.entry; ; {
		out = append(out, cur)
		if cur.IsTerminal() {
			return out
		}
		cur = c.routes[cur].Forward()
	}
}
