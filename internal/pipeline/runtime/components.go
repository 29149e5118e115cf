package runtime

import (
	"fmt"
	"strings"
)

// Component is one section a research proposal may cover.
type Component string

const (
	ComponentUniverse  Component = "universe"
	ComponentAlpha     Component = "alpha"
	ComponentPortfolio Component = "portfolio"
	ComponentExecution Component = "execution"
	ComponentRisk      Component = "risk"
)

var componentOrder = []Component{ComponentUniverse, ComponentAlpha, ComponentPortfolio, ComponentExecution, ComponentRisk}

func ParseComponent(s string) (Component, error) {
	c := Component(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range componentOrder {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown component %q (want universe|alpha|portfolio|execution|risk)", s)
}

// ComponentSet is an ordered, duplicate-free set of components. The zero
// value is empty. Members are always kept in canonical order.
type ComponentSet []Component

// AllComponents returns the full set.
func AllComponents() ComponentSet {
	return append(ComponentSet(nil), componentOrder...)
}

// NewComponentSet parses names. An empty input yields the full set, which
// matches the CLI default of covering every section.
func NewComponentSet(names []string) (ComponentSet, error) {
	var set ComponentSet
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		c, err := ParseComponent(n)
		if err != nil {
			return nil, err
		}
		set = set.With(c)
	}
	if len(set) == 0 {
		return AllComponents(), nil
	}
	return set, nil
}

func (s ComponentSet) Has(c Component) bool {
	for _, m := range s {
		if m == c {
			return true
		}
	}
	return false
}

// With returns a new set containing c.
func (s ComponentSet) With(c Component) ComponentSet {
	if s.Has(c) {
		return s
	}
	out := make(ComponentSet, 0, len(s)+1)
	for _, known := range componentOrder {
		if known == c || s.Has(known) {
			out = append(out, known)
		}
	}
	return out
}

// Without returns a new set lacking c.
func (s ComponentSet) Without(c Component) ComponentSet {
	out := make(ComponentSet, 0, len(s))
	for _, m := range s {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}

func (s ComponentSet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, c := range s {
		out = append(out, string(c))
	}
	return out
}

// Instrument is a tradable asset class the proposal targets.
type Instrument string

const (
	InstrumentStocks  Instrument = "stocks"
	InstrumentOptions Instrument = "options"
	InstrumentFutures Instrument = "futures"
	InstrumentForex   Instrument = "forex"
	InstrumentCrypto  Instrument = "crypto"
)

// ParseInstruments validates names and removes duplicates, keeping first-seen order.
func ParseInstruments(names []string) ([]Instrument, error) {
	seen := map[Instrument]bool{}
	var out []Instrument
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		in := Instrument(n)
		switch in {
		case InstrumentStocks, InstrumentOptions, InstrumentFutures, InstrumentForex, InstrumentCrypto:
		default:
			return nil, fmt.Errorf("unknown instrument %q (want stocks|options|futures|forex|crypto)", n)
		}
		if seen[in] {
			continue
		}
		seen[in] = true
		out = append(out, in)
	}
	return out, nil
}
