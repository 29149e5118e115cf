package stages

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	viabilityLine = regexp.MustCompile(`(?i)VIABILITY SCORE:\s*(\d+)`)
	scoreFallback = []*regexp.Regexp{
		regexp.MustCompile(`(?is)viability.*?(\d+)(?:/100|\s*out of 100)`),
		regexp.MustCompile(`(?is)score.*?(\d+)(?:/100|\s*out of 100)`),
		regexp.MustCompile(`(?is)rating.*?(\d+)(?:/100|\s*out of 100)`),
	}
	componentScoreLine = regexp.MustCompile(`(?i)COMPONENT_SCORE_([A-Z]+):\s*(\d+)`)
)

// DefaultScore is reported when a critique carries no recognizable score.
const DefaultScore = 50

// ExtractViabilityScore reads the 0..100 score out of a critique.
func ExtractViabilityScore(text string) int {
	if m := viabilityLine.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return clampScore(n)
		}
	}
	for _, re := range scoreFallback {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return clampScore(n)
			}
		}
	}
	return DefaultScore
}

// ExtractComponentScores reads COMPONENT_SCORE_<NAME>: N lines, keyed by lower-case name.
func ExtractComponentScores(text string) map[string]any {
	out := map[string]any{}
	for _, m := range componentScoreLine.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out[strings.ToLower(m[1])] = clampScore(n)
	}
	return out
}

func clampScore(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return n
}
