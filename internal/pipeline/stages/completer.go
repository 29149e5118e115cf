// Package stages holds the stage handlers of the research-proposal pipeline.
//
// Handlers never talk to a model provider directly. Text comes from a
// Completer and the proposal document from a Generator; both have offline
// implementations so the pipeline runs end to end without network access.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// Prompt is one completion request.
type Prompt struct {
	Stage    runtime.StageName
	System   string
	User     string
	Settings engine.StageSettings
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

type CompleterFunc func(ctx context.Context, p Prompt) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Offline answers every prompt deterministically from its contents.
type Offline struct {
	// Score is reported by criticism prompts. Zero means 72.
	Score int
}

func (o Offline) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	subject := firstLine(p.User)
	switch p.Stage {
	case runtime.StageCriticism:
		score := o.Score
		if score == 0 {
			score = 72
		}
		return fmt.Sprintf("Offline critique of %s\n\n- Check robustness across market regimes.\n- Account for transaction costs.\n\nVIABILITY SCORE: %d", subject, score), nil
	case runtime.StagePriorArt:
		return fmt.Sprintf("Offline prior-art scan for %s: no directly comparable public implementations found.", subject), nil
	default:
		return fmt.Sprintf("Offline %s notes for %s.", p.Stage, subject), nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
