package engine

import (
	"errors"
	"fmt"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

// ErrEngineOwnedField is wrapped by faults from handlers that try to set
// fields reserved for the retry controllers.
var ErrEngineOwnedField = errors.New("handler set an engine-owned field")

// StageFault aborts a run. It is never retried by the engine.
type StageFault struct {
	Stage runtime.StageName
	Err   error
	// Stack is set when the handler panicked.
	Stack string
}

func (f *StageFault) Error() string {
	return fmt.Sprintf("stage %s failed: %v", f.Stage, f.Err)
}

func (f *StageFault) Unwrap() error { return f.Err }

// FaultStage returns the stage name attached to err, if any.
func FaultStage(err error) (runtime.StageName, bool) {
	var f *StageFault
	if errors.As(err, &f) {
		return f.Stage, true
	}
	return "", false
}
