package graph

import "github.com/danshapiro/proposer/internal/pipeline/runtime"

// Route decides the successor of one enabled stage. Implementations are
// pure functions of state.
type Route interface {
	Next(s *runtime.State) runtime.StageName
	// Forward is the successor taken when no loop fires.
	Forward() runtime.StageName
	// Targets lists every stage the route can return.
	Targets() []runtime.StageName
}

type fixedRoute struct {
	to runtime.StageName
}

func (r fixedRoute) Next(*runtime.State) runtime.StageName { return r.to }
func (r fixedRoute) Forward() runtime.StageName             { return r.to }
func (r fixedRoute) Targets() []runtime.StageName           { return []runtime.StageName{r.to} }

// restartRoute sits on the quality gate: back to the planning stage while a
// restart is pending, else forward.
type restartRoute struct {
	restart runtime.StageName
	forward runtime.StageName
}

func (r restartRoute) Next(s *runtime.State) runtime.StageName {
	if s != nil && s.ShouldRestart {
		return r.restart
	}
	return r.forward
}

func (r restartRoute) Forward() runtime.StageName { return r.forward }
func (r restartRoute) Targets() []runtime.StageName {
	return []runtime.StageName{r.restart, r.forward}
}

// repairRoute sits on the generation stage: regenerate until a final
// document has been chosen.
type repairRoute struct {
	retry   runtime.StageName
	forward runtime.StageName
}

func (r repairRoute) Next(s *runtime.State) runtime.StageName {
	if s != nil && !s.Finalized {
		return r.retry
	}
	return r.forward
}

func (r repairRoute) Forward() runtime.StageName { return r.forward }
func (r repairRoute) Targets() []runtime.StageName {
	return []runtime.StageName{r.retry, r.forward}
}
