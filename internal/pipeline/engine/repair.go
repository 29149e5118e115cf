package engine

import (
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
)

// RepairPhase names the state of the repair sub-protocol after a validation.
type RepairPhase string

const (
	RepairGenerating RepairPhase = "generating"
	RepairSucceeded  RepairPhase = "success"
	RepairDegraded   RepairPhase = "degraded"
)

// RepairStep validates the latest candidate and decides the next phase.
//
// A valid candidate becomes the final document. An invalid one counts as an
// attempt; while attempts remain the generation stage runs again with the
// errors in state, otherwise the candidate is finalized as degraded.
func RepairStep(st *runtime.State, v schema.Validator, l runtime.Limits) (RepairPhase, runtime.Update, schema.Result) {
	res := v.Validate(st.CandidateDocument)
	if res.Valid {
		return RepairSucceeded, runtime.Update{
			FinalDocument:    finalOf(st.CandidateDocument),
			ValidationErrors: runtime.Issues(nil),
			ValidationReport: runtime.String(res.Report),
		}, res
	}
	if len(res.Errors) == 0 {
		res.Errors = []runtime.Issue{{Path: "(root)", Message: "document failed validation"}}
	}
	attempts := st.RepairAttempts + 1
	u := runtime.Update{
		RepairAttempts:   runtime.Int(attempts),
		ValidationErrors: runtime.Issues(res.Errors),
	}
	if attempts < l.MaxRepairAttempts {
		u.ValidationReport = runtime.String(schema.ReportRepair(len(res.Errors)))
		return RepairGenerating, u, res
	}
	u.ValidationReport = runtime.String(schema.ReportFinal(len(res.Errors)))
	u.FinalDocument = finalOf(st.CandidateDocument)
	return RepairDegraded, u, res
}

// finalOf is never nil so that applying it always marks the state finalized.
func finalOf(doc runtime.Document) runtime.Document {
	if doc == nil {
		return runtime.Document{}
	}
	return doc.Clone()
}
