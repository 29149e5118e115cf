package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

// validRunID matches ULIDs and other path-safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

const maxRequestBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	out := []RunStatus{}
	for _, id := range s.registry.List() {
		if rs, ok := s.registry.Get(id); ok {
			out = append(out, rs.Status())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := xjson.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	seed, err := seedOf(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = engine.NewRunID()
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	broadcaster := NewBroadcaster()
	eng, err := s.config.Factory(broadcaster.Send)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("build engine: %v", err))
		return
	}

	ctx, cancel := context.WithCancelCause(s.baseCtx)
	rs := &RunState{
		RunID:       runID,
		Broadcaster: broadcaster,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(runID, rs); err != nil {
		cancel(nil)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	go func() {
		defer cancel(nil)
		res, err := eng.StartRun(ctx, seed, runID)
		if err != nil {
			s.logger.Warn("run ended with error", "run_id", runID, "error", err)
		}
		rs.SetResult(res, err)
		broadcaster.Close(rs.Status())
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
}

func seedOf(req SubmitRunRequest) (runtime.Seed, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return runtime.Seed{}, fmt.Errorf("topic is required")
	}
	comps, err := runtime.NewComponentSet(req.Components)
	if err != nil {
		return runtime.Seed{}, err
	}
	ins, err := runtime.ParseInstruments(req.Instruments)
	if err != nil {
		return runtime.Seed{}, err
	}
	return runtime.Seed{
		Topic:       req.Topic,
		Components:  comps,
		Instruments: ins,
		Constraints: req.Constraints,
	}, nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*RunState, bool) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return nil, false
	}
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return nil, false
	}
	return rs, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if rs, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, rs.Status())
	}
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if rs, ok := s.lookup(w, r); ok {
		WriteSSE(w, r, rs.Broadcaster)
	}
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rs.Done() {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s already finished", rs.RunID))
		return
	}
	rs.Cancel(fmt.Errorf("canceled via HTTP API"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = xjson.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
