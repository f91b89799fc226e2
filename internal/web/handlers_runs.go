package web

import (
	"net/http"

	"github.com/Trapezohe/companion-service/internal/store"
)

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	runType := store.RunType(q.Get("type"))
	switch runType {
	case "", store.RunTypeExec, store.RunTypeSession, store.RunTypeCron, store.RunTypeHeartbeat:
	default:
		writeError(w, http.StatusBadRequest, "unknown run type %q", runType)
		return
	}
	state := store.RunState(q.Get("state"))
	switch state {
	case "", store.RunQueued, store.RunRunning, store.RunWaitingApproval,
		store.RunRetrying, store.RunDone, store.RunFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown run state %q", state)
		return
	}

	runs, total := s.cfg.Runs.List(store.RunFilter{
		Type:   runType,
		State:  state,
		Offset: queryInt(q.Get("offset"), 0),
		Limit:  queryInt(q.Get("limit"), 0),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": total,
	})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, ok := s.cfg.Runs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleRunDiagnostics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 0)
	writeJSON(w, http.StatusOK, s.cfg.Runs.Diagnostics(limit))
}
