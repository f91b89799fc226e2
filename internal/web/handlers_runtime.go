package web

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Trapezohe/companion-service/internal/policy"
	"github.com/Trapezohe/companion-service/internal/runtime"
	"github.com/Trapezohe/companion-service/internal/store"
)

const (
	maxCommandChars  = 10_000
	minExecTimeoutMs = 1_000
	maxExecTimeoutMs = 300_000
	defExecTimeoutMs = 60_000
)

type execRequest struct {
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// validateExec checks the common exec/session request shape and resolves it
// against the current policy. Policy failures map to 403, the rest to 400.
func (s *Server) validateExec(w http.ResponseWriter, req *execRequest) (runtime.ExecRequest, bool) {
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return runtime.ExecRequest{}, false
	}
	if len(req.Command) > maxCommandChars {
		writeError(w, http.StatusBadRequest, "command exceeds %d characters", maxCommandChars)
		return runtime.ExecRequest{}, false
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defExecTimeoutMs
	}
	if timeoutMs < minExecTimeoutMs {
		timeoutMs = minExecTimeoutMs
	}
	if timeoutMs > maxExecTimeoutMs {
		timeoutMs = maxExecTimeoutMs
	}

	pol := s.Policy()
	cwd, err := policy.ResolveCwd(req.Cwd, pol)
	if err != nil {
		writePolicyError(w, err)
		return runtime.ExecRequest{}, false
	}
	if err := policy.EnforceCommandPolicy(req.Command, cwd, pol); err != nil {
		writePolicyError(w, err)
		return runtime.ExecRequest{}, false
	}

	return runtime.ExecRequest{
		Command: req.Command,
		Cwd:     cwd,
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
		Env:     req.Env,
	}, true
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	execReq, ok := s.validateExec(w, &req)
	if !ok {
		return
	}

	run := s.createRun(store.RunTypeExec, req.Command)

	result := runtime.RunCommand(execReq)

	if run.RunID != "" {
		state := store.RunDone
		errMsg := ""
		if !result.OK {
			state = store.RunFailed
			if result.TimedOut {
				errMsg = "command timed out"
			} else {
				errMsg = fmt.Sprintf("exit code %d", result.ExitCode)
			}
		}
		summary := fmt.Sprintf("exec finished with code %d", result.ExitCode)
		if _, err := s.cfg.Runs.Update(run.RunID, store.RunUpdate{
			State:   state,
			Summary: &summary,
			Error:   &errMsg,
		}); err != nil {
			webLog.Warn("run_update_failed", slog.String("run", run.RunID), slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         result.OK,
		"exitCode":   result.ExitCode,
		"stdout":     result.Stdout,
		"stderr":     result.Stderr,
		"timedOut":   result.TimedOut,
		"durationMs": result.DurationMs,
		"runId":      run.RunID,
	})
}

// createRun records a running run for an exec or session.
func (s *Server) createRun(runType store.RunType, command string) store.Run {
	return s.cfg.Runs.Create(store.Run{
		Type:  runType,
		State: store.RunRunning,
		Meta:  map[string]any{"command": command},
	})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	execReq, ok := s.validateExec(w, &req)
	if !ok {
		return
	}

	run := s.createRun(store.RunTypeSession, req.Command)

	// The session id is assigned up front and indexed before the spawn so a
	// fast-exiting session still finds its run in the exit listener.
	sessionID := store.NewID()
	execReq.ID = sessionID
	if run.RunID != "" {
		s.sessionRunsMu.Lock()
		s.sessionRuns[sessionID] = run.RunID
		s.sessionRunsMu.Unlock()
	}

	snap, err := s.cfg.Sessions.StartSession(execReq)
	if err != nil {
		s.sessionRunsMu.Lock()
		delete(s.sessionRuns, sessionID)
		s.sessionRunsMu.Unlock()
		if run.RunID != "" {
			errMsg := err.Error()
			_, _ = s.cfg.Runs.Update(run.RunID, store.RunUpdate{State: store.RunFailed, Error: &errMsg})
		}
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": snap,
		"runId":   run.RunID,
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.cfg.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if !readBody(w, r, defaultMaxBody, &req) {
			return
		}
	}
	if _, ok := s.cfg.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.cfg.Sessions.Stop(id, req.Force); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionWrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Text   string `json:"text"`
		Submit bool   `json:"submit"`
	}
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	if _, ok := s.cfg.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.cfg.Sessions.Write(id, req.Text, req.Submit); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionSendKeys(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Keys string `json:"keys"`
	}
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	if req.Keys == "" {
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}
	if _, ok := s.cfg.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.cfg.Sessions.SendKeys(id, req.Keys); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := runtime.SessionStatus(q.Get("status"))
	switch status {
	case "", runtime.SessionRunning, runtime.SessionExited:
	default:
		writeError(w, http.StatusBadRequest, "unknown status %q", status)
		return
	}
	page := s.cfg.Sessions.List(runtime.ListFilter{
		Status: status,
		Offset: queryInt(q.Get("offset"), 0),
		Limit:  queryInt(q.Get("limit"), 0),
	})
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stream := q.Get("stream")
	slices, err := s.cfg.Sessions.Log(
		r.PathValue("id"),
		stream,
		queryInt(q.Get("offset"), 0),
		queryInt(q.Get("limit"), 0),
	)
	if err != nil {
		if _, ok := s.cfg.Sessions.Get(r.PathValue("id")); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	if stream == "both" {
		writeJSON(w, http.StatusOK, slices)
		return
	}
	for _, slice := range slices {
		writeJSON(w, http.StatusOK, slice)
		return
	}
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterInt := queryInt(q.Get("after"), 0)
	if afterInt < 0 {
		afterInt = 0
	}
	after := uint64(afterInt)
	events := s.cfg.Sessions.Events().After(after, queryInt(q.Get("limit"), 0))
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"latest": s.cfg.Sessions.Events().Latest(),
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
