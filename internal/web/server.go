// Package web implements the loopback HTTP control plane: bearer-token
// auth with a failure-rate limiter, the route table, and the handlers that
// bridge clients to the runtime, supervisor, scheduler, and stores.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Trapezohe/companion-service/internal/cron"
	"github.com/Trapezohe/companion-service/internal/logging"
	"github.com/Trapezohe/companion-service/internal/mcp"
	"github.com/Trapezohe/companion-service/internal/policy"
	"github.com/Trapezohe/companion-service/internal/runtime"
	"github.com/Trapezohe/companion-service/internal/store"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config carries the server's collaborators and settings.
type Config struct {
	Port    int
	Token   string
	Version string

	// SkillsRoot is the directory that holds skills/<name>/ bundles,
	// normally the companion config directory.
	SkillsRoot string

	Policy     policy.Policy
	Runs       *store.RunStore
	Approvals  *store.ApprovalStore
	CronStore  *store.CronStore
	Scheduler  *cron.Scheduler
	Supervisor *mcp.Supervisor
	Sessions   *runtime.Manager
}

// Server is the companion's HTTP control plane.
type Server struct {
	cfg        Config
	httpServer *http.Server

	policyMu sync.RWMutex
	policy   policy.Policy

	failures failureWindow

	// sessionRuns maps live session ids to their run records so the exit
	// listener can close the run when the session finalizes.
	sessionRunsMu sync.Mutex
	sessionRuns   map[string]string

	exitListenerID int

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer wires the control plane. The session exit listener is installed
// here so that exits occurring at any point after construction update their
// run records.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:         cfg,
		policy:      cfg.Policy,
		sessionRuns: make(map[string]string),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.exitListenerID = cfg.Sessions.AddExitListener(s.onSessionExit)

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           s.middleware(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// routes is the hand-written route table. Runtime endpoints are registered
// under both /api/runtime and the legacy /api/local-runtime prefix.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	for _, prefix := range []string{"/api/runtime", "/api/local-runtime"} {
		mux.HandleFunc("POST "+prefix+"/exec", s.handleExec)
		mux.HandleFunc("POST "+prefix+"/session/start", s.handleSessionStart)
		mux.HandleFunc("GET "+prefix+"/session/{id}", s.handleSessionGet)
		mux.HandleFunc("POST "+prefix+"/session/{id}/stop", s.handleSessionStop)
		mux.HandleFunc("POST "+prefix+"/session/{id}/write", s.handleSessionWrite)
		mux.HandleFunc("POST "+prefix+"/session/{id}/send-keys", s.handleSessionSendKeys)
		mux.HandleFunc("GET "+prefix+"/sessions", s.handleSessionList)
		mux.HandleFunc("GET "+prefix+"/sessions/{id}/log", s.handleSessionLog)
		mux.HandleFunc("GET "+prefix+"/session-events", s.handleSessionEvents)
	}

	mux.HandleFunc("GET /api/runtime/runs", s.handleRunList)
	mux.HandleFunc("GET /api/runtime/runs/diagnostics", s.handleRunDiagnostics)
	mux.HandleFunc("GET /api/runtime/runs/{id}", s.handleRunGet)

	mux.HandleFunc("POST /api/runtime/approvals", s.handleApprovalCreate)
	mux.HandleFunc("GET /api/runtime/approvals/pending", s.handleApprovalPending)
	mux.HandleFunc("GET /api/runtime/approvals/{id}", s.handleApprovalGet)
	mux.HandleFunc("POST /api/runtime/approvals/{id}/resolve", s.handleApprovalResolve)

	mux.HandleFunc("GET /api/mcp/servers", s.handleMCPServers)
	mux.HandleFunc("POST /api/mcp/servers/{name}/restart", s.handleMCPRestart)
	mux.HandleFunc("GET /api/mcp/tools", s.handleMCPTools)
	mux.HandleFunc("POST /api/mcp/tools/call", s.handleMCPCall)

	mux.HandleFunc("GET /api/security/policy", s.handlePolicyGet)
	mux.HandleFunc("POST /api/security/policy", s.handlePolicySet)

	mux.HandleFunc("GET /api/cron/jobs", s.handleCronJobs)
	mux.HandleFunc("POST /api/cron/jobs", s.handleCronUpsert)
	mux.HandleFunc("DELETE /api/cron/jobs/{id}", s.handleCronDelete)
	mux.HandleFunc("GET /api/cron/pending", s.handleCronPending)
	mux.HandleFunc("POST /api/cron/pending/ack", s.handleCronAck)

	mux.HandleFunc("POST /api/skills/extract", s.handleSkillExtract)
	mux.HandleFunc("DELETE /api/skills/{name}", s.handleSkillDelete)

	mux.HandleFunc("GET /ws/session/{id}", s.handleSessionWS)
}

// middleware runs the gate every request passes: CORS preflight, loopback
// origin, the auth failure limiter, and the constant-time token check.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !isLoopback(r.RemoteAddr) {
			writeError(w, http.StatusUnauthorized, "loopback connections only")
			return
		}
		if s.failures.limited() {
			writeError(w, http.StatusUnauthorized, "too many authentication failures, retry later")
			return
		}
		if !s.authorize(r) {
			s.failures.record()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders is permissive at the header level; the real gate is
// loopback plus the bearer token.
func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

// Policy returns the current permission policy snapshot.
func (s *Server) Policy() policy.Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// SetPolicy swaps the in-memory policy (HTTP update or config hot-reload).
func (s *Server) SetPolicy(p policy.Policy) {
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start binds the loopback listener and serves until shutdown. A bind
// failure is fatal to the daemon and surfaces as an error.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, detaches the exit listener, terminates live
// sessions, and flushes every store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	s.cfg.Sessions.RemoveExitListener(s.exitListenerID)

	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			err = fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		} else {
			err = nil
		}
	}

	s.cfg.Sessions.Shutdown()
	for name, flush := range map[string]func() error{
		"runs":      s.cfg.Runs.Flush,
		"approvals": s.cfg.Approvals.Flush,
		"cron":      s.cfg.CronStore.Flush,
	} {
		if ferr := flush(); ferr != nil {
			webLog.Warn("store_flush_failed", slog.String("store", name), slog.String("error", ferr.Error()))
		}
	}
	return err
}

// onSessionExit closes the run record of a finished session.
func (s *Server) onSessionExit(snap runtime.Snapshot) {
	s.sessionRunsMu.Lock()
	runID, ok := s.sessionRuns[snap.ID]
	if ok {
		delete(s.sessionRuns, snap.ID)
	}
	s.sessionRunsMu.Unlock()
	if !ok {
		return
	}

	state := store.RunDone
	if snap.TimedOut || snap.ExitCode != 0 {
		state = store.RunFailed
	}
	summary := fmt.Sprintf("session exited with code %d", snap.ExitCode)
	if snap.TimedOut {
		summary = "session timed out"
	}
	if _, err := s.cfg.Runs.Update(runID, store.RunUpdate{
		State:   state,
		Summary: &summary,
	}); err != nil {
		webLog.Warn("run_update_failed", slog.String("run", runID), slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	servers, tools := s.cfg.Supervisor.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"ts":               time.Now().UTC().Format(time.RFC3339),
		"pid":              os.Getpid(),
		"version":          s.cfg.Version,
		"mcpServers":       servers,
		"mcpTools":         tools,
		"permissionPolicy": s.Policy(),
	})
}
