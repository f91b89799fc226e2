package web

import (
	"log/slog"
	"net/http"

	"github.com/Trapezohe/companion-service/internal/config"
	"github.com/Trapezohe/companion-service/internal/policy"
)

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"permissionPolicy": s.Policy(),
	})
}

// handlePolicySet applies a strict policy update and persists it to
// companion.json. A failing persist is an internal error but the in-memory
// policy is left updated so the running daemon honors the caller's intent.
func (s *Server) handlePolicySet(w http.ResponseWriter, r *http.Request) {
	var req policy.Input
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	p, err := policy.Normalize(req, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	s.SetPolicy(p)

	cfg, err := config.Load()
	if err == nil {
		cfg.PermissionPolicy = policy.Input{Mode: string(p.Mode), Roots: p.Roots}
		err = config.Save(cfg)
	}
	if err != nil {
		webLog.Warn("policy_persist_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to persist policy: %s", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"permissionPolicy": p,
	})
}
