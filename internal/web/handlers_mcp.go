package web

import (
	"net/http"

	"github.com/Trapezohe/companion-service/internal/mcp"
)

func (s *Server) handleMCPServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": s.cfg.Supervisor.Servers(),
	})
}

func (s *Server) handleMCPRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.cfg.Supervisor.RestartServer(name); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	tools := s.cfg.Supervisor.Tools()
	if tools == nil {
		tools = []mcp.ToolInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	if req.Server == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "server and tool are required")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Supervisor.CallTool(req.Server, req.Tool, req.Arguments))
}
