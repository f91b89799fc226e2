package web

import (
	"net/http"

	"github.com/Trapezohe/companion-service/internal/skills"
)

func (s *Server) handleSkillExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string        `json:"name"`
		Files []skills.File `json:"files"`
	}
	if !readBody(w, r, skillsMaxBody, &req) {
		return
	}
	dir, err := skills.Extract(s.cfg.SkillsRoot, req.Name, req.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"path":  dir,
		"files": len(req.Files),
	})
}

func (s *Server) handleSkillDelete(w http.ResponseWriter, r *http.Request) {
	if err := skills.Remove(s.cfg.SkillsRoot, r.PathValue("name")); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
