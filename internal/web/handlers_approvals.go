package web

import (
	"net/http"
	"time"

	"github.com/Trapezohe/companion-service/internal/store"
)

type approvalCreateRequest struct {
	RequestID      string         `json:"requestId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	ToolName       string         `json:"toolName"`
	ToolPreview    string         `json:"toolPreview,omitempty"`
	RiskLevel      string         `json:"riskLevel,omitempty"`
	Channels       []string       `json:"channels,omitempty"`
	ExpiresInMs    int64          `json:"expiresInMs,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) {
	var req approvalCreateRequest
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "toolName is required")
		return
	}

	a := store.Approval{
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
		ToolName:       req.ToolName,
		ToolPreview:    req.ToolPreview,
		RiskLevel:      req.RiskLevel,
		Channels:       req.Channels,
		Meta:           req.Meta,
	}
	if req.ExpiresInMs > 0 {
		a.ExpiresAt = time.Now().Add(time.Duration(req.ExpiresInMs) * time.Millisecond)
	}
	created := s.cfg.Approvals.Create(a)
	writeJSON(w, http.StatusCreated, map[string]any{"approval": created})
}

func (s *Server) handleApprovalPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": s.cfg.Approvals.Pending(),
	})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	a, ok := s.cfg.Approvals.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": a})
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
		ResolvedBy string `json:"resolvedBy,omitempty"`
	}
	if !readBody(w, r, defaultMaxBody, &req) {
		return
	}

	var resolution store.ApprovalStatus
	switch req.Resolution {
	case "approved", "approve":
		resolution = store.ApprovalApproved
	case "rejected", "reject":
		resolution = store.ApprovalRejected
	default:
		writeError(w, http.StatusBadRequest, "resolution must be approved or rejected")
		return
	}

	id := r.PathValue("id")
	if _, ok := s.cfg.Approvals.Get(id); !ok {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	resolved, changed, err := s.cfg.Approvals.Resolve(id, resolution, req.ResolvedBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval": resolved,
		"changed":  changed,
	})
}
