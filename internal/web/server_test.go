package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Trapezohe/companion-service/internal/cron"
	"github.com/Trapezohe/companion-service/internal/mcp"
	"github.com/Trapezohe/companion-service/internal/policy"
	"github.com/Trapezohe/companion-service/internal/runtime"
	"github.com/Trapezohe/companion-service/internal/store"
)

const testToken = "test-token-0123456789abcdef"

func newTestServer(t *testing.T, pol policy.Policy) *Server {
	t.Helper()
	t.Setenv("COMPANION_HOME", t.TempDir())

	dir := t.TempDir()
	runs := store.OpenRunStore(dir)
	approvals := store.OpenApprovalStore(dir)
	cronStore := store.OpenCronStore(dir)
	scheduler := cron.New(cronStore)
	sessions := runtime.NewManager()
	supervisor := mcp.NewSupervisor(nil, "test")
	t.Cleanup(func() {
		scheduler.Shutdown()
		sessions.Shutdown()
		supervisor.Shutdown()
	})

	return NewServer(Config{
		Port:       0,
		Token:      testToken,
		Version:    "test",
		SkillsRoot: dir,
		Policy:     pol,
		Runs:       runs,
		Approvals:  approvals,
		CronStore:  cronStore,
		Scheduler:  scheduler,
		Supervisor: supervisor,
		Sessions:   sessions,
	})
}

func fullPolicy() policy.Policy {
	return policy.Policy{Mode: policy.ModeFull}
}

// doRequest issues an authenticated loopback request against the handler.
func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rr.Body.String())
	}
	return out
}

func TestNonLoopbackRejectedDespiteToken(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-loopback source, got %d", rr.Code)
	}
}

func TestMissingAndWrongTokenRejected(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	for _, header := range []string{"", "Bearer wrong", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "127.0.0.1:4000"
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestAuthFailureRateLimit(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	for i := 0; i < authFailureLimit; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "127.0.0.1:4000"
		req.Header.Set("Authorization", "Bearer wrong")
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d: expected 401, got %d", i, rr.Code)
		}
	}

	// The 21st request is rejected even with the correct token.
	rr := doRequest(srv, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected rate-limited 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "too many authentication failures") {
		t.Fatalf("expected distinct rate-limit message, got %s", rr.Body.String())
	}
}

func TestPreflightBypassesAuth(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	req := httptest.NewRequest(http.MethodOptions, "/api/runtime/exec", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected permissive CORS headers")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	rr := doRequest(srv, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
	if body["version"] != "test" {
		t.Fatalf("expected version, got %v", body["version"])
	}
	if _, ok := body["permissionPolicy"]; !ok {
		t.Fatalf("expected permissionPolicy in healthz")
	}
}

func TestUnknownRoute404(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	rr := doRequest(srv, http.MethodGet, "/api/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestRunsEndpoints(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	run := srv.cfg.Runs.Create(store.Run{Type: store.RunTypeExec, State: store.RunDone})

	rr := doRequest(srv, http.MethodGet, "/api/runtime/runs?type=exec", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["total"].(float64) != 1 {
		t.Fatalf("expected one run, got %v", body)
	}

	rr = doRequest(srv, http.MethodGet, "/api/runtime/runs/"+run.RunID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/runtime/runs/ffffffffffffffffffffffffffffffff", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/runtime/runs?state=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad state, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/runtime/runs/diagnostics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for diagnostics, got %d", rr.Code)
	}
}

func TestApprovalFlow(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	rr := doRequest(srv, http.MethodPost, "/api/runtime/approvals", map[string]any{
		"toolName":    "run_command",
		"toolPreview": "rm -rf build",
		"riskLevel":   "high",
		"channels":    []string{"slack"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeBody(t, rr)["approval"].(map[string]any)
	id := created["requestId"].(string)

	rr = doRequest(srv, http.MethodGet, "/api/runtime/approvals/pending", nil)
	body := decodeBody(t, rr)
	if len(body["approvals"].([]any)) != 1 {
		t.Fatalf("expected one pending approval, got %v", body)
	}

	rr = doRequest(srv, http.MethodPost, "/api/runtime/approvals/"+id+"/resolve",
		map[string]any{"resolution": "approved", "resolvedBy": "alice"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decodeBody(t, rr)["changed"] != true {
		t.Fatalf("first resolve should report changed")
	}

	// Second resolve is an idempotent no-op returning the prior record.
	rr = doRequest(srv, http.MethodPost, "/api/runtime/approvals/"+id+"/resolve",
		map[string]any{"resolution": "rejected"})
	body = decodeBody(t, rr)
	if body["changed"] != false {
		t.Fatalf("second resolve should not change the record")
	}
	if body["approval"].(map[string]any)["status"] != "approved" {
		t.Fatalf("second resolve must return the prior state")
	}

	rr = doRequest(srv, http.MethodPost, "/api/runtime/approvals/"+id+"/resolve",
		map[string]any{"resolution": "bogus"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid resolution, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/runtime/approvals/ffffffffffffffffffffffffffffffff", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown approval, got %d", rr.Code)
	}
}

func TestCronEndpoints(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	rr := doRequest(srv, http.MethodPost, "/api/cron/jobs", map[string]any{
		"id":      "daily",
		"name":    "Daily",
		"enabled": true,
		"schedule": map[string]any{
			"kind":   "daily",
			"hour":   9,
			"minute": 30,
			"tz":     "UTC",
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, http.MethodPost, "/api/cron/jobs", map[string]any{
		"id":       "bad",
		"schedule": map[string]any{"kind": "daily", "hour": 99},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid schedule, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/cron/jobs", nil)
	if len(decodeBody(t, rr)["jobs"].([]any)) != 1 {
		t.Fatalf("expected one job")
	}

	srv.cfg.CronStore.AddPendingRun("daily")
	rr = doRequest(srv, http.MethodGet, "/api/cron/pending", nil)
	pending := decodeBody(t, rr)["pending"].([]any)
	if len(pending) != 1 {
		t.Fatalf("expected one pending firing, got %v", pending)
	}

	rr = doRequest(srv, http.MethodPost, "/api/cron/pending/ack", map[string]any{
		"taskIds": []string{"daily"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = doRequest(srv, http.MethodGet, "/api/cron/pending", nil)
	if len(decodeBody(t, rr)["pending"].([]any)) != 0 {
		t.Fatalf("expected pending cleared after ack")
	}

	rr = doRequest(srv, http.MethodDelete, "/api/cron/jobs/daily", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = doRequest(srv, http.MethodDelete, "/api/cron/jobs/daily", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", rr.Code)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	rr := doRequest(srv, http.MethodGet, "/api/security/policy", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	ws := t.TempDir()
	rr = doRequest(srv, http.MethodPost, "/api/security/policy", map[string]any{
		"mode":  "workspace",
		"roots": []string{ws},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if srv.Policy().Mode != policy.ModeWorkspace {
		t.Fatalf("policy not swapped")
	}

	// Strict normalization: unknown modes are a validation error.
	rr = doRequest(srv, http.MethodPost, "/api/security/policy", map[string]any{"mode": "yolo"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", rr.Code)
	}
}

func TestMCPEndpoints(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	rr := doRequest(srv, http.MethodGet, "/api/mcp/servers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/mcp/tools", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodPost, "/api/mcp/tools/call", map[string]any{
		"server": "ghost", "tool": "echo",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("tool errors surface in the body, got status %d", rr.Code)
	}
	if decodeBody(t, rr)["ok"] != false {
		t.Fatalf("expected ok=false for unknown server")
	}

	rr = doRequest(srv, http.MethodPost, "/api/mcp/servers/ghost/restart", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown server restart, got %d", rr.Code)
	}
}

func TestSkillEndpoints(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	rr := doRequest(srv, http.MethodPost, "/api/skills/extract", map[string]any{
		"name": "notes",
		"files": []map[string]string{
			{"path": "SKILL.md", "content": "# Notes"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, http.MethodPost, "/api/skills/extract", map[string]any{
		"name": "evil",
		"files": []map[string]string{
			{"path": "../escape.txt", "content": "x"},
		},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal path, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodDelete, "/api/skills/notes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	big := strings.Repeat("x", defaultMaxBody+1024)
	rr := doRequest(srv, http.MethodPost, "/api/runtime/exec", map[string]any{
		"command": "true",
		"env":     map[string]string{"BIG": big},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rr.Code)
	}
}

func TestExecValidation(t *testing.T) {
	srv := newTestServer(t, fullPolicy())

	rr := doRequest(srv, http.MethodPost, "/api/runtime/exec", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing command, got %d", rr.Code)
	}

	rr = doRequest(srv, http.MethodPost, "/api/runtime/exec", map[string]any{
		"command": strings.Repeat("x", maxCommandChars+1),
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized command, got %d", rr.Code)
	}
}

func TestSessionNotFoundRoutes(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	missing := strings.Repeat("ff", 16)

	paths := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/runtime/session/" + missing, nil},
		{http.MethodPost, "/api/runtime/session/" + missing + "/stop", map[string]any{}},
		{http.MethodPost, "/api/runtime/session/" + missing + "/write", map[string]any{"text": "x"}},
		{http.MethodPost, "/api/runtime/session/" + missing + "/send-keys", map[string]any{"keys": "enter"}},
		{http.MethodGet, "/api/runtime/sessions/" + missing + "/log", nil},
	}
	for _, p := range paths {
		rr := doRequest(srv, p.method, p.path, p.body)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", p.method, p.path, rr.Code)
		}
	}
}

func TestSessionListValidation(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	rr := doRequest(srv, http.MethodGet, "/api/runtime/sessions?status=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	rr = doRequest(srv, http.MethodGet, "/api/runtime/sessions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSessionEventsEmpty(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	rr := doRequest(srv, http.MethodGet, "/api/runtime/session-events?after=0", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if len(body["events"].([]any)) != 0 {
		t.Fatalf("expected no events, got %v", body)
	}
}

func TestConstantTimeCompareContract(t *testing.T) {
	// The comparison must be the branchless constant-time primitive, not a
	// byte loop: equal-length inputs always run the full width.
	if !secureEqual("same-token", "same-token") {
		t.Fatal("equal tokens must match")
	}
	if secureEqual("same-token", "same-tokeX") {
		t.Fatal("different tokens must not match")
	}
	if secureEqual("short", "longer-token") {
		t.Fatal("length mismatch must not match")
	}
}

func TestLegacyAliasRoutesEquivalently(t *testing.T) {
	srv := newTestServer(t, fullPolicy())
	for _, path := range []string{"/api/runtime/sessions", "/api/local-runtime/sessions"} {
		rr := doRequest(srv, http.MethodGet, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
