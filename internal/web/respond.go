package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Trapezohe/companion-service/internal/policy"
)

const (
	defaultMaxBody = 1 << 20
	skillsMaxBody  = 6 << 20
)

// permissionViolationCode is the machine-readable code on 403 responses.
const permissionViolationCode = "permission_policy_violation"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// writePolicyError maps an error from the policy layer: violations become
// 403 with the policy code, everything else is a 400 validation error.
func writePolicyError(w http.ResponseWriter, err error) {
	if policy.IsViolation(err) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": err.Error(),
			"code":  permissionViolationCode,
		})
		return
	}
	writeError(w, http.StatusBadRequest, "%s", err.Error())
}

// readBody decodes a bounded JSON request body into v. Oversized or
// malformed bodies yield a 400 and a false return.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, "request body exceeds %d bytes", maxErr.Limit)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: %s", err.Error())
		return false
	}
	return true
}
