package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jetvision/charterflow/types"
)

// apiAgent is recorded as the triggering agent for transitions driven
// through the HTTP surface rather than by a worker.
const apiAgent = "api"

// extractRequestID extracts the workflow request ID from the URL path.
// Supports both /api/v1/workflows/{id} (PathValue) and a bare prefix trim.
func extractRequestID(r *http.Request) string {
	// Try Go 1.22+ PathValue first
	if id := r.PathValue("id"); id != "" {
		return id
	}
	// Fallback: extract from URL path by trimming the collection prefix
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	if path != "" && path != r.URL.Path && !strings.Contains(path, "/") {
		return path
	}
	return ""
}

// queryLimit parses the optional ?limit= parameter. Absent means 0,
// which callers treat as "no limit" or their own default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, types.NewValidationError("limit must be a non-negative integer")
	}
	return limit, nil
}
