// Package api provides the request/response types and JSON helpers for the
// CharterFlow HTTP API.
//
// This package contains the DTOs exchanged over the wire and the shared
// response envelope used by every endpoint.
//
// # API Overview
//
// CharterFlow provides a RESTful API for:
//   - Starting and cancelling RFP workflows
//   - Inspecting workflow state, history, and retained messages
//   - Task queue and handoff statistics
//   - A WebSocket event stream of coordination messages
//   - Health monitoring and metrics
//
// # Response Envelope
//
// Every JSON endpoint wraps its payload in the same envelope:
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}}
//
// Error codes map to HTTP status codes: VALIDATION to 400, NOT_FOUND to
// 404, conflict-family codes to 409, CAPACITY to 429, TIMEOUT to 504,
// and retryable infrastructure failures to 503.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// To regenerate Swagger documentation using swag:
//
//	swag init -g cmd/charterflow/main.go -o api --parseDependency --parseInternal
package api
