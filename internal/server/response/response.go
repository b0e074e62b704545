// Package response writes the status server's JSON bodies.
package response

import (
	"encoding/json"
	"net/http"
)

// Error codes used by the status server.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failed request.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, status int, body ErrorBody) {
	JSON(w, status, ErrorResponse{Error: body})
}

// NotFound is the router fallback for unknown paths.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Error(w, http.StatusNotFound, ErrorBody{
		Code:    CodeNotFound,
		Message: "no route for " + r.URL.Path,
	})
}

// MethodNotAllowed is the router fallback for known paths.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Error(w, http.StatusMethodNotAllowed, ErrorBody{
		Code:    CodeMethodNotAllowed,
		Message: r.Method + " is not allowed on " + r.URL.Path,
	})
}
