// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Bodies are JSON-encoded, so messages may carry
// caller input (e.g. a provider id) without breaking the document.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/obol/internal/state"
)

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type messageBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, messageBody{Message: "internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, messageBody{Message: message})
}

// Unauthorized returns a 401 JSON response with a generic message.
// Keep message generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusUnauthorized, messageBody{Message: message})
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which validation stage failed.
func Forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, messageBody{Message: "forbidden"})
}

// ForbiddenCode returns a 403 with a machine-readable code.
func ForbiddenCode(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusForbidden, messageBody{Code: code, Message: message})
}

// NotFound returns a 404 JSON response with the given message.
func NotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, messageBody{Code: "NOT_FOUND", Message: message})
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, messageBody{Message: message})
}

// writeStateError renders a state generation failure. *state.APIError keeps its
// status and code; anything else is a 500.
func writeStateError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *state.APIError
	if errors.As(err, &apiErr) {
		logWarn(r, "oauth state generation refused", "code", apiErr.Code, "message", apiErr.Message)
		writeJSON(w, apiErr.Status, messageBody{Code: apiErr.Code, Message: apiErr.Message})
		return
	}
	InternalServerError(w, r, err)
}
