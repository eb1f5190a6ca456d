package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorResponse is the wire shape of every error the API returns. Error is
// a stable machine-readable code; Message is for humans; Details carries
// endpoint-specific metadata such as rate-limit retry hints.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 OK response with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 Created response with JSON data.
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteAPIError writes the standard error envelope.
func WriteAPIError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteAPIErrorDetails writes the error envelope with a details object.
func WriteAPIErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}

// WriteBadRequest writes a 400 with the given code and message.
func WriteBadRequest(w http.ResponseWriter, code, message string) {
	WriteAPIError(w, http.StatusBadRequest, code, message)
}

// WriteUnauthenticated writes the 401 envelope.
func WriteUnauthenticated(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusUnauthorized, "UNAUTHENTICATED", message)
}

// WriteAccessDenied writes the 403 envelope.
func WriteAccessDenied(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusForbidden, "ACCESS_DENIED", message)
}

// WriteNotFound writes the 404 envelope with the given code.
func WriteNotFound(w http.ResponseWriter, code, message string) {
	WriteAPIError(w, http.StatusNotFound, code, message)
}

// WriteInternalError writes a generic 500 envelope. The underlying error
// is for the caller to log, never for the response body.
func WriteInternalError(w http.ResponseWriter) {
	WriteAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

// WriteServiceUnavailable writes the 503 envelope.
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", message)
}

// WriteRateLimited writes the 429 envelope with retry metadata in both
// the details object and the Retry-After header. retryAfter is in
// seconds; limit is the window capacity of the bucket that rejected the
// request.
func WriteRateLimited(w http.ResponseWriter, retryAfter, limit int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteAPIErrorDetails(w, http.StatusTooManyRequests, "RATE_LIMITED",
		"rate limit exceeded", map[string]interface{}{
			"retry_after": retryAfter,
			"limit":       limit,
		})
}
