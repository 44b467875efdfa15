package http

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error      string `json:"error"`                 // machine-readable code
	Message    string `json:"message"`               // human-readable message
	Details    string `json:"details,omitempty"`     // offending field for validation errors
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, rate-limited responses only
}

// Responses carry session tokens, recovery codes and TOTP secrets; none of
// them may be stored by a cache.
func writeHeaders(w http.ResponseWriter, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
}

// WriteJSON writes v as a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	writeHeaders(w, statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteNoContent writes an empty 204 response
func WriteNoContent(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	WriteJSON(w, statusCode, resp)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteErrorWithDetails writes a JSON error response naming the offending input
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: errorCode, Message: message, Details: details})
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

func WriteUnprocessable(w http.ResponseWriter, errorCode, message, details string) {
	WriteErrorWithDetails(w, http.StatusUnprocessableEntity, errorCode, message, details)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

// WriteTooManyRequests writes a 429 without a known retry time
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", message)
}

// WriteRateLimited writes a 429 with the remaining lockout in the
// Retry-After header and the body
func WriteRateLimited(w http.ResponseWriter, retryAfterSeconds int, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "rate_limit_exceeded",
		Message:    message,
		RetryAfter: retryAfterSeconds,
	})
}
