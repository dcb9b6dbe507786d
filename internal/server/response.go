package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/abdulrahman305/jetbrains/internal/resource"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodePathTraversal = "PATH_TRAVERSAL"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeCreateTimeout = "CREATE_TIMEOUT"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeResourceError maps a resource or webview failure onto a status.
func writeResourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resource.ErrPathTraversal):
		writeError(w, http.StatusBadRequest, ErrCodePathTraversal, err.Error())
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, webview.ErrDisposed):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeCreateTimeout, "webview was not created in time")
	case errors.Is(err, webview.ErrClosed), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
