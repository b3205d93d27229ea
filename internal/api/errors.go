package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cctp-relayer/internal/storage"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// APIError is the body of every error response
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// mapStoreError converts a store failure into the error sent to the client
func mapStoreError(err error, jobID int64) *relayerrors.CategorizedError {
	if errors.Is(err, storage.ErrJobNotFound) {
		return relayerrors.NewNotFoundError("job", strconv.FormatInt(jobID, 10))
	}
	return relayerrors.NewDatabaseError("job store", err)
}

// respondCategorized sends err with its status code. Server side failures
// are reported without their cause.
func respondCategorized(w http.ResponseWriter, err *relayerrors.CategorizedError) {
	status := relayerrors.StatusCode(err)
	if status >= http.StatusInternalServerError {
		respondError(w, status, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	respondError(w, status, err.Code, err.Message, err.Details)
}
