// Package errors maps verifier failures onto the JSON error body served
// by the ops HTTP surface.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Error codes carried in HTTPError.Code.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeStaleLease         = "STALE_LEASE"
	CodeInvalidPolicy      = "INVALID_POLICY"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// HTTPError is the body of every error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// StatusError pairs an error with the HTTP status and code to report.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StatusError) Unwrap() error { return e.Err }

// New returns a StatusError without a cause.
func New(status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message}
}

// WithDetails attaches structured context to the response.
func (e *StatusError) WithDetails(details map[string]any) *StatusError {
	e.Details = details
	return e
}

// Classify returns the status, code and message for err.
func Classify(err error) (int, string, string) {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Status, se.Code, se.Message
	}

	var conflict *lease.ConflictError
	var verrs policy.ValidationErrors
	switch {
	case stderrors.Is(err, jobstore.ErrNotFound), storage.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound, err.Error()
	case stderrors.As(err, &conflict) && conflict.Stale:
		return http.StatusConflict, CodeStaleLease, err.Error()
	case stderrors.Is(err, lease.ErrConflict):
		return http.StatusConflict, CodeConflict, err.Error()
	case stderrors.As(err, &verrs):
		return http.StatusBadRequest, CodeInvalidPolicy, err.Error()
	}
	return http.StatusInternalServerError, CodeInternal, "internal server error"
}

// RespondWithError writes the JSON error body for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := Classify(err)
	body := HTTPError{Code: code, Message: message}
	var se *StatusError
	if stderrors.As(err, &se) {
		body.Details = se.Details
	}
	if r != nil {
		body.RequestID = r.Header.Get(RequestIDHeader)
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
