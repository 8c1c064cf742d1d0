package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"job not found", fmt.Errorf("get job: %w", jobstore.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"blob not found", fmt.Errorf("read: %w", storage.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"stale lease", &lease.ConflictError{ChunkID: "c1", Stale: true}, http.StatusConflict, CodeStaleLease},
		{"conflict", &lease.ConflictError{ChunkID: "c1"}, http.StatusConflict, CodeConflict},
		{"invalid policy", policy.ValidationErrors{{Path: "/chunk_size", Message: "too small"}}, http.StatusBadRequest, CodeInvalidPolicy},
		{"status error", New(http.StatusTeapot, "TEAPOT", "short and stout"), http.StatusTeapot, "TEAPOT"},
		{"unknown", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _ := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()

	err := New(http.StatusServiceUnavailable, CodeServiceUnavailable, "down").
		WithDetails(map[string]any{"checks": map[string]any{"db": "unhealthy"}})
	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "down", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
	assert.NotNil(t, body.Error.Details["checks"])
}

func TestRespondWithErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("dsn=secret: %w", assert.AnError))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "secret")
}
