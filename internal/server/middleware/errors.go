package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/errors"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/observability"
)

// ErrorResponse is the JSON body written for failed requests.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 JSON response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			var message string
			switch v := rec.(type) {
			case error:
				message = "panic: " + v.Error()
			default:
				message = fmt.Sprintf("panic: %v", v)
			}
			observability.CLILogger.Error("Recovered from handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", r.Header.Get(apperrors.RequestIDHeader)),
				zap.String("panic", message),
				zap.Stack("stack"))

			writeErrorResponse(w, apperrors.HTTPError{
				Code:      apperrors.CodeInternal,
				Message:   message,
				RequestID: r.Header.Get(apperrors.RequestIDHeader),
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, body apperrors.HTTPError, status int) {
	apperrors.WriteJSON(w, status, ErrorResponse{Error: body})
}
