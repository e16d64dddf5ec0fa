// Package errors provides request-scoped HTTP error helpers that keep log
// lines correlated with the chi request id.
package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logAttrs(r, slog.LevelError, message, err)

	// Return generic error to client
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logAttrs(r, slog.LevelWarn, "bad request", err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

func LogError(r *http.Request, message string, err error) {
	logAttrs(r, slog.LevelError, message, err)
}

func LogInfo(r *http.Request, message string, keyvals ...any) {
	logAttrs(r, slog.LevelInfo, message, nil, keyvals...)
}

func logAttrs(r *http.Request, level slog.Level, message string, err error, keyvals ...any) {
	attrs := []any{}
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	attrs = append(attrs, keyvals...)
	slog.Default().Log(r.Context(), level, message, attrs...)
}
