package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/services/dispatch"
)

// statusClientClosed is the nginx convention for a request the client
// abandoned.
const statusClientClosed = 499

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// apiError follows the Gemini API error shape so clients parse it the same
// way as upstream errors.
type apiError struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorEnvelope{Error: apiError{
		Code:    code,
		Status:  statusName(code),
		Message: err.Error(),
	}})
}

// writeDispatchError maps dispatcher errors to HTTP statuses.
func writeDispatchError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, dispatch.ErrNoAccounts):
		code = http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrTokenInvalid):
		code = http.StatusUnauthorized
	case errors.Is(err, dispatch.ErrAllAccountsExhausted):
		code = http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrCancelled):
		code = statusClientClosed
	}
	writeError(w, code, err)
}

func statusName(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusRequestEntityTooLarge:
		return "INVALID_ARGUMENT"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case statusClientClosed:
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

// accessLog logs one line per request with the matched chi route.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
