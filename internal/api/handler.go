// Package api provides HTTP handlers for the Aegis API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/aegis/internal/completion"
	"github.com/ashureev/aegis/internal/session"
)

const maxBodyBytes = 1 << 20

// Info is the public runtime configuration reported by GET /api/config.
type Info struct {
	Model      string `json:"model"`
	RunnerMode string `json:"runner_mode"`
}

// Handler serves the session API.
type Handler struct {
	svc           *session.Service
	info          Info
	actionTimeout time.Duration
	now           func() time.Time
}

// NewHandler creates a new Handler. actionTimeout bounds every session
// action; zero leaves the request context alone.
func NewHandler(svc *session.Service, info Info, actionTimeout time.Duration) *Handler {
	return &Handler{
		svc:           svc,
		info:          info,
		actionTimeout: actionTimeout,
		now:           time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a size-limited JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// actionContext bounds one session action.
func (h *Handler) actionContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.actionTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.actionTimeout)
}

// writeError maps a service error to a status code and error key.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, key := Classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}
	Error(w, status, key)
}

// Classify maps a service error to an HTTP status and error key.
func Classify(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "action_in_progress"
	case errors.Is(err, session.ErrNoChallenge):
		return http.StatusConflict, "no_challenge"
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest, "empty_input"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "action_timeout"
	case completion.IsTransient(err):
		return http.StatusServiceUnavailable, "completion_unavailable"
	case completion.IsFatal(err), errors.Is(err, session.ErrCompletion):
		return http.StatusBadGateway, "completion_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
