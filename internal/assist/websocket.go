package assist

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ashureev/aegis/internal/api"
	"github.com/ashureev/aegis/internal/domain"
	"github.com/ashureev/aegis/internal/identity"
	"github.com/ashureev/aegis/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const (
	maxFrameBytes = 64 << 10
	writeTimeout  = 10 * time.Second
)

// Frame types.
const (
	FrameAsk    = "ask"
	FramePing   = "ping"
	FrameAnswer = "answer"
	FramePong   = "pong"
	FrameError  = "error"
)

// Frame is one JSON message on the assistant channel.
type Frame struct {
	Type       string           `json:"type"`
	Content    string           `json:"content,omitempty"`
	Message    *domain.Message  `json:"message,omitempty"`
	Transcript []domain.Message `json:"transcript,omitempty"`
}

// Handler upgrades assistant connections and relays questions to the
// session service.
type Handler struct {
	svc            *session.Service
	mgr            *Manager
	allowedOrigins []string
	isDev          bool
	actionTimeout  time.Duration
}

// NewHandler creates a new assistant channel handler.
func NewHandler(svc *session.Service, mgr *Manager, allowedOrigins []string, isDev bool, actionTimeout time.Duration) *Handler {
	return &Handler{
		svc:            svc,
		mgr:            mgr,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		actionTimeout:  actionTimeout,
	}
}

// RegisterRoutes mounts the assistant channel on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{id}/assist", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.CandidateIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin_not_allowed")
		return
	}
	if _, err := h.svc.Get(r.Context(), ownerID, sessionID); err != nil {
		status, key := api.Classify(err)
		api.Error(w, status, key)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	ws.SetReadLimit(maxFrameBytes)

	h.mgr.Register(sessionID, ws)
	defer h.mgr.Unregister(sessionID, ws)

	h.readLoop(r.Context(), ws, ownerID, sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, ownerID, sessionID string) {
	for {
		var in Frame
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Debug("WebSocket read ended", "error", err, "session_id", sessionID)
			}
			return
		}

		var out Frame
		switch in.Type {
		case FrameAsk:
			out = h.ask(ctx, ownerID, sessionID, in.Content)
		case FramePing:
			out = Frame{Type: FramePong}
		default:
			out = Frame{Type: FrameError, Content: "unknown_frame"}
		}
		if err := h.write(ctx, ws, out); err != nil {
			slog.Debug("WebSocket write failed", "error", err, "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) ask(ctx context.Context, ownerID, sessionID, question string) Frame {
	if h.actionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.actionTimeout)
		defer cancel()
	}
	answer, sess, err := h.svc.Ask(ctx, ownerID, sessionID, question)
	if err != nil {
		_, key := api.Classify(err)
		return Frame{Type: FrameError, Content: key}
	}
	return Frame{Type: FrameAnswer, Message: &answer, Transcript: sess.Transcript}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, f)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}
