package realtime

import (
	"errors"
	"net/http"
	"slices"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Handler upgrades session connection requests to websockets.
type Handler struct {
	mgr            *Manager
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a websocket handler. allowedOrigins may contain "*".
func NewHandler(mgr *Manager, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{mgr: mgr, allowedOrigins: allowedOrigins, isDev: isDev}
}

// ServeHTTP implements http.Handler. The session identifier is the {id}
// route parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	logger := h.mgr.logger.With("session_id", sessionID, "ip", identity.IPFromRequest(r))
	if userID := identity.UserIDFromContext(r.Context()); userID != "" {
		logger = logger.With("user_id", userID)
	}
	logger.Info("WebSocket connection request")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	t := newWSTransport(ws)

	c, err := h.mgr.Open(r.Context(), sessionID, t)
	if err != nil {
		reason := CloseUnavailable
		if errors.Is(err, domain.ErrSessionNotFound) {
			reason = CloseSessionNotFound
		}
		logger.Warn("Connection refused", "error", err)
		if closeErr := t.Close(reason); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
		return
	}

	h.mgr.Serve(r.Context(), c)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.mgr.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}
