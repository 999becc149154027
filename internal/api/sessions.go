package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/identity"
	"github.com/ashureev/safehands/internal/realtime"
	"github.com/go-chi/chi/v5"
)

const maxCreateBody = 64 << 10

// SessionHandler handles session lifecycle and introspection endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.Create)
		r.Get("/sessions/{id}", h.Get)
		r.Delete("/sessions/{id}", h.Delete)
		r.Get("/sessions/{id}/errors", h.Errors)
		r.Get("/stats", h.Stats)
	})
}

type createRequest struct {
	UserID     string            `json:"user_id,omitempty"`
	DeviceInfo map[string]string `json:"device_info,omitempty"`
}

type sessionInfo struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	CurrentApp   string            `json:"current_app,omitempty"`
	CurrentTask  string            `json:"current_task,omitempty"`
	CurrentStep  string            `json:"current_step,omitempty"`
	SkillLevel   domain.SkillLevel `json:"skill_level"`
	ErrorCount   int               `json:"error_count"`
	Escalated    bool              `json:"escalated"`
	IsActive     bool              `json:"is_active"`
}

// Create mints a new session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCreateBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = identity.UserIDFromContext(r.Context())
	}
	if req.UserID != "" && !identity.ValidID(req.UserID) {
		Error(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	now := h.now()
	sess := domain.NewSession(identity.NewSessionID(), req.UserID, req.DeviceInfo, now)
	if err := h.store.CreateSession(r.Context(), sess); err != nil {
		slog.Error("Failed to create session", "error", err, "user_id", req.UserID)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	slog.Info("Session created", "session_id", sess.ID, "user_id", req.UserID)
	JSON(w, http.StatusCreated, map[string]any{
		"session_id":  sess.ID,
		"status":      "created",
		"message":     "Session created successfully",
		"server_time": now.UTC(),
	})
}

// lookup resolves the {id} session, writing the error response when it
// cannot.
func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) *domain.Session {
	id := chi.URLParam(r, "id")
	if !identity.ValidID(id) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return nil
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to read session", "error", err, "session_id", id)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return nil
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

// Get returns a session's state.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	JSON(w, http.StatusOK, sessionInfo{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		CreatedAt:    sess.CreatedAt.UTC(),
		LastActivity: sess.LastActivity.UTC(),
		CurrentApp:   sess.CurrentApp,
		CurrentTask:  sess.CurrentTask,
		CurrentStep:  sess.CurrentStep(),
		SkillLevel:   sess.Skill,
		ErrorCount:   sess.ErrorCount,
		Escalated:    sess.Escalated,
		IsActive:     sess.Active,
	})
}

// Delete removes a session and closes its live connection. Deleting an
// absent session succeeds.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !identity.ValidID(id) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	h.conns.Close(id, realtime.CloseNormal)
	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		slog.Error("Failed to delete session", "error", err, "session_id", id)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	slog.Info("Session deleted", "session_id", id)
	JSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"status":     "deleted",
	})
}

// Errors returns a session's error history, newest first.
func (h *SessionHandler) Errors(w http.ResponseWriter, r *http.Request) {
	sess := h.lookup(w, r)
	if sess == nil {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := h.store.ListErrorRecords(r.Context(), sess.ID, limit)
	if err != nil {
		slog.Error("Failed to list error records", "error", err, "session_id", sess.ID)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	if records == nil {
		records = []domain.ErrorRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"errors":     records,
	})
}

// Stats reports session and connection counts.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	total, active, err := h.store.CountSessions(r.Context())
	if err != nil {
		slog.Error("Failed to count sessions", "error", err)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]int{
		"active_sessions":  active,
		"live_connections": h.conns.Count(),
		"total_sessions":   total,
	})
}
