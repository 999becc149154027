// Package api provides HTTP handlers for the SafeHands API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/realtime"
)

// Store is the session state the HTTP surface reads and writes.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListErrorRecords(ctx context.Context, sessionID string, limit int) ([]domain.ErrorRecord, error)
	CountSessions(ctx context.Context) (total int, active int, err error)
	Ping(ctx context.Context) error
}

// Connections is the live connection registry.
type Connections interface {
	Count() int
	Close(sessionID string, reason realtime.CloseReason)
}

// Handler provides common handler dependencies.
type Handler struct {
	store Store
	conns Connections
	now   func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(store Store, conns Connections) *Handler {
	return &Handler{store: store, conns: conns, now: time.Now}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
