// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/safehands/internal/domain"
)

// SessionStore is the durable key-value record of session state.
//
// Reads return (nil, nil) for absent or expired sessions. Writes to distinct
// sessions never contend with each other.
type SessionStore interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession atomically reads the session, applies fn and writes the
	// result back. It returns domain.ErrSessionNotFound if the session is absent.
	UpdateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) (*domain.Session, error)

	// TouchSession sets last-activity without touching any other field.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// SetActive sets the is-active flag.
	SetActive(ctx context.Context, sessionID string, active bool) error

	// DeleteSession removes a session and its error history. Deleting an
	// absent session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteExpiredSessions removes sessions idle longer than the TTL and
	// returns their IDs.
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// ListIdleSessions returns active sessions idle for at least idle.
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error)

	// CountSessions returns the number of stored and active sessions.
	CountSessions(ctx context.Context) (total int, active int, err error)

	// AppendErrorRecord adds an entry to a session's error history.
	AppendErrorRecord(ctx context.Context, rec domain.ErrorRecord) error

	// ListErrorRecords returns the most recent error records, newest first.
	ListErrorRecords(ctx context.Context, sessionID string, limit int) ([]domain.ErrorRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// PatternStore is the long-lived store of learned interaction patterns shared
// across sessions. Appends are safe under concurrent writers; reads may lag.
type PatternStore interface {
	// AppendPattern records one (intent, guidance, outcome) triple.
	AppendPattern(ctx context.Context, p domain.Pattern) error

	// LookupPatterns returns recent patterns for an app/task pair, newest first.
	LookupPatterns(ctx context.Context, appContext, task string, limit int) ([]domain.Pattern, error)
}
