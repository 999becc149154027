package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/shared"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var migrateMu sync.Mutex

// SQLiteStore implements SessionStore and PatternStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var (
	_ SessionStore = (*SQLiteStore)(nil)
	_ PatternStore = (*SQLiteStore)(nil)
)

// NewSQLite creates a new SQLite-backed store. Sessions idle longer than ttl
// are treated as absent; ttl <= 0 disables expiry.
func NewSQLite(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so read-modify-write
	// takes the write lock up front and waits on busy_timeout.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	slog.Debug("goose: " + fmt.Sprintf(format, v...))
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	slog.Error("goose: " + fmt.Sprintf(format, v...))
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, user_id, device_json, created_at, last_activity,
	current_app, current_task, skill_level, error_count, is_active,
	escalated, escalation_count, steps_json, step_index, awaiting_verification,
	last_instruction, expected_state, success_streak, error_streak, last_error_class, updated_at,
	last_interaction`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                                domain.Session
		deviceJSON, stepsJSON, skill, class string
		createdAt, lastActivity, updatedAt  int64
		lastInteraction                     int64
		active, escalated, awaiting         bool
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &deviceJSON, &createdAt, &lastActivity,
		&sess.CurrentApp, &sess.CurrentTask, &skill, &sess.ErrorCount, &active,
		&escalated, &sess.EscalationCount, &stepsJSON, &sess.StepIndex, &awaiting,
		&sess.LastInstruction, &sess.ExpectedState, &sess.SuccessStreak, &sess.ErrorStreak, &class, &updatedAt,
		&lastInteraction,
	)
	if err != nil {
		return nil, err
	}

	if deviceJSON != "" && deviceJSON != "{}" {
		if err := json.Unmarshal([]byte(deviceJSON), &sess.DeviceInfo); err != nil {
			return nil, fmt.Errorf("decode device_json: %w", err)
		}
	}
	if stepsJSON != "" && stepsJSON != "[]" {
		if err := json.Unmarshal([]byte(stepsJSON), &sess.Steps); err != nil {
			return nil, fmt.Errorf("decode steps_json: %w", err)
		}
	}

	sess.Skill = domain.SkillLevel(skill)
	if !sess.Skill.Valid() {
		sess.Skill = domain.SkillBeginner
	}
	sess.LastErrorClass = domain.ErrorClass(class)
	sess.Active = active
	sess.Escalated = escalated
	sess.AwaitingVerification = awaiting
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastActivity = time.UnixMilli(lastActivity)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	sess.LastInteraction = time.UnixMilli(lastInteraction)
	return &sess, nil
}

func sessionArgs(sess *domain.Session) ([]any, error) {
	device := []byte("{}")
	if len(sess.DeviceInfo) > 0 {
		b, err := json.Marshal(sess.DeviceInfo)
		if err != nil {
			return nil, fmt.Errorf("encode device_json: %w", err)
		}
		device = b
	}
	steps := []byte("[]")
	if len(sess.Steps) > 0 {
		b, err := json.Marshal(sess.Steps)
		if err != nil {
			return nil, fmt.Errorf("encode steps_json: %w", err)
		}
		steps = b
	}
	skill := sess.Skill
	if !skill.Valid() {
		skill = domain.SkillBeginner
	}
	return []any{
		sess.ID, sess.UserID, string(device), sess.CreatedAt.UnixMilli(), sess.LastActivity.UnixMilli(),
		sess.CurrentApp, sess.CurrentTask, string(skill), sess.ErrorCount, sess.Active,
		sess.Escalated, sess.EscalationCount, string(steps), sess.StepIndex, sess.AwaitingVerification,
		sess.LastInstruction, sess.ExpectedState, sess.SuccessStreak, sess.ErrorStreak, string(sess.LastErrorClass),
		sess.UpdatedAt.UnixMilli(), sess.LastInteraction.UnixMilli(),
	}, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "create_session", func() error {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID. Expired sessions read as absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	if sess.Expired(s.now(), s.ttl) {
		return nil, nil
	}
	return sess, nil
}

// UpdateSession performs an atomic read-modify-write of one session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) (*domain.Session, error) {
	var updated *domain.Session
	err := shared.RetryOnConflict(ctx, "update_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
		sess, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("scan session row: %w", err)
		}
		if sess.Expired(s.now(), s.ttl) {
			return domain.ErrSessionNotFound
		}

		if err := fn(sess); err != nil {
			return err
		}
		sess.ID = sessionID
		sess.UpdatedAt = s.now()

		args, err := sessionArgs(sess)
		if err != nil {
			return err
		}
		// Drop the key from the front and re-append it for the WHERE clause.
		args = append(args[1:], sessionID)
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET
			user_id = ?, device_json = ?, created_at = ?, last_activity = ?,
			current_app = ?, current_task = ?, skill_level = ?, error_count = ?, is_active = ?,
			escalated = ?, escalation_count = ?, steps_json = ?, step_index = ?, awaiting_verification = ?,
			last_instruction = ?, expected_state = ?, success_streak = ?, error_streak = ?, last_error_class = ?,
			updated_at = ?, last_interaction = ?
			WHERE session_id = ?`, args...)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update: %w", err)
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TouchSession updates last_activity for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.execExisting(ctx, "touch_session",
		`UPDATE sessions SET last_activity = ?, updated_at = ? WHERE session_id = ?`,
		at.UnixMilli(), s.now().UnixMilli(), sessionID)
}

// SetActive sets the is_active flag for a session.
func (s *SQLiteStore) SetActive(ctx context.Context, sessionID string, active bool) error {
	return s.execExisting(ctx, "set_active",
		`UPDATE sessions SET is_active = ?, updated_at = ? WHERE session_id = ?`,
		active, s.now().UnixMilli(), sessionID)
}

func (s *SQLiteStore) execExisting(ctx context.Context, name, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, name, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrSessionNotFound
		}
		return nil
	})
}

// DeleteSession removes a session and its error history.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return shared.RetryOnConflict(ctx, "delete_session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM error_records WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete error records: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
}

// DeleteExpiredSessions removes sessions idle longer than ttl.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	threshold := s.now().Add(-ttl).UnixMilli()

	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE last_activity < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	if closeErr := rows.Close(); closeErr != nil {
		slog.Warn("failed to close expired sessions rows", "error", closeErr)
	}

	deleted := ids[:0]
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			slog.Warn("failed to delete expired session", "session_id", id, "error", err)
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// ListIdleSessions returns active sessions with no user frame for at least
// idle. Heartbeats do not count as interaction.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idle time.Duration) ([]*domain.Session, error) {
	threshold := s.now().Add(-idle).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE is_active = 1 AND last_interaction <= ? ORDER BY last_interaction`,
		threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		if sess.Expired(s.now(), s.ttl) {
			continue
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// CountSessions returns the number of live (unexpired) and active sessions.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int, int, error) {
	threshold := int64(0)
	if s.ttl > 0 {
		threshold = s.now().Add(-s.ttl).UnixMilli()
	}
	var total, active int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM sessions WHERE last_activity >= ?`,
		threshold).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	return total, active, nil
}

// AppendErrorRecord adds an entry to a session's error history.
func (s *SQLiteStore) AppendErrorRecord(ctx context.Context, rec domain.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return shared.RetryOnConflict(ctx, "append_error_record", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO error_records (session_id, class, stage, action, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, string(rec.Class), rec.Stage, string(rec.Action), rec.Outcome, rec.Detail,
			rec.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert error record: %w", err)
		}
		return nil
	})
}

// ListErrorRecords returns the most recent error records for a session.
func (s *SQLiteStore) ListErrorRecords(ctx context.Context, sessionID string, limit int) ([]domain.ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, class, stage, action, outcome, detail, created_at
		FROM error_records WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query error records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close error record rows", "error", closeErr)
		}
	}()

	var records []domain.ErrorRecord
	for rows.Next() {
		var rec domain.ErrorRecord
		var class, action string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &class, &rec.Stage, &action, &rec.Outcome, &rec.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Class = domain.ErrorClass(class)
		rec.Action = domain.RecoveryAction(action)
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return records, nil
}

// AppendPattern records a learned pattern.
func (s *SQLiteStore) AppendPattern(ctx context.Context, p domain.Pattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	return shared.RetryOnConflict(ctx, "append_pattern", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO patterns (app_context, task, intent, guidance, outcome, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.AppContext, p.Task, p.Intent, p.Guidance, p.Outcome, p.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert pattern: %w", err)
		}
		return nil
	})
}

// LookupPatterns returns recent patterns for an app/task pair.
func (s *SQLiteStore) LookupPatterns(ctx context.Context, appContext, task string, limit int) ([]domain.Pattern, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_context, task, intent, guidance, outcome, created_at
		FROM patterns WHERE app_context = ? AND task = ? ORDER BY id DESC LIMIT ?`,
		appContext, task, limit)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close pattern rows", "error", closeErr)
		}
	}()

	var patterns []domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		var createdAt int64
		if err := rows.Scan(&p.AppContext, &p.Task, &p.Intent, &p.Guidance, &p.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return patterns, nil
}
