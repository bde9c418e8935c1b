// Package store provides storage backends for mindframe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/mindframe-health/mindframe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path to the database file; the containing directory is created when
// missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

// SaveProfile inserts or updates a client profile.
func (s *SQLiteStore) SaveProfile(p models.ClientProfile) error {
	goals, err := marshalStringList(p.ActiveGoals)
	if err != nil {
		return err
	}
	challenges, err := marshalStringList(p.OpenChallenges)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO profiles (id, name, therapy_method, active_goals, open_challenges, progress_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, therapy_method=excluded.therapy_method,
			active_goals=excluded.active_goals, open_challenges=excluded.open_challenges,
			progress_status=excluded.progress_status, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.TherapyMethod, goals, challenges, p.ProgressStatus, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveProfile failed", "error", err, "profileID", p.ID)
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SaveProfile succeeded", "profileID", p.ID)
	return nil
}

// GetProfile retrieves a client profile by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetProfile(id string) (*models.ClientProfile, error) {
	row := s.db.QueryRow(`SELECT id, name, therapy_method, active_goals, open_challenges, progress_status, created_at, updated_at
		FROM profiles WHERE id = ?`, id)
	var p models.ClientProfile
	var goals, challenges string
	err := row.Scan(&p.ID, &p.Name, &p.TherapyMethod, &goals, &challenges, &p.ProgressStatus, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProfile failed", "error", err, "profileID", id)
		return nil, fmt.Errorf("failed to get profile %s: %w", id, err)
	}
	if p.ActiveGoals, err = unmarshalStringList(goals); err != nil {
		return nil, err
	}
	if p.OpenChallenges, err = unmarshalStringList(challenges); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateSession persists a new therapy session record.
func (s *SQLiteStore) CreateSession(sess models.TherapySession) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, profile_id, therapy_method, session_number, continuity, current_phase, phase_turns, is_completed, started_at, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProfileID, sess.TherapyMethod, sess.SessionNumber, string(sess.Continuity),
		string(sess.CurrentPhase), sess.PhaseTurns, sess.IsCompleted, sess.StartedAt, sess.LastActivityAt,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.ID, "profileID", sess.ProfileID)
	return nil
}

// GetSession retrieves a therapy session by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetSession(id string) (*models.TherapySession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

// GetSessionsByProfile retrieves all sessions for a profile ordered by start time.
func (s *SQLiteStore) GetSessionsByProfile(profileID string) ([]models.TherapySession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE profile_id = ? ORDER BY started_at`, profileID)
	if err != nil {
		slog.Error("SQLiteStore GetSessionsByProfile query failed", "error", err, "profileID", profileID)
		return nil, fmt.Errorf("failed to query sessions for profile %s: %w", profileID, err)
	}
	defer rows.Close()

	var sessions []models.TherapySession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore GetSessionsByProfile scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore GetSessionsByProfile succeeded", "profileID", profileID, "count", len(sessions))
	return sessions, nil
}

// UpdateSessionPhase updates the durable phase metadata for a session.
func (s *SQLiteStore) UpdateSessionPhase(sessionID string, phase models.TherapyPhase, phaseTurns int) error {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE sessions SET current_phase = ?, phase_turns = ?, last_activity_at = ?, updated_at = ? WHERE id = ?`,
		string(phase), phaseTurns, now, now, sessionID)
	if err != nil {
		slog.Error("SQLiteStore UpdateSessionPhase failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to update phase for session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("SQLiteStore UpdateSessionPhase succeeded", "sessionID", sessionID, "phase", phase, "phaseTurns", phaseTurns)
	return nil
}

// AppendMessage appends a message to a session transcript. The insert and the
// session activity bump commit as one transaction.
func (s *SQLiteStore) AppendMessage(sessionID string, msg models.ConversationMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(msg.Role), msg.Content, msg.Timestamp); err != nil {
		slog.Error("SQLiteStore AppendMessage insert failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append message to session %s: %w", sessionID, err)
	}
	now := time.Now()
	res, err := tx.Exec(`UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message append: %w", err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "sessionID", sessionID, "role", msg.Role)
	return nil
}

// GetMessages retrieves a session transcript in append order.
func (s *SQLiteStore) GetMessages(sessionID string) ([]models.ConversationMessage, error) {
	rows, err := s.db.Query(`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.MessageRole(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// EndSession marks a session completed with its summary and metrics.
func (s *SQLiteStore) EndSession(sessionID string, summary models.SessionSummary, metrics models.SessionMetrics, endedAt time.Time) error {
	sumJSON, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	metJSON, err := marshalMetrics(metrics)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE sessions SET is_completed = 1, ended_at = ?, current_phase = ?, summary = ?, metrics = ?, updated_at = ? WHERE id = ?`,
		endedAt, string(models.PhaseEnd), sumJSON, metJSON, time.Now(), sessionID)
	if err != nil {
		slog.Error("SQLiteStore EndSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	slog.Debug("SQLiteStore EndSession succeeded", "sessionID", sessionID)
	return nil
}

// ListStaleSessions returns open sessions whose last activity predates the cutoff.
func (s *SQLiteStore) ListStaleSessions(cutoff time.Time) ([]models.TherapySession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE is_completed = 0 AND last_activity_at < ? ORDER BY last_activity_at`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListStaleSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.TherapySession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
