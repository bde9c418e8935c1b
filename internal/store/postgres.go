// Package store provides storage backends for mindframe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/mindframe-health/mindframe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied")

	return &PostgresStore{db: db}, nil
}

// SaveProfile inserts or updates a client profile.
func (s *PostgresStore) SaveProfile(p models.ClientProfile) error {
	goals, err := marshalStringList(p.ActiveGoals)
	if err != nil {
		return err
	}
	challenges, err := marshalStringList(p.OpenChallenges)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO profiles (id, name, therapy_method, active_goals, open_challenges, progress_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, therapy_method=EXCLUDED.therapy_method,
			active_goals=EXCLUDED.active_goals, open_challenges=EXCLUDED.open_challenges,
			progress_status=EXCLUDED.progress_status, updated_at=EXCLUDED.updated_at`,
		p.ID, p.Name, p.TherapyMethod, goals, challenges, p.ProgressStatus, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveProfile failed", "error", err, "profileID", p.ID)
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	return nil
}

// GetProfile retrieves a client profile by ID. Returns (nil, nil) when absent.
func (s *PostgresStore) GetProfile(id string) (*models.ClientProfile, error) {
	row := s.db.QueryRow(`SELECT id, name, therapy_method, active_goals, open_challenges, progress_status, created_at, updated_at
		FROM profiles WHERE id = $1`, id)
	var p models.ClientProfile
	var goals, challenges string
	err := row.Scan(&p.ID, &p.Name, &p.TherapyMethod, &goals, &challenges, &p.ProgressStatus, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProfile failed", "error", err, "profileID", id)
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
func (s *PostgresStore) CreateSession(sess models.TherapySession) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, profile_id, therapy_method, session_number, continuity, current_phase, phase_turns, is_completed, started_at, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.ProfileID, sess.TherapyMethod, sess.SessionNumber, string(sess.Continuity),
		string(sess.CurrentPhase), sess.PhaseTurns, sess.IsCompleted, sess.StartedAt, sess.LastActivityAt,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves a therapy session by ID. Returns (nil, nil) when absent.
func (s *PostgresStore) GetSession(id string) (*models.TherapySession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

// GetSessionsByProfile retrieves all sessions for a profile ordered by start time.
func (s *PostgresStore) GetSessionsByProfile(profileID string) ([]models.TherapySession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE profile_id = $1 ORDER BY started_at`, profileID)
	if err != nil {
		slog.Error("PostgresStore GetSessionsByProfile query failed", "error", err, "profileID", profileID)
		return nil, fmt.Errorf("failed to query sessions for profile %s: %w", profileID, err)
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

// UpdateSessionPhase updates the durable phase metadata for a session.
func (s *PostgresStore) UpdateSessionPhase(sessionID string, phase models.TherapyPhase, phaseTurns int) error {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE sessions SET current_phase = $1, phase_turns = $2, last_activity_at = $3, updated_at = $4 WHERE id = $5`,
		string(phase), phaseTurns, now, now, sessionID)
	if err != nil {
		slog.Error("PostgresStore UpdateSessionPhase failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to update phase for session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// AppendMessage appends a message to a session transcript. The insert and the
// session activity bump commit as one transaction.
func (s *PostgresStore) AppendMessage(sessionID string, msg models.ConversationMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO messages (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		sessionID, string(msg.Role), msg.Content, msg.Timestamp); err != nil {
		slog.Error("PostgresStore AppendMessage insert failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append message to session %s: %w", sessionID, err)
	}
	now := time.Now()
	res, err := tx.Exec(`UPDATE sessions SET last_activity_at = $1, updated_at = $2 WHERE id = $3`, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message append: %w", err)
	}
	return nil
}

// GetMessages retrieves a session transcript in append order.
func (s *PostgresStore) GetMessages(sessionID string) ([]models.ConversationMessage, error) {
	rows, err := s.db.Query(`SELECT role, content, created_at FROM messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "sessionID", sessionID)
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
func (s *PostgresStore) EndSession(sessionID string, summary models.SessionSummary, metrics models.SessionMetrics, endedAt time.Time) error {
	sumJSON, err := marshalSummary(summary)
	if err != nil {
		return err
	}
	metJSON, err := marshalMetrics(metrics)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE sessions SET is_completed = TRUE, ended_at = $1, current_phase = $2, summary = $3, metrics = $4, updated_at = $5 WHERE id = $6`,
		endedAt, string(models.PhaseEnd), sumJSON, metJSON, time.Now(), sessionID)
	if err != nil {
		slog.Error("PostgresStore EndSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// ListStaleSessions returns open sessions whose last activity predates the cutoff.
func (s *PostgresStore) ListStaleSessions(cutoff time.Time) ([]models.TherapySession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE is_completed = FALSE AND last_activity_at < $1 ORDER BY last_activity_at`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListStaleSessions query failed", "error", err)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
