package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mindframe-health/mindframe/internal/models"
)

// sessionColumns is the canonical SELECT column list shared by the SQL
// backends; scanSession must scan in this exact order.
const sessionColumns = `id, profile_id, therapy_method, session_number, continuity, current_phase, phase_turns, is_completed, started_at, ended_at, last_activity_at, summary, metrics, created_at, updated_at`

func scanSession(scanner interface{ Scan(...any) error }) (*models.TherapySession, error) {
	var sess models.TherapySession
	var continuity, phase string
	var endedAt sql.NullTime
	var summary, metrics sql.NullString
	err := scanner.Scan(&sess.ID, &sess.ProfileID, &sess.TherapyMethod, &sess.SessionNumber, &continuity,
		&phase, &sess.PhaseTurns, &sess.IsCompleted, &sess.StartedAt, &endedAt, &sess.LastActivityAt,
		&summary, &metrics, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Continuity = models.ContinuityStatus(continuity)
	sess.CurrentPhase = models.TherapyPhase(phase)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if summary.Valid {
		if sess.Summary, err = unmarshalSummary(summary.String); err != nil {
			return nil, err
		}
	}
	if metrics.Valid {
		if sess.Metrics, err = unmarshalMetrics(metrics.String); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// marshalStringList encodes a string slice for a TEXT column. A nil slice is
// stored as an empty JSON array so round trips stay symmetric.
func marshalStringList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(data), nil
}

func unmarshalStringList(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

func marshalSummary(s models.SessionSummary) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session summary: %w", err)
	}
	return string(data), nil
}

func unmarshalSummary(data string) (*models.SessionSummary, error) {
	if data == "" {
		return nil, nil
	}
	var s models.SessionSummary
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session summary: %w", err)
	}
	return &s, nil
}

func marshalMetrics(m models.SessionMetrics) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session metrics: %w", err)
	}
	return string(data), nil
}

func unmarshalMetrics(data string) (*models.SessionMetrics, error) {
	if data == "" {
		return nil, nil
	}
	var m models.SessionMetrics
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session metrics: %w", err)
	}
	return &m, nil
}
