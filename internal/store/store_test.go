package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mindframe-health/mindframe/internal/models"
)

func testProfile(id string) models.ClientProfile {
	now := time.Now().UTC().Truncate(time.Second)
	return models.ClientProfile{
		ID:             id,
		Name:           "Ada",
		TherapyMethod:  "cbt",
		ActiveGoals:    []string{"sleep better", "reduce rumination"},
		OpenChallenges: []string{"work stress"},
		ProgressStatus: "steady",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testSession(id, profileID string) models.TherapySession {
	now := time.Now().UTC().Truncate(time.Second)
	return models.TherapySession{
		ID:             id,
		ProfileID:      profileID,
		TherapyMethod:  "cbt",
		SessionNumber:  1,
		Continuity:     models.ContinuityNew,
		CurrentPhase:   models.PhaseInitialize,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// runStoreContract exercises the Store behavior every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()

	// Missing records come back as (nil, nil).
	if p, err := s.GetProfile("prof_missing"); err != nil || p != nil {
		t.Fatalf("GetProfile(missing) = (%v, %v), want (nil, nil)", p, err)
	}
	if sess, err := s.GetSession("sess_missing"); err != nil || sess != nil {
		t.Fatalf("GetSession(missing) = (%v, %v), want (nil, nil)", sess, err)
	}

	profile := testProfile("prof_1")
	if err := s.SaveProfile(profile); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	got, err := s.GetProfile("prof_1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got == nil || got.Name != "Ada" || len(got.ActiveGoals) != 2 || got.ActiveGoals[1] != "reduce rumination" {
		t.Errorf("profile round trip mismatch: %+v", got)
	}

	// Upsert updates in place.
	profile.ProgressStatus = "improving"
	if err := s.SaveProfile(profile); err != nil {
		t.Fatalf("SaveProfile update: %v", err)
	}
	if got, _ := s.GetProfile("prof_1"); got.ProgressStatus != "improving" {
		t.Errorf("expected updated progress status, got %q", got.ProgressStatus)
	}

	sess := testSession("sess_1", "prof_1")
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	loaded, err := s.GetSession("sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if loaded.CurrentPhase != models.PhaseInitialize || loaded.SessionNumber != 1 || loaded.IsCompleted {
		t.Errorf("session round trip mismatch: %+v", loaded)
	}

	// Transcript append order is preserved.
	for i, content := range []string{"sys", "hello", "hi there"} {
		role := models.RoleUser
		switch i {
		case 0:
			role = models.RoleSystem
		case 2:
			role = models.RoleAssistant
		}
		msg := models.ConversationMessage{Role: role, Content: content, Timestamp: time.Now().UTC().Truncate(time.Second)}
		if err := s.AppendMessage("sess_1", msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
	msgs, err := s.GetMessages("sess_1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Role != models.RoleSystem || msgs[2].Content != "hi there" {
		t.Errorf("transcript mismatch: %+v", msgs)
	}

	if err := s.AppendMessage("sess_missing", models.ConversationMessage{Role: models.RoleUser, Content: "x", Timestamp: time.Now()}); err != models.ErrSessionNotFound {
		t.Errorf("AppendMessage to missing session: got %v, want ErrSessionNotFound", err)
	}

	if err := s.UpdateSessionPhase("sess_1", models.PhaseMainTherapy, 3); err != nil {
		t.Fatalf("UpdateSessionPhase: %v", err)
	}
	loaded, _ = s.GetSession("sess_1")
	if loaded.CurrentPhase != models.PhaseMainTherapy || loaded.PhaseTurns != 3 {
		t.Errorf("phase update mismatch: phase=%s turns=%d", loaded.CurrentPhase, loaded.PhaseTurns)
	}

	// Second session for ordering checks.
	sess2 := testSession("sess_2", "prof_1")
	sess2.SessionNumber = 2
	sess2.StartedAt = sess.StartedAt.Add(time.Hour)
	sess2.LastActivityAt = sess2.StartedAt
	if err := s.CreateSession(sess2); err != nil {
		t.Fatalf("CreateSession second: %v", err)
	}
	list, err := s.GetSessionsByProfile("prof_1")
	if err != nil {
		t.Fatalf("GetSessionsByProfile: %v", err)
	}
	if len(list) != 2 || list[0].ID != "sess_1" || list[1].ID != "sess_2" {
		t.Errorf("session ordering mismatch: %+v", list)
	}

	summary := models.SessionSummary{MainTopics: []string{"sleep"}, KeyInsight: "routines help", Homework: "journal nightly"}
	metrics := models.SessionMetrics{EmotionBefore: "anxious", EmotionAfter: "calm", EffectivenessRating: 4}
	endedAt := time.Now().UTC().Truncate(time.Second)
	if err := s.EndSession("sess_1", summary, metrics, endedAt); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	loaded, _ = s.GetSession("sess_1")
	if !loaded.IsCompleted || loaded.EndedAt == nil || loaded.CurrentPhase != models.PhaseEnd {
		t.Errorf("ended session state mismatch: %+v", loaded)
	}
	if loaded.Summary == nil || loaded.Summary.KeyInsight != "routines help" {
		t.Errorf("summary not persisted: %+v", loaded.Summary)
	}
	if loaded.Metrics == nil || loaded.Metrics.EffectivenessRating != 4 {
		t.Errorf("metrics not persisted: %+v", loaded.Metrics)
	}

	// Only the open session shows up as stale.
	stale, err := s.ListStaleSessions(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListStaleSessions: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "sess_2" {
		t.Errorf("stale sessions mismatch: %+v", stale)
	}
	if stale, _ := s.ListStaleSessions(time.Now().Add(-24 * time.Hour)); len(stale) != 0 {
		t.Errorf("expected no stale sessions before cutoff, got %+v", stale)
	}
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewInMemoryStore())
}

func TestSQLiteStoreContract(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(WithDSN(filepath.Join(dir, "mindframe.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error for missing DSN")
	}
}

func TestPostgresStoreContract(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := NewPostgresStore(WithDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	s.db.Exec("DELETE FROM messages")
	s.db.Exec("DELETE FROM sessions")
	s.db.Exec("DELETE FROM profiles")
	runStoreContract(t, s)
}
