package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mindframe-health/mindframe/internal/genai"
	"github.com/mindframe-health/mindframe/internal/models"
	"github.com/mindframe-health/mindframe/internal/store"
	"github.com/mindframe-health/mindframe/internal/testutil"
)

func newTestOrchestrator(t *testing.T, client genai.ClientInterface, opts ...OrchestratorOption) (*Orchestrator, *store.InMemoryStore, models.ClientProfile) {
	t.Helper()
	st := store.NewInMemoryStore()
	profile := testutil.SeedProfile(t, st, "prof_1")
	return NewOrchestrator(st, client, opts...), st, profile
}

func TestStartSessionPersistsFramingAndOpening(t *testing.T) {
	client := testutil.NewScriptedClient("Welcome back, let's begin.")
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if handle.SessionNumber != 1 {
		t.Errorf("session number: %d", handle.SessionNumber)
	}
	if handle.Continuity != models.ContinuityNew {
		t.Errorf("continuity: %s", handle.Continuity)
	}
	if handle.Phase != models.PhaseInitialize {
		t.Errorf("phase: %s", handle.Phase)
	}
	if handle.Opening != "Welcome back, let's begin." {
		t.Errorf("opening: %q", handle.Opening)
	}

	msgs, err := st.GetMessages(handle.SessionID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected system + opening in transcript, got %d messages", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || msgs[1].Role != models.RoleAssistant {
		t.Errorf("transcript roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	sess, err := st.GetSession(handle.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.CurrentPhase != models.PhaseInitialize || sess.TherapyMethod != profile.TherapyMethod {
		t.Errorf("persisted session: phase %s method %s", sess.CurrentPhase, sess.TherapyMethod)
	}
}

func TestStartSessionUnknownProfile(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testutil.NewScriptedClient("hi"))
	_, err := o.StartSession(context.Background(), "prof_missing", "")
	if !errors.Is(err, models.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestStartSessionDegradesOpeningOnProviderFailure(t *testing.T) {
	client := testutil.NewScriptedClient()
	client.Err = &genai.ProviderError{Provider: "openai", Model: "gpt-4o", Err: fmt.Errorf("boom")}
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession should degrade, not fail: %v", err)
	}
	if handle.Opening != FallbackReply {
		t.Errorf("opening: %q", handle.Opening)
	}
	msgs, _ := st.GetMessages(handle.SessionID)
	if len(msgs) != 1 {
		t.Fatalf("fallback opening must not be persisted, transcript has %d messages", len(msgs))
	}
}

func TestSessionNumberingAndContinuity(t *testing.T) {
	client := testutil.NewScriptedClient("hello")
	o, st, profile := newTestOrchestrator(t, client)

	first, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	endedAt := time.Now().Add(-2 * time.Hour)
	if err := st.EndSession(first.SessionID, models.SessionSummary{}, models.SessionMetrics{}, endedAt); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	second, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if second.SessionNumber != 2 {
		t.Errorf("session number: %d", second.SessionNumber)
	}
	if second.Continuity != models.ContinuityContinued {
		t.Errorf("continuity within a day should be continued, got %s", second.Continuity)
	}
}

func TestClassifyContinuity(t *testing.T) {
	now := time.Now()
	startedAgo := func(ago time.Duration) []models.TherapySession {
		return []models.TherapySession{{StartedAt: now.Add(-ago)}}
	}

	cases := []struct {
		prior []models.TherapySession
		want  models.ContinuityStatus
	}{
		{nil, models.ContinuityNew},
		{startedAgo(2 * time.Hour), models.ContinuityContinued},
		{startedAgo(3 * 24 * time.Hour), models.ContinuityNew},
		{startedAgo(10 * 24 * time.Hour), models.ContinuityResumedAfterBreak},
	}
	for i, c := range cases {
		if got := classifyContinuity(c.prior, now); got != c.want {
			t.Errorf("case %d: got %s, want %s", i, got, c.want)
		}
	}
}

func TestOrchestratorTargetsConfiguredProvider(t *testing.T) {
	client := testutil.NewScriptedClient("hello")
	o, _, profile := newTestOrchestrator(t, client, WithProvider("local"))

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if client.LastProvider != "local" {
		t.Errorf("opening completion targeted provider %q, want local", client.LastProvider)
	}

	if _, err := o.ProcessTurn(context.Background(), handle.SessionID, "hi"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if client.LastProvider != "local" {
		t.Errorf("turn completion targeted provider %q, want local", client.LastProvider)
	}

	if _, err := o.EndSession(context.Background(), handle.SessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if client.LastProvider != "local" {
		t.Errorf("summary completion targeted provider %q, want local", client.LastProvider)
	}
}

func TestProcessTurnWalksPhases(t *testing.T) {
	client := testutil.NewScriptedClient("okay")
	o, _, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// The three opening phases each advance after a single exchange.
	want := []models.TherapyPhase{models.PhaseMoodCheck, models.PhaseSetAgenda, models.PhaseMainTherapy}
	for i, w := range want {
		res, err := o.ProcessTurn(context.Background(), handle.SessionID, "okay")
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if !res.Advanced || res.Phase != w {
			t.Fatalf("turn %d: advanced=%v phase=%s, want %s", i, res.Advanced, res.Phase, w)
		}
	}

	// Main therapy holds for the configured minimum and advances exactly
	// once, on the final qualifying turn.
	advances := 0
	for turn := 1; turn <= 10; turn++ {
		res, err := o.ProcessTurn(context.Background(), handle.SessionID, "let's keep going")
		if err != nil {
			t.Fatalf("main therapy turn %d: %v", turn, err)
		}
		if res.Advanced {
			advances++
			if turn != DefaultMainTherapyTurns {
				t.Errorf("advanced on turn %d, want %d", turn, DefaultMainTherapyTurns)
			}
			if res.Phase != models.PhaseSummarize {
				t.Errorf("advanced to %s, want summarize", res.Phase)
			}
		}
	}
	if advances != 1 {
		t.Errorf("main therapy advanced %d times, want exactly once", advances)
	}
}

func TestProcessTurnSurvivesRestart(t *testing.T) {
	client := testutil.NewScriptedClient("okay")
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := o.ProcessTurn(context.Background(), handle.SessionID, "okay"); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	// A fresh orchestrator over the same store re-derives the flow state
	// from the persisted record.
	o2 := NewOrchestrator(st, client)
	res, err := o2.ProcessTurn(context.Background(), handle.SessionID, "still here")
	if err != nil {
		t.Fatalf("turn after restart: %v", err)
	}
	if res.Phase != models.PhaseMainTherapy {
		t.Errorf("restored phase: %s, want main_therapy", res.Phase)
	}
}

func TestProcessTurnProviderFailure(t *testing.T) {
	client := testutil.NewScriptedClient("hello")
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	before, _ := st.GetMessages(handle.SessionID)

	client.Err = &genai.ProviderError{Provider: "openai", Model: "gpt-4o", Err: fmt.Errorf("timeout")}
	res, err := o.ProcessTurn(context.Background(), handle.SessionID, "are you there?")
	if err != nil {
		t.Fatalf("provider failure should degrade, not fail: %v", err)
	}
	if !res.Degraded || res.Reply != FallbackReply {
		t.Errorf("degraded=%v reply=%q", res.Degraded, res.Reply)
	}
	if res.Advanced || res.Phase != models.PhaseInitialize {
		t.Errorf("degraded turn must not advance: advanced=%v phase=%s", res.Advanced, res.Phase)
	}

	after, _ := st.GetMessages(handle.SessionID)
	if len(after) != len(before)+1 {
		t.Fatalf("expected only the user message appended, transcript went %d -> %d", len(before), len(after))
	}
	if last := after[len(after)-1]; last.Role != models.RoleUser || last.Content != "are you there?" {
		t.Errorf("last message: role=%s content=%q", last.Role, last.Content)
	}

	// Recovery: the next successful turn advances as if the failed one
	// never counted.
	client.Err = nil
	res, err = o.ProcessTurn(context.Background(), handle.SessionID, "hello again")
	if err != nil {
		t.Fatalf("recovered turn: %v", err)
	}
	if !res.Advanced || res.Phase != models.PhaseMoodCheck {
		t.Errorf("recovered turn: advanced=%v phase=%s", res.Advanced, res.Phase)
	}
}

func TestProcessTurnStripsAdvanceMarker(t *testing.T) {
	client := testutil.NewScriptedClient("hi", "sounds good "+AdvanceMarker)
	o, st, profile := newTestOrchestrator(t, client, WithAdvancementPolicy(NewMarkerPolicy()))

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	res, err := o.ProcessTurn(context.Background(), handle.SessionID, "hello")
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !res.Advanced {
		t.Error("marker policy should advance on marked reply")
	}
	if res.Reply != "sounds good" {
		t.Errorf("marker must be stripped from the reply, got %q", res.Reply)
	}
	msgs, _ := st.GetMessages(handle.SessionID)
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.Content != "hi" && m.Content != "sounds good" {
			t.Errorf("marker leaked into transcript: %q", m.Content)
		}
	}
}

func TestProcessTurnUnknownAndCompletedSession(t *testing.T) {
	client := testutil.NewScriptedClient("hi", "TOPICS: closure\nINSIGHT: done\nRATING: 3")
	o, _, profile := newTestOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "sess_missing", "hi"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := o.EndSession(context.Background(), handle.SessionID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := o.ProcessTurn(context.Background(), handle.SessionID, "hi"); !errors.Is(err, models.ErrSessionCompleted) {
		t.Fatalf("expected ErrSessionCompleted, got %v", err)
	}
}

func TestEndSessionParsesSummary(t *testing.T) {
	summaryReply := "TOPICS: stress, sleep\nINSIGHT: Rest is a skill.\nPROGRESS: Improving.\nHOMEWORK: Sleep log.\nRATING: 4"
	client := testutil.NewScriptedClient("hi", "okay", summaryReply)
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := o.ProcessTurn(context.Background(), handle.SessionID, "I slept badly"); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	res, err := o.EndSession(context.Background(), handle.SessionID)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if res.Phase != models.PhaseEnd {
		t.Errorf("phase: %s", res.Phase)
	}
	if len(res.Summary.MainTopics) != 2 || res.Summary.KeyInsight != "Rest is a skill." {
		t.Errorf("summary: %+v", res.Summary)
	}
	if res.Metrics.EffectivenessRating != 4 {
		t.Errorf("rating: %d", res.Metrics.EffectivenessRating)
	}
	if res.Metrics.EmotionBefore != "I slept badly" {
		t.Errorf("emotion before: %q", res.Metrics.EmotionBefore)
	}

	sess, _ := st.GetSession(handle.SessionID)
	if sess == nil || !sess.IsCompleted || sess.Summary == nil || sess.EndedAt == nil {
		t.Fatalf("session not finalized: %+v", sess)
	}

	// Ending again is idempotent and returns the persisted result.
	again, err := o.EndSession(context.Background(), handle.SessionID)
	if err != nil {
		t.Fatalf("repeat EndSession: %v", err)
	}
	if again.Summary.KeyInsight != res.Summary.KeyInsight || !again.EndedAt.Equal(res.EndedAt) {
		t.Errorf("repeat end differs: %+v vs %+v", again, res)
	}
}

func TestEndSessionDegradedSummary(t *testing.T) {
	client := testutil.NewScriptedClient("You worked hard on boundaries today.")
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	client.Err = &genai.ProviderError{Provider: "openai", Model: "gpt-4o", Err: fmt.Errorf("down")}
	res, err := o.EndSession(context.Background(), handle.SessionID)
	if err != nil {
		t.Fatalf("EndSession should degrade, not fail: %v", err)
	}
	if res.Summary.KeyInsight != "You worked hard on boundaries today." {
		t.Errorf("degraded insight: %q", res.Summary.KeyInsight)
	}

	sess, _ := st.GetSession(handle.SessionID)
	if sess == nil || !sess.IsCompleted {
		t.Fatal("session should still be completed under a degraded summary")
	}
}

func TestExpireSession(t *testing.T) {
	client := testutil.NewScriptedClient("hello")
	o, st, profile := newTestOrchestrator(t, client)

	handle, err := o.StartSession(context.Background(), profile.ID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	calls := client.Calls

	if err := o.ExpireSession(handle.SessionID); err != nil {
		t.Fatalf("ExpireSession: %v", err)
	}
	if client.Calls != calls {
		t.Error("expiry must not call the provider")
	}
	sess, _ := st.GetSession(handle.SessionID)
	if sess == nil || !sess.IsCompleted {
		t.Fatal("expired session should be completed")
	}
	if sess.Summary == nil || sess.Summary.ProgressNote != "Session expired due to inactivity." {
		t.Errorf("expiry summary: %+v", sess.Summary)
	}

	// Expiring a completed session is a no-op.
	if err := o.ExpireSession(handle.SessionID); err != nil {
		t.Fatalf("repeat ExpireSession: %v", err)
	}
}
