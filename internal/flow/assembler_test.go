package flow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mindframe-health/mindframe/internal/models"
)

func makeTranscript(n int) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, n)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out = append(out, models.ConversationMessage{
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestCompressHistoryShortTranscriptVerbatim(t *testing.T) {
	a := NewContextAssembler()
	for _, n := range []int{0, 1, CompressionThreshold} {
		in := makeTranscript(n)
		out := a.CompressHistory(in)
		if len(out) != n {
			t.Fatalf("n=%d: expected verbatim copy, got %d messages", n, len(out))
		}
		for i := range in {
			if out[i].Content != in[i].Content {
				t.Fatalf("n=%d: message %d altered", n, i)
			}
		}
	}
}

func TestCompressHistoryReturnsCopy(t *testing.T) {
	a := NewContextAssembler()
	in := makeTranscript(4)
	out := a.CompressHistory(in)
	out[0].Content = "mutated"
	if in[0].Content == "mutated" {
		t.Error("compression must not alias the input slice")
	}
}

func TestCompressHistoryBounds(t *testing.T) {
	a := NewContextAssembler()
	for _, n := range []int{CompressionThreshold + 1, 20, 50, 200} {
		out := a.CompressHistory(makeTranscript(n))
		max := HeadKeep + MiddleSampleMax + TailKeep
		if len(out) > max {
			t.Errorf("n=%d: compressed to %d, want <= %d", n, len(out), max)
		}
		if len(out) < HeadKeep+TailKeep {
			t.Errorf("n=%d: compressed to %d, want >= %d", n, len(out), HeadKeep+TailKeep)
		}
	}
}

func TestCompressHistoryKeepsHeadAndTailInOrder(t *testing.T) {
	a := NewContextAssembler()
	n := 30
	in := makeTranscript(n)
	out := a.CompressHistory(in)

	for i := 0; i < HeadKeep; i++ {
		if out[i].Content != in[i].Content {
			t.Errorf("head message %d not preserved", i)
		}
	}
	for i := 0; i < TailKeep; i++ {
		want := in[n-TailKeep+i].Content
		got := out[len(out)-TailKeep+i].Content
		if got != want {
			t.Errorf("tail message %d: got %q, want %q", i, got, want)
		}
	}

	// Relative order is preserved across the whole window.
	last := -1
	for _, msg := range out {
		var idx int
		fmt.Sscanf(msg.Content, "message %d", &idx)
		if idx <= last {
			t.Fatalf("order violated: %d after %d", idx, last)
		}
		last = idx
	}
}

func TestBuildRequiresProfile(t *testing.T) {
	a := NewContextAssembler()
	_, err := a.Build(nil, nil, nil, models.SessionInfo{SessionID: "sess_x"})
	if !errors.Is(err, models.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestBuildPrependsSystemMessage(t *testing.T) {
	a := NewContextAssembler()
	profile := &models.ClientProfile{ID: "prof_1", Name: "Sam", TherapyMethod: "CBT", ActiveGoals: []string{"reduce anxiety"}}
	info := models.SessionInfo{
		SessionID:     "sess_1",
		ProfileID:     "prof_1",
		TherapyMethod: "CBT",
		SessionNumber: 3,
		Continuity:    models.ContinuityContinued,
		Phase:         models.PhaseMoodCheck,
	}

	sc, err := a.Build(profile, nil, makeTranscript(4), info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sc.ConversationWindow) != 5 {
		t.Fatalf("expected system message plus 4 transcript messages, got %d", len(sc.ConversationWindow))
	}
	sys := sc.ConversationWindow[0]
	if sys.Role != models.RoleSystem {
		t.Fatalf("first window message must be system, got %s", sys.Role)
	}
	for _, want := range []string{"CBT", "Sam", "session number 3", "reduce anxiety"} {
		if !strings.Contains(sys.Content, want) {
			t.Errorf("system message missing %q:\n%s", want, sys.Content)
		}
	}
	if !strings.Contains(sys.Content, phaseInstructions[models.PhaseMoodCheck]) {
		t.Error("system message missing phase instruction")
	}
}

func TestBuildCarriesSingleSystemMessage(t *testing.T) {
	a := NewContextAssembler()
	profile := &models.ClientProfile{ID: "prof_1", Name: "Sam", TherapyMethod: "CBT"}

	// A durable transcript opens with the persisted framing message from
	// session start; it must not ride into the window next to the fresh one.
	transcript := append([]models.ConversationMessage{
		{Role: models.RoleSystem, Content: "Open the session warmly.", Timestamp: time.Now().Add(-time.Hour)},
	}, makeTranscript(6)...)

	info := models.SessionInfo{SessionID: "sess_1", SessionNumber: 2, Phase: models.PhaseMainTherapy}
	sc, err := a.Build(profile, nil, transcript, info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	systemCount := 0
	for _, msg := range sc.ConversationWindow {
		if msg.Role == models.RoleSystem {
			systemCount++
			if msg.Content == "Open the session warmly." {
				t.Error("persisted system message leaked into the window")
			}
		}
	}
	if systemCount != 1 {
		t.Errorf("window carries %d system messages, want exactly 1", systemCount)
	}
	if got := sc.ConversationWindow[0].Role; got != models.RoleSystem {
		t.Errorf("first window message must be the fresh system message, got %s", got)
	}
	if !strings.Contains(sc.ConversationWindow[0].Content, phaseInstructions[models.PhaseMainTherapy]) {
		t.Error("fresh system message missing the current phase instruction")
	}
	if len(sc.ConversationWindow) != 7 {
		t.Errorf("window length %d, want fresh system message plus 6 turns", len(sc.ConversationWindow))
	}
}

func TestBuildPicksLatestCompletedSummary(t *testing.T) {
	a := NewContextAssembler()
	profile := &models.ClientProfile{ID: "prof_1", Name: "Sam"}
	prior := []models.TherapySession{
		{ID: "s1", IsCompleted: true, Summary: &models.SessionSummary{KeyInsight: "older insight"}},
		{ID: "s2", IsCompleted: false, Summary: &models.SessionSummary{KeyInsight: "abandoned"}},
		{ID: "s3", IsCompleted: true, Summary: &models.SessionSummary{KeyInsight: "newest insight"}},
		{ID: "s4"}, // the current session, no summary yet
	}

	sc, err := a.Build(profile, prior, nil, models.SessionInfo{SessionID: "s4", Phase: models.PhaseInitialize})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.PreviousSessionSummary == nil || sc.PreviousSessionSummary.KeyInsight != "newest insight" {
		t.Fatalf("expected newest completed summary, got %+v", sc.PreviousSessionSummary)
	}
	if !strings.Contains(sc.ConversationWindow[0].Content, "newest insight") {
		t.Error("system message should carry the previous session insight")
	}
}

func TestBuildIsPureModuloAssembledAt(t *testing.T) {
	a := NewContextAssembler()
	profile := &models.ClientProfile{ID: "prof_1", Name: "Sam", TherapyMethod: "ACT"}
	transcript := makeTranscript(20)
	info := models.SessionInfo{SessionID: "sess_1", SessionNumber: 1, Phase: models.PhaseMainTherapy}

	first, err := a.Build(profile, nil, transcript, info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := a.Build(profile, nil, transcript, info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.ConversationWindow) != len(second.ConversationWindow) {
		t.Fatalf("window lengths differ: %d vs %d", len(first.ConversationWindow), len(second.ConversationWindow))
	}
	for i := range first.ConversationWindow {
		if first.ConversationWindow[i].Content != second.ConversationWindow[i].Content {
			t.Fatalf("window message %d differs between identical builds", i)
		}
	}
}

func TestPhaseInstructionFallback(t *testing.T) {
	if got := phaseInstruction(models.TherapyPhase("bogus")); got != defaultPhaseInstruction {
		t.Errorf("expected default instruction, got %q", got)
	}
	if got := phaseInstruction(models.PhaseSummarize); !strings.Contains(got, "TOPICS:") {
		t.Errorf("summarize instruction must request tagged lines, got %q", got)
	}
}
