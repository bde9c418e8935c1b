package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mindframe-health/mindframe/internal/models"
)

// History compression parameters. A transcript at or below the threshold is
// sent verbatim; above it, the opening messages and the recent tail are kept
// and the middle is thinned.
const (
	// CompressionThreshold is the transcript length at or below which no
	// compression is applied.
	CompressionThreshold = 10
	// HeadKeep is the number of opening messages always retained verbatim
	// (the session-opening exchange).
	HeadKeep = 2
	// TailKeep is the number of trailing messages always retained verbatim
	// (the recent exchange).
	TailKeep = 8
	// MiddleSampleMax caps the number of messages sampled from the middle
	// segment.
	MiddleSampleMax = 5
)

// ContextAssembler produces a size-bounded, relevance-biased prompt payload
// for a single turn. It is a pure function of its inputs apart from reading
// the wall clock for bookkeeping metadata; none of its inputs are mutated.
type ContextAssembler struct{}

// NewContextAssembler creates a context assembler.
func NewContextAssembler() *ContextAssembler {
	return &ContextAssembler{}
}

// Build assembles the session context for one turn: a synthesized system
// message followed by the compressed conversation window, plus the profile
// and previous-session snapshots. A missing profile is the only hard
// failure; every other absent input degrades gracefully.
func (a *ContextAssembler) Build(profile *models.ClientProfile, priorSessions []models.TherapySession, transcript []models.ConversationMessage, info models.SessionInfo) (*models.SessionContext, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: context assembly requires a profile", models.ErrProfileNotFound)
	}

	prevSummary := latestCompletedSummary(priorSessions, info.SessionID)
	window := a.CompressHistory(dropSystemMessages(transcript))

	now := time.Now()
	info.AssembledAt = now

	systemMsg := models.ConversationMessage{
		Role:      models.RoleSystem,
		Content:   buildSystemMessage(profile, info, prevSummary),
		Timestamp: now,
	}

	out := make([]models.ConversationMessage, 0, len(window)+1)
	out = append(out, systemMsg)
	out = append(out, window...)

	slog.Debug("flow.ContextAssembler.Build: context assembled",
		"sessionID", info.SessionID, "phase", info.Phase,
		"transcript", len(transcript), "window", len(window), "hasPreviousSummary", prevSummary != nil)

	return &models.SessionContext{
		Info:                   info,
		ProfileSnapshot:        *profile,
		PreviousSessionSummary: prevSummary,
		ConversationWindow:     out,
	}, nil
}

// CompressHistory bounds a transcript for the provider context window. At or
// below the threshold the transcript is returned unchanged (as a copy).
// Above it, the first HeadKeep and last TailKeep messages are retained
// verbatim and every second message of the middle segment is sampled, capped
// at MiddleSampleMax, preserving original relative order.
//
// The fixed every-second sampling is a placeholder heuristic, not a learned
// relevance ranking.
func (a *ContextAssembler) CompressHistory(transcript []models.ConversationMessage) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(transcript))
	if len(transcript) <= CompressionThreshold {
		return append(out, transcript...)
	}

	head := transcript[:HeadKeep]
	tail := transcript[len(transcript)-TailKeep:]
	middle := transcript[HeadKeep : len(transcript)-TailKeep]

	out = append(out, head...)
	sampled := 0
	for i := 0; i < len(middle) && sampled < MiddleSampleMax; i += 2 {
		out = append(out, middle[i])
		sampled++
	}
	out = append(out, tail...)

	slog.Debug("flow.ContextAssembler.CompressHistory: compressed transcript", "from", len(transcript), "to", len(out))
	return out
}

// dropSystemMessages removes persisted system framing from a transcript.
// The window carries exactly one system message, synthesized fresh for the
// current phase; stale persisted ones would contradict its instruction.
func dropSystemMessages(transcript []models.ConversationMessage) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(transcript))
	for _, msg := range transcript {
		if msg.Role != models.RoleSystem {
			out = append(out, msg)
		}
	}
	return out
}

// latestCompletedSummary returns the summary of the most recent completed
// prior session, skipping the current session and sessions without a
// persisted summary.
func latestCompletedSummary(priorSessions []models.TherapySession, currentSessionID string) *models.SessionSummary {
	for i := len(priorSessions) - 1; i >= 0; i-- {
		sess := priorSessions[i]
		if sess.ID == currentSessionID || !sess.IsCompleted || sess.Summary == nil {
			continue
		}
		sum := *sess.Summary
		return &sum
	}
	return nil
}

// buildSystemMessage synthesizes the per-turn system prompt from the profile
// snapshot, the session bookkeeping, the optional previous-session summary,
// and the phase-specific instruction.
func buildSystemMessage(profile *models.ClientProfile, info models.SessionInfo, prevSummary *models.SessionSummary) string {
	var b strings.Builder

	method := info.TherapyMethod
	if method == "" {
		method = profile.TherapyMethod
	}

	fmt.Fprintf(&b, "You are a therapist conducting a %s session with %s.", method, profile.Name)
	fmt.Fprintf(&b, " This is session number %d (%s).", info.SessionNumber, info.Continuity)

	if len(profile.ActiveGoals) > 0 {
		fmt.Fprintf(&b, "\nActive goals: %s.", strings.Join(profile.ActiveGoals, "; "))
	}
	if len(profile.OpenChallenges) > 0 {
		fmt.Fprintf(&b, "\nOpen challenges: %s.", strings.Join(profile.OpenChallenges, "; "))
	}
	if profile.ProgressStatus != "" {
		fmt.Fprintf(&b, "\nOverall progress: %s.", profile.ProgressStatus)
	}

	if prevSummary != nil {
		b.WriteString("\nPrevious session:")
		if len(prevSummary.MainTopics) > 0 {
			fmt.Fprintf(&b, " main topics were %s.", strings.Join(prevSummary.MainTopics, ", "))
		}
		if prevSummary.KeyInsight != "" {
			fmt.Fprintf(&b, " Key insight: %s.", prevSummary.KeyInsight)
		}
		if prevSummary.Homework != "" {
			fmt.Fprintf(&b, " Assigned homework: %s.", prevSummary.Homework)
		}
	}

	b.WriteString("\n")
	b.WriteString(phaseInstruction(info.Phase))
	return b.String()
}

// phaseInstructions maps each phase to its instructional suffix for the
// system prompt.
var phaseInstructions = map[models.TherapyPhase]string{
	models.PhaseInitialize:  "Open the session warmly and invite the client to settle in.",
	models.PhaseMoodCheck:   "Ask how the client is feeling right now and acknowledge their mood.",
	models.PhaseSetAgenda:   "Agree with the client on one or two topics to focus on today.",
	models.PhaseMainTherapy: "Work through the agreed topics using the therapy method, one step at a time.",
	models.PhaseSummarize: "Summarize the session now. Reply with exactly these lines: " +
		"TOPICS: <comma-separated main topics>, INSIGHT: <one key insight>, " +
		"PROGRESS: <one-sentence progress note>, HOMEWORK: <one concrete assignment>, " +
		"RATING: <session effectiveness 1-5>.",
	models.PhaseFeedback: "Invite the client to share how this session felt for them.",
	models.PhaseEnd:      "Close the session and say goodbye.",
}

// defaultPhaseInstruction is used for any unrecognized phase.
const defaultPhaseInstruction = "Continue the session in a supportive, professional manner."

// phaseInstruction returns the instructional suffix for a phase, falling
// back to a default sentence for unrecognized phases.
func phaseInstruction(phase models.TherapyPhase) string {
	if instr, ok := phaseInstructions[phase]; ok {
		return instr
	}
	return defaultPhaseInstruction
}
