package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openai/openai-go"

	"github.com/mindframe-health/mindframe/internal/genai"
	"github.com/mindframe-health/mindframe/internal/models"
	"github.com/mindframe-health/mindframe/internal/store"
	"github.com/mindframe-health/mindframe/internal/util"
)

// FallbackReply is returned to the client when the provider call fails. It
// is never persisted to the transcript.
const FallbackReply = "I'm sorry, I'm having trouble responding right now. " +
	"Please give me a moment and share that again."

// Continuity classification windows. A new session starting within
// continuedWindow of the previous one continues it; a gap beyond
// breakThreshold marks a resumption after a break.
const (
	continuedWindow = 24 * time.Hour
	breakThreshold  = 7 * 24 * time.Hour
)

// Orchestrator drives therapy sessions end to end: it owns the per-session
// flow state, assembles the provider context each turn, applies the
// advancement policy, and persists every durable effect through the store.
// All exported methods are safe for concurrent use; turns on the same
// session are serialized.
type Orchestrator struct {
	store     store.Store
	client    genai.ClientInterface
	assembler *ContextAssembler
	policy    AdvancementPolicy
	provider  string

	locks *sessionLocks

	mu     sync.Mutex
	states map[string]*SessionFlowState
}

// OrchestratorOption configures Orchestrator construction.
type OrchestratorOption func(*Orchestrator)

// WithAdvancementPolicy overrides the default turn-count advancement policy.
func WithAdvancementPolicy(p AdvancementPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithProvider selects the registered provider used for completions.
func WithProvider(id string) OrchestratorOption {
	return func(o *Orchestrator) {
		if id != "" {
			o.provider = id
		}
	}
}

// NewOrchestrator creates a session orchestrator backed by the given store
// and completion client.
func NewOrchestrator(st store.Store, client genai.ClientInterface, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		client:    client,
		assembler: NewContextAssembler(),
		policy:    NewTurnCountPolicy(0),
		provider:  genai.DefaultProviderID,
		locks:     newSessionLocks(),
		states:    make(map[string]*SessionFlowState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSession creates a new therapy session for a profile: it numbers the
// session, classifies its continuity against the previous one, persists the
// session record, and generates the opening assistant message. A provider
// failure degrades the opening to the fallback reply without failing the
// start.
func (o *Orchestrator) StartSession(ctx context.Context, profileID, therapyMethod string) (*models.SessionHandle, error) {
	profile, err := o.store.GetProfile(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrProfileNotFound, profileID)
	}

	prior, err := o.store.GetSessionsByProfile(profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior sessions: %w", err)
	}

	method := therapyMethod
	if method == "" {
		method = profile.TherapyMethod
	}

	now := time.Now()
	meta := SessionMeta{
		SessionID:     util.GenerateSessionID(),
		ProfileID:     profileID,
		TherapyMethod: method,
		SessionNumber: len(prior) + 1,
		Continuity:    classifyContinuity(prior, now),
		StartedAt:     now,
	}

	sess := models.TherapySession{
		ID:             meta.SessionID,
		ProfileID:      profileID,
		TherapyMethod:  method,
		SessionNumber:  meta.SessionNumber,
		Continuity:     meta.Continuity,
		CurrentPhase:   models.PhaseInitialize,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	state := NewSessionFlowState(meta)
	o.putState(state)

	sc, err := o.assembler.Build(profile, prior, nil, sessionInfo(meta, state.CurrentPhase()))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble context: %w", err)
	}

	// The synthesized system message opens the durable transcript so the
	// session framing survives restarts.
	if err := o.store.AppendMessage(meta.SessionID, sc.ConversationWindow[0]); err != nil {
		return nil, fmt.Errorf("failed to persist system message: %w", err)
	}

	handle := &models.SessionHandle{
		SessionID:     meta.SessionID,
		SessionNumber: meta.SessionNumber,
		Continuity:    meta.Continuity,
		Phase:         state.CurrentPhase(),
		Context:       sc,
	}

	opening, err := o.client.GenerateForProvider(ctx, o.provider, toProviderMessages(sc.ConversationWindow), genai.GenerationOptions{})
	if err != nil {
		var pe *genai.ProviderError
		if !errors.As(err, &pe) {
			return nil, fmt.Errorf("failed to generate opening: %w", err)
		}
		slog.Warn("Orchestrator.StartSession: provider unavailable, degrading opening", "sessionID", meta.SessionID, "error", err)
		handle.Opening = FallbackReply
		return handle, nil
	}

	opening = StripAdvanceMarker(opening)
	if err := o.store.AppendMessage(meta.SessionID, models.ConversationMessage{
		Role:      models.RoleAssistant,
		Content:   opening,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist opening: %w", err)
	}

	slog.Info("Orchestrator.StartSession: session started",
		"sessionID", meta.SessionID, "profileID", profileID,
		"sessionNumber", meta.SessionNumber, "continuity", meta.Continuity)

	handle.Opening = opening
	return handle, nil
}

// ProcessTurn handles one user message: it persists the message, rebuilds
// the provider context, generates the assistant reply, and applies the
// advancement policy. A provider failure yields a degraded result carrying
// the fallback reply; the user message stays persisted, no assistant message
// is written, and the phase does not advance.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, message string) (*models.TurnResult, error) {
	lock := o.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if sess.IsCompleted {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionCompleted, sessionID)
	}

	profile, err := o.store.GetProfile(sess.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrProfileNotFound, sess.ProfileID)
	}

	state := o.resolveFlowState(sess)
	phase := state.CurrentPhase()

	if err := o.store.AppendMessage(sessionID, models.ConversationMessage{
		Role:      models.RoleUser,
		Content:   message,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	phaseTurns := sess.PhaseTurns + 1

	transcript, err := o.store.GetMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	prior, err := o.store.GetSessionsByProfile(sess.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior sessions: %w", err)
	}

	sc, err := o.assembler.Build(profile, prior, transcript, sessionInfo(state.Meta(), phase))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble context: %w", err)
	}

	reply, err := o.client.GenerateForProvider(ctx, o.provider, toProviderMessages(sc.ConversationWindow), genai.GenerationOptions{})
	if err != nil {
		var pe *genai.ProviderError
		if !errors.As(err, &pe) {
			return nil, fmt.Errorf("failed to generate reply: %w", err)
		}
		slog.Warn("Orchestrator.ProcessTurn: provider unavailable, degrading turn", "sessionID", sessionID, "phase", phase, "error", err)
		return &models.TurnResult{
			SessionID: sessionID,
			Phase:     phase,
			Reply:     FallbackReply,
			Degraded:  true,
		}, nil
	}

	cleaned := StripAdvanceMarker(reply)
	if err := o.store.AppendMessage(sessionID, models.ConversationMessage{
		Role:      models.RoleAssistant,
		Content:   cleaned,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist reply: %w", err)
	}

	advanced := false
	if o.policy.ShouldAdvance(phase, phaseTurns, reply) {
		target, ok := models.DefaultNext(phase)
		if phase == models.PhaseMainTherapy {
			// Main therapy defaults to its self-loop; a policy-signaled
			// advance means the deepening work is done.
			target, ok = models.PhaseSummarize, true
		}
		if ok {
			if _, err := state.TransitionTo(target); err != nil {
				return nil, fmt.Errorf("failed to advance phase: %w", err)
			}
			advanced = true
			phaseTurns = 0
		}
	}

	if err := o.store.UpdateSessionPhase(sessionID, state.CurrentPhase(), phaseTurns); err != nil {
		return nil, fmt.Errorf("failed to update session phase: %w", err)
	}

	slog.Debug("Orchestrator.ProcessTurn: turn processed",
		"sessionID", sessionID, "phase", state.CurrentPhase(), "advanced", advanced, "phaseTurns", phaseTurns)

	return &models.TurnResult{
		SessionID: sessionID,
		Phase:     state.CurrentPhase(),
		Reply:     cleaned,
		Advanced:  advanced,
	}, nil
}

// EndSession closes a session: it forces the summarize phase if not yet
// reached, generates and parses the structured summary, derives the session
// metrics, and marks the session completed. Ending an already completed
// session is idempotent and returns the persisted result.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) (*models.SessionEndResult, error) {
	lock := o.locks.get(sessionID)
	lock.Lock()
	res, err := o.endSessionLocked(ctx, sessionID)
	lock.Unlock()
	if err == nil {
		o.locks.release(sessionID)
	}
	return res, err
}

func (o *Orchestrator) endSessionLocked(ctx context.Context, sessionID string) (*models.SessionEndResult, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if sess.IsCompleted {
		return completedResult(sess), nil
	}

	profile, err := o.store.GetProfile(sess.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrProfileNotFound, sess.ProfileID)
	}

	state := o.resolveFlowState(sess)
	if state.CurrentPhase() != models.PhaseSummarize {
		state.Force(models.PhaseSummarize)
		if err := o.store.UpdateSessionPhase(sessionID, models.PhaseSummarize, 0); err != nil {
			return nil, fmt.Errorf("failed to update session phase: %w", err)
		}
	}

	transcript, err := o.store.GetMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	prior, err := o.store.GetSessionsByProfile(sess.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior sessions: %w", err)
	}

	sc, err := o.assembler.Build(profile, prior, transcript, sessionInfo(state.Meta(), models.PhaseSummarize))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble context: %w", err)
	}

	var summary models.SessionSummary
	rating := 0
	reply, err := o.client.GenerateForProvider(ctx, o.provider, toProviderMessages(sc.ConversationWindow), genai.GenerationOptions{})
	if err != nil {
		var pe *genai.ProviderError
		if !errors.As(err, &pe) {
			return nil, fmt.Errorf("failed to generate summary: %w", err)
		}
		slog.Warn("Orchestrator.EndSession: provider unavailable, degrading summary", "sessionID", sessionID, "error", err)
		summary = degradedSummary(transcript)
	} else {
		cleaned := StripAdvanceMarker(reply)
		summary, rating = parseSummaryReply(cleaned)
		if err := o.store.AppendMessage(sessionID, models.ConversationMessage{
			Role:      models.RoleAssistant,
			Content:   cleaned,
			Timestamp: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("failed to persist summary message: %w", err)
		}
	}

	metrics := buildMetrics(transcript, rating)
	endedAt := time.Now()
	if err := o.store.EndSession(sessionID, summary, metrics, endedAt); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	state.Force(models.PhaseEnd)
	o.dropState(sessionID)

	slog.Info("Orchestrator.EndSession: session ended",
		"sessionID", sessionID, "topics", len(summary.MainTopics), "rating", rating)

	return &models.SessionEndResult{
		SessionID: sessionID,
		Phase:     models.PhaseEnd,
		Summary:   summary,
		Metrics:   metrics,
		EndedAt:   endedAt,
	}, nil
}

// ExpireSession closes an abandoned session without a provider call. Used by
// the inactivity sweeper; expiring an already completed session is a no-op.
func (o *Orchestrator) ExpireSession(sessionID string) error {
	lock := o.locks.get(sessionID)
	lock.Lock()
	err := o.expireSessionLocked(sessionID)
	lock.Unlock()
	if err == nil {
		o.locks.release(sessionID)
	}
	return err
}

func (o *Orchestrator) expireSessionLocked(sessionID string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if sess.IsCompleted {
		return nil
	}

	transcript, err := o.store.GetMessages(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load transcript: %w", err)
	}

	summary := degradedSummary(transcript)
	summary.ProgressNote = "Session expired due to inactivity."
	metrics := buildMetrics(transcript, 0)

	if err := o.store.EndSession(sessionID, summary, metrics, time.Now()); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	o.dropState(sessionID)

	slog.Info("Orchestrator.ExpireSession: session expired", "sessionID", sessionID, "lastActivityAt", sess.LastActivityAt)
	return nil
}

// resolveFlowState returns the in-memory flow state for a session, rebuilding
// it from the durable session record when absent (e.g. after a restart).
func (o *Orchestrator) resolveFlowState(sess *models.TherapySession) *SessionFlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.states[sess.ID]; ok {
		return state
	}
	meta := SessionMeta{
		SessionID:     sess.ID,
		ProfileID:     sess.ProfileID,
		TherapyMethod: sess.TherapyMethod,
		SessionNumber: sess.SessionNumber,
		Continuity:    sess.Continuity,
		StartedAt:     sess.StartedAt,
	}
	state := RestoreSessionFlowState(meta, sess.CurrentPhase)
	o.states[sess.ID] = state
	return state
}

func (o *Orchestrator) putState(state *SessionFlowState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[state.Meta().SessionID] = state
}

func (o *Orchestrator) dropState(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.states, sessionID)
}

// completedResult projects a completed session record into the end result
// returned by idempotent EndSession calls.
func completedResult(sess *models.TherapySession) *models.SessionEndResult {
	res := &models.SessionEndResult{
		SessionID: sess.ID,
		Phase:     models.PhaseEnd,
	}
	if sess.Summary != nil {
		res.Summary = *sess.Summary
	}
	if sess.Metrics != nil {
		res.Metrics = *sess.Metrics
	}
	if sess.EndedAt != nil {
		res.EndedAt = *sess.EndedAt
	}
	return res
}

// classifyContinuity classifies a new session against the start time of the
// profile's most recent prior session: continued within a day, resumed after
// more than a week, otherwise new.
func classifyContinuity(prior []models.TherapySession, now time.Time) models.ContinuityStatus {
	if len(prior) == 0 {
		return models.ContinuityNew
	}
	gap := now.Sub(prior[len(prior)-1].StartedAt)
	switch {
	case gap < continuedWindow:
		return models.ContinuityContinued
	case gap > breakThreshold:
		return models.ContinuityResumedAfterBreak
	default:
		return models.ContinuityNew
	}
}

// sessionInfo projects session metadata and the current phase into the
// bookkeeping slice carried by the assembled context.
func sessionInfo(meta SessionMeta, phase models.TherapyPhase) models.SessionInfo {
	return models.SessionInfo{
		SessionID:     meta.SessionID,
		ProfileID:     meta.ProfileID,
		TherapyMethod: meta.TherapyMethod,
		SessionNumber: meta.SessionNumber,
		Continuity:    meta.Continuity,
		Phase:         phase,
	}
}

// toProviderMessages converts a conversation window into the provider's
// message union types.
func toProviderMessages(window []models.ConversationMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(window))
	for _, msg := range window {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case models.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
