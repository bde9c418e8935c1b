// Package flow implements the session orchestration engine: the therapy
// phase machine, the bounded context assembler, the phase advancement
// policies, and the orchestrator that drives turns against the
// language-model provider.
package flow

import (
	"log/slog"
	"time"

	"github.com/mindframe-health/mindframe/internal/models"
)

// SessionMeta holds the immutable identity of one in-flight session.
type SessionMeta struct {
	SessionID     string
	ProfileID     string
	TherapyMethod string
	SessionNumber int
	Continuity    models.ContinuityStatus
	StartedAt     time.Time
}

// SessionFlowState is the live, session-scoped instance of the phase
// machine. It is owned by exactly one in-flight session and must not be
// shared across sessions; the orchestrator serializes access per session.
// Only its effects are durable - the state itself is re-derived from the
// persisted session record when absent in memory.
type SessionFlowState struct {
	meta         SessionMeta
	currentPhase models.TherapyPhase
	scratch      map[string]any
}

// NewSessionFlowState creates a flow state in the initial phase with empty
// scratch data.
func NewSessionFlowState(meta SessionMeta) *SessionFlowState {
	slog.Debug("flow.NewSessionFlowState: initializing", "sessionID", meta.SessionID, "profileID", meta.ProfileID)
	return &SessionFlowState{
		meta:         meta,
		currentPhase: models.PhaseInitialize,
		scratch:      make(map[string]any),
	}
}

// RestoreSessionFlowState reconstructs a flow state from durable session
// metadata, e.g. after a process restart. Scratch data is transient and
// starts empty.
func RestoreSessionFlowState(meta SessionMeta, phase models.TherapyPhase) *SessionFlowState {
	if !phase.Valid() {
		slog.Warn("flow.RestoreSessionFlowState: unknown persisted phase, falling back to initialize", "sessionID", meta.SessionID, "phase", phase)
		phase = models.PhaseInitialize
	}
	return &SessionFlowState{
		meta:         meta,
		currentPhase: phase,
		scratch:      make(map[string]any),
	}
}

// Meta returns the session metadata recorded at initialization.
func (s *SessionFlowState) Meta() SessionMeta {
	return s.meta
}

// CurrentPhase returns the current therapy phase.
func (s *SessionFlowState) CurrentPhase() models.TherapyPhase {
	return s.currentPhase
}

// IsTerminal reports whether the session flow has reached its terminal phase.
func (s *SessionFlowState) IsTerminal() bool {
	return s.currentPhase.IsTerminal()
}

// Advance moves to the default successor of the current phase (the first
// entry of its transition set). When the current phase has no successors the
// call is a no-op returning the unchanged terminal phase.
func (s *SessionFlowState) Advance() models.TherapyPhase {
	next, ok := models.DefaultNext(s.currentPhase)
	if !ok {
		slog.Debug("flow.SessionFlowState.Advance: no successors, no-op", "sessionID", s.meta.SessionID, "phase", s.currentPhase)
		return s.currentPhase
	}
	s.apply(next)
	return s.currentPhase
}

// TransitionTo moves to the given target phase. The target must be reachable
// from the current phase in one step; otherwise the call fails with
// *models.InvalidTransitionError and the state is left unchanged.
func (s *SessionFlowState) TransitionTo(target models.TherapyPhase) (models.TherapyPhase, error) {
	if !models.CanTransition(s.currentPhase, target) {
		slog.Error("flow.SessionFlowState.TransitionTo: invalid transition", "sessionID", s.meta.SessionID, "from", s.currentPhase, "to", target)
		return s.currentPhase, &models.InvalidTransitionError{From: s.currentPhase, To: target}
	}
	s.apply(target)
	return s.currentPhase, nil
}

// Force sets the phase directly, bypassing the transition table. Reserved
// for the orchestrator's end-of-session sequence (forcing summarize and end).
func (s *SessionFlowState) Force(target models.TherapyPhase) {
	slog.Debug("flow.SessionFlowState.Force: forcing phase", "sessionID", s.meta.SessionID, "from", s.currentPhase, "to", target)
	s.apply(target)
}

// apply updates the phase and clears per-phase scratch data.
func (s *SessionFlowState) apply(target models.TherapyPhase) {
	slog.Debug("flow.SessionFlowState: transition", "sessionID", s.meta.SessionID, "from", s.currentPhase, "to", target)
	s.currentPhase = target
	s.scratch = make(map[string]any)
}

// UpdateScratch merges data into the transient per-phase scratch map,
// last write wins per key.
func (s *SessionFlowState) UpdateScratch(data map[string]any) {
	for k, v := range data {
		s.scratch[k] = v
	}
}

// Scratch retrieves a value from the per-phase scratch map.
func (s *SessionFlowState) Scratch(key string) (any, bool) {
	v, ok := s.scratch[key]
	return v, ok
}
