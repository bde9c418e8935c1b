package flow

import (
	"strings"

	"github.com/mindframe-health/mindframe/internal/models"
)

// AdvancementPolicy decides whether a completed turn moves the session to
// the next phase. phaseTurns is the number of user turns taken in the
// current phase including the one just processed; reply is the assistant
// reply before marker stripping.
type AdvancementPolicy interface {
	ShouldAdvance(phase models.TherapyPhase, phaseTurns int, reply string) bool
}

// advanceablePhases are the phases a turn may advance out of. Summarize and
// feedback move only through the end-of-session sequence.
var advanceablePhases = map[models.TherapyPhase]bool{
	models.PhaseInitialize:  true,
	models.PhaseMoodCheck:   true,
	models.PhaseSetAgenda:   true,
	models.PhaseMainTherapy: true,
}

// TurnCountPolicy advances a phase once a minimum number of user turns has
// been taken in it. The opening phases need a single exchange; the main
// therapy phase holds for a configurable minimum before moving on.
type TurnCountPolicy struct {
	// EarlyPhaseTurns is the minimum for initialize, mood check, and agenda.
	EarlyPhaseTurns int
	// MainTherapyTurns is the minimum for the main therapy phase.
	MainTherapyTurns int
}

// DefaultMainTherapyTurns is the default minimum number of user turns spent
// in main therapy before the flow moves to summarize.
const DefaultMainTherapyTurns = 6

// NewTurnCountPolicy creates the default advancement policy. mainTurns <= 0
// selects DefaultMainTherapyTurns.
func NewTurnCountPolicy(mainTurns int) *TurnCountPolicy {
	if mainTurns <= 0 {
		mainTurns = DefaultMainTherapyTurns
	}
	return &TurnCountPolicy{EarlyPhaseTurns: 1, MainTherapyTurns: mainTurns}
}

// ShouldAdvance reports whether the phase turn minimum has been reached.
func (p *TurnCountPolicy) ShouldAdvance(phase models.TherapyPhase, phaseTurns int, reply string) bool {
	if !advanceablePhases[phase] {
		return false
	}
	if phase == models.PhaseMainTherapy {
		return phaseTurns >= p.MainTherapyTurns
	}
	return phaseTurns >= p.EarlyPhaseTurns
}

// AdvanceMarker is the token an instructed model embeds in a reply to signal
// the current phase is complete. It is stripped before the reply is
// persisted or shown to the client.
const AdvanceMarker = "[[advance]]"

// MarkerPolicy advances when the assistant reply carries the advance marker.
type MarkerPolicy struct {
	Marker string
}

// NewMarkerPolicy creates a model-signaled advancement policy using
// AdvanceMarker.
func NewMarkerPolicy() *MarkerPolicy {
	return &MarkerPolicy{Marker: AdvanceMarker}
}

// ShouldAdvance reports whether the reply carries the advance marker.
func (p *MarkerPolicy) ShouldAdvance(phase models.TherapyPhase, phaseTurns int, reply string) bool {
	if !advanceablePhases[phase] {
		return false
	}
	return strings.Contains(reply, p.Marker)
}

// StripAdvanceMarker removes the advance marker and any surrounding
// whitespace from a reply. Applied to every reply regardless of the active
// policy so the marker never leaks to clients.
func StripAdvanceMarker(reply string) string {
	if !strings.Contains(reply, AdvanceMarker) {
		return reply
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, AdvanceMarker, ""))
}
