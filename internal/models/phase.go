// Package models defines the data model shared across mindframe components.
package models

// TherapyPhase identifies a stage of the fixed therapeutic conversation flow.
type TherapyPhase string

// Therapy phase constants. A session always starts in PhaseInitialize and
// terminates in PhaseEnd.
const (
	PhaseInitialize  TherapyPhase = "initialize"
	PhaseMoodCheck   TherapyPhase = "mood_check"
	PhaseSetAgenda   TherapyPhase = "set_agenda"
	PhaseMainTherapy TherapyPhase = "main_therapy"
	PhaseSummarize   TherapyPhase = "summarize"
	PhaseFeedback    TherapyPhase = "feedback"
	PhaseEnd         TherapyPhase = "end"
)

// phaseTransitions maps each phase to the ordered set of phases reachable from
// it in one step. Declaration order matters: a default transition takes the
// first entry, so the main therapy self-loop sits before the move to
// summarize. PhaseEnd has no successors.
var phaseTransitions = map[TherapyPhase][]TherapyPhase{
	PhaseInitialize:  {PhaseMoodCheck},
	PhaseMoodCheck:   {PhaseSetAgenda},
	PhaseSetAgenda:   {PhaseMainTherapy},
	PhaseMainTherapy: {PhaseMainTherapy, PhaseSummarize},
	PhaseSummarize:   {PhaseFeedback},
	PhaseFeedback:    {PhaseEnd},
	PhaseEnd:         {},
}

// NextPhases returns the legal successor phases of p in declaration order.
// The returned slice is a copy and safe for the caller to retain.
func NextPhases(p TherapyPhase) []TherapyPhase {
	next, ok := phaseTransitions[p]
	if !ok {
		return nil
	}
	out := make([]TherapyPhase, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether moving from one phase to another in a single
// step is permitted by the transition table.
func CanTransition(from, to TherapyPhase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultNext returns the default successor of p (the first entry of its
// transition set). The second return value is false when p has no successors.
func DefaultNext(p TherapyPhase) (TherapyPhase, bool) {
	next := phaseTransitions[p]
	if len(next) == 0 {
		return p, false
	}
	return next[0], true
}

// IsTerminal reports whether p is the terminal phase.
func (p TherapyPhase) IsTerminal() bool {
	return p == PhaseEnd
}

// Valid reports whether p is a known therapy phase.
func (p TherapyPhase) Valid() bool {
	_, ok := phaseTransitions[p]
	return ok
}

// ContinuityStatus classifies how a new session relates in time to the
// profile's previous session.
type ContinuityStatus string

// Continuity status constants.
const (
	// ContinuityNew indicates a fresh session with no recent predecessor.
	ContinuityNew ContinuityStatus = "new"
	// ContinuityContinued indicates the previous session started less than a day ago.
	ContinuityContinued ContinuityStatus = "continued"
	// ContinuityResumedAfterBreak indicates the previous session started more than a week ago.
	ContinuityResumedAfterBreak ContinuityStatus = "resumed_after_break"
)
