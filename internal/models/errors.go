package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for missing durable records. Callers test with errors.Is;
// the REST adapter maps them to 404.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrSessionNotFound = errors.New("session not found")
)

// ErrSessionCompleted is returned when a turn is requested on a session that
// has already ended.
var ErrSessionCompleted = errors.New("session already completed")

// InvalidTransitionError reports an illegal phase change request. The
// orchestrator only ever requests transitions the table permits, so this
// surfacing outside tests indicates a broken internal invariant.
type InvalidTransitionError struct {
	From TherapyPhase
	To   TherapyPhase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition from %s to %s", e.From, e.To)
}
