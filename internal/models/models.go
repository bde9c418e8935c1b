// Package models defines the data model shared across mindframe components.
//
// It contains the therapy session records, conversation messages, profile
// snapshots, and the request/response types used by the REST adapter.
package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

// Message role constants.
const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Validation constants for input validation.
const (
	// MaxMessageLength bounds a single user message.
	MaxMessageLength = 8000
	// MaxNameLength bounds profile names.
	MaxNameLength = 200
	// MaxTherapyMethodLength bounds the therapy method identifier.
	MaxTherapyMethodLength = 100
)

// ConversationMessage is a single entry in a session transcript. Messages are
// immutable once created and append-only within a session.
type ConversationMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientProfile is the read-model of a therapy client consumed by the
// orchestration engine. Profile CRUD beyond creation is owned elsewhere.
type ClientProfile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	TherapyMethod  string    `json:"therapy_method"`
	ActiveGoals    []string  `json:"active_goals,omitempty"`
	OpenChallenges []string  `json:"open_challenges,omitempty"`
	ProgressStatus string    `json:"progress_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionSummary holds the structured end-of-session summary extracted from
// the summarize turn.
type SessionSummary struct {
	MainTopics   []string `json:"main_topics,omitempty"`
	KeyInsight   string   `json:"key_insight,omitempty"`
	ProgressNote string   `json:"progress_note,omitempty"`
	Homework     string   `json:"homework,omitempty"`
}

// SessionMetrics holds end-of-session measurements persisted alongside the
// summary.
type SessionMetrics struct {
	EmotionBefore       string `json:"emotion_before,omitempty"`
	EmotionAfter        string `json:"emotion_after,omitempty"`
	EffectivenessRating int    `json:"effectiveness_rating,omitempty"`
}

// TherapySession is the durable record of one therapy session. The transcript
// is stored separately and reassembled on load.
type TherapySession struct {
	ID             string           `json:"id"`
	ProfileID      string           `json:"profile_id"`
	TherapyMethod  string           `json:"therapy_method"`
	SessionNumber  int              `json:"session_number"`
	Continuity     ContinuityStatus `json:"continuity_status"`
	CurrentPhase   TherapyPhase     `json:"current_phase"`
	PhaseTurns     int              `json:"phase_turns"` // user turns taken in the current phase
	IsCompleted    bool             `json:"is_completed"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	Summary        *SessionSummary  `json:"summary,omitempty"`
	Metrics        *SessionMetrics  `json:"metrics,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// SessionInfo is the per-turn bookkeeping slice of a session carried inside a
// SessionContext.
type SessionInfo struct {
	SessionID     string           `json:"session_id"`
	ProfileID     string           `json:"profile_id"`
	TherapyMethod string           `json:"therapy_method"`
	SessionNumber int              `json:"session_number"`
	Continuity    ContinuityStatus `json:"continuity_status"`
	Phase         TherapyPhase     `json:"phase"`
	AssembledAt   time.Time        `json:"assembled_at"`
}

// SessionContext is the ephemeral, per-turn projection sent to the language
// model provider. It is rebuilt on every turn from the durable records and is
// never a source of truth.
type SessionContext struct {
	Info                   SessionInfo           `json:"info"`
	ProfileSnapshot        ClientProfile         `json:"profile_snapshot"`
	PreviousSessionSummary *SessionSummary       `json:"previous_session_summary,omitempty"`
	ConversationWindow     []ConversationMessage `json:"conversation_window"`
}

// CreateProfileRequest is the payload for POST /profiles.
type CreateProfileRequest struct {
	Name           string   `json:"name"`
	TherapyMethod  string   `json:"therapy_method"`
	ActiveGoals    []string `json:"active_goals,omitempty"`
	OpenChallenges []string `json:"open_challenges,omitempty"`
	ProgressStatus string   `json:"progress_status,omitempty"`
}

// Validate checks the profile creation request for well-formedness.
func (r CreateProfileRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxNameLength {
		return fmt.Errorf("name exceeds maximum length of %d", MaxNameLength)
	}
	if len(r.TherapyMethod) > MaxTherapyMethodLength {
		return fmt.Errorf("therapy_method exceeds maximum length of %d", MaxTherapyMethodLength)
	}
	return nil
}

// StartSessionRequest is the payload for POST /sessions.
type StartSessionRequest struct {
	ProfileID     string `json:"profile_id"`
	TherapyMethod string `json:"therapy_method,omitempty"`
}

// Validate checks the session start request for well-formedness.
func (r StartSessionRequest) Validate() error {
	if strings.TrimSpace(r.ProfileID) == "" {
		return fmt.Errorf("profile_id is required")
	}
	if len(r.TherapyMethod) > MaxTherapyMethodLength {
		return fmt.Errorf("therapy_method exceeds maximum length of %d", MaxTherapyMethodLength)
	}
	return nil
}

// TurnRequest is the payload for POST /sessions/{id}/messages.
type TurnRequest struct {
	Message string `json:"message"`
}

// Validate checks the turn request for well-formedness.
func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLength {
		return fmt.Errorf("message exceeds maximum length of %d", MaxMessageLength)
	}
	return nil
}

// SessionHandle is the result of starting a session.
type SessionHandle struct {
	SessionID     string           `json:"session_id"`
	SessionNumber int              `json:"session_number"`
	Continuity    ContinuityStatus `json:"continuity_status"`
	Phase         TherapyPhase     `json:"phase"`
	Opening       string           `json:"opening"`
	Context       *SessionContext  `json:"context,omitempty"`
}

// TurnResult is the result of processing one conversational turn.
type TurnResult struct {
	SessionID string       `json:"session_id"`
	Phase     TherapyPhase `json:"phase"`
	Reply     string       `json:"reply"`
	Advanced  bool         `json:"advanced"`
	Degraded  bool         `json:"degraded,omitempty"` // true when the reply is the provider-failure fallback
}

// SessionEndResult is the result of ending a session.
type SessionEndResult struct {
	SessionID string         `json:"session_id"`
	Phase     TherapyPhase   `json:"phase"`
	Summary   SessionSummary `json:"summary"`
	Metrics   SessionMetrics `json:"metrics"`
	EndedAt   time.Time      `json:"ended_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
