// Package store provides storage backends for mindframe.
//
// It includes an in-memory store for tests and small deployments, plus
// SQLite and PostgreSQL backed implementations with embedded migrations.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/mindframe-health/mindframe/internal/models"
)

// Store is the durable persistence interface consumed by the session
// orchestration engine. GetProfile and GetSession return (nil, nil) when the
// record does not exist; callers decide whether absence is an error.
type Store interface {
	// SaveProfile inserts or updates a client profile.
	SaveProfile(p models.ClientProfile) error

	// GetProfile retrieves a client profile by ID.
	GetProfile(id string) (*models.ClientProfile, error)

	// CreateSession persists a new therapy session record.
	CreateSession(s models.TherapySession) error

	// GetSession retrieves a therapy session by ID (without its transcript).
	GetSession(id string) (*models.TherapySession, error)

	// GetSessionsByProfile retrieves all sessions for a profile, ordered by
	// start time ascending.
	GetSessionsByProfile(profileID string) ([]models.TherapySession, error)

	// UpdateSessionPhase updates the durable phase metadata for a session and
	// refreshes its activity timestamp.
	UpdateSessionPhase(sessionID string, phase models.TherapyPhase, phaseTurns int) error

	// AppendMessage appends a message to a session transcript and refreshes
	// the session's activity timestamp.
	AppendMessage(sessionID string, msg models.ConversationMessage) error

	// GetMessages retrieves a session transcript in append order.
	GetMessages(sessionID string) ([]models.ConversationMessage, error)

	// EndSession marks a session completed with its summary and metrics.
	EndSession(sessionID string, summary models.SessionSummary, metrics models.SessionMetrics, endedAt time.Time) error

	// ListStaleSessions returns open sessions whose last activity predates the
	// cutoff, ordered by last activity ascending.
	ListStaleSessions(cutoff time.Time) ([]models.TherapySession, error)

	// Close releases underlying resources.
	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the data source name for SQL-backed stores.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore is a mutex-guarded map-backed Store used by tests and
// single-process deployments without persistence requirements.
type InMemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]models.ClientProfile
	sessions map[string]models.TherapySession
	messages map[string][]models.ConversationMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles: make(map[string]models.ClientProfile),
		sessions: make(map[string]models.TherapySession),
		messages: make(map[string][]models.ConversationMessage),
	}
}

// SaveProfile inserts or updates a client profile.
func (s *InMemoryStore) SaveProfile(p models.ClientProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

// GetProfile retrieves a client profile by ID.
func (s *InMemoryStore) GetProfile(id string) (*models.ClientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

// CreateSession persists a new therapy session record.
func (s *InMemoryStore) CreateSession(sess models.TherapySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a therapy session by ID.
func (s *InMemoryStore) GetSession(id string) (*models.TherapySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := sess
	return &cp, nil
}

// GetSessionsByProfile retrieves all sessions for a profile, ordered by start
// time ascending.
func (s *InMemoryStore) GetSessionsByProfile(profileID string) ([]models.TherapySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TherapySession
	for _, sess := range s.sessions {
		if sess.ProfileID == profileID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// UpdateSessionPhase updates the durable phase metadata for a session.
func (s *InMemoryStore) UpdateSessionPhase(sessionID string, phase models.TherapyPhase, phaseTurns int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	now := time.Now()
	sess.CurrentPhase = phase
	sess.PhaseTurns = phaseTurns
	sess.LastActivityAt = now
	sess.UpdatedAt = now
	s.sessions[sessionID] = sess
	return nil
}

// AppendMessage appends a message to a session transcript.
func (s *InMemoryStore) AppendMessage(sessionID string, msg models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	now := time.Now()
	sess.LastActivityAt = now
	sess.UpdatedAt = now
	s.sessions[sessionID] = sess
	return nil
}

// GetMessages retrieves a session transcript in append order.
func (s *InMemoryStore) GetMessages(sessionID string) ([]models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]models.ConversationMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// EndSession marks a session completed with its summary and metrics.
func (s *InMemoryStore) EndSession(sessionID string, summary models.SessionSummary, metrics models.SessionMetrics, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	sum := summary
	met := metrics
	end := endedAt
	sess.Summary = &sum
	sess.Metrics = &met
	sess.IsCompleted = true
	sess.EndedAt = &end
	sess.CurrentPhase = models.PhaseEnd
	sess.UpdatedAt = time.Now()
	s.sessions[sessionID] = sess
	return nil
}

// ListStaleSessions returns open sessions whose last activity predates the cutoff.
func (s *InMemoryStore) ListStaleSessions(cutoff time.Time) ([]models.TherapySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TherapySession
	for _, sess := range s.sessions {
		if !sess.IsCompleted && sess.LastActivityAt.Before(cutoff) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
