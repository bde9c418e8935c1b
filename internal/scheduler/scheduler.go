// Package scheduler provides cron-based background jobs for mindframe.
//
// Its main job is the session sweeper, which expires sessions abandoned past
// the inactivity deadline.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mindframe-health/mindframe/internal/flow"
	"github.com/mindframe-health/mindframe/internal/store"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser plus descriptors like @every, with panic
	// recovery around jobs
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// DefaultSessionDeadline is how long a session may sit without activity
// before the sweeper expires it.
const DefaultSessionDeadline = 2 * time.Hour

// Sweeper expires sessions that have been inactive past the deadline.
type Sweeper struct {
	store        store.Store
	orchestrator *flow.Orchestrator
	deadline     time.Duration
}

// NewSweeper creates a session sweeper. deadline <= 0 selects
// DefaultSessionDeadline.
func NewSweeper(st store.Store, orch *flow.Orchestrator, deadline time.Duration) *Sweeper {
	if deadline <= 0 {
		deadline = DefaultSessionDeadline
	}
	return &Sweeper{store: st, orchestrator: orch, deadline: deadline}
}

// Sweep expires every open session whose last activity predates the
// deadline. Individual expiry failures are logged and do not stop the sweep.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.deadline)
	stale, err := s.store.ListStaleSessions(cutoff)
	if err != nil {
		slog.Error("Sweeper.Sweep: failed to list stale sessions", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	slog.Info("Sweeper.Sweep: expiring stale sessions", "count", len(stale), "cutoff", cutoff)
	for _, sess := range stale {
		if err := s.orchestrator.ExpireSession(sess.ID); err != nil {
			slog.Error("Sweeper.Sweep: failed to expire session", "error", err, "sessionID", sess.ID)
		}
	}
}
