// Package scheduler wraps cron for the engine's calendar triggers: the
// nightly retention sweep, the daily expiry sweep and the hourly
// reconciliation pass.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
)

// Scheduler runs functions on cron expressions.
type Scheduler struct {
	cron *cron.Cron
}

// New creates a stopped scheduler using the standard 5-field cron syntax
// (min, hour, dom, month, dow). Panics in jobs are recovered and logged so a
// bad sweep cannot take the process down.
func New() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// AddJob registers a job under the given cron expression. Returns an error
// if the expression is invalid.
func (s *Scheduler) AddJob(expr string, job func()) error {
	_, err := s.cron.AddFunc(expr, job)
	return err
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling new runs and returns a context that is done once
// in-flight jobs finish, so shutdown can wait for a running sweep.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
