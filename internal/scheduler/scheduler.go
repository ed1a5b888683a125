// Package scheduler runs the tick in-process on a cron expression for
// deployments without an external periodic trigger. The HTTP endpoint and
// the in-process schedule share the same runner; conditional claims keep
// overlapping invocations from double-processing.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/runner"
)

// Scheduler triggers cron ticks on a fixed schedule.
type Scheduler struct {
	cron   *cron.Cron
	runner *runner.Runner
}

// New builds a scheduler that fires the runner on the given cron expression.
func New(run *runner.Runner, expression string) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		runner: run,
	}
	_, err := s.cron.AddFunc(expression, func() {
		summary, err := run.Tick(context.Background())
		if err != nil {
			logging.Error(err, "scheduled tick failed")
			return
		}
		logging.Info("scheduled tick finished", "processed", summary.Processed, "jobs", len(summary.Summaries))
	})
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expression, err)
	}
	return s, nil
}

// Start begins firing ticks in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
