package runner

import (
	"context"
	"fmt"

	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/telemetry"
)

// stuckJobError is the synthetic error written onto items force-failed by
// the reaper.
const stuckJobError = "timed out: job stuck in processing past staleness threshold"

// reap runs before normal processing each tick. Items stuck in processing
// past the item threshold are cheaply reset to pending: the likely cause is
// a cron tick that died mid-call, and the normal retry machinery reclaims
// them. Jobs stuck past the much longer job threshold are beyond saving;
// every non-terminal child is force-failed and the job reconciled so the
// forced failures are refunded.
func (r *Runner) reap(ctx context.Context) ([]JobSummary, error) {
	now := r.now()

	reset, err := r.store.ResetStaleItems(ctx, now.Add(-r.opts.ItemStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("reset stale items: %w", err)
	}
	if reset > 0 {
		telemetry.ItemsReaped.Add(float64(reset))
		logging.Info("reset stale items to pending", "count", reset)
	}

	stale, err := r.store.StaleJobs(ctx, now.Add(-r.opts.JobStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("scan stale jobs: %w", err)
	}

	var summaries []JobSummary
	for _, jobID := range stale {
		if ctx.Err() != nil {
			break
		}
		failed, err := r.store.ForceFailItems(ctx, jobID, stuckJobError)
		if err != nil {
			logging.Error(err, "force fail stuck job", "job", jobID)
			continue
		}
		telemetry.JobsForceFailed.Inc()
		logging.Info("force-failed stuck job", "job", jobID, "items", failed)

		js, err := r.Reconcile(ctx, jobID)
		if err != nil {
			logging.Error(err, "reconcile stuck job", "job", jobID)
			continue
		}
		summaries = append(summaries, js)
	}
	return summaries, nil
}
