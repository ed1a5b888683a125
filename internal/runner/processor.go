package runner

import (
	"context"
	"fmt"

	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/models"
	"review-batch-runner/internal/telemetry"
)

// processItem executes one claimed item and persists its outcome. Executor
// errors never propagate: they become a status plus error_message write. The
// returned error is reserved for store failures, which the caller treats as
// an infrastructure problem for the whole job.
func (r *Runner) processItem(ctx context.Context, item models.Item) error {
	telemetry.ItemsInFlight.Inc()
	defer telemetry.ItemsInFlight.Dec()

	job, err := r.store.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	exec, ok := r.executors[item.Kind]
	if !ok {
		// Unknown kind is a permanent data problem, not an infrastructure one.
		msg := fmt.Sprintf("no executor registered for kind %q", item.Kind)
		telemetry.ItemsFailed.Inc()
		return failWrapped(r.store.FailItem(ctx, item.ID, msg))
	}

	execErr := exec(ctx, job, item)
	if execErr == nil {
		telemetry.ItemsCompleted.Inc()
		return failWrapped(r.store.CompleteItem(ctx, item.ID))
	}

	if Retryable(execErr.Error(), item.RetryCount, r.opts.RetryCap) {
		logging.Debug("item requeued after transient failure",
			"item", item.ID, "job", item.JobID, "retry", item.RetryCount+1, "error", execErr.Error())
		telemetry.ItemsRetried.Inc()
		return failWrapped(r.store.RequeueItem(ctx, item.ID))
	}

	logging.Info("item failed permanently",
		"item", item.ID, "job", item.JobID, "retries", item.RetryCount, "error", execErr.Error())
	telemetry.ItemsFailed.Inc()
	return failWrapped(r.store.FailItem(ctx, item.ID, execErr.Error()))
}

func failWrapped(err error) error {
	if err != nil {
		return fmt.Errorf("persist item outcome: %w", err)
	}
	return nil
}
