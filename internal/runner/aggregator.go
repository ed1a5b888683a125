package runner

import (
	"context"
	"fmt"

	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/models"
	"review-batch-runner/internal/telemetry"
)

// Reconcile recomputes a job's progress from its items and, once no work
// remains, performs the terminal transition exactly once: refund for failed
// work, then the user notification, then the systemic-failure escalation.
// Safe to call redundantly; a job that is already terminal (or whose terminal
// transition is won by a racing reconciler) produces no further side effects.
func (r *Runner) Reconcile(ctx context.Context, jobID string) (JobSummary, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return JobSummary{}, fmt.Errorf("load job: %w", err)
	}
	if models.JobTerminal(job.Status) {
		return summarize(job, job.Status, models.ItemCounts{
			Completed: job.SuccessItems,
			Failed:    job.FailedItems,
			Pending:   job.TotalItems - job.ProcessedItems,
		}, 0), nil
	}

	counts, err := r.store.CountItems(ctx, jobID)
	if err != nil {
		return JobSummary{}, fmt.Errorf("count items: %w", err)
	}

	if counts.Remaining() > 0 {
		if err := r.store.UpdateJobProgress(ctx, jobID, counts); err != nil {
			return JobSummary{}, fmt.Errorf("update progress: %w", err)
		}
		return summarize(job, models.JobProcessing, counts, 0), nil
	}

	status := counts.TerminalStatus()
	won, err := r.store.FinalizeJob(ctx, jobID, status, counts)
	if err != nil {
		return JobSummary{}, fmt.Errorf("finalize job: %w", err)
	}
	if !won {
		// Lost the terminal race: the winner owns refund and notification.
		return summarize(job, status, counts, 0), nil
	}
	telemetry.JobsFinalized.WithLabelValues(status).Inc()

	refunded := r.refundFailedWork(ctx, job, counts)
	r.dispatchNotifications(ctx, job, status, counts, refunded)

	return summarize(job, status, counts, refunded), nil
}

// refundFailedWork recomputes the refund from current failure counts and the
// capability cost table, never from the original debit, and issues it under
// the job's idempotency key. A failed refund is logged and surfaced as an
// operational error; it never blocks the terminal transition.
func (r *Runner) refundFailedWork(ctx context.Context, job models.Job, counts models.ItemCounts) int {
	refund := counts.Failed * models.PerItemCost(r.opts.CostTable, job.Capabilities)
	if refund <= 0 || r.ledger == nil {
		return 0
	}

	metadata := map[string]any{
		"job_id":       job.ID,
		"failed_items": counts.Failed,
	}
	key := job.IdempotencyKey + ":refund"

	err := r.ledger.Refund(ctx, job.AccountID, refund, key, metadata)
	if err != nil && r.opts.RetryFailedRefunds {
		err = r.ledger.Refund(ctx, job.AccountID, refund, key, metadata)
	}
	if err != nil {
		telemetry.RefundErrors.Inc()
		logging.Error(err, "refund failed work", "job", job.ID, "amount", refund)
		return 0
	}
	telemetry.RefundsIssued.Inc()
	return refund
}

// dispatchNotifications fires at most one user-facing notification per
// terminal transition, plus a single operator alert when every failure in a
// fully-failed job shares one error signature. Delivery errors are logged
// and dropped.
func (r *Runner) dispatchNotifications(ctx context.Context, job models.Job, status string, counts models.ItemCounts, refunded int) {
	if r.notifier == nil {
		return
	}

	payload := map[string]any{
		"job_id":    job.ID,
		"kind":      job.Kind,
		"status":    status,
		"total":     counts.Total(),
		"succeeded": counts.Completed,
		"failed":    counts.Failed,
	}
	if refunded > 0 {
		payload["credits_refunded"] = refunded
	}
	if err := r.notifier.NotifyAccount(ctx, job.AccountID, "batch_"+status, payload); err != nil {
		logging.Error(err, "notify account", "job", job.ID)
	}

	if status != models.JobFailed {
		return
	}
	signature, systemic := r.sharedFailureSignature(ctx, job.ID)
	if !systemic {
		return
	}
	telemetry.AdminAlerts.Inc()
	if err := r.notifier.NotifyAdmin(ctx, map[string]any{
		"alert":        "systemic_batch_failure",
		"job_id":       job.ID,
		"account_id":   job.AccountID,
		"kind":         job.Kind,
		"failed_items": counts.Failed,
		"error":        signature,
	}); err != nil {
		logging.Error(err, "notify admin", "job", job.ID)
	}
}

// sharedFailureSignature reports whether every failed item of the job carries
// one identical error string. Mixed signatures mean independent failures, not
// an upstream outage, so no operator alert is raised.
func (r *Runner) sharedFailureSignature(ctx context.Context, jobID string) (string, bool) {
	msgs, err := r.store.FailedItemErrors(ctx, jobID)
	if err != nil {
		logging.Error(err, "load failure signatures", "job", jobID)
		return "", false
	}
	if len(msgs) == 0 {
		return "", false
	}
	first := msgs[0]
	for _, m := range msgs[1:] {
		if m != first {
			return "", false
		}
	}
	return first, true
}

func summarize(job models.Job, status string, counts models.ItemCounts, refunded int) JobSummary {
	return JobSummary{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Status:    status,
		Total:     counts.Total(),
		Processed: counts.Completed + counts.Failed,
		Succeeded: counts.Completed,
		Failed:    counts.Failed,
		Refunded:  refunded,
	}
}
