// Package runner drives one cron tick: reap stuck work, claim a bounded
// slice of pending items, process them sequentially, and reconcile each
// touched job. The runner holds no state between ticks; everything it needs
// lives in the store.
package runner

import (
	"context"
	"fmt"
	"time"

	"review-batch-runner/internal/logging"
	"review-batch-runner/internal/models"
	"review-batch-runner/internal/telemetry"
	"review-batch-runner/internal/work"
)

// Store is the persistence surface the runner needs. *store.Store satisfies
// it; tests use an in-memory fake.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]models.Item, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobProcessing(ctx context.Context, id string) error
	CountItems(ctx context.Context, jobID string) (models.ItemCounts, error)
	UpdateJobProgress(ctx context.Context, id string, c models.ItemCounts) error
	FinalizeJob(ctx context.Context, id, status string, c models.ItemCounts) (bool, error)
	MarkJobFailed(ctx context.Context, id, errMsg string) error
	CompleteItem(ctx context.Context, id string) error
	FailItem(ctx context.Context, id, errMsg string) error
	RequeueItem(ctx context.Context, id string) error
	ResetStaleItems(ctx context.Context, cutoff time.Time) (int, error)
	StaleJobs(ctx context.Context, cutoff time.Time) ([]string, error)
	ForceFailItems(ctx context.Context, jobID, errMsg string) (int, error)
	FailedItemErrors(ctx context.Context, jobID string) ([]string, error)
}

// Ledger issues credit refunds, keyed so repeats are applied at most once.
type Ledger interface {
	Refund(ctx context.Context, accountID string, amount int, idempotencyKey string, metadata map[string]any) error
}

// Notifier delivers user notifications and operator escalations.
type Notifier interface {
	NotifyAccount(ctx context.Context, accountID, typ string, payload map[string]any) error
	NotifyAdmin(ctx context.Context, payload map[string]any) error
}

// Options carries the tick tuning knobs.
type Options struct {
	BatchSize          int
	RetryCap           int
	ItemStaleAfter     time.Duration
	JobStaleAfter      time.Duration
	PublishDelay       time.Duration
	TickBudget         time.Duration
	RetryFailedRefunds bool
	CostTable          map[string]int
}

// Runner orchestrates one tick end to end.
type Runner struct {
	store     Store
	ledger    Ledger
	notifier  Notifier
	opts      Options
	executors map[string]work.Executor
	now       func() time.Time
}

// New builds a runner. Executors are registered per work kind afterwards.
func New(store Store, ledger Ledger, notifier Notifier, opts Options) *Runner {
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}
	if opts.RetryCap == 0 {
		opts.RetryCap = 3
	}
	if opts.ItemStaleAfter == 0 {
		opts.ItemStaleAfter = 10 * time.Minute
	}
	if opts.JobStaleAfter == 0 {
		opts.JobStaleAfter = 2 * time.Hour
	}
	if opts.TickBudget == 0 {
		opts.TickBudget = 5 * time.Minute
	}
	return &Runner{
		store:     store,
		ledger:    ledger,
		notifier:  notifier,
		opts:      opts,
		executors: make(map[string]work.Executor),
		now:       time.Now,
	}
}

// RegisterExecutor binds an executor to a work kind.
func (r *Runner) RegisterExecutor(kind string, exec work.Executor) {
	if kind == "" || exec == nil {
		return
	}
	r.executors[kind] = exec
}

// SetClock overrides the time source; used by tests and the reaper cutoffs.
func (r *Runner) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// JobSummary reports one job's state after a tick touched it.
type JobSummary struct {
	JobID     string `json:"job_id"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Refunded  int    `json:"refunded"`
}

// TickSummary is the JSON body returned by the trigger endpoint. Item
// failures are data here, never an HTTP error.
type TickSummary struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Summaries []JobSummary `json:"summaries"`
}

// Tick runs one full cron invocation within the configured time budget.
func (r *Runner) Tick(ctx context.Context) (TickSummary, error) {
	started := r.now()
	defer func() {
		telemetry.TickDuration.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, r.opts.TickBudget)
	defer cancel()

	summary := TickSummary{Success: true}

	reaped, err := r.reap(ctx)
	if err != nil {
		// A failed sweep is not fatal; claimed work can still make progress.
		logging.Error(err, "reaper sweep failed")
	}
	summary.Summaries = append(summary.Summaries, reaped...)

	items, err := r.store.ClaimPending(ctx, r.opts.BatchSize)
	if err != nil {
		return TickSummary{Success: false}, fmt.Errorf("claim pending items: %w", err)
	}

	touched := make(map[string]bool, len(items))
	order := make([]string, 0, len(items))

	for _, item := range items {
		if ctx.Err() != nil {
			// Out of budget. Unprocessed claimed items stay in processing;
			// the next tick's reaper reclaims them.
			break
		}

		if !touched[item.JobID] {
			touched[item.JobID] = true
			order = append(order, item.JobID)
			if err := r.store.MarkJobProcessing(ctx, item.JobID); err != nil {
				logging.Error(err, "mark job processing", "job", item.JobID)
			}
		}

		if err := r.processItem(ctx, item); err != nil {
			// Store-level failure: per-item state is unknown, so the whole
			// job is failed with the error recorded rather than guessed at.
			logging.Error(err, "item processing infrastructure failure", "item", item.ID, "job", item.JobID)
			if ferr := r.store.MarkJobFailed(ctx, item.JobID, err.Error()); ferr != nil {
				logging.Error(ferr, "mark job failed", "job", item.JobID)
			}
			continue
		}
		summary.Processed++

		js, err := r.Reconcile(ctx, item.JobID)
		if err != nil {
			logging.Error(err, "reconcile after item", "job", item.JobID)
			if ferr := r.store.MarkJobFailed(ctx, item.JobID, err.Error()); ferr != nil {
				logging.Error(ferr, "mark job failed", "job", item.JobID)
			}
			continue
		}
		touchedSummary(&summary, js)

		r.interItemDelay(ctx, item.Kind)
	}

	// One final reconcile per touched job so progress counters are current
	// even when the last item of a job errored mid-write.
	for _, jobID := range order {
		if ctx.Err() != nil {
			break
		}
		js, err := r.Reconcile(ctx, jobID)
		if err != nil {
			logging.Error(err, "final reconcile", "job", jobID)
			continue
		}
		touchedSummary(&summary, js)
	}

	return summary, nil
}

// interItemDelay spaces out publish calls to avoid tripping the Business
// Profile write quota.
func (r *Runner) interItemDelay(ctx context.Context, kind string) {
	if r.opts.PublishDelay == 0 {
		return
	}
	if kind != models.KindPostText && kind != models.KindPostPhoto {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.opts.PublishDelay):
	}
}

// touchedSummary replaces any earlier summary for the same job.
func touchedSummary(s *TickSummary, js JobSummary) {
	for i := range s.Summaries {
		if s.Summaries[i].JobID == js.JobID {
			refunded := s.Summaries[i].Refunded
			s.Summaries[i] = js
			if js.Refunded == 0 {
				s.Summaries[i].Refunded = refunded
			}
			return
		}
	}
	s.Summaries = append(s.Summaries, js)
}
