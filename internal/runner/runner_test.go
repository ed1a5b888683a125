package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-batch-runner/internal/models"
)

const testKind = "profile_check"

// scriptedExecutor returns canned results per item, in order. Items with no
// script succeed.
type scriptedExecutor struct {
	mu         sync.Mutex
	results    map[string][]error
	executions map[string]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		results:    make(map[string][]error),
		executions: make(map[string]int),
	}
}

func (s *scriptedExecutor) script(itemID string, results ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[itemID] = results
}

func (s *scriptedExecutor) exec(_ context.Context, _ models.Job, item models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[item.ID]++
	queue := s.results[item.ID]
	if len(queue) == 0 {
		return nil
	}
	next := queue[0]
	s.results[item.ID] = queue[1:]
	return next
}

func (s *scriptedExecutor) count(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[itemID]
}

type fixture struct {
	store    *memStore
	ledger   *fakeLedger
	notifier *fakeNotifier
	exec     *scriptedExecutor
	runner   *Runner
	now      time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if opts.CostTable == nil {
		opts.CostTable = map[string]int{"gbp_check": 2}
	}
	f := &fixture{
		ledger:   newFakeLedger(),
		notifier: &fakeNotifier{},
		exec:     newScriptedExecutor(),
		now:      now,
	}
	f.store = newMemStore(func() time.Time { return f.now })
	f.runner = New(f.store, f.ledger, f.notifier, opts)
	f.runner.SetClock(func() time.Time { return f.now })
	f.runner.RegisterExecutor(testKind, f.exec.exec)
	return f
}

func (f *fixture) tick(t *testing.T) TickSummary {
	t.Helper()
	summary, err := f.runner.Tick(context.Background())
	require.NoError(t, err)
	return summary
}

// tickUntilTerminal runs ticks until the job settles; retried items come
// back as pending and need a tick each.
func (f *fixture) tickUntilTerminal(t *testing.T, jobID string, maxTicks int) models.Job {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		f.tick(t)
		job := f.store.job(jobID)
		if models.JobTerminal(job.Status) {
			return job
		}
	}
	t.Fatalf("job %s not terminal after %d ticks (status=%s)", jobID, maxTicks, f.store.job(jobID).Status)
	return models.Job{}
}

func assertConservation(t *testing.T, job models.Job) {
	t.Helper()
	assert.Equal(t, job.ProcessedItems, job.SuccessItems+job.FailedItems,
		"processed must equal successful+failed")
	assert.LessOrEqual(t, job.ProcessedItems, job.TotalItems)
}

func TestTerminalStatusCorrectness(t *testing.T) {
	cases := []struct {
		name     string
		total    int
		failures int
		want     string
	}{
		{"all complete", 10, 0, models.JobCompleted},
		{"all fail", 10, 10, models.JobFailed},
		{"mixed", 10, 4, models.JobPartialSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, tc.total)
			for i := 0; i < tc.failures; i++ {
				f.exec.script(fmt.Sprintf("j1-item-%d", i), errors.New("location not found"))
			}

			job := f.tickUntilTerminal(t, "j1", 3)
			assert.Equal(t, tc.want, job.Status)
			assert.Equal(t, tc.total, job.ProcessedItems)
			assert.Equal(t, tc.failures, job.FailedItems)
			assertConservation(t, job)
		})
	}
}

func TestEndToEndPartialSuccessWithRefund(t *testing.T) {
	f := newFixture(t, Options{CostTable: map[string]int{"gbp_check": 2}})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 3)

	// Item 0 succeeds, item 1 fails permanently, item 2 fails transiently
	// twice then succeeds on the third attempt.
	f.exec.script("j1-item-1", errors.New("invalid payload: location_id is required"))
	f.exec.script("j1-item-2",
		errors.New("gbp: status 503: unavailable"),
		errors.New("request timed out"),
		nil)

	job := f.tickUntilTerminal(t, "j1", 5)

	assert.Equal(t, models.JobPartialSuccess, job.Status)
	assert.Equal(t, 2, job.SuccessItems)
	assert.Equal(t, 1, job.FailedItems)
	assertConservation(t, job)
	assert.Equal(t, 3, f.exec.count("j1-item-2"))

	refunds := f.ledger.refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, 2, refunds[0].Amount)
	assert.Equal(t, "acct-1", refunds[0].AccountID)
	assert.Equal(t, "idem-j1:refund", refunds[0].Key)

	assert.Equal(t, 1, f.notifier.accountCount())
	assert.Equal(t, 0, f.notifier.adminCount(), "partial success must not escalate")
}

func TestReconcileIdempotentOnTerminalJob(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 2)
	f.exec.script("j1-item-0", errors.New("bad request"))

	job := f.tickUntilTerminal(t, "j1", 3)
	require.Equal(t, models.JobPartialSuccess, job.Status)
	require.Len(t, f.ledger.refunds(), 1)
	require.Equal(t, 1, f.notifier.accountCount())

	// Redundant reconciliation must be a pure read.
	for i := 0; i < 3; i++ {
		_, err := f.runner.Reconcile(context.Background(), "j1")
		require.NoError(t, err)
	}
	assert.Len(t, f.ledger.refunds(), 1, "no additional refunds")
	assert.Equal(t, 1, f.notifier.accountCount(), "no additional notifications")
}

func TestNoDoubleRefundUnderRacingReconcilers(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 4)

	// Drive every item to a terminal state without reconciling.
	items, err := f.store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for _, item := range items {
		require.NoError(t, f.store.FailItem(context.Background(), item.ID, "boom"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.runner.Reconcile(context.Background(), "j1")
		}()
	}
	wg.Wait()

	assert.Len(t, f.ledger.refunds(), 1, "exactly one refund despite racing reconcilers")
	assert.Equal(t, 1, f.notifier.accountCount())
	assert.Equal(t, 8, f.ledger.refunds()[0].Amount)
}

func TestRetryCapTermination(t *testing.T) {
	f := newFixture(t, Options{RetryCap: 3})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 1)
	f.exec.script("j1-item-0",
		errors.New("gbp: status 500: internal"),
		errors.New("gbp: status 500: internal"),
		errors.New("gbp: status 500: internal"),
		errors.New("gbp: status 500: internal"), // must never be reached
	)

	job := f.tickUntilTerminal(t, "j1", 5)
	assert.Equal(t, models.JobFailed, job.Status)

	item := f.store.item("j1-item-0")
	assert.Equal(t, models.ItemFailed, item.Status)
	assert.Equal(t, 2, item.RetryCount)
	require.NotNil(t, item.ErrorMessage)
	assert.Equal(t, "gbp: status 500: internal", *item.ErrorMessage)

	// Extra ticks must not resurrect the item.
	f.tick(t)
	f.tick(t)
	assert.Equal(t, 3, f.exec.count("j1-item-0"), "an exhausted item is never attempted again")
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, Options{RetryCap: 3})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 1)
	f.exec.script("j1-item-0", errors.New("gbp: status 404: location gone"))

	job := f.tickUntilTerminal(t, "j1", 2)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 1, f.exec.count("j1-item-0"))
	assert.Equal(t, 0, f.store.item("j1-item-0").RetryCount)
}

func TestStaleItemResetToPending(t *testing.T) {
	f := newFixture(t, Options{ItemStaleAfter: 10 * time.Minute})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 1)

	// Simulate an item abandoned by a crashed tick 11 minutes ago.
	f.store.touchJob("j1", models.JobProcessing, f.now.Add(-11*time.Minute))
	f.store.touchItem("j1-item-0", models.ItemProcessing, f.now.Add(-11*time.Minute))

	job := f.tickUntilTerminal(t, "j1", 2)
	assert.Equal(t, models.JobCompleted, job.Status, "reaped item is reclaimed by normal processing")
	assert.Equal(t, 1, f.exec.count("j1-item-0"))
	assert.Equal(t, 0, f.store.item("j1-item-0").RetryCount, "reap reset is not a retry")
}

func TestStuckJobForceFailedAndRefunded(t *testing.T) {
	f := newFixture(t, Options{JobStaleAfter: 2 * time.Hour, CostTable: map[string]int{"gbp_check": 1}})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 3)
	f.store.touchJob("j1", models.JobProcessing, f.now.Add(-3*time.Hour))

	summary := f.tick(t)

	job := f.store.job("j1")
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 3, job.FailedItems)
	assertConservation(t, job)

	refunds := f.ledger.refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, 3, refunds[0].Amount)

	require.NotEmpty(t, summary.Summaries)
	assert.Equal(t, models.JobFailed, summary.Summaries[0].Status)

	// The synthetic timeout is one shared signature, so the operator hears
	// about it exactly once.
	assert.Equal(t, 1, f.notifier.adminCount())
}

func TestSystemicAlertRequiresSharedSignature(t *testing.T) {
	t.Run("identical errors escalate once", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 3)
		for i := 0; i < 3; i++ {
			f.exec.script(fmt.Sprintf("j1-item-%d", i), errors.New("provider is down"))
		}
		job := f.tickUntilTerminal(t, "j1", 3)
		require.Equal(t, models.JobFailed, job.Status)
		assert.Equal(t, 1, f.notifier.adminCount())
	})

	t.Run("distinct errors never escalate", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 3)
		for i := 0; i < 3; i++ {
			f.exec.script(fmt.Sprintf("j1-item-%d", i), fmt.Errorf("distinct failure %d", i))
		}
		job := f.tickUntilTerminal(t, "j1", 3)
		require.Equal(t, models.JobFailed, job.Status)
		assert.Equal(t, 0, f.notifier.adminCount())
		assert.Equal(t, 1, f.notifier.accountCount(), "user notification still fires")
	})
}

func TestRefundFailureDoesNotBlockTerminalStatus(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 1)
	f.exec.script("j1-item-0", errors.New("bad data"))
	f.ledger.failN = 1

	job := f.tickUntilTerminal(t, "j1", 2)
	assert.Equal(t, models.JobFailed, job.Status, "refund outage must not hold the job open")
	assert.Empty(t, f.ledger.refunds())
	assert.Equal(t, 1, f.notifier.accountCount())
}

func TestRetryFailedRefundsRetriesOnce(t *testing.T) {
	f := newFixture(t, Options{RetryFailedRefunds: true})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 1)
	f.exec.script("j1-item-0", errors.New("bad data"))
	f.ledger.failN = 1

	f.tickUntilTerminal(t, "j1", 2)
	require.Len(t, f.ledger.refunds(), 1, "second attempt lands after a transient ledger failure")
}

func TestOldestJobProcessedFirst(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2})
	f.store.addJob("j1", "acct-1", testKind, []string{"gbp_check"}, 2)
	f.now = f.now.Add(time.Minute)
	f.store.addJob("j2", "acct-1", testKind, []string{"gbp_check"}, 2)
	f.now = f.now.Add(time.Minute)

	f.tick(t)
	assert.Equal(t, models.JobCompleted, f.store.job("j1").Status, "older job drains first")
	assert.Equal(t, models.JobPending, f.store.job("j2").Status)

	f.tick(t)
	assert.Equal(t, models.JobCompleted, f.store.job("j2").Status)
}

func TestUnknownKindFailsPermanently(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.addJob("j1", "acct-1", "widget_render", []string{"gbp_check"}, 1)

	job := f.tickUntilTerminal(t, "j1", 2)
	assert.Equal(t, models.JobFailed, job.Status)
	item := f.store.item("j1-item-0")
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "no executor registered")
}
