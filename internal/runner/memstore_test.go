package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"review-batch-runner/internal/models"
)

// memStore mirrors the Postgres store's conditional-update semantics in
// memory so the runner's full control flow is testable without a database.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	items map[string]*models.Item
	now   func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	if now == nil {
		now = time.Now
	}
	return &memStore{
		jobs:  make(map[string]*models.Job),
		items: make(map[string]*models.Item),
		now:   now,
	}
}

func (m *memStore) addJob(id, account, kind string, capabilities []string, itemCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.jobs[id] = &models.Job{
		ID:             id,
		AccountID:      account,
		Kind:           kind,
		Status:         models.JobPending,
		Capabilities:   capabilities,
		TotalItems:     itemCount,
		IdempotencyKey: "idem-" + id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := 0; i < itemCount; i++ {
		itemID := fmt.Sprintf("%s-item-%d", id, i)
		m.items[itemID] = &models.Item{
			ID:        itemID,
			JobID:     id,
			Position:  i,
			Kind:      kind,
			Payload:   map[string]any{},
			Status:    models.ItemPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
}

func (m *memStore) ClaimPending(_ context.Context, limit int) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*models.Item
	for _, item := range m.items {
		if item.Status == models.ItemPending {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		ji, jj := m.jobs[pending[i].JobID], m.jobs[pending[j].JobID]
		if !ji.CreatedAt.Equal(jj.CreatedAt) {
			return ji.CreatedAt.Before(jj.CreatedAt)
		}
		if pending[i].JobID != pending[j].JobID {
			return pending[i].JobID < pending[j].JobID
		}
		return pending[i].Position < pending[j].Position
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	claimed := make([]models.Item, 0, len(pending))
	for _, item := range pending {
		item.Status = models.ItemProcessing
		item.UpdatedAt = m.now()
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job not found: %s", id)
	}
	return *job, nil
}

func (m *memStore) MarkJobProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobPending {
		return nil
	}
	now := m.now()
	job.Status = models.JobProcessing
	job.StartedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *memStore) CountItems(_ context.Context, jobID string) (models.ItemCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c models.ItemCounts
	for _, item := range m.items {
		if item.JobID != jobID {
			continue
		}
		switch item.Status {
		case models.ItemPending:
			c.Pending++
		case models.ItemProcessing:
			c.Processing++
		case models.ItemCompleted:
			c.Completed++
		case models.ItemFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *memStore) UpdateJobProgress(_ context.Context, id string, c models.ItemCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.ProcessedItems = c.Completed + c.Failed
	job.SuccessItems = c.Completed
	job.FailedItems = c.Failed
	job.UpdatedAt = m.now()
	return nil
}

func (m *memStore) FinalizeJob(_ context.Context, id, status string, c models.ItemCounts) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job not found: %s", id)
	}
	if models.JobTerminal(job.Status) {
		return false, nil
	}
	now := m.now()
	job.Status = status
	job.ProcessedItems = c.Completed + c.Failed
	job.SuccessItems = c.Completed
	job.FailedItems = c.Failed
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *memStore) MarkJobFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || models.JobTerminal(job.Status) {
		return nil
	}
	now := m.now()
	job.Status = models.JobFailed
	job.ErrorMessage = &errMsg
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *memStore) CompleteItem(_ context.Context, id string) error {
	return m.transitionItem(id, models.ItemProcessing, models.ItemCompleted, nil, false)
}

func (m *memStore) FailItem(_ context.Context, id, errMsg string) error {
	return m.transitionItem(id, models.ItemProcessing, models.ItemFailed, &errMsg, false)
}

func (m *memStore) RequeueItem(_ context.Context, id string) error {
	return m.transitionItem(id, models.ItemProcessing, models.ItemPending, nil, true)
}

func (m *memStore) transitionItem(id, from, to string, errMsg *string, bumpRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != from {
		// Conditional update matched zero rows: lost the race, no-op.
		return nil
	}
	item.Status = to
	item.ErrorMessage = errMsg
	if bumpRetry {
		item.RetryCount++
	}
	item.UpdatedAt = m.now()
	return nil
}

func (m *memStore) ResetStaleItems(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.Status == models.ItemProcessing && item.UpdatedAt.Before(cutoff) {
			item.Status = models.ItemPending
			item.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) StaleJobs(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, job := range m.jobs {
		if job.Status == models.JobProcessing && job.UpdatedAt.Before(cutoff) {
			ids = append(ids, job.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) ForceFailItems(_ context.Context, jobID, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.JobID == jobID && !models.ItemTerminal(item.Status) {
			item.Status = models.ItemFailed
			msg := errMsg
			item.ErrorMessage = &msg
			item.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) FailedItemErrors(_ context.Context, jobID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []string
	for _, item := range m.items {
		if item.JobID == jobID && item.Status == models.ItemFailed {
			msg := ""
			if item.ErrorMessage != nil {
				msg = *item.ErrorMessage
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// setItemError seeds a failed item with a specific error message.
func (m *memStore) setItemError(id, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		item.ErrorMessage = &errMsg
	}
}

// touchItem rewrites an item's status/updated_at directly, simulating work
// left behind by a crashed tick.
func (m *memStore) touchItem(id, status string, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		item.Status = status
		item.UpdatedAt = updatedAt
	}
}

// touchJob rewrites a job's status/updated_at directly.
func (m *memStore) touchJob(id, status string, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
		job.UpdatedAt = updatedAt
	}
}

func (m *memStore) job(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) item(id string) models.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

// fakeLedger records refund calls and enforces idempotency-key semantics the
// way the real ledger does.
type fakeLedger struct {
	mu      sync.Mutex
	calls   []refundCall
	applied map[string]bool
	failN   int
}

type refundCall struct {
	AccountID string
	Amount    int
	Key       string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{applied: make(map[string]bool)}
}

func (l *fakeLedger) Refund(_ context.Context, accountID string, amount int, key string, _ map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failN > 0 {
		l.failN--
		return fmt.Errorf("ledger: status 503: unavailable")
	}
	if l.applied[key] {
		return nil
	}
	l.applied[key] = true
	l.calls = append(l.calls, refundCall{AccountID: accountID, Amount: amount, Key: key})
	return nil
}

func (l *fakeLedger) refunds() []refundCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]refundCall, len(l.calls))
	copy(out, l.calls)
	return out
}

// fakeNotifier records dispatched notifications.
type fakeNotifier struct {
	mu      sync.Mutex
	account []map[string]any
	admin   []map[string]any
}

func (n *fakeNotifier) NotifyAccount(_ context.Context, accountID, typ string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	copied := map[string]any{"account_id": accountID, "type": typ}
	for k, v := range payload {
		copied[k] = v
	}
	n.account = append(n.account, copied)
	return nil
}

func (n *fakeNotifier) NotifyAdmin(_ context.Context, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, payload)
	return nil
}

func (n *fakeNotifier) accountCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.account)
}

func (n *fakeNotifier) adminCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.admin)
}
