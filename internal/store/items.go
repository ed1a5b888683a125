package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"review-batch-runner/internal/models"
)

const itemColumns = `id, job_id, position, kind, payload, status, retry_count, error_message, created_at, updated_at`

// ClaimPending flips up to limit pending items to processing and returns
// them, oldest job first, creation order within a job. The claim happens in
// the same statement that selects, so a second concurrent tick naturally
// skips items already taken.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]models.Item, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE items SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT i.id FROM items i
			JOIN jobs j ON j.id = i.job_id
			WHERE i.status = $2
			ORDER BY j.created_at, i.position
			LIMIT $3
			FOR UPDATE OF i SKIP LOCKED
		)
		RETURNING `+itemColumns, models.ItemProcessing, models.ItemPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ListItems returns all items for a job in creation order.
func (s *Store) ListItems(ctx context.Context, jobID string) ([]models.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM items WHERE job_id = $1 ORDER BY position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountItems tallies a job's items per status.
func (s *Store) CountItems(ctx context.Context, jobID string) (models.ItemCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM items WHERE job_id = $1 GROUP BY status
	`, jobID)
	if err != nil {
		return models.ItemCounts{}, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	var c models.ItemCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.ItemCounts{}, fmt.Errorf("scan item count: %w", err)
		}
		switch status {
		case models.ItemPending:
			c.Pending = n
		case models.ItemProcessing:
			c.Processing = n
		case models.ItemCompleted:
			c.Completed = n
		case models.ItemFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// CompleteItem marks a processing item completed. A zero-row match means a
// racing writer already moved the item on; the caller treats that as a no-op.
func (s *Store) CompleteItem(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ItemCompleted, models.ItemProcessing)
	return err
}

// FailItem marks an item permanently failed with the error recorded verbatim.
func (s *Store) FailItem(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.ItemFailed, errMsg, models.ItemProcessing)
	return err
}

// RequeueItem puts a transiently failed item back to pending with the retry
// counter bumped and the error cleared, so the next tick retries it with no
// special-casing.
func (s *Store) RequeueItem(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, retry_count = retry_count + 1, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ItemPending, models.ItemProcessing)
	return err
}

// ResetStaleItems returns items stuck in processing past the cutoff to
// pending so the normal retry machinery reclaims them. Returns how many were
// reset.
func (s *Store) ResetStaleItems(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, models.ItemPending, models.ItemProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ForceFailItems marks every non-terminal item of a job failed with a
// synthetic error. Used by the reaper on jobs stuck past the job staleness
// threshold; the forced failures then flow through normal reconciliation.
func (s *Store) ForceFailItems(ctx context.Context, jobID, errMsg string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items SET status = $2, error_message = $3, updated_at = NOW()
		WHERE job_id = $1 AND status IN ($4, $5)
	`, jobID, models.ItemFailed, errMsg, models.ItemPending, models.ItemProcessing)
	if err != nil {
		return 0, fmt.Errorf("force fail items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailedItemErrors returns the error messages of a job's failed items, used
// to detect a shared root-cause signature.
func (s *Store) FailedItemErrors(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(error_message, '') FROM items WHERE job_id = $1 AND status = $2
	`, jobID, models.ItemFailed)
	if err != nil {
		return nil, fmt.Errorf("query failed item errors: %w", err)
	}
	defer rows.Close()

	var msgs []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan item error: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanItems(rows pgx.Rows) ([]models.Item, error) {
	var items []models.Item
	for rows.Next() {
		var item models.Item
		var payloadJSON []byte
		var errMsg pgtype.Text
		if err := rows.Scan(&item.ID, &item.JobID, &item.Position, &item.Kind, &payloadJSON,
			&item.Status, &item.RetryCount, &errMsg, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal item payload: %w", err)
		}
		item.ErrorMessage = textPtr(errMsg)
		items = append(items, item)
	}
	return items, rows.Err()
}
