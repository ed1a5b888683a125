package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"review-batch-runner/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job with its items.
type CreateJobParams struct {
	AccountID      string
	Kind           string
	Capabilities   []string
	Items          []map[string]any
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row plus one item row per payload, honoring
// idempotency if a key is provided. It returns the job and a boolean
// indicating whether an existing job was reused via idempotency.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if len(p.Items) == 0 {
		return models.Job{}, false, errors.New("job requires at least one item")
	}

	// If an idempotency key already exists, short-circuit before creating
	// anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	key := p.IdempotencyKey
	if key == "" {
		key = id
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, account_id, kind, status, capabilities, total_items, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.AccountID, p.Kind, models.JobPending, p.Capabilities, len(p.Items), key, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	for pos, payload := range p.Items {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("marshal item payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO items (id, job_id, position, kind, payload, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, uuid.New().String(), id, pos, p.Kind, payloadJSON, models.ItemPending, now)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert item %d: %w", pos, err)
		}
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return
			// the existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		AccountID:      p.AccountID,
		Kind:           p.Kind,
		Status:         models.JobPending,
		Capabilities:   p.Capabilities,
		TotalItems:     len(p.Items),
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and
// unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

const jobColumns = `id, account_id, kind, status, capabilities, total_items, processed_items, successful_items, failed_items, idempotency_key, error_message, started_at, completed_at, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var errMsg pgtype.Text
	var started, completed pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.AccountID, &job.Kind, &job.Status, &job.Capabilities,
		&job.TotalItems, &job.ProcessedItems, &job.SuccessItems, &job.FailedItems,
		&job.IdempotencyKey, &errMsg, &started, &completed, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

// MarkJobProcessing records first pickup by the runner. The conditional write
// means only the first tick sets started_at; later calls match zero rows.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobProcessing, models.JobPending)
	return err
}

// UpdateJobProgress refreshes the denormalized item counters on a job that is
// still in flight.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, c models.ItemCounts) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET processed_items = $2, successful_items = $3, failed_items = $4, updated_at = NOW()
		WHERE id = $1
	`, id, c.Completed+c.Failed, c.Completed, c.Failed)
	return err
}

// FinalizeJob transitions a job to a terminal status, guarded on the job
// still being non-terminal. The returned boolean is true only for the caller
// that won the transition; a false return means another reconciler got there
// first and refund/notification must be skipped.
func (s *Store) FinalizeJob(ctx context.Context, id, status string, c models.ItemCounts) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, processed_items = $3, successful_items = $4, failed_items = $5,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($6, $7)
	`, id, status, c.Completed+c.Failed, c.Completed, c.Failed, models.JobPending, models.JobProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobFailed records an infrastructure failure on the job row so the
// failure is queryable rather than lost to logs.
func (s *Store) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobFailed, errMsg, models.JobPending, models.JobProcessing)
	return err
}

// StaleJobs returns ids of jobs stuck in processing past the cutoff.
func (s *Store) StaleJobs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE status = $1 AND updated_at < $2 ORDER BY created_at
	`, models.JobProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
