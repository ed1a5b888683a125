package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"review-batch-runner/internal/models"
)

// RecordChange inserts a change alert unless one already exists for the same
// (account, location, field). Returns true when a new alert was recorded;
// duplicate detections are silently ignored.
func (s *Store) RecordChange(ctx context.Context, alert models.ChangeAlert) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO change_alerts (id, account_id, location_id, field, old_value, new_value, source, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id, location_id, field) DO NOTHING
	`, uuid.New().String(), alert.AccountID, alert.LocationID, alert.Field, alert.OldValue, alert.NewValue, alert.Source)
	if err != nil {
		return false, fmt.Errorf("insert change alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListChanges returns the recorded change alerts for an account, newest
// first.
func (s *Store) ListChanges(ctx context.Context, accountID string) ([]models.ChangeAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, location_id, field, old_value, new_value, source, detected_at
		FROM change_alerts WHERE account_id = $1 ORDER BY detected_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list change alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.ChangeAlert
	for rows.Next() {
		var a models.ChangeAlert
		if err := rows.Scan(&a.ID, &a.AccountID, &a.LocationID, &a.Field, &a.OldValue, &a.NewValue, &a.Source, &a.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan change alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// GetFieldSnapshot returns the last observed value for a location field, if
// any. The profile monitor diffs fresh fetches against these.
func (s *Store) GetFieldSnapshot(ctx context.Context, accountID, locationID, field string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM field_snapshots WHERE account_id = $1 AND location_id = $2 AND field = $3
	`, accountID, locationID, field).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query field snapshot: %w", err)
	}
	return value, true, nil
}

// PutFieldSnapshot upserts the observed value for a location field.
func (s *Store) PutFieldSnapshot(ctx context.Context, accountID, locationID, field, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO field_snapshots (account_id, location_id, field, value, observed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id, location_id, field) DO UPDATE SET value = $4, observed_at = NOW()
	`, accountID, locationID, field, value)
	if err != nil {
		return fmt.Errorf("upsert field snapshot: %w", err)
	}
	return nil
}

// UpsertKeywordVisibility folds one successful check into the per-keyword
// aggregate: running mean of the observed score over the sample size.
func (s *Store) UpsertKeywordVisibility(ctx context.Context, accountID, keyword string, score float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keyword_visibility (account_id, keyword, score, sample_size, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (account_id, keyword) DO UPDATE
		SET score = (keyword_visibility.score * keyword_visibility.sample_size + $3) / (keyword_visibility.sample_size + 1),
		    sample_size = keyword_visibility.sample_size + 1,
		    updated_at = NOW()
	`, accountID, keyword, score)
	if err != nil {
		return fmt.Errorf("upsert keyword visibility: %w", err)
	}
	return nil
}

// InsertNotification writes one in-app notification row.
func (s *Store) InsertNotification(ctx context.Context, accountID, typ string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, account_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New().String(), accountID, typ, payloadJSON)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
