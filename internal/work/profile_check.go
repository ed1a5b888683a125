package work

import (
	"context"
	"fmt"

	"review-batch-runner/internal/models"
)

// LocationReader fetches current field values for a location.
type LocationReader interface {
	FetchLocation(ctx context.Context, accountID, locationID string, fields []string) (map[string]string, error)
}

// SnapshotStore persists observed field values and deduplicated change
// alerts.
type SnapshotStore interface {
	GetFieldSnapshot(ctx context.Context, accountID, locationID, field string) (string, bool, error)
	PutFieldSnapshot(ctx context.Context, accountID, locationID, field, value string) error
	RecordChange(ctx context.Context, alert models.ChangeAlert) (bool, error)
}

// ProfileCheck fetches a location's monitored fields, diffs them against the
// last observed snapshot, and records one alert per changed field. The alert
// store ignores duplicates, so repeat detections are silent.
type ProfileCheck struct {
	Reader    LocationReader
	Snapshots SnapshotStore
}

// Execute diffs one location's monitored fields.
func (e *ProfileCheck) Execute(ctx context.Context, job models.Job, item models.Item) error {
	locationID, err := stringField(item.Payload, "location_id")
	if err != nil {
		return err
	}
	fields, err := stringList(item.Payload, "fields")
	if err != nil {
		return err
	}
	source := optionalString(item.Payload, "source")
	if source == "" {
		source = models.SourceGoogle
	}

	current, err := e.Reader.FetchLocation(ctx, job.AccountID, locationID, fields)
	if err != nil {
		return err
	}

	for _, field := range fields {
		newValue := current[field]
		oldValue, seen, err := e.Snapshots.GetFieldSnapshot(ctx, job.AccountID, locationID, field)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", field, err)
		}
		if seen && oldValue != newValue {
			_, err := e.Snapshots.RecordChange(ctx, models.ChangeAlert{
				AccountID:  job.AccountID,
				LocationID: locationID,
				Field:      field,
				OldValue:   oldValue,
				NewValue:   newValue,
				Source:     source,
			})
			if err != nil {
				return fmt.Errorf("record change %s: %w", field, err)
			}
		}
		if err := e.Snapshots.PutFieldSnapshot(ctx, job.AccountID, locationID, field, newValue); err != nil {
			return fmt.Errorf("store snapshot %s: %w", field, err)
		}
	}
	return nil
}
