package models

import "time"

// Change sources distinguish who made a detected profile edit.
const (
	SourceGoogle = "google"
	SourceOwner  = "owner"
)

// ChangeAlert records one detected profile-field change, uniquely keyed by
// (account, location, field) so repeat detections never produce duplicate
// alerts.
type ChangeAlert struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	LocationID string    `json:"location_id"`
	Field      string    `json:"field"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detected_at"`
}

// KeywordVisibility is the derived per-keyword aggregate updated on every
// successful visibility check so dashboard reads are never stale by more
// than one processing cycle.
type KeywordVisibility struct {
	AccountID  string    `json:"account_id"`
	Keyword    string    `json:"keyword"`
	Score      float64   `json:"score"`
	SampleSize int       `json:"sample_size"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Notification is one in-app notification row written on a job's terminal
// transition.
type Notification struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
