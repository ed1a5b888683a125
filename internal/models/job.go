package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
const (
	JobPending        = "pending"
	JobProcessing     = "processing"
	JobCompleted      = "completed"
	JobPartialSuccess = "partial_success"
	JobFailed         = "failed"
)

// ItemStatus enumerates item lifecycle states.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// Work kinds form a closed set; the runner dispatches on these exhaustively.
const (
	KindLLMCheck     = "llm_check"
	KindPostText     = "post_text"
	KindPostPhoto    = "post_photo"
	KindProfileCheck = "profile_check"
)

// JobTerminal reports whether a job status is terminal.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobPartialSuccess, JobFailed:
		return true
	}
	return false
}

// ItemTerminal reports whether an item status is terminal.
func ItemTerminal(status string) bool {
	return status == ItemCompleted || status == ItemFailed
}

// Job is a unit of user-requested work composed of many items, tracked to a
// terminal status. Terminal transitions are performed only by reconciliation,
// never by per-item processing.
type Job struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	Capabilities   []string   `json:"capabilities"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	SuccessItems   int        `json:"successful_items"`
	FailedItems    int        `json:"failed_items"`
	IdempotencyKey string     `json:"idempotency_key"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Item is the smallest independently retryable unit of work inside a job.
// Items are never deleted; they are retained for audit and refund derivation.
type Item struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Position     int            `json:"position"`
	Kind         string         `json:"kind"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ItemCounts is a per-status tally of a job's items.
type ItemCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the number of items across all statuses.
func (c ItemCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Remaining returns the number of items still in flight.
func (c ItemCounts) Remaining() int {
	return c.Pending + c.Processing
}

// TerminalStatus maps final counts onto a terminal job status. It is only
// meaningful once Remaining() == 0.
func (c ItemCounts) TerminalStatus() string {
	switch {
	case c.Failed == c.Total():
		return JobFailed
	case c.Failed == 0:
		return JobCompleted
	default:
		return JobPartialSuccess
	}
}

// PerItemCost sums the per-capability cost table over a job's capabilities.
// Credits to refund are recomputed from current failure counts using this
// figure, never re-derived from the original debit.
func PerItemCost(table map[string]int, capabilities []string) int {
	total := 0
	for _, c := range capabilities {
		total += table[c]
	}
	return total
}
