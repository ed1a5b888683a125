// Package work implements one executor per work kind. Each executor performs
// the single external interaction an item represents and returns an error for
// the retry harness to classify; executors never touch job or item status.
package work

import (
	"context"
	"errors"
	"fmt"

	"review-batch-runner/internal/models"
)

// Executor performs the external call for one item of its kind.
type Executor func(ctx context.Context, job models.Job, item models.Item) error

// stringField pulls a required string out of an item payload.
func stringField(payload map[string]any, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("invalid payload: %s is required", key)
	}
	return v, nil
}

func optionalString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func stringList(payload map[string]any, key string) ([]string, error) {
	raw, ok := payload[key].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("invalid payload: %s is required", key)
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok || s == "" {
			return nil, errors.New("invalid payload: " + key + " entries must be strings")
		}
		out = append(out, s)
	}
	return out, nil
}
