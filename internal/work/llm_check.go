package work

import (
	"context"
	"fmt"
	"strings"

	"review-batch-runner/internal/models"
)

// Asker is the LLM client surface the visibility check needs.
type Asker interface {
	Ask(ctx context.Context, provider, question string) (string, error)
}

// VisibilityStore folds check results into the per-keyword aggregate.
type VisibilityStore interface {
	UpsertKeywordVisibility(ctx context.Context, accountID, keyword string, score float64) error
}

// Throttle gates calls to rate-limited providers. A nil-safe wrapper is
// supplied by the caller.
type Throttle interface {
	Wait(ctx context.Context, provider string) error
}

// LLMCheck asks each of the job's providers one visibility question and
// scores how many of the answers mention the target domain. The aggregate is
// updated on success so dashboard reads lag by at most one cycle.
type LLMCheck struct {
	Asker      Asker
	Visibility VisibilityStore
	Throttle   Throttle
}

// Execute runs one visibility question across the job's providers.
func (e *LLMCheck) Execute(ctx context.Context, job models.Job, item models.Item) error {
	question, err := stringField(item.Payload, "question")
	if err != nil {
		return err
	}
	keyword, err := stringField(item.Payload, "keyword")
	if err != nil {
		return err
	}
	domain, err := stringField(item.Payload, "target_domain")
	if err != nil {
		return err
	}
	if len(job.Capabilities) == 0 {
		return fmt.Errorf("invalid payload: job has no providers")
	}

	mentions := 0
	for _, provider := range job.Capabilities {
		if e.Throttle != nil {
			if err := e.Throttle.Wait(ctx, provider); err != nil {
				return fmt.Errorf("throttle %s: %w", provider, err)
			}
		}
		answer, err := e.Asker.Ask(ctx, provider, question)
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(answer), strings.ToLower(domain)) {
			mentions++
		}
	}

	score := float64(mentions) / float64(len(job.Capabilities))
	if err := e.Visibility.UpsertKeywordVisibility(ctx, job.AccountID, keyword, score); err != nil {
		return fmt.Errorf("record visibility: %w", err)
	}
	return nil
}
