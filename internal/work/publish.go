package work

import (
	"context"
	"fmt"

	"review-batch-runner/internal/gbp"
	"review-batch-runner/internal/models"
)

// Poster is the Business Profile client surface the publishers need.
type Poster interface {
	CreatePost(ctx context.Context, accountID, locationID string, post gbp.Post) error
}

// TextPost publishes one text post to one location.
type TextPost struct {
	Poster Poster
}

// Execute publishes the item's post.
func (e *TextPost) Execute(ctx context.Context, job models.Job, item models.Item) error {
	locationID, err := stringField(item.Payload, "location_id")
	if err != nil {
		return err
	}
	summary, err := stringField(item.Payload, "summary")
	if err != nil {
		return err
	}
	return e.Poster.CreatePost(ctx, job.AccountID, locationID, gbp.Post{
		Summary: summary,
		CTAUrl:  optionalString(item.Payload, "cta_url"),
	})
}

// PhotoPost stages the item's photo through the media pipeline and publishes
// a post referencing the stored copy.
type PhotoPost struct {
	Poster Poster
	Media  *MediaPipeline
}

// Execute stages the photo and publishes the post.
func (e *PhotoPost) Execute(ctx context.Context, job models.Job, item models.Item) error {
	locationID, err := stringField(item.Payload, "location_id")
	if err != nil {
		return err
	}
	summary, err := stringField(item.Payload, "summary")
	if err != nil {
		return err
	}
	photoURL, err := stringField(item.Payload, "photo_url")
	if err != nil {
		return err
	}

	key := optionalString(item.Payload, "output_key")
	if key == "" {
		key = fmt.Sprintf("posts/%s/%s.jpg", job.AccountID, item.ID)
	}

	mediaURL, err := e.Media.Stage(ctx, photoURL, key)
	if err != nil {
		return err
	}
	return e.Poster.CreatePost(ctx, job.AccountID, locationID, gbp.Post{
		Summary:  summary,
		MediaURL: mediaURL,
		CTAUrl:   optionalString(item.Payload, "cta_url"),
	})
}
