// Package publish performs externally visible side effects: creating local
// posts and fetching reviews. The executor is called at most once per state
// transition; idempotence at the work-item level is the dispatcher's job.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gbp-orchestrator/internal/models"
)

// PostAPI is the provider surface the executor needs.
type PostAPI interface {
	CreateLocalPost(ctx context.Context, googleLocationID, accessToken string, post LocalPost) (string, error)
	ListReviews(ctx context.Context, googleLocationID, accessToken string) ([]ProviderReview, error)
}

// MediaPreparer re-hosts a source image within provider limits and returns
// the hosted URL.
type MediaPreparer interface {
	Prepare(ctx context.Context, sourceURL string) (string, error)
}

// Executor turns valid credentials and work items into provider calls.
type Executor struct {
	api   PostAPI
	media MediaPreparer // nil disables media preparation
}

// NewExecutor builds an executor. media may be nil.
func NewExecutor(api PostAPI, media MediaPreparer) *Executor {
	return &Executor{api: api, media: media}
}

// PublishPost publishes the work item and returns the provider-assigned id.
func (e *Executor) PublishPost(ctx context.Context, googleLocationID string, cred models.Credential, item models.WorkItem) (string, error) {
	post := LocalPost{
		LanguageCode: "en",
		Summary:      item.Content,
	}
	for _, src := range item.MediaURLs {
		hosted := src
		if e.media != nil {
			prepared, err := e.media.Prepare(ctx, src)
			if err != nil {
				return "", &ExecutionError{Retryable: true, Err: fmt.Errorf("prepare media %s: %w", src, err)}
			}
			hosted = prepared
		}
		post.Media = append(post.Media, PostMedia{MediaFormat: "PHOTO", SourceURL: hosted})
	}

	return e.api.CreateLocalPost(ctx, googleLocationID, cred.AccessToken, post)
}

// FetchReviews pulls the location's reviews mapped into storage form.
func (e *Executor) FetchReviews(ctx context.Context, loc models.Location, cred models.Credential) ([]models.Review, error) {
	provided, err := e.api.ListReviews(ctx, loc.GoogleLocationID, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	reviews := make([]models.Review, 0, len(provided))
	for _, pr := range provided {
		reviewedAt := pr.CreateTime
		if reviewedAt.IsZero() {
			reviewedAt = time.Now().UTC()
		}
		reviews = append(reviews, models.Review{
			ID:             uuid.New().String(),
			LocationID:     loc.ID,
			GoogleReviewID: pr.ReviewID,
			Author:         pr.Reviewer,
			Rating:         pr.StarRating,
			Comment:        pr.Comment,
			ReviewedAt:     reviewedAt,
		})
	}
	return reviews, nil
}
