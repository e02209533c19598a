package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbp-orchestrator/internal/config"
	"gbp-orchestrator/internal/models"
)

func clientFor(t *testing.T, handler http.HandlerFunc) *GoogleClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGoogleClient(config.Config{
		PublishBaseURL:      srv.URL,
		ExternalCallTimeout: 2 * time.Second,
	})
}

func TestCreateLocalPostSuccess(t *testing.T) {
	client := clientFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/locations/123/localPosts", r.URL.Path)
		assert.Equal(t, "Bearer at-valid", r.Header.Get("Authorization"))

		var post LocalPost
		require.NoError(t, json.NewDecoder(r.Body).Decode(&post))
		assert.Equal(t, "grand opening", post.Summary)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"locations/123/localPosts/post123"}`))
	})

	name, err := client.CreateLocalPost(context.Background(), "locations/123", "at-valid", LocalPost{
		LanguageCode: "en", Summary: "grand opening",
	})
	require.NoError(t, err)
	assert.Equal(t, "locations/123/localPosts/post123", name)
}

func TestCreateLocalPostStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		client := clientFor(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := client.CreateLocalPost(context.Background(), "locations/123", "at", LocalPost{Summary: "x"})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.retryable, Retryable(err), "status %d", tc.status)
	}
}

type fakeAPI struct {
	gotPost    LocalPost
	postName   string
	postErr    error
	reviews    []ProviderReview
	reviewsErr error
}

func (f *fakeAPI) CreateLocalPost(_ context.Context, _, _ string, post LocalPost) (string, error) {
	f.gotPost = post
	return f.postName, f.postErr
}

func (f *fakeAPI) ListReviews(context.Context, string, string) ([]ProviderReview, error) {
	return f.reviews, f.reviewsErr
}

type fakePreparer struct{ prefix string }

func (f *fakePreparer) Prepare(_ context.Context, src string) (string, error) {
	return f.prefix + src, nil
}

func TestExecutorPreparesMediaBeforePublish(t *testing.T) {
	api := &fakeAPI{postName: "localPosts/abc"}
	exec := NewExecutor(api, &fakePreparer{prefix: "https://cdn.example/"})

	name, err := exec.PublishPost(context.Background(), "locations/123", models.Credential{AccessToken: "at"}, models.WorkItem{
		Content:   "hello",
		MediaURLs: []string{"img.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "localPosts/abc", name)
	require.Len(t, api.gotPost.Media, 1)
	assert.Equal(t, "https://cdn.example/img.png", api.gotPost.Media[0].SourceURL)
	assert.Equal(t, "PHOTO", api.gotPost.Media[0].MediaFormat)
}

func TestExecutorFetchReviewsMapsToStorageForm(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	api := &fakeAPI{reviews: []ProviderReview{
		{ReviewID: "rev-1", Reviewer: "Pat", StarRating: 5, Comment: "great", CreateTime: created},
	}}
	exec := NewExecutor(api, nil)

	loc := models.Location{ID: "loc-1", GoogleLocationID: "locations/123"}
	reviews, err := exec.FetchReviews(context.Background(), loc, models.Credential{AccessToken: "at"})
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "loc-1", reviews[0].LocationID)
	assert.Equal(t, "rev-1", reviews[0].GoogleReviewID)
	assert.Equal(t, 5, reviews[0].Rating)
	assert.Equal(t, created, reviews[0].ReviewedAt)
}
