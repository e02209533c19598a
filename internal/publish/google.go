package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gbp-orchestrator/internal/config"
)

// ExecutionError carries the retry classification of a failed side effect.
// Rate limits and provider 5xx are retryable; rejected content and missing
// resources are terminal.
type ExecutionError struct {
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("publish (%s): %v", kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable reports whether err is an execution failure worth retrying on a
// later tick. Unclassified errors default to retryable.
func Retryable(err error) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return true
}

// LocalPost is the wire shape of a Business Profile local post.
type LocalPost struct {
	LanguageCode string      `json:"languageCode"`
	Summary      string      `json:"summary"`
	Media        []PostMedia `json:"media,omitempty"`
}

// PostMedia attaches a hosted image to a local post.
type PostMedia struct {
	MediaFormat string `json:"mediaFormat"`
	SourceURL   string `json:"sourceUrl"`
}

// ProviderReview is a review as returned by the provider.
type ProviderReview struct {
	ReviewID   string    `json:"reviewId"`
	Reviewer   string    `json:"reviewer"`
	StarRating int       `json:"starRating"`
	Comment    string    `json:"comment"`
	CreateTime time.Time `json:"createTime"`
}

// GoogleClient talks to the Business Profile REST API.
type GoogleClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGoogleClient builds a client with a bounded HTTP timeout.
func NewGoogleClient(cfg config.Config) *GoogleClient {
	timeout := cfg.ExternalCallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GoogleClient{
		baseURL:    cfg.PublishBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateLocalPost publishes a post under the location and returns the
// provider-assigned post name.
func (c *GoogleClient) CreateLocalPost(ctx context.Context, googleLocationID, accessToken string, post LocalPost) (string, error) {
	body, err := json.Marshal(post)
	if err != nil {
		return "", &ExecutionError{Retryable: false, Err: fmt.Errorf("marshal post: %w", err)}
	}

	url := fmt.Sprintf("%s/%s/localPosts", c.baseURL, googleLocationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &ExecutionError{Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ExecutionError{Retryable: true, Err: fmt.Errorf("call publish api: %w", err)}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var created struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", &ExecutionError{Retryable: true, Err: fmt.Errorf("decode publish response: %w", err)}
	}
	if created.Name == "" {
		return "", &ExecutionError{Retryable: true, Err: errors.New("publish response missing post name")}
	}
	return created.Name, nil
}

// ListReviews fetches the reviews of a location.
func (c *GoogleClient) ListReviews(ctx context.Context, googleLocationID, accessToken string) ([]ProviderReview, error) {
	url := fmt.Sprintf("%s/%s/reviews", c.baseURL, googleLocationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ExecutionError{Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExecutionError{Retryable: true, Err: fmt.Errorf("call reviews api: %w", err)}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var listed struct {
		Reviews []ProviderReview `json:"reviews"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, &ExecutionError{Retryable: true, Err: fmt.Errorf("decode reviews response: %w", err)}
	}
	return listed.Reviews, nil
}

func classifyStatus(code int) error {
	switch {
	case code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return &ExecutionError{Retryable: true, Err: fmt.Errorf("provider status %d", code)}
	default:
		// 4xx other than 429: rejected content, bad resource, revoked scope.
		return &ExecutionError{Retryable: false, Err: fmt.Errorf("provider status %d", code)}
	}
}
