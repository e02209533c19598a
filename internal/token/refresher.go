// Package token refreshes expired OAuth credentials against the external
// identity provider and classifies failures so the scheduler can decide
// between retrying and giving up.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gbp-orchestrator/internal/config"
	"gbp-orchestrator/internal/models"
)

// RefreshError carries the retry classification of a failed refresh.
// Revoked or otherwise invalid refresh tokens are terminal; network trouble
// and provider 5xx are retryable.
type RefreshError struct {
	Retryable bool
	Err       error
}

func (e *RefreshError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("token refresh (%s): %v", kind, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Retryable reports whether err is a refresh failure worth retrying on a
// later tick. Unclassified errors are treated as retryable so a bug in
// classification never permanently fails an item.
func Retryable(err error) bool {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return true
}

// grant is the provider response for the refresh_token grant.
type grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type grantError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// IdentityProvider performs the refresh grant against the external identity
// provider.
type IdentityProvider interface {
	RefreshGrant(ctx context.Context, refreshToken string) (grant, error)
}

// GoogleProvider calls the Google OAuth token endpoint.
type GoogleProvider struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewGoogleProvider builds a provider from config with a bounded HTTP timeout.
func NewGoogleProvider(cfg config.Config) *GoogleProvider {
	timeout := cfg.ExternalCallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GoogleProvider{
		endpoint:     cfg.TokenEndpoint,
		clientID:     cfg.GoogleClientID,
		clientSecret: cfg.GoogleClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// RefreshGrant exchanges a refresh token for a new access token.
func (p *GoogleProvider) RefreshGrant(ctx context.Context, refreshToken string) (grant, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return grant{}, &RefreshError{Retryable: false, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return grant{}, &RefreshError{Retryable: true, Err: fmt.Errorf("call token endpoint: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return grant{}, &RefreshError{Retryable: true, Err: fmt.Errorf("token endpoint status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		var ge grantError
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		// invalid_grant means the refresh token is revoked or expired; no
		// retry will help without the user re-consenting.
		return grant{}, &RefreshError{
			Retryable: ge.Code != "invalid_grant" && resp.StatusCode != http.StatusUnauthorized,
			Err:       fmt.Errorf("token endpoint status %d: %s %s", resp.StatusCode, ge.Code, ge.Description),
		}
	}

	var g grant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return grant{}, &RefreshError{Retryable: true, Err: fmt.Errorf("decode grant: %w", err)}
	}
	if g.AccessToken == "" || g.ExpiresIn <= 0 {
		return grant{}, &RefreshError{Retryable: true, Err: errors.New("grant missing access token or expiry")}
	}
	return g, nil
}

// Refresher turns expired credentials into fresh ones.
type Refresher struct {
	provider IdentityProvider
	now      func() time.Time
}

// NewRefresher wraps an identity provider.
func NewRefresher(provider IdentityProvider) *Refresher {
	return &Refresher{provider: provider, now: time.Now}
}

// Refresh obtains a new credential for cred. The refresh token is preserved
// unless the provider rotates it, and the returned expiry is strictly later
// than the old one.
func (r *Refresher) Refresh(ctx context.Context, cred models.Credential) (models.Credential, error) {
	g, err := r.provider.RefreshGrant(ctx, cred.RefreshToken)
	if err != nil {
		return models.Credential{}, err
	}

	next := models.Credential{
		AccessToken:  g.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    r.now().UTC().Add(time.Duration(g.ExpiresIn) * time.Second),
	}
	if g.RefreshToken != "" {
		next.RefreshToken = g.RefreshToken
	}
	if !next.ExpiresAt.After(cred.ExpiresAt) {
		return models.Credential{}, &RefreshError{
			Retryable: true,
			Err:       fmt.Errorf("provider returned non-advancing expiry %s", next.ExpiresAt),
		}
	}
	return next, nil
}
