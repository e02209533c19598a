package models

import (
	"time"
)

// Work item lifecycle states persisted in Postgres.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Payment transaction states.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// Work item kinds, one per scheduler task class.
const (
	KindPost     = "post"
	KindBlogPost = "blog_post"
)

// WorkItem is a schedulable unit of externally-published content.
type WorkItem struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Tenant      string     `json:"tenant"`
	LocationID  string     `json:"location_id"`
	Content     string     `json:"content"`
	MediaURLs   []string   `json:"media_urls"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ExternalID  *string    `json:"external_id,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Due reports whether the item is eligible for processing at now.
func (w WorkItem) Due(now time.Time) bool {
	return w.Status == StatusScheduled && w.ScheduledAt != nil && !w.ScheduledAt.After(now)
}

// Credential holds the OAuth tokens owned by a connected location.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is unusable at now.
// Expiry and now are both UTC; the caller adds any skew it wants.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Location is a connected Google Business Profile location. It exclusively
// owns the credential that authenticates calls made on its behalf.
type Location struct {
	ID               string     `json:"id"`
	Tenant           string     `json:"tenant"`
	GoogleLocationID string     `json:"google_location_id"`
	IsActive         bool       `json:"is_active"`
	Credential       Credential `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PaymentTransaction mirrors a gateway-side payment. It is created pending
// by the order path and mutated only by the webhook reconciler.
type PaymentTransaction struct {
	ID                   string    `json:"id"`
	Tenant               string    `json:"tenant"`
	Gateway              string    `json:"gateway"`
	GatewayTransactionID string    `json:"gateway_transaction_id"`
	AmountCents          int64     `json:"amount_cents"`
	Currency             string    `json:"currency"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Review is a synced copy of a provider-side review.
type Review struct {
	ID             string    `json:"id"`
	LocationID     string    `json:"location_id"`
	GoogleReviewID string    `json:"google_review_id"`
	Author         string    `json:"author"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment"`
	ReviewedAt     time.Time `json:"reviewed_at"`
}
