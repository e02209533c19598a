package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"gbp-orchestrator/internal/lifecycle"
	"gbp-orchestrator/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a compare-and-set update matched no row,
// meaning another writer changed the record's state first.
var ErrConflict = errors.New("state changed concurrently")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateWorkItemParams collects inputs required to insert a work item.
type CreateWorkItemParams struct {
	Kind        string
	Tenant      string
	LocationID  string
	Content     string
	MediaURLs   []string
	ScheduledAt *time.Time
}

// CreateWorkItem inserts a work item. Items carrying a schedule time start
// scheduled, the rest start as drafts.
func (s *Store) CreateWorkItem(ctx context.Context, p CreateWorkItemParams) (models.WorkItem, error) {
	if p.Kind == "" {
		p.Kind = models.KindPost
	}
	status := models.StatusDraft
	if p.ScheduledAt != nil {
		status = models.StatusScheduled
	}
	if p.MediaURLs == nil {
		p.MediaURLs = []string{}
	}
	mediaJSON, err := json.Marshal(p.MediaURLs)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("marshal media urls: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO work_items (id, kind, tenant, location_id, content, media_urls, status, scheduled_at, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
	`, id, p.Kind, p.Tenant, p.LocationID, p.Content, mediaJSON, status, p.ScheduledAt, now)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}

	return models.WorkItem{
		ID:          id,
		Kind:        p.Kind,
		Tenant:      p.Tenant,
		LocationID:  p.LocationID,
		Content:     p.Content,
		MediaURLs:   p.MediaURLs,
		Status:      status,
		ScheduledAt: p.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const workItemColumns = `id, kind, tenant, location_id, content, media_urls, status, scheduled_at, published_at, external_id, attempts, last_error, created_at, updated_at`

// GetWorkItem fetches a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workItemColumns+` FROM work_items WHERE id = $1
	`, id)
	return scanWorkItem(row)
}

// DueWorkItems returns scheduled items of the given kind whose schedule time
// has arrived, scoped to active locations only. Items far in the past are
// still eligible; downtime does not skip them.
func (s *Store) DueWorkItems(ctx context.Context, kind string, now time.Time, limit int) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixColumns("w", workItemColumns)+`
		FROM work_items w
		JOIN locations l ON l.id = w.location_id
		WHERE w.kind = $1 AND w.status = $2 AND w.scheduled_at <= $3 AND l.is_active
		ORDER BY w.scheduled_at ASC
		LIMIT $4
	`, kind, models.StatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due work items: %w", err)
	}
	defer rows.Close()

	var items []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Schedule moves a draft (or already scheduled) item onto the schedule.
func (s *Store) Schedule(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, scheduled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $2)
	`, id, models.StatusScheduled, at, models.StatusDraft)
	if err != nil {
		return fmt.Errorf("schedule work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetWorkItem(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: item is not schedulable", ErrConflict)
	}
	return nil
}

// MarkPublished transitions a scheduled item to published, recording the
// provider-assigned id and publish time. The external id precondition is
// enforced here, not best-effort.
func (s *Store) MarkPublished(ctx context.Context, id, externalID string, publishedAt time.Time) error {
	if err := lifecycle.CheckPublish(models.StatusScheduled, externalID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, external_id = $3, published_at = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPublished, externalID, publishedAt, models.StatusScheduled)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %s left scheduled state", ErrConflict, id)
	}
	return nil
}

// MarkFailed transitions a scheduled item to failed with a cause for
// operator review.
func (s *Store) MarkFailed(ctx context.Context, id, cause string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, cause, models.StatusScheduled)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %s left scheduled state", ErrConflict, id)
	}
	return nil
}

// BumpAttempts records one more retryable failure, leaving the item
// scheduled for the next tick. It returns the new attempt count.
func (s *Store) BumpAttempts(ctx context.Context, id, cause string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING attempts
	`, id, cause, models.StatusScheduled).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: item %s left scheduled state", ErrConflict, id)
	}
	if err != nil {
		return 0, fmt.Errorf("bump attempts: %w", err)
	}
	return attempts, nil
}

// CreateLocationParams collects inputs to connect a location.
type CreateLocationParams struct {
	Tenant           string
	GoogleLocationID string
	Credential       models.Credential
}

// CreateLocation inserts an active location with its initial credential
// (obtained by the OAuth handshake, which lives outside this core).
func (s *Store) CreateLocation(ctx context.Context, p CreateLocationParams) (models.Location, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (id, tenant, google_location_id, is_active, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $7)
	`, id, p.Tenant, p.GoogleLocationID, p.Credential.AccessToken, p.Credential.RefreshToken, p.Credential.ExpiresAt, now)
	if err != nil {
		return models.Location{}, fmt.Errorf("insert location: %w", err)
	}
	return models.Location{
		ID:               id,
		Tenant:           p.Tenant,
		GoogleLocationID: p.GoogleLocationID,
		IsActive:         true,
		Credential:       p.Credential,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetLocation fetches a location with its credential.
func (s *Store) GetLocation(ctx context.Context, id string) (models.Location, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, google_location_id, is_active, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM locations WHERE id = $1
	`, id)
	var loc models.Location
	err := row.Scan(&loc.ID, &loc.Tenant, &loc.GoogleLocationID, &loc.IsActive,
		&loc.Credential.AccessToken, &loc.Credential.RefreshToken, &loc.Credential.ExpiresAt,
		&loc.CreatedAt, &loc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Location{}, fmt.Errorf("scan location: %w", err)
	}
	return loc, nil
}

// ActiveLocations returns every location still eligible for automated work.
func (s *Store) ActiveLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, google_location_id, is_active, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM locations WHERE is_active
	`)
	if err != nil {
		return nil, fmt.Errorf("query active locations: %w", err)
	}
	defer rows.Close()

	var locs []models.Location
	for rows.Next() {
		var loc models.Location
		if err := rows.Scan(&loc.ID, &loc.Tenant, &loc.GoogleLocationID, &loc.IsActive,
			&loc.Credential.AccessToken, &loc.Credential.RefreshToken, &loc.Credential.ExpiresAt,
			&loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// DeactivateLocation marks a location unusable for automated execution,
// typically after its refresh token was revoked.
func (s *Store) DeactivateLocation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE locations SET is_active = FALSE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate location: %w", err)
	}
	return nil
}

// GetCredential returns the credential owned by a location.
func (s *Store) GetCredential(ctx context.Context, locationID string) (models.Credential, error) {
	var cred models.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_expiry FROM locations WHERE id = $1
	`, locationID).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential for location %s: %w", locationID, ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("query credential: %w", err)
	}
	return cred, nil
}

// SaveCredential persists a refreshed credential. Per-location writes are
// last-writer-wins; the scheduler never overlaps two refreshes for the same
// location, so updates are applied in refresh order.
func (s *Store) SaveCredential(ctx context.Context, locationID string, cred models.Credential) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locations
		SET access_token = $2, refresh_token = $3, token_expiry = $4, updated_at = NOW()
		WHERE id = $1
	`, locationID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential for location %s: %w", locationID, ErrNotFound)
	}
	return nil
}

// CreateTransactionParams collects inputs for a pending payment record.
type CreateTransactionParams struct {
	Tenant               string
	Gateway              string
	GatewayTransactionID string
	AmountCents          int64
	Currency             string
}

// CreateTransaction inserts a payment transaction in pending state. The
// order/intent path calls this before redirecting to the gateway.
func (s *Store) CreateTransaction(ctx context.Context, p CreateTransactionParams) (models.PaymentTransaction, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_transactions (id, tenant, gateway, gateway_transaction_id, amount_cents, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Tenant, p.Gateway, p.GatewayTransactionID, p.AmountCents, p.Currency, models.PaymentPending, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.PaymentTransaction{}, fmt.Errorf("%w: transaction %s/%s already exists", ErrConflict, p.Gateway, p.GatewayTransactionID)
		}
		return models.PaymentTransaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return models.PaymentTransaction{
		ID:                   id,
		Tenant:               p.Tenant,
		Gateway:              p.Gateway,
		GatewayTransactionID: p.GatewayTransactionID,
		AmountCents:          p.AmountCents,
		Currency:             p.Currency,
		Status:               models.PaymentPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// TransitionPayment applies a gateway-reported outcome to a transaction
// under a row lock. Applying the state a transaction is already in is a
// no-op, not an error, so duplicate webhook deliveries converge. It returns
// the transaction after the call and whether a transition was applied.
func (s *Store) TransitionPayment(ctx context.Context, gateway, gatewayTxID, next string) (models.PaymentTransaction, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.PaymentTransaction{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var rec models.PaymentTransaction
	err = tx.QueryRow(ctx, `
		SELECT id, tenant, gateway, gateway_transaction_id, amount_cents, currency, status, created_at, updated_at
		FROM payment_transactions
		WHERE gateway = $1 AND gateway_transaction_id = $2
		FOR UPDATE
	`, gateway, gatewayTxID).Scan(&rec.ID, &rec.Tenant, &rec.Gateway, &rec.GatewayTransactionID,
		&rec.AmountCents, &rec.Currency, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentTransaction{}, false, fmt.Errorf("transaction %s/%s: %w", gateway, gatewayTxID, ErrNotFound)
	}
	if err != nil {
		return models.PaymentTransaction{}, false, fmt.Errorf("lock transaction: %w", err)
	}

	if rec.Status == next {
		return rec, false, nil
	}
	if err := lifecycle.CheckPayment(rec.Status, next); err != nil {
		return rec, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payment_transactions SET status = $2, updated_at = NOW() WHERE id = $1
	`, rec.ID, next); err != nil {
		return rec, false, fmt.Errorf("update transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return rec, false, fmt.Errorf("commit transaction: %w", err)
	}
	rec.Status = next
	return rec, true, nil
}

// UpsertReview stores or refreshes a synced review.
func (s *Store) UpsertReview(ctx context.Context, r models.Review) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reviews (id, location_id, google_review_id, author, rating, comment, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (location_id, google_review_id)
		DO UPDATE SET author = EXCLUDED.author, rating = EXCLUDED.rating, comment = EXCLUDED.comment, reviewed_at = EXCLUDED.reviewed_at
	`, r.ID, r.LocationID, r.GoogleReviewID, r.Author, r.Rating, r.Comment, r.ReviewedAt)
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (models.WorkItem, error) {
	var item models.WorkItem
	var mediaJSON []byte
	var scheduledAt, publishedAt pgtype.Timestamptz
	var externalID, lastErr pgtype.Text

	err := row.Scan(&item.ID, &item.Kind, &item.Tenant, &item.LocationID, &item.Content, &mediaJSON,
		&item.Status, &scheduledAt, &publishedAt, &externalID, &item.Attempts, &lastErr,
		&item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("work item: %w", ErrNotFound)
	}
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}

	if err := json.Unmarshal(mediaJSON, &item.MediaURLs); err != nil {
		return models.WorkItem{}, fmt.Errorf("unmarshal media urls: %w", err)
	}
	item.ScheduledAt = timePtr(scheduledAt)
	item.PublishedAt = timePtr(publishedAt)
	item.ExternalID = textPtr(externalID)
	item.LastError = textPtr(lastErr)
	return item, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = prefix + "." + c
	}
	return strings.Join(parts, ", ")
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
