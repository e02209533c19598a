// Package scheduler drives the time-triggered control loops. One dispatcher
// object owns the timers and the bounded worker pool; there is no ambient
// process-wide job registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gbp-orchestrator/internal/claims"
	"gbp-orchestrator/internal/config"
	"gbp-orchestrator/internal/models"
	"gbp-orchestrator/internal/publish"
	"gbp-orchestrator/internal/store"
	"gbp-orchestrator/internal/telemetry"
	"gbp-orchestrator/internal/token"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	DueWorkItems(ctx context.Context, kind string, now time.Time, limit int) ([]models.WorkItem, error)
	ActiveLocations(ctx context.Context) ([]models.Location, error)
	GetLocation(ctx context.Context, id string) (models.Location, error)
	SaveCredential(ctx context.Context, locationID string, cred models.Credential) error
	DeactivateLocation(ctx context.Context, locationID string) error
	MarkPublished(ctx context.Context, id, externalID string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id, cause string) error
	BumpAttempts(ctx context.Context, id, cause string) (int, error)
	UpsertReview(ctx context.Context, r models.Review) error
}

// Claims is the in-flight claim registry surface.
type Claims interface {
	Acquire(ctx context.Context, key, owner string) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Refresher renews expired credentials.
type Refresher interface {
	Refresh(ctx context.Context, cred models.Credential) (models.Credential, error)
}

// Executor performs the externally visible side effects.
type Executor interface {
	PublishPost(ctx context.Context, googleLocationID string, cred models.Credential, item models.WorkItem) (string, error)
	FetchReviews(ctx context.Context, loc models.Location, cred models.Credential) ([]models.Review, error)
}

type outcomeKind int

const (
	outcomeSkip outcomeKind = iota // another worker owns the item; leave it alone
	outcomeSuccess
	outcomeRetry
	outcomeTerminal
)

// outcome is the explicit per-item result propagated up the loop, so the
// retry-vs-fail policy lives in one decision point.
type outcome struct {
	kind       outcomeKind
	externalID string
	err        error
}

// taskClass is one independent timer loop: posts, blog posts, review sync.
type taskClass struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	mu       sync.Mutex // held for the duration of a tick; TryLock skips overlap
}

// Dispatcher polls for due work, fans out bounded per-item execution, and
// applies state machine outcomes.
type Dispatcher struct {
	cfg       config.Config
	store     Store
	claims    Claims
	refresher Refresher
	executor  Executor
	owner     string
	now       func() time.Time
	classes   []*taskClass
}

// New constructs a dispatcher with its three task classes.
func New(cfg config.Config, st Store, cl Claims, refresher Refresher, executor Executor) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		store:     st,
		claims:    cl,
		refresher: refresher,
		executor:  executor,
		owner:     uuid.New().String(),
		now:       time.Now,
	}
	d.classes = []*taskClass{
		{name: "posts", interval: cfg.PostTickInterval, run: func(ctx context.Context) { d.processDue(ctx, models.KindPost) }},
		{name: "blog_posts", interval: cfg.BlogTickInterval, run: func(ctx context.Context) { d.processDue(ctx, models.KindBlogPost) }},
		{name: "review_sync", interval: cfg.ReviewSyncInterval, run: d.syncReviews},
	}
	return d
}

// Run starts one timer loop per task class until context cancellation.
// Cancellation stops new ticks immediately; in-flight items finish or are
// abandoned behind claims that expire on their own.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tc := range d.classes {
		tc := tc
		g.Go(func() error {
			ticker := time.NewTicker(tc.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					d.tick(ctx, tc)
				}
			}
		})
	}
	return g.Wait()
}

// tick runs one pass of a task class. A tick that fires while the previous
// one is still running is skipped, not queued.
func (d *Dispatcher) tick(ctx context.Context, tc *taskClass) {
	if !tc.mu.TryLock() {
		telemetry.TicksSkipped.WithLabelValues(tc.name).Inc()
		log.Printf("tick skipped: class=%s previous still running", tc.name)
		return
	}
	defer tc.mu.Unlock()

	start := time.Now()
	tc.run(ctx)
	telemetry.TickDuration.WithLabelValues(tc.name).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) processDue(ctx context.Context, kind string) {
	now := d.now().UTC()
	items, err := d.store.DueWorkItems(ctx, kind, now, d.cfg.DueBatchSize)
	if err != nil {
		log.Printf("query due %s items: %v", kind, err)
		return
	}
	if len(items) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency())
	for _, item := range items {
		item := item
		g.Go(func() error {
			// Per-item failures never abort the rest of the batch.
			d.processItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) processItem(ctx context.Context, item models.WorkItem) {
	key := claims.ItemKey(item.ID)
	ok, err := d.claims.Acquire(ctx, key, d.owner)
	if err != nil {
		log.Printf("item=%s acquire claim: %v", item.ID, err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := d.claims.Release(ctx, key, d.owner); err != nil {
			log.Printf("item=%s release claim: %v", item.ID, err)
		}
	}()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	d.applyOutcome(ctx, item, d.executeItem(ctx, item))
}

// executeItem produces the item's outcome without touching work item state.
func (d *Dispatcher) executeItem(ctx context.Context, item models.WorkItem) outcome {
	if item.Attempts >= d.maxAttempts() {
		return outcome{kind: outcomeTerminal, err: fmt.Errorf("attempt cap %d reached: %s", d.maxAttempts(), deref(item.LastError))}
	}

	loc, err := d.store.GetLocation(ctx, item.LocationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outcome{kind: outcomeTerminal, err: err}
		}
		return outcome{kind: outcomeRetry, err: err}
	}
	if !loc.IsActive {
		// Deactivated between the due query and the claim.
		return outcome{kind: outcomeTerminal, err: fmt.Errorf("location %s is inactive", loc.ID)}
	}

	cred := loc.Credential
	if cred.Expired(d.now().UTC().Add(d.cfg.TokenExpirySkew)) {
		fresh, oc := d.refreshCredential(ctx, loc.ID, cred)
		if oc != nil {
			return *oc
		}
		cred = fresh
	}

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	externalID, err := d.executor.PublishPost(callCtx, loc.GoogleLocationID, cred, item)
	if err != nil {
		if publish.Retryable(err) {
			return outcome{kind: outcomeRetry, err: err}
		}
		return outcome{kind: outcomeTerminal, err: err}
	}
	return outcome{kind: outcomeSuccess, externalID: externalID}
}

// refreshCredential renews and persists a location's credential under the
// credential claim, so two workers never overlap a refresh for the same
// location. A non-nil outcome means the caller must stop with it.
func (d *Dispatcher) refreshCredential(ctx context.Context, locationID string, cred models.Credential) (models.Credential, *outcome) {
	key := claims.CredentialKey(locationID)
	ok, err := d.claims.Acquire(ctx, key, d.owner)
	if err != nil {
		return cred, &outcome{kind: outcomeRetry, err: err}
	}
	if !ok {
		// Another worker is refreshing this credential right now.
		return cred, &outcome{kind: outcomeSkip}
	}
	defer func() {
		if err := d.claims.Release(ctx, key, d.owner); err != nil {
			log.Printf("location=%s release credential claim: %v", locationID, err)
		}
	}()

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	fresh, err := d.refresher.Refresh(callCtx, cred)
	if err != nil {
		telemetry.TokenRefreshFails.Inc()
		if token.Retryable(err) {
			return cred, &outcome{kind: outcomeRetry, err: err}
		}
		// Revoked refresh token: the location is unusable for automated
		// execution until the user reconnects it.
		if derr := d.store.DeactivateLocation(ctx, locationID); derr != nil {
			log.Printf("location=%s deactivate: %v", locationID, derr)
		}
		return cred, &outcome{kind: outcomeTerminal, err: err}
	}

	if err := d.store.SaveCredential(ctx, locationID, fresh); err != nil {
		return cred, &outcome{kind: outcomeRetry, err: err}
	}
	telemetry.TokensRefreshed.Inc()
	return fresh, nil
}

// applyOutcome is the single decision point mapping an item outcome onto
// the work item state machine.
func (d *Dispatcher) applyOutcome(ctx context.Context, item models.WorkItem, oc outcome) {
	switch oc.kind {
	case outcomeSkip:
		return
	case outcomeSuccess:
		if err := d.store.MarkPublished(ctx, item.ID, oc.externalID, d.now().UTC()); err != nil {
			log.Printf("item=%s mark published: %v", item.ID, err)
			return
		}
		telemetry.PostsPublished.Inc()
		log.Printf("item=%s published external_id=%s", item.ID, oc.externalID)
	case outcomeTerminal:
		if err := d.store.MarkFailed(ctx, item.ID, oc.err.Error()); err != nil {
			log.Printf("item=%s mark failed: %v", item.ID, err)
			return
		}
		telemetry.PostsFailed.Inc()
		log.Printf("item=%s failed: %v", item.ID, oc.err)
	case outcomeRetry:
		attempts, err := d.store.BumpAttempts(ctx, item.ID, oc.err.Error())
		if err != nil {
			log.Printf("item=%s bump attempts: %v", item.ID, err)
			return
		}
		telemetry.PostsRetried.Inc()
		log.Printf("item=%s left scheduled attempts=%d cause=%v", item.ID, attempts, oc.err)
	}
}

func (d *Dispatcher) syncReviews(ctx context.Context) {
	locs, err := d.store.ActiveLocations(ctx)
	if err != nil {
		log.Printf("query active locations: %v", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency())
	for _, loc := range locs {
		loc := loc
		g.Go(func() error {
			d.syncLocationReviews(ctx, loc)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) syncLocationReviews(ctx context.Context, loc models.Location) {
	cred := loc.Credential
	if cred.Expired(d.now().UTC().Add(d.cfg.TokenExpirySkew)) {
		fresh, oc := d.refreshCredential(ctx, loc.ID, cred)
		if oc != nil {
			log.Printf("location=%s review sync skipped: %v", loc.ID, oc.err)
			return
		}
		cred = fresh
	}

	callCtx, cancel := d.callContext(ctx)
	defer cancel()
	reviews, err := d.executor.FetchReviews(callCtx, loc, cred)
	if err != nil {
		log.Printf("location=%s fetch reviews: %v", loc.ID, err)
		return
	}

	for _, r := range reviews {
		if err := d.store.UpsertReview(ctx, r); err != nil {
			log.Printf("location=%s upsert review %s: %v", loc.ID, r.GoogleReviewID, err)
		}
	}
	log.Printf("location=%s synced %d reviews", loc.ID, len(reviews))
}

func (d *Dispatcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.cfg.ExternalCallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *Dispatcher) concurrency() int {
	if d.cfg.WorkerConcurrency > 0 {
		return d.cfg.WorkerConcurrency
	}
	return 8
}

func (d *Dispatcher) maxAttempts() int {
	if d.cfg.MaxAttempts > 0 {
		return d.cfg.MaxAttempts
	}
	return 3
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
