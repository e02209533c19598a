package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"gbp-orchestrator/internal/lifecycle"
	"gbp-orchestrator/internal/models"
)

// TestStore_Integration connects to a real PostgreSQL via DATABASE_URL and
// verifies the compare-and-set semantics end to end, including migration
// bootstrap. Without DATABASE_URL the test is skipped.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	loc, err := st.CreateLocation(ctx, CreateLocationParams{
		Tenant:           "tenant-1",
		GoogleLocationID: "locations/123",
		Credential: models.Credential{
			AccessToken:  "at-initial",
			RefreshToken: "rt-initial",
			ExpiresAt:    time.Now().UTC().Add(time.Hour),
		},
	})
	if err != nil {
		t.Fatalf("create location: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	item, err := st.CreateWorkItem(ctx, CreateWorkItemParams{
		Kind:        models.KindPost,
		Tenant:      "tenant-1",
		LocationID:  loc.ID,
		Content:     "grand opening",
		ScheduledAt: &past,
	})
	if err != nil {
		t.Fatalf("create work item: %v", err)
	}
	if item.Status != models.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", item.Status)
	}

	due, err := st.DueWorkItems(ctx, models.KindPost, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due work items: %v", err)
	}
	found := false
	for _, d := range due {
		if d.ID == item.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected item %s among due items", item.ID)
	}

	// Publishing requires a non-empty external id.
	if err := st.MarkPublished(ctx, item.ID, "", time.Now().UTC()); err == nil {
		t.Fatal("expected publish with empty external id to fail")
	}

	publishedAt := time.Now().UTC()
	if err := st.MarkPublished(ctx, item.ID, "localPosts/abc", publishedAt); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	got, err := st.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	if got.Status != models.StatusPublished || got.ExternalID == nil || *got.ExternalID != "localPosts/abc" || got.PublishedAt == nil {
		t.Fatalf("publish invariant violated: %+v", got)
	}

	// Terminality: a second transition loses the compare-and-set.
	if err := st.MarkFailed(ctx, item.ID, "late failure"); err == nil {
		t.Fatal("expected CAS conflict transitioning a published item")
	}

	// Deactivated locations drop out of the due query.
	if err := st.DeactivateLocation(ctx, loc.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	item2, err := st.CreateWorkItem(ctx, CreateWorkItemParams{
		Kind: models.KindPost, Tenant: "tenant-1", LocationID: loc.ID, Content: "x", ScheduledAt: &past,
	})
	if err != nil {
		t.Fatalf("create second item: %v", err)
	}
	due, err = st.DueWorkItems(ctx, models.KindPost, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("due after deactivate: %v", err)
	}
	for _, d := range due {
		if d.ID == item2.ID {
			t.Fatal("expected inactive location item to be excluded")
		}
	}

	// Payment transition path: pending -> completed, replay no-op, illegal rejected.
	txRec, err := st.CreateTransaction(ctx, CreateTransactionParams{
		Tenant: "tenant-1", Gateway: "stripe", GatewayTransactionID: "pi_" + item.ID,
		AmountCents: 4900, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	// A retried order creation hits the unique (gateway, gateway_transaction_id)
	// constraint and surfaces as a conflict, not an opaque driver error.
	if _, err := st.CreateTransaction(ctx, CreateTransactionParams{
		Tenant: "tenant-1", Gateway: "stripe", GatewayTransactionID: "pi_" + item.ID,
		AmountCents: 4900, Currency: "USD",
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate transaction, got %v", err)
	}
	rec, applied, err := st.TransitionPayment(ctx, txRec.Gateway, txRec.GatewayTransactionID, models.PaymentCompleted)
	if err != nil || !applied || rec.Status != models.PaymentCompleted {
		t.Fatalf("first transition: applied=%v status=%s err=%v", applied, rec.Status, err)
	}
	rec, applied, err = st.TransitionPayment(ctx, txRec.Gateway, txRec.GatewayTransactionID, models.PaymentCompleted)
	if err != nil || applied || rec.Status != models.PaymentCompleted {
		t.Fatalf("replay must be a no-op: applied=%v status=%s err=%v", applied, rec.Status, err)
	}
	if _, _, err = st.TransitionPayment(ctx, txRec.Gateway, txRec.GatewayTransactionID, models.PaymentFailed); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
}
