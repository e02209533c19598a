package webhook

import (
	"context"
	"fmt"
	"log"

	"gbp-orchestrator/internal/models"
	"gbp-orchestrator/internal/telemetry"
)

// TransactionStore is the persistence surface the reconciler needs.
// TransitionPayment reports applied=false when the transaction already
// holds the target status, which is how duplicate deliveries are absorbed.
type TransactionStore interface {
	TransitionPayment(ctx context.Context, gateway, gatewayTxID, next string) (models.PaymentTransaction, bool, error)
}

// Result is one reconciled webhook delivery.
type Result struct {
	Transaction models.PaymentTransaction
	Applied     bool
}

// Reconciler applies decoded gateway events to the payment state machine.
type Reconciler struct {
	store TransactionStore
}

func NewReconciler(store TransactionStore) *Reconciler {
	return &Reconciler{store: store}
}

// Apply maps an event onto the transaction it references. Replays of an
// already-applied event succeed as no-ops; transitions the state machine
// forbids surface the store's error unchanged.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	next, err := statusFor(ev.Kind)
	if err != nil {
		return Result{}, err
	}

	tx, applied, err := r.store.TransitionPayment(ctx, ev.Gateway, ev.GatewayTransactionID, next)
	if err != nil {
		return Result{}, fmt.Errorf("transition %s/%s to %s: %w", ev.Gateway, ev.GatewayTransactionID, next, err)
	}

	if applied {
		telemetry.WebhooksApplied.Inc()
		log.Printf("webhook applied: gateway=%s tx=%s status=%s", ev.Gateway, ev.GatewayTransactionID, next)
	} else {
		telemetry.WebhooksDuplicate.Inc()
		log.Printf("webhook duplicate: gateway=%s tx=%s status=%s", ev.Gateway, ev.GatewayTransactionID, next)
	}
	return Result{Transaction: tx, Applied: applied}, nil
}

func statusFor(kind string) (string, error) {
	switch kind {
	case KindCaptured:
		return models.PaymentCompleted, nil
	case KindFailed:
		return models.PaymentFailed, nil
	case KindRefunded:
		return models.PaymentRefunded, nil
	default:
		return "", fmt.Errorf("event kind %q: %w", kind, ErrUnhandledEvent)
	}
}
