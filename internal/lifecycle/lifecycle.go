// Package lifecycle holds the legal state transitions for work items and
// payment transactions, independent of scheduling or execution mechanics.
package lifecycle

import (
	"errors"
	"fmt"

	"gbp-orchestrator/internal/models"
)

// ErrInvalidTransition marks an attempted transition the state machine
// forbids. Callers treat it as a programming error, never apply it silently.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrMissingExternalID is returned when a publish transition carries no
// provider-assigned identifier.
var ErrMissingExternalID = errors.New("publish requires a non-empty external id")

var workItemNext = map[string]map[string]bool{
	models.StatusDraft: {
		models.StatusScheduled: true,
	},
	models.StatusScheduled: {
		// A retryable failure keeps the item scheduled; the attempt counter
		// moves, the state does not.
		models.StatusScheduled: true,
		models.StatusPublished: true,
		models.StatusFailed:    true,
	},
	// published and failed are terminal for the scheduler.
	models.StatusPublished: {},
	models.StatusFailed:    {},
}

var paymentNext = map[string]map[string]bool{
	models.PaymentPending: {
		models.PaymentCompleted: true,
		models.PaymentFailed:    true,
	},
	models.PaymentCompleted: {
		models.PaymentRefunded: true,
	},
	models.PaymentFailed:   {},
	models.PaymentRefunded: {},
}

// CheckWorkItem validates a work item transition.
func CheckWorkItem(from, to string) error {
	allowed, known := workItemNext[from]
	if !known {
		return fmt.Errorf("%w: unknown work item state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: work item %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckPublish validates the publish transition including its precondition:
// a non-empty provider-assigned external id.
func CheckPublish(from, externalID string) error {
	if err := CheckWorkItem(from, models.StatusPublished); err != nil {
		return err
	}
	if externalID == "" {
		return ErrMissingExternalID
	}
	return nil
}

// CheckPayment validates a payment transaction transition.
func CheckPayment(from, to string) error {
	allowed, known := paymentNext[from]
	if !known {
		return fmt.Errorf("%w: unknown payment state %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// WorkItemTerminal reports whether the scheduler may still act on the state.
func WorkItemTerminal(status string) bool {
	return status == models.StatusPublished || status == models.StatusFailed
}

// PaymentTerminal reports whether any further transition is legal.
func PaymentTerminal(status string) bool {
	return status == models.PaymentFailed || status == models.PaymentRefunded
}
