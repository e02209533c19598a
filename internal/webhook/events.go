// Package webhook turns gateway callbacks into payment state transitions.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	GatewayStripe   = "stripe"
	GatewayRazorpay = "razorpay"
)

// Event kinds, normalized across gateways.
const (
	KindCaptured = "captured"
	KindFailed   = "failed"
	KindRefunded = "refunded"
)

var (
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrUnhandledEvent marks event types the reconciler does not act on,
	// like subscription lifecycle notifications. Callers acknowledge these.
	ErrUnhandledEvent = errors.New("unhandled event type")
)

// Event is the decoded, gateway-neutral form of a webhook body. Only the
// fields the reconciler needs survive decoding.
type Event struct {
	Gateway              string
	Kind                 string
	GatewayTransactionID string
}

// Parse decodes a raw webhook body for the named gateway into an Event.
func Parse(gateway string, body []byte) (Event, error) {
	switch gateway {
	case GatewayStripe:
		return parseStripe(body)
	case GatewayRazorpay:
		return parseRazorpay(body)
	default:
		return Event{}, fmt.Errorf("%q: %w", gateway, ErrUnknownGateway)
	}
}

type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

func parseStripe(body []byte) (Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("decode stripe event: %w", err)
	}

	ev := Event{Gateway: GatewayStripe, GatewayTransactionID: raw.Data.Object.ID}
	switch raw.Type {
	case "payment_intent.succeeded":
		ev.Kind = KindCaptured
	case "payment_intent.payment_failed":
		ev.Kind = KindFailed
	case "charge.refunded":
		// Refund events reference the charge; the transaction is keyed by
		// the payment intent it belongs to.
		ev.Kind = KindRefunded
		if raw.Data.Object.PaymentIntent != "" {
			ev.GatewayTransactionID = raw.Data.Object.PaymentIntent
		}
	default:
		return Event{}, fmt.Errorf("stripe %q: %w", raw.Type, ErrUnhandledEvent)
	}
	if ev.GatewayTransactionID == "" {
		return Event{}, fmt.Errorf("stripe %s event without an object id", raw.Type)
	}
	return ev, nil
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				PaymentID string `json:"payment_id"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

func parseRazorpay(body []byte) (Event, error) {
	var raw razorpayEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("decode razorpay event: %w", err)
	}

	ev := Event{Gateway: GatewayRazorpay, GatewayTransactionID: raw.Payload.Payment.Entity.OrderID}
	switch raw.Event {
	case "payment.captured":
		ev.Kind = KindCaptured
	case "payment.failed":
		ev.Kind = KindFailed
	case "refund.processed":
		// Refund webhooks carry the payment entity alongside the refund;
		// transactions are keyed by the order id the capture used, so the
		// refund must resolve to the same key. payment_id is a fallback for
		// deliveries missing the payment entity.
		ev.Kind = KindRefunded
		if ev.GatewayTransactionID == "" {
			ev.GatewayTransactionID = raw.Payload.Refund.Entity.PaymentID
		}
	default:
		return Event{}, fmt.Errorf("razorpay %q: %w", raw.Event, ErrUnhandledEvent)
	}
	if ev.GatewayTransactionID == "" {
		return Event{}, fmt.Errorf("razorpay %s event without an order id", raw.Event)
	}
	return ev, nil
}
