package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedEvent is returned for payloads that cannot be parsed into a
	// known event shape.
	ErrMalformedEvent = errors.New("malformed billing event")
	// ErrUnsupportedEvent is returned for event types the machine does not
	// handle. Callers acknowledge and ignore them.
	ErrUnsupportedEvent = errors.New("unsupported billing event type")
)

// EventType is the provider's event type string.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.session.completed"
	EventSubscriptionCreated  EventType = "customer.subscription.created"
	EventSubscriptionUpdated  EventType = "customer.subscription.updated"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventInvoicePaid          EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
)

// Event is one of the typed variants below. The set is closed.
type Event interface {
	EventID() string
	Type() EventType
	isEvent()
}

type envelope struct {
	id        string
	eventType EventType
	created   time.Time
}

func (e envelope) EventID() string { return e.id }
func (e envelope) Type() EventType { return e.eventType }
func (envelope) isEvent()          {}

// CheckoutCompleted is emitted when the customer finishes checkout. The
// subscription row arrives with a later SubscriptionCreated.
type CheckoutCompleted struct {
	envelope
	AccountID              int64
	ProviderSubscriptionID string
}

// SubscriptionCreated carries a new provider subscription.
type SubscriptionCreated struct {
	envelope
	AccountID              int64
	ProviderSubscriptionID string
	Plan                   string
	Interval               Interval
	Status                 SubscriptionStatus
	Period                 Period
}

// SubscriptionUpdated carries the provider's current view of a subscription.
type SubscriptionUpdated struct {
	envelope
	AccountID              int64
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	Period                 Period
}

// SubscriptionDeleted marks the end of a subscription.
type SubscriptionDeleted struct {
	envelope
	AccountID              int64
	ProviderSubscriptionID string
}

// InvoicePaid starts a fresh billing period.
type InvoicePaid struct {
	envelope
	ProviderSubscriptionID string
	Period                 Period
}

// InvoicePaymentFailed moves a subscription to past_due.
type InvoicePaymentFailed struct {
	envelope
	ProviderSubscriptionID string
}

type rawEvent struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Created int64     `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type rawCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type rawSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

type rawInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Lines        struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// ParseEvent decodes a provider payload into a typed Event. Unknown event
// types return ErrUnsupportedEvent; undecodable payloads and unknown
// subscription statuses return ErrMalformedEvent. Missing identifiers are not
// errors here: the machine discards such events as unmatched.
func ParseEvent(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformedEvent)
	}

	env := envelope{id: raw.ID, eventType: raw.Type, created: unixTime(raw.Created)}

	switch raw.Type {
	case EventCheckoutCompleted:
		var obj rawCheckoutSession
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		accountID := parseAccountID(obj.Metadata)
		if accountID == 0 {
			accountID = parseID(obj.ClientReferenceID)
		}
		return &CheckoutCompleted{
			envelope:               env,
			AccountID:              accountID,
			ProviderSubscriptionID: obj.Subscription,
		}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var obj rawSubscription
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		return parseSubscriptionEvent(env, obj)

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var obj rawInvoice
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		if raw.Type == EventInvoicePaymentFailed {
			return &InvoicePaymentFailed{envelope: env, ProviderSubscriptionID: obj.Subscription}, nil
		}
		paid := &InvoicePaid{envelope: env, ProviderSubscriptionID: obj.Subscription}
		if len(obj.Lines.Data) > 0 {
			p := obj.Lines.Data[0].Period
			paid.Period = Period{Start: unixTimePtr(p.Start), End: unixTimePtr(p.End)}
		}
		return paid, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, raw.Type)
}

func parseSubscriptionEvent(env envelope, obj rawSubscription) (Event, error) {
	accountID := parseAccountID(obj.Metadata)

	if env.eventType == EventSubscriptionDeleted {
		return &SubscriptionDeleted{envelope: env, AccountID: accountID, ProviderSubscriptionID: obj.ID}, nil
	}

	status, err := MapProviderStatus(obj.Status, obj.CancelAtPeriodEnd)
	if err != nil {
		return nil, err
	}
	period := Period{Start: unixTimePtr(obj.CurrentPeriodStart), End: unixTimePtr(obj.CurrentPeriodEnd)}

	if env.eventType == EventSubscriptionUpdated {
		return &SubscriptionUpdated{
			envelope:               env,
			AccountID:              accountID,
			ProviderSubscriptionID: obj.ID,
			Status:                 status,
			Period:                 period,
		}, nil
	}

	interval := Interval(strings.ToLower(strings.TrimSpace(obj.Metadata["planType"])))
	if interval == "" {
		interval = IntervalMonthly
	}

	return &SubscriptionCreated{
		envelope:               env,
		AccountID:              accountID,
		ProviderSubscriptionID: obj.ID,
		Plan:                   strings.ToLower(strings.TrimSpace(obj.Metadata["plan"])),
		Interval:               interval,
		Status:                 status,
		Period:                 period,
	}, nil
}

// MapProviderStatus converts a provider subscription status to the local
// status set. An active subscription scheduled to end becomes canceling.
func MapProviderStatus(status string, cancelAtPeriodEnd bool) (SubscriptionStatus, error) {
	switch status {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return SubscriptionStatusCanceling, nil
		}
		return SubscriptionStatusActive, nil
	case "past_due":
		return SubscriptionStatusPastDue, nil
	case "unpaid":
		return SubscriptionStatusUnpaid, nil
	case "canceled", "incomplete_expired":
		return SubscriptionStatusCanceled, nil
	case "incomplete", "paused":
		return SubscriptionStatusInactive, nil
	}
	return "", fmt.Errorf("%w: unknown subscription status %q", ErrMalformedEvent, status)
}

func decodeObject(raw rawEvent, dest any) error {
	if len(raw.Data.Object) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw.Data.Object, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, raw.Type, err)
	}
	return nil
}

func parseAccountID(metadata map[string]string) int64 {
	if metadata == nil {
		return 0
	}
	return parseID(metadata["userId"])
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := unixTime(sec)
	return &t
}
