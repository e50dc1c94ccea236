package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/observability"
	"github.com/platinummonkey/voicescribe/pkg/quota"
)

var tracer = otel.Tracer("github.com/platinummonkey/voicescribe/pkg/billing")

// Store is the persistence the machine needs.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*accounts.Account, error)
	SetAccountSubscribed(ctx context.Context, accountID int64, subscribed bool) error
	ListSubscriptions(ctx context.Context, accountID int64) ([]*Subscription, error)

	// UpsertSubscription inserts sub keyed by its provider id. When a row
	// with that id exists it is left untouched and created is false.
	UpsertSubscription(ctx context.Context, sub *Subscription) (created bool, err error)
	UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status SubscriptionStatus, period Period) (*Subscription, error)
	ResetSubscriptionUsage(ctx context.Context, providerSubscriptionID string, period Period) (*Subscription, error)
}

// EventLog remembers processed provider event ids.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// Machine applies provider lifecycle events and user commands to
// subscription state.
type Machine struct {
	store    Store
	verifier *SignatureVerifier
	catalog  *PlanCatalog
	provider Provider
	events   EventLog
	logger   logrus.FieldLogger

	freeMinutes float64
	metrics     *observability.Metrics
}

// Option configures a Machine.
type Option func(*Machine)

// WithCatalog sets the plan catalog used for subscription minutes.
func WithCatalog(c *PlanCatalog) Option {
	return func(m *Machine) { m.catalog = c }
}

// WithProvider sets the provider used by cancel and reactivate commands.
func WithProvider(p Provider) Option {
	return func(m *Machine) { m.provider = p }
}

// WithEventLog enables redelivery detection by event id.
func WithEventLog(l EventLog) Option {
	return func(m *Machine) { m.events = l }
}

// WithFreeMinutes sets the free-tier allowance reported for accounts without
// an explicit total. Negative values are ignored.
func WithFreeMinutes(minutes float64) Option {
	return func(m *Machine) {
		if minutes >= 0 {
			m.freeMinutes = minutes
		}
	}
}

// WithMetrics records billing metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine creates a billing state machine.
func NewMachine(store Store, verifier *SignatureVerifier, logger logrus.FieldLogger, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		verifier: verifier,
		catalog:  DefaultPlanCatalog(),
		logger:   logger,

		freeMinutes: quota.DefaultFreeMinutes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleWebhook verifies, parses and applies one webhook delivery. A nil
// error means the delivery can be acknowledged.
func (m *Machine) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	if err := m.verifier.Verify(payload, signatureHeader); err != nil {
		m.logger.WithError(err).Warn("Rejected billing webhook")
		m.metrics.ObserveBillingEvent("unverified", "rejected")
		return "", err
	}

	event, err := ParseEvent(payload)
	if errors.Is(err, ErrUnsupportedEvent) {
		m.logger.WithError(err).Debug("Ignoring billing webhook")
		m.metrics.ObserveBillingEvent("unsupported", string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}
	if err != nil {
		m.logger.WithError(err).Warn("Rejected malformed billing webhook")
		m.metrics.ObserveBillingEvent("malformed", "rejected")
		return "", err
	}

	log := m.logger.WithFields(logrus.Fields{
		"event_id":   event.EventID(),
		"event_type": event.Type(),
	})

	if m.events != nil {
		seen, err := m.events.Seen(ctx, event.EventID())
		switch {
		case err != nil:
			// Transitions are idempotent; a lookup failure only costs a re-apply.
			log.WithError(err).Warn("Event log lookup failed")
		case seen:
			log.Debug("Billing event already processed")
			m.metrics.ObserveBillingEvent(string(event.Type()), string(OutcomeDuplicate))
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := m.Apply(ctx, event)
	if err != nil {
		log.WithError(err).Error("Failed to apply billing event")
		m.metrics.ObserveBillingEvent(string(event.Type()), "error")
		return "", err
	}

	if m.events != nil {
		if err := m.events.MarkProcessed(ctx, event.EventID()); err != nil {
			log.WithError(err).Warn("Failed to record processed billing event")
		}
	}

	m.metrics.ObserveBillingEvent(string(event.Type()), string(outcome))
	return outcome, nil
}

// Apply applies a parsed event to storage.
func (m *Machine) Apply(ctx context.Context, event Event) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "billing.Apply", trace.WithAttributes(
		attribute.String("billing.event_id", event.EventID()),
		attribute.String("billing.event_type", string(event.Type())),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
		} else {
			span.SetAttributes(attribute.String("billing.outcome", string(outcome)))
		}
		span.End()
	}()

	log := m.logger.WithFields(logrus.Fields{
		"event_id":   event.EventID(),
		"event_type": event.Type(),
	})

	switch e := event.(type) {
	case *CheckoutCompleted:
		return m.applyCheckoutCompleted(ctx, log, e)
	case *SubscriptionCreated:
		return m.applySubscriptionCreated(ctx, log, e)
	case *SubscriptionUpdated:
		return m.applySubscriptionUpdated(ctx, log, e)
	case *SubscriptionDeleted:
		return m.applySubscriptionDeleted(ctx, log, e)
	case *InvoicePaid:
		return m.applyInvoicePaid(ctx, log, e)
	case *InvoicePaymentFailed:
		return m.applyInvoicePaymentFailed(ctx, log, e)
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedEvent, event)
}

func (m *Machine) applyCheckoutCompleted(ctx context.Context, log logrus.FieldLogger, e *CheckoutCompleted) (Outcome, error) {
	if e.AccountID == 0 {
		log.Warn("Checkout event has no account reference, discarding")
		return OutcomeUnmatched, nil
	}

	err := m.store.SetAccountSubscribed(ctx, e.AccountID, true)
	if errors.Is(err, accounts.ErrNotFound) {
		log.WithField("account_id", e.AccountID).Warn("Checkout event references unknown account, discarding")
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark account subscribed: %w", err)
	}
	return OutcomeApplied, nil
}

func (m *Machine) applySubscriptionCreated(ctx context.Context, log logrus.FieldLogger, e *SubscriptionCreated) (Outcome, error) {
	if e.AccountID == 0 || e.ProviderSubscriptionID == "" {
		log.Warn("Subscription created event lacks account or subscription reference, discarding")
		return OutcomeUnmatched, nil
	}

	if _, err := m.store.GetAccount(ctx, e.AccountID); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			log.WithField("account_id", e.AccountID).Warn("Subscription created for unknown account, discarding")
			return OutcomeUnmatched, nil
		}
		return "", fmt.Errorf("failed to load account: %w", err)
	}

	plan := e.Plan
	if plan == "" {
		plan = m.catalog.DefaultPlan()
		log.WithField("plan", plan).Warn("Subscription created without plan metadata, using catalog default plan")
	}
	minutes, known := m.catalog.MinutesFor(plan)
	if !known {
		log.WithField("plan", e.Plan).Warn("Unknown plan, using default plan minutes")
	}

	created, err := m.store.UpsertSubscription(ctx, &Subscription{
		AccountID:              e.AccountID,
		ProviderSubscriptionID: e.ProviderSubscriptionID,
		Plan:                   plan,
		Interval:               e.Interval,
		Status:                 e.Status,
		SubscriptionMinutes:    minutes,
		UsedMinutes:            0,
		CurrentPeriodStart:     e.Period.Start,
		CurrentPeriodEnd:       e.Period.End,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upsert subscription: %w", err)
	}

	log.WithFields(logrus.Fields{
		"account_id":      e.AccountID,
		"subscription_id": e.ProviderSubscriptionID,
		"plan":            plan,
		"created":         created,
	}).Info("Subscription recorded")
	return OutcomeApplied, nil
}

func (m *Machine) applySubscriptionUpdated(ctx context.Context, log logrus.FieldLogger, e *SubscriptionUpdated) (Outcome, error) {
	if e.ProviderSubscriptionID == "" {
		log.Warn("Subscription updated event has no subscription reference, discarding")
		return OutcomeUnmatched, nil
	}

	sub, err := m.store.UpdateSubscriptionStatus(ctx, e.ProviderSubscriptionID, e.Status, e.Period)
	if errors.Is(err, ErrSubscriptionNotFound) {
		log.WithField("subscription_id", e.ProviderSubscriptionID).Warn("Subscription updated for unknown subscription, discarding")
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to update subscription status: %w", err)
	}

	switch e.Status {
	case SubscriptionStatusActive:
		return m.projectSubscribed(ctx, log, sub.AccountID, true)
	case SubscriptionStatusCanceled, SubscriptionStatusUnpaid:
		return m.projectSubscribed(ctx, log, sub.AccountID, false)
	}
	return OutcomeApplied, nil
}

func (m *Machine) applySubscriptionDeleted(ctx context.Context, log logrus.FieldLogger, e *SubscriptionDeleted) (Outcome, error) {
	if e.ProviderSubscriptionID == "" {
		log.Warn("Subscription deleted event has no subscription reference, discarding")
		return OutcomeUnmatched, nil
	}

	sub, err := m.store.UpdateSubscriptionStatus(ctx, e.ProviderSubscriptionID, SubscriptionStatusCanceled, Period{})
	if errors.Is(err, ErrSubscriptionNotFound) {
		log.WithField("subscription_id", e.ProviderSubscriptionID).Warn("Subscription deleted for unknown subscription, discarding")
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return m.projectSubscribed(ctx, log, sub.AccountID, false)
}

func (m *Machine) applyInvoicePaid(ctx context.Context, log logrus.FieldLogger, e *InvoicePaid) (Outcome, error) {
	if e.ProviderSubscriptionID == "" {
		log.Debug("Invoice is not tied to a subscription, discarding")
		return OutcomeUnmatched, nil
	}

	_, err := m.store.ResetSubscriptionUsage(ctx, e.ProviderSubscriptionID, e.Period)
	if errors.Is(err, ErrSubscriptionNotFound) {
		log.WithField("subscription_id", e.ProviderSubscriptionID).Warn("Invoice paid for unknown subscription, discarding")
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to reset subscription usage: %w", err)
	}
	return OutcomeApplied, nil
}

func (m *Machine) applyInvoicePaymentFailed(ctx context.Context, log logrus.FieldLogger, e *InvoicePaymentFailed) (Outcome, error) {
	if e.ProviderSubscriptionID == "" {
		log.Debug("Failed invoice is not tied to a subscription, discarding")
		return OutcomeUnmatched, nil
	}

	_, err := m.store.UpdateSubscriptionStatus(ctx, e.ProviderSubscriptionID, SubscriptionStatusPastDue, Period{})
	if errors.Is(err, ErrSubscriptionNotFound) {
		log.WithField("subscription_id", e.ProviderSubscriptionID).Warn("Invoice failed for unknown subscription, discarding")
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark subscription past due: %w", err)
	}
	return OutcomeApplied, nil
}

func (m *Machine) projectSubscribed(ctx context.Context, log logrus.FieldLogger, accountID int64, subscribed bool) (Outcome, error) {
	err := m.store.SetAccountSubscribed(ctx, accountID, subscribed)
	if errors.Is(err, accounts.ErrNotFound) {
		log.WithField("account_id", accountID).Warn("Subscription owner no longer exists")
		return OutcomeApplied, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to update subscribed flag: %w", err)
	}
	return OutcomeApplied, nil
}
