package quota

import "time"

// DefaultFreeMinutes is the free-tier allowance used when an account has no
// explicit total.
const DefaultFreeMinutes = 30.0

// Tolerance absorbs binary drift in summed minute values. Stores must use the
// same slack in their conditional updates so both sides agree on admission.
const Tolerance = 0.000001

// FreePlan is the plan name that loses precedence against paid plans.
const FreePlan = "free"

// Subscription statuses that make a subscription eligible to be current.
const (
	StatusActive    = "active"
	StatusCanceling = "canceling"
)

// Source identifies which record a decision applies to.
type Source string

const (
	SourceAccount      Source = "account"
	SourceSubscription Source = "subscription"
)

// SubscriptionUsage is the slice of a subscription row the ledger needs.
type SubscriptionUsage struct {
	ID        int64
	Plan      string
	Status    string
	Quota     float64
	Used      float64
	CreatedAt time.Time
}

// Snapshot is a consistent view of an account's quota sources.
type Snapshot struct {
	AccountID int64

	// FreeTotal is nil when the account row has no explicit allowance.
	FreeTotal *float64
	FreeUsed  float64

	Subscriptions []SubscriptionUsage
}

// Decision is the outcome of evaluating a request against a snapshot.
type Decision struct {
	Admissible bool
	Source     Source
	RecordID   int64

	Quota    float64
	Used     float64
	Required float64

	// NewUsed is the value to persist when Admissible.
	NewUsed float64

	// Remaining is max(Quota-Used, 0) before the request is applied.
	Remaining float64
}

// RemainingAfter reports the minutes left once the request is applied.
func (d Decision) RemainingAfter() float64 {
	if !d.Admissible {
		return d.Remaining
	}
	return Remaining(d.Quota, d.NewUsed)
}

// Err returns an *ExceededError for inadmissible decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Admissible {
		return nil
	}
	return &ExceededError{Remaining: d.Remaining, Required: d.Required}
}
