package quota

import (
	"math"
	"sort"
)

// MinutesFromSeconds converts a media duration to billable minutes, rounded
// to the nearest hundredth. Unknown, negative or non-finite durations cost
// nothing.
func MinutesFromSeconds(seconds float64) float64 {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return round2(seconds / 60)
}

// Remaining returns quota-used clamped at zero.
func Remaining(quota, used float64) float64 {
	if used+Tolerance >= quota {
		return 0
	}
	return round2(quota - used)
}

// IsCurrentStatus reports whether a subscription status keeps the
// subscription eligible for metering.
func IsCurrentStatus(status string) bool {
	return status == StatusActive || status == StatusCanceling
}

// SelectCurrent picks the subscription that governs metering: active or
// canceling, paid plans before free, then newest created, then highest id.
func SelectCurrent(subs []SubscriptionUsage) (SubscriptionUsage, bool) {
	candidates := make([]SubscriptionUsage, 0, len(subs))
	for _, s := range subs {
		if IsCurrentStatus(s.Status) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return SubscriptionUsage{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aPaid, bPaid := a.Plan != FreePlan, b.Plan != FreePlan
		if aPaid != bPaid {
			return aPaid
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	return candidates[0], true
}

// Evaluate decides whether requested minutes fit in the snapshot's current
// quota source. It has no side effects.
func Evaluate(s Snapshot, requested float64) Decision {
	if requested < 0 || math.IsNaN(requested) {
		requested = 0
	}

	d := Decision{Required: requested}
	if sub, ok := SelectCurrent(s.Subscriptions); ok {
		d.Source = SourceSubscription
		d.RecordID = sub.ID
		d.Quota = sub.Quota
		d.Used = sub.Used
	} else {
		d.Source = SourceAccount
		d.RecordID = s.AccountID
		d.Quota = DefaultFreeMinutes
		if s.FreeTotal != nil {
			d.Quota = *s.FreeTotal
		}
		d.Used = s.FreeUsed
	}

	d.Remaining = Remaining(d.Quota, d.Used)
	d.Admissible = requested == 0 || d.Used+requested <= d.Quota+Tolerance
	if d.Admissible {
		d.NewUsed = round2(d.Used + requested)
	}
	return d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
