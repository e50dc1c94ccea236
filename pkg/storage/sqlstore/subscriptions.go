package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/storage"
)

// ListSubscriptions returns every subscription row of an account, newest first.
func (s *SQLStore) ListSubscriptions(ctx context.Context, accountID int64) (_ []*billing.Subscription, err error) {
	ctx, done := s.begin(ctx, "ListSubscriptions")
	defer done(&err)

	rows, err := s.query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, wrapErr("list subscriptions", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, wrapErr("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list subscriptions", err)
	}
	return subs, nil
}

// UpsertSubscription inserts sub unless a row with the same provider id
// already exists. It reports whether a row was created.
func (s *SQLStore) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (_ bool, err error) {
	ctx, done := s.begin(ctx, "UpsertSubscription")
	defer done(&err)

	now := s.stamp()
	var id int64
	err = s.queryRow(ctx, `
		INSERT INTO subscriptions (account_id, provider_subscription_id, plan, billing_interval, status,
			subscription_minutes, used_minutes, current_period_start, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (provider_subscription_id) DO NOTHING
		RETURNING id`,
		sub.AccountID, nullString(sub.ProviderSubscriptionID), sub.Plan, string(sub.Interval), string(sub.Status),
		sub.SubscriptionMinutes, sub.UsedMinutes, utcPtr(sub.CurrentPeriodStart), utcPtr(sub.CurrentPeriodEnd), now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("upsert subscription", err)
	}
	sub.ID = id
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return true, nil
}

// UpdateSubscriptionStatus sets the status of the row with the given provider
// id. Unknown period bounds keep their stored values.
func (s *SQLStore) UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status billing.SubscriptionStatus, period billing.Period) (_ *billing.Subscription, err error) {
	ctx, done := s.begin(ctx, "UpdateSubscriptionStatus")
	defer done(&err)

	sub, err := scanSubscription(s.queryRow(ctx, `
		UPDATE subscriptions SET status = $1,
			current_period_start = COALESCE($2, current_period_start),
			current_period_end = COALESCE($3, current_period_end),
			updated_at = $4
		WHERE provider_subscription_id = $5
		RETURNING `+subscriptionColumns,
		string(status), utcPtr(period.Start), utcPtr(period.End), s.stamp(), providerSubscriptionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, wrapErr("update subscription status", err)
	}
	return sub, nil
}

// ResetSubscriptionUsage starts a new billing period: used minutes go back to
// zero. Status is left to subscription events.
func (s *SQLStore) ResetSubscriptionUsage(ctx context.Context, providerSubscriptionID string, period billing.Period) (_ *billing.Subscription, err error) {
	ctx, done := s.begin(ctx, "ResetSubscriptionUsage")
	defer done(&err)

	sub, err := scanSubscription(s.queryRow(ctx, `
		UPDATE subscriptions SET used_minutes = 0,
			current_period_start = COALESCE($1, current_period_start),
			current_period_end = COALESCE($2, current_period_end),
			updated_at = $3
		WHERE provider_subscription_id = $4
		RETURNING `+subscriptionColumns,
		utcPtr(period.Start), utcPtr(period.End), s.stamp(), providerSubscriptionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, wrapErr("reset subscription usage", err)
	}
	return sub, nil
}

// IncrementSubscriptionUsage adds minutes to a current subscription if the
// result stays within its allowance.
func (s *SQLStore) IncrementSubscriptionUsage(ctx context.Context, subscriptionID int64, minutes float64) (_ float64, err error) {
	ctx, done := s.begin(ctx, "IncrementSubscriptionUsage")
	defer done(&err)

	var used float64
	err = s.queryRow(ctx, `
		UPDATE subscriptions SET used_minutes = used_minutes + $1, updated_at = $2
		WHERE id = $3 AND status IN ('active', 'canceling')
			AND used_minutes + $1 <= subscription_minutes + $4
		RETURNING used_minutes`,
		minutes, s.stamp(), subscriptionID, floatSlack,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrConditionFailed
	}
	if err != nil {
		return 0, wrapErr("increment subscription usage", err)
	}
	return used, nil
}

// CountSubscriptionsByStatus groups all rows by status.
func (s *SQLStore) CountSubscriptionsByStatus(ctx context.Context) (_ map[string]int64, err error) {
	ctx, done := s.begin(ctx, "CountSubscriptionsByStatus")
	defer done(&err)

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, wrapErr("count subscriptions", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapErr("scan subscription count", err)
		}
		counts[status] = n
	}
	return counts, wrapErr("count subscriptions", rows.Err())
}
