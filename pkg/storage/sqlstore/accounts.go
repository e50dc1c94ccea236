package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/quota"
	"github.com/platinummonkey/voicescribe/pkg/storage"
)

// floatSlack matches the ledger's admission tolerance.
const floatSlack = quota.Tolerance

// CreateAccount inserts an account and fills in its id and timestamps.
func (s *SQLStore) CreateAccount(ctx context.Context, account *accounts.Account) (err error) {
	ctx, done := s.begin(ctx, "CreateAccount")
	defer done(&err)

	now := s.stamp()
	var total any
	if account.TotalMinutes != nil {
		total = *account.TotalMinutes
	}
	err = s.queryRow(ctx, `
		INSERT INTO accounts (phone, email, total_minutes, used_minutes, is_subscribed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id`,
		nullString(account.Phone), nullString(account.Email), total, account.UsedMinutes, account.IsSubscribed, now,
	).Scan(&account.ID)
	if err != nil {
		return wrapErr("create account", err)
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccount loads an account by id.
func (s *SQLStore) GetAccount(ctx context.Context, id int64) (_ *accounts.Account, err error) {
	ctx, done := s.begin(ctx, "GetAccount")
	defer done(&err)

	account, err := scanAccount(s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accounts.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get account", err)
	}
	return account, nil
}

// GetAccountByPhone resolves a messaging sender to an account.
func (s *SQLStore) GetAccountByPhone(ctx context.Context, phone string) (_ *accounts.Account, err error) {
	ctx, done := s.begin(ctx, "GetAccountByPhone")
	defer done(&err)

	account, err := scanAccount(s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accounts.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get account by phone", err)
	}
	return account, nil
}

// SetAccountSubscribed writes the presentation flag.
func (s *SQLStore) SetAccountSubscribed(ctx context.Context, accountID int64, subscribed bool) (err error) {
	ctx, done := s.begin(ctx, "SetAccountSubscribed")
	defer done(&err)

	res, err := s.exec(ctx, `UPDATE accounts SET is_subscribed = $1, updated_at = $2 WHERE id = $3`,
		subscribed, s.stamp(), accountID)
	if err != nil {
		return wrapErr("set account subscribed", err)
	}
	return expectRow(res, accounts.ErrNotFound)
}

// IncrementAccountUsage adds minutes to the free-tier counter if the result
// stays within the allowance.
func (s *SQLStore) IncrementAccountUsage(ctx context.Context, accountID int64, minutes, defaultTotal float64) (_ float64, err error) {
	ctx, done := s.begin(ctx, "IncrementAccountUsage")
	defer done(&err)

	var used float64
	err = s.queryRow(ctx, `
		UPDATE accounts SET used_minutes = used_minutes + $1, updated_at = $2
		WHERE id = $3 AND used_minutes + $1 <= COALESCE(total_minutes, $4) + $5
		RETURNING used_minutes`,
		minutes, s.stamp(), accountID, defaultTotal, floatSlack,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrConditionFailed
	}
	if err != nil {
		return 0, wrapErr("increment account usage", err)
	}
	return used, nil
}

// ResetAccountUsage zeroes the free-tier counter.
func (s *SQLStore) ResetAccountUsage(ctx context.Context, accountID int64) (err error) {
	ctx, done := s.begin(ctx, "ResetAccountUsage")
	defer done(&err)

	res, err := s.exec(ctx, `UPDATE accounts SET used_minutes = 0, updated_at = $1 WHERE id = $2`, s.stamp(), accountID)
	if err != nil {
		return wrapErr("reset account usage", err)
	}
	return expectRow(res, accounts.ErrNotFound)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
