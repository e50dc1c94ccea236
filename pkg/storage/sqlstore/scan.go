package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/billing"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// timestamp scans TIMESTAMP columns from either driver. SQLite hands back
// text for expressions without a declared type, RETURNING included.
type timestamp struct {
	Time  time.Time
	Valid bool
}

func (t *timestamp) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	}
	return fmt.Errorf("unsupported timestamp value %T", value)
}

func (t *timestamp) parse(s string) error {
	for _, layout := range append([]string{time.RFC3339Nano}, sqlite3.SQLiteTimestampFormats...) {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func (t timestamp) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const accountColumns = `id, phone, email, total_minutes, used_minutes, is_subscribed, created_at, updated_at`

func scanAccount(row rowScanner) (*accounts.Account, error) {
	var (
		a       accounts.Account
		phone   sql.NullString
		email   sql.NullString
		total   sql.NullFloat64
		created timestamp
		updated timestamp
	)
	if err := row.Scan(&a.ID, &phone, &email, &total, &a.UsedMinutes, &a.IsSubscribed, &created, &updated); err != nil {
		return nil, err
	}
	a.Phone = phone.String
	a.Email = email.String
	if total.Valid {
		v := total.Float64
		a.TotalMinutes = &v
	}
	a.CreatedAt = created.Time
	a.UpdatedAt = updated.Time
	return &a, nil
}

const subscriptionColumns = `id, account_id, provider_subscription_id, plan, billing_interval, status,
	subscription_minutes, used_minutes, current_period_start, current_period_end, created_at, updated_at`

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		s           billing.Subscription
		providerID  sql.NullString
		interval    string
		status      string
		periodStart timestamp
		periodEnd   timestamp
		created     timestamp
		updated     timestamp
	)
	if err := row.Scan(&s.ID, &s.AccountID, &providerID, &s.Plan, &interval, &status,
		&s.SubscriptionMinutes, &s.UsedMinutes, &periodStart, &periodEnd, &created, &updated); err != nil {
		return nil, err
	}
	s.ProviderSubscriptionID = providerID.String
	s.Interval = billing.Interval(interval)
	s.Status = billing.SubscriptionStatus(status)
	s.CurrentPeriodStart = periodStart.ptr()
	s.CurrentPeriodEnd = periodEnd.ptr()
	s.CreatedAt = created.Time
	s.UpdatedAt = updated.Time
	return &s, nil
}

const jobColumns = `id, account_id, source, external_ref, media_ref, content_type, duration_seconds, status,
	provider_request_id, transcript, confidence, word_count, error, created_at, updated_at, completed_at`

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j           jobs.Job
		source      string
		status      string
		externalRef sql.NullString
		contentType sql.NullString
		requestID   sql.NullString
		transcript  sql.NullString
		confidence  sql.NullFloat64
		wordCount   sql.NullInt64
		errText     sql.NullString
		created     timestamp
		updated     timestamp
		completed   timestamp
	)
	if err := row.Scan(&j.ID, &j.AccountID, &source, &externalRef, &j.MediaRef, &contentType,
		&j.DurationSeconds, &status, &requestID, &transcript, &confidence, &wordCount, &errText,
		&created, &updated, &completed); err != nil {
		return nil, err
	}
	j.Source = jobs.Source(source)
	j.Status = jobs.Status(status)
	j.ExternalRef = externalRef.String
	j.ContentType = contentType.String
	j.ProviderRequestID = requestID.String
	j.Transcript = transcript.String
	j.Error = errText.String
	if confidence.Valid {
		v := confidence.Float64
		j.Confidence = &v
	}
	if wordCount.Valid {
		v := int(wordCount.Int64)
		j.WordCount = &v
	}
	j.CreatedAt = created.Time
	j.UpdatedAt = updated.Time
	j.CompletedAt = completed.ptr()
	return &j, nil
}
