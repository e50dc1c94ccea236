// Package accounts holds the account record shared by metering, billing and
// ingest.
package accounts

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("account not found")

// Account is a registered user with a free-tier minute allowance.
type Account struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`

	// TotalMinutes is nil when the account uses the default allowance.
	TotalMinutes *float64 `json:"total_minutes,omitempty"`
	UsedMinutes  float64  `json:"used_minutes"`

	// IsSubscribed mirrors billing state for presentation only.
	IsSubscribed bool `json:"is_subscribed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FreeQuota returns the account's free-tier allowance, or defaultTotal when
// the account has none of its own.
func (a *Account) FreeQuota(defaultTotal float64) float64 {
	if a.TotalMinutes != nil {
		return *a.TotalMinutes
	}
	return defaultTotal
}
