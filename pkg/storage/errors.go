package storage

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrUnavailable marks failures of the backing store itself.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrConditionFailed is returned when a conditional update matched no row.
	ErrConditionFailed = errors.New("conditional update matched no row")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
