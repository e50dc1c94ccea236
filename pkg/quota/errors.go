package quota

import (
	"errors"
	"fmt"
	"strconv"
)

// ExceededError reports a request that does not fit in the remaining quota.
type ExceededError struct {
	Remaining float64
	Required  float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s minutes remaining, %s required",
		FormatMinutes(e.Remaining), FormatMinutes(e.Required))
}

// Message is the user-facing explanation.
func (e *ExceededError) Message() string {
	return fmt.Sprintf("This audio needs %s minutes but only %s minutes are left on your plan.",
		FormatMinutes(e.Required), FormatMinutes(e.Remaining))
}

// IsExceeded checks if an error is a quota exceeded error
func IsExceeded(err error) bool {
	var target *ExceededError
	return errors.As(err, &target)
}

// AsExceeded extracts the *ExceededError from err, if any.
func AsExceeded(err error) (*ExceededError, bool) {
	var target *ExceededError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// FormatMinutes renders a minute value without trailing zeros.
func FormatMinutes(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}
