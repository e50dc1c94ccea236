package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with the stack trace. It
// must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "transcription dispatch")
//
// The panic is not re-raised.
func RecoverPanic(logger logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}
