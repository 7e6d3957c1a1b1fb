package observability

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with structured logging
//
// Usage in defer statements:
//
//	func sweep() {
//	    defer observability.RecoverPanic(logger, "retention sweep")
//	    // ... code that might panic
//	}
//
// The panic is NOT re-raised. Scheduled jobs use it so that one bad run does
// not take the scheduler down with it.
func RecoverPanic(logger *logrus.Logger, context string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": context,
		}).Error("PANIC recovered")
	}
}
