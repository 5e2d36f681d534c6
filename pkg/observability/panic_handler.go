package observability

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with its stack. It must be
// deferred directly. The panic is not re-raised.
//
//	defer observability.RecoverPanic(logger, "metadata refresh")
func RecoverPanic(logger logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback when a panic
// was recovered.
func RecoverPanicWithCallback(logger logrus.FieldLogger, where string, callback func(err error)) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(fmt.Errorf("panic in %s: %v", where, r))
		}
	}
}

func logPanic(logger logrus.FieldLogger, where string, r interface{}) {
	logger.WithFields(logrus.Fields{
		"panic":   r,
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
