package observability

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with its stack. Call it in a
// defer at the top of long-running goroutines:
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "redis relay")
//	    relay.Run(ctx)
//	}()
//
// The panic is not re-raised.
func RecoverPanic(logger logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(logrus.Fields{
			"panic":   fmt.Sprint(r),
			"stack":   string(debug.Stack()),
			"context": where,
		}).Error("PANIC recovered")
	}
}

// PanicError converts a recovered value into an error, or nil when r is nil
//
//	func run() (err error) {
//	    defer func() {
//	        if r := recover(); r != nil {
//	            err = observability.PanicError(r)
//	        }
//	    }()
//	    ...
//	}
func PanicError(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
