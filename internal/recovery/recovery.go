// Package recovery provides panic recovery utilities for goroutines.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the provided
// logger. Deferred at the start of a goroutine, it turns a crash into
// a logged diagnostic instead of taking the process down — used by the
// session driver's reader, writer, and housekeeper goroutines.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "session.readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", stack)
	}
}
