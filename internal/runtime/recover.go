// Package runtime provides panic-recovery helpers for background goroutines.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

// RecoverAndLog recovers a panic in the calling goroutine and logs it with the
// component and operation that crashed. Intended to be deferred at the top of
// loop bodies so one poisoned event cannot take the whole worker down.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}

// SafeGo starts fn on a new goroutine with panic recovery attached.
func SafeGo(logger log.Logger, name string, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, "goroutine", name)

		fn()
	}()
}
