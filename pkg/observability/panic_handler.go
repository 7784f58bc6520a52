package observability

import (
	"runtime/debug"
)

// RecoverPanic absorbs a panic on the current goroutine and logs it with
// the stack trace. Call it in a defer at the top of goroutines that must
// not take the process down, such as delivery workers.
func RecoverPanic(logger *Logger, task string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("task", task).
			Error("panic recovered")
	}
}

// RecoverPanicWithCallback is RecoverPanic with a hook that runs only when
// a panic was recovered. The worker pool uses it to report a panicked task
// as a failed one.
func RecoverPanicWithCallback(logger *Logger, task string, onPanic func()) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("task", task).
			Error("panic recovered")
		if onPanic != nil {
			onPanic()
		}
	}
}
