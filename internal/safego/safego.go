// Package safego launches background goroutines that survive panics. The audit
// pipeline hands work to fire-and-forget goroutines (entry shipping, alert delivery);
// an unrecovered panic in one of those would kill the process and take the ledger's
// HTTP surface down with it, so every detached goroutine goes through Go.
package safego

import "log/slog"

// Go runs fn in a new goroutine. A panic in fn is recovered and logged under the
// given task name instead of crashing the process.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "task", task, "panic", r)
			}
		}()
		fn()
	}()
}
