package go_func_utils

import "runtime/debug"
import "log"

// SafeGo launches fn on a goroutine that logs panics before re-raising
// them. With the TUI owning the terminal a bare panic vanishes with the
// alternate screen, so the stack goes to the logger first. The name
// identifies the goroutine in that log line.
func SafeGo(logger *log.Logger, name string, fn func()) {
	if logger == nil {
		panic("SafeGo: logger cannot be nil")
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
