package crguard

import (
	"log"
	"sync/atomic"
)

var debugMode atomic.Bool

// SetDebug enables [DEBUG] log lines.
func SetDebug(enabled bool) {
	debugMode.Store(enabled)
}

// Debugf logs a [DEBUG] line when debug mode is enabled.
func Debugf(format string, args ...any) {
	if debugMode.Load() {
		log.Printf("[DEBUG] "+format, args...)
	}
}
