package util

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/moltbunker/fasset/internal/logging"
)

var recoveredPanics atomic.Uint64

// SafeGoWithName runs fn in a goroutine that recovers and logs panics instead of
// crashing the daemon. name identifies the goroutine in the log.
//
// Example:
//
//	util.SafeGoWithName("settings-watcher", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recoveredPanics.Add(1)
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
					logging.Component("safego"),
				)
			}
		}()
		fn()
	}()
}

// RecoveredPanics returns how many goroutine panics SafeGoWithName has recovered
func RecoveredPanics() uint64 {
	return recoveredPanics.Load()
}
