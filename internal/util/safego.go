package util

import (
	"runtime/debug"

	"github.com/solverbond/solverbond/internal/logging"
)

// SafeGo runs fn on a new goroutine with panic recovery. A panic is logged
// with its stack instead of crashing the process.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// SafeGoWithName is SafeGo with a goroutine name in the panic log.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
