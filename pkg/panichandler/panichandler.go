// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package panichandler

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
)

var panicCount atomic.Int64

// PanicHook is called (if set) for every recovered panic, after logging.
var PanicHook func(debugStr string)

// PanicHandler handles panics and returns an error (wrapping the panic) if a panic occurred
func PanicHandler(debugStr string, recoverVal any) error {
	if recoverVal == nil {
		return nil
	}
	panicCount.Add(1)
	log.Printf("[panic] in %s: %v\n", debugStr, recoverVal)
	debug.PrintStack()
	if hook := PanicHook; hook != nil {
		hook(debugStr)
	}
	if err, ok := recoverVal.(error); ok {
		return fmt.Errorf("panic in %s: %w", debugStr, err)
	}
	return fmt.Errorf("panic in %s: %v", debugStr, recoverVal)
}

// GoSafe runs fn in a new goroutine, recovering and logging any panic
func GoSafe(debugStr string, fn func()) {
	go func() {
		defer func() {
			PanicHandler(debugStr, recover())
		}()
		fn()
	}()
}

func PanicCount() int64 {
	return panicCount.Load()
}
