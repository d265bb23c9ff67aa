//go:build !linux
// +build !linux

// hioload-mux/internal/concurrency/pin.go
// Author: momentics <momentics@gmail.com>
//
// Thread pinning fallback: only the OS thread lock is applied.

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	return nil
}
