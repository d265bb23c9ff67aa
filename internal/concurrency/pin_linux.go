//go:build linux
// +build linux

// hioload-mux/internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux CPU affinity for the reactor goroutine via sched_setaffinity.

package concurrency

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and, when
// cpuID is non-negative, binds that thread to the CPU.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	if cpuID < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin thread to cpu %d: %w", cpuID, err)
	}
	return nil
}
