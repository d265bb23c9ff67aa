// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the reactor: the bounded executor that runs
// business handoffs while the reactor waits, and OS thread pinning for the
// reactor goroutine.
package concurrency
