// Package testutil provides shared helpers for the access layer tests:
// cancellation-safe contexts, polling assertions, and a scriptable fake of
// the single-connection driver primitive with error injection.
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context that is cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
