// Package testhelpers provides small helpers shared by package tests.
package testhelpers

import (
	"testing"
	"time"
)

const timeout = 2 * time.Second

// Eventually polls cond until it returns true or the timeout passes,
// failing the test with msg on expiry. Useful for state the bus
// updates asynchronously, like name releases after a disconnect.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitClosed fails the test unless ch closes within the timeout.
func WaitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}
