// Package testutil holds small assertion helpers shared by package tests.
package testutil

import (
	"encoding/json"
	"testing"
)

// AssertEqual checks if two comparable values are equal
func AssertEqual[T comparable](t testing.TB, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertNoError fails the test immediately on a non-nil error
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertTrue checks if a condition is true
func AssertTrue(t testing.TB, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse checks if a condition is false
func AssertFalse(t testing.TB, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// MustUnmarshalJSON unmarshals JSON data or fails the test
func MustUnmarshalJSON(t testing.TB, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", string(data), err)
	}
}

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 {
	return &v
}
