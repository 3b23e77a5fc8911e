package server_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no goroutine started by a Coordinator survives
// past the test that started it, grounded on zllovesuki-specter's
// util/promise/promise_test.go. It's the check for spec.md §8's invariant
// that no connection actor outlives its dispatcher's config handle: a
// leaked dispatcher or connection-actor goroutine shows up here even when
// the functional assertions in coordinator_test.go don't catch it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
