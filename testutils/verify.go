package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain runs a package's tests and fails the run if any goroutine outlives them. Worker
// pools and database handles must be shut down by the tests that start them.
func VerifyTestMain(m goleak.TestingM, opts ...goleak.Option) {
	goleak.VerifyTestMain(m, opts...)
}
