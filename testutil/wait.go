// Package testutil holds shared test helpers.
package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it succeeds, calling error
// with the last failure after ten seconds.
func WaitForResult(test testFn, error errorFn) {
	WaitForResultRetries(1000, test, error)
}

// WaitForResultRetries is WaitForResult with a caller-chosen retry count.
func WaitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}
