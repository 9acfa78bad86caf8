// Package dispatch hands pending registrations to the remote automation
// worker. It owns the durable queue consumer loop, the worker HTTP client,
// retry scheduling with backoff, and the sweep that re-enqueues orphaned
// registrations.
package dispatch

import "errors"

// Failure classes of a worker call. Errors returned by WorkerClient wrap
// exactly one of them.
var (
	// ErrTransient marks failures worth retrying: connection errors,
	// timeouts, 5xx, 408 and 429.
	ErrTransient = errors.New("transient dispatch failure")

	// ErrPermanent marks rejections a retry cannot fix, such as a 400 for a
	// bad payload.
	ErrPermanent = errors.New("permanent dispatch failure")
)

// IsPermanent reports whether err is a non-retryable worker rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
