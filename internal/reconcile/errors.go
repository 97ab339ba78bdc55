// Package reconcile mirrors the identity directory into the record store.
//
// A Queue holds ensure/delete tasks deduplicated by (kind, subjectId) and
// executes them one at a time with capped exponential backoff. A full
// reconciliation walks the identity directory page by page and enqueues
// corrective work, optionally pruning records whose subject no longer
// exists. A Scheduler drives both on owned, cancellable tickers.
package reconcile

import "errors"

var (
	// ErrReconcileInProgress is returned when a full reconciliation is
	// requested while another one is still scanning.
	ErrReconcileInProgress = errors.New("full reconciliation already in progress")

	// ErrUserNotFound is returned by an IdentityDirectory when the user does
	// not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrRecordNotFound may be returned by a RecordStore delete; the queue
	// treats it as success.
	ErrRecordNotFound = errors.New("record not found")
)
