// Package handlers exposes the daemon's HTTP endpoints.
//
// Two surfaces share the package:
//   - the admin control surface over the reconciliation queue (agent role)
//   - the signed ingest API of the record store (records role)
//
// Handlers are transport-thin: they validate input, call the queue or the
// records service, and translate results into HTTP responses.
package handlers

import (
	"context"

	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

//
// Service contracts (context-aware)
//

// ReconcileQueue is the slice of *reconcile.Queue the admin surface drives.
type ReconcileQueue interface {
	// Enqueue adds or merges a task; priority tasks are due immediately.
	Enqueue(t reconcile.Task, priority bool)
	// Status snapshots queue depth, counters and reconciliation state.
	Status() reconcile.Status
	// StartFullReconcile starts a background scan unless one is running.
	StartFullReconcile(ctx context.Context) bool
}

// RecordService is the signature-gated record store consumed by the ingest
// endpoints. Implementations verify sig against the canonical body of the
// operation before applying it.
type RecordService interface {
	Upsert(ctx context.Context, user domain.User, accounts []domain.Account, sig syncauth.Signature) (created bool, err error)
	Delete(ctx context.Context, subjectID string, sig syncauth.Signature) (deleted bool, err error)
	List(ctx context.Context, limit, page int, sig syncauth.Signature) (reconcile.RecordPage, error)
}

//
// Handler wiring
//

// Handlers groups the admin and ingest endpoints. Either dependency may be
// nil when the process does not run that role; the router only mounts the
// routes whose dependency is present.
type Handlers struct {
	queue   ReconcileQueue
	records RecordService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(queue ReconcileQueue, records RecordService) *Handlers {
	return &Handlers{queue: queue, records: records}
}

// HasQueue reports whether the admin control surface can be served.
func (h *Handlers) HasQueue() bool { return h.queue != nil }

// HasRecords reports whether the ingest API can be served.
func (h *Handlers) HasRecords() bool { return h.records != nil }
