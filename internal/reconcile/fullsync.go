package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// SeedFullReconcile runs one full reconciliation scan and returns when every
// corrective task has been enqueued. It returns ErrReconcileInProgress when
// another scan is running. A scan error aborts the run; no partial state is
// kept and the next run starts from scratch.
func (q *Queue) SeedFullReconcile(ctx context.Context) error {
	runID, ok := q.beginRun()
	if !ok {
		return ErrReconcileInProgress
	}
	return q.runScan(ctx, runID)
}

// StartFullReconcile starts a scan in the background. It reports false
// without starting when one is already running. The scan is detached from
// ctx cancellation so a finished HTTP request does not abort it.
func (q *Queue) StartFullReconcile(ctx context.Context) bool {
	runID, ok := q.beginRun()
	if !ok {
		return false
	}
	go func() {
		_ = q.runScan(context.WithoutCancel(ctx), runID)
	}()
	return true
}

// Reconciling reports whether a scan is running.
func (q *Queue) Reconciling() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reconciling
}

// beginRun claims the reconciling flag, assigns a run id and clears every
// full-reconcile task left by a superseded run.
func (q *Queue) beginRun() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reconciling {
		return "", false
	}
	q.reconciling = true
	runID := newRunID(q.now())
	q.lastRunID = runID

	cleared := 0
	for it := q.order.Front(); it != nil; {
		next := it.Next()
		if it.Value.(*entry).task.Source == SourceFullReconcile {
			q.removeLocked(it)
			cleared++
		}
		it = next
	}
	if cleared > 0 {
		log.Info().Str("run_id", runID).Int("cleared", cleared).Msg("reconcile: cleared stale full-reconcile tasks")
	}
	return runID, true
}

func newRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func (q *Queue) runScan(ctx context.Context, runID string) error {
	start := time.Now()
	ctx, span := otel.Tracer("reconcile/Queue").Start(ctx, "reconcile.full",
		trace.WithAttributes(
			attribute.String("reconcile.run_id", runID),
			attribute.Bool("reconcile.prune_orphans", q.prune),
		),
	)
	defer span.End()

	res, err := q.scan(ctx, runID)

	q.mu.Lock()
	q.reconciling = false
	if err != nil {
		q.lastRunError = err.Error()
	} else {
		q.lastRunError = ""
		q.lastFullReconcileAt = q.now()
	}
	q.mu.Unlock()

	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("run_id", runID).Int("pages", res.pages).Msg("reconcile: full reconciliation aborted")
		return err
	}
	reconcileRuns.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.Int("reconcile.users", res.users),
		attribute.Int("reconcile.orphans", res.orphans),
	)
	log.Info().
		Str("run_id", runID).
		Int("pages", res.pages).
		Int("users", res.users).
		Int("orphans", res.orphans).
		Dur("took", time.Since(start)).
		Msg("reconcile: full reconciliation enqueued")
	return nil
}

type scanResult struct {
	pages   int
	users   int
	orphans int
}

func (q *Queue) scan(ctx context.Context, runID string) (scanResult, error) {
	var res scanResult
	var seen map[string]struct{}
	if q.prune {
		seen = make(map[string]struct{})
	}

	visit := func(users []domain.User) {
		for _, u := range users {
			if u.ID == "" {
				log.Warn().Str("run_id", runID).Msg("reconcile: skipping identity user without id")
				continue
			}
			q.Enqueue(Task{
				Kind:           KindEnsure,
				SubjectID:      u.ID,
				Payload:        &Payload{User: u},
				Source:         SourceFullReconcile,
				ReconcileRunID: runID,
			}, false)
			res.users++
			if seen != nil {
				seen[u.ID] = struct{}{}
			}
		}
	}

	var err error
	if cl, ok := q.identity.(CursorLister); ok {
		err = q.scanByCursor(ctx, cl, &res, visit)
		if errors.Is(err, errCursorStalled) {
			log.Warn().Err(err).Str("run_id", runID).Msg("reconcile: identity cursor paging unusable; falling back to offset paging")
			// Ensures already queued merge by dedup key.
			res.users = 0
			err = q.scanByOffset(ctx, runID, &res, visit)
		}
	} else {
		err = q.scanByOffset(ctx, runID, &res, visit)
	}
	if err != nil {
		return res, err
	}

	if q.prune {
		if err := q.scanOrphans(ctx, runID, seen, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// errCursorStalled reports a directory that ignores or misorders the
// keyset cursor.
var errCursorStalled = errors.New("identity cursor did not advance")

func (q *Queue) scanByCursor(ctx context.Context, cl CursorLister, res *scanResult, visit func([]domain.User)) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		users, err := cl.ListUsersAfter(ctx, after, q.pageSize)
		if err != nil {
			return fmt.Errorf("list users after %q: %w", after, err)
		}
		res.pages++
		if after != "" {
			for _, u := range users {
				if u.ID <= after {
					return fmt.Errorf("%w: got %q after %q", errCursorStalled, u.ID, after)
				}
			}
		}
		visit(users)
		if len(users) < q.pageSize {
			return nil
		}
		next := users[len(users)-1].ID
		if next <= after {
			return fmt.Errorf("%w: last id %q after %q", errCursorStalled, next, after)
		}
		after = next
	}
}

// scanByOffset pages by offset. Deletions during the scan shift the window
// and can skip users until the next run; drift in the reported total is
// logged.
func (q *Queue) scanByOffset(ctx context.Context, runID string, res *scanResult, visit func([]domain.User)) error {
	offset, firstTotal := 0, -1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := q.identity.ListUsersPage(ctx, q.pageSize, offset)
		if err != nil {
			return fmt.Errorf("list users at offset %d: %w", offset, err)
		}
		res.pages++
		if firstTotal < 0 {
			firstTotal = page.Total
		} else if page.Total != firstTotal {
			log.Warn().
				Str("run_id", runID).
				Int("initial_total", firstTotal).
				Int("total", page.Total).
				Int("offset", offset).
				Msg("reconcile: identity total changed mid-scan; users may be skipped until next run")
		}
		visit(page.Users)
		offset += len(page.Users)
		if len(page.Users) < q.pageSize || offset >= page.Total {
			return nil
		}
	}
}

// scanOrphans enqueues a delete for every record whose subject was not seen
// in the identity scan. A user deleted from the identity directory after it
// was seen is not pruned until the next run.
func (q *Queue) scanOrphans(ctx context.Context, runID string, seen map[string]struct{}, res *scanResult) error {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rp, err := q.records.ListRecordsPage(ctx, q.pageSize, page)
		if err != nil {
			return fmt.Errorf("list records page %d: %w", page, err)
		}
		for _, r := range rp.Records {
			if _, ok := seen[r.SubjectID]; ok || r.SubjectID == "" {
				continue
			}
			q.Enqueue(Task{
				Kind:           KindDelete,
				SubjectID:      r.SubjectID,
				Source:         SourceFullReconcile,
				ReconcileRunID: runID,
			}, false)
			res.orphans++
		}
		if !rp.HasNextPage || len(rp.Records) == 0 {
			return nil
		}
	}
}
