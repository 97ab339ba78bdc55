package reconcile

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPageSize = 500
	pendingKeysCap  = 50
)

// Options configures a Queue.
type Options struct {
	Identity IdentityDirectory
	Records  RecordStore

	// PageSize is the full-reconciliation page size. Defaults to 500.
	PageSize int
	// PruneOrphans enables deleting records whose subject is absent from the
	// identity directory.
	PruneOrphans bool

	// Now defaults to time.Now.
	Now func() time.Time
	// Jitter returns a random duration in [0, limit). Defaults to math/rand.
	Jitter func(limit time.Duration) time.Duration
}

// entry is the queue's mutable holder for a task.
type entry struct {
	task Task
	// touched is set when the task is merged while executing.
	touched bool
	// replaced is set when such a merge brought a new payload.
	replaced bool
}

// Queue is the reconciliation task queue. It is safe for concurrent use;
// at most one task executes at a time.
type Queue struct {
	identity IdentityDirectory
	records  RecordStore
	pageSize int
	prune    bool
	now      func() time.Time
	jitter   func(time.Duration) time.Duration

	mu       sync.Mutex
	order    *list.List               // of *entry, front runs first
	index    map[string]*list.Element // Task.Key() -> element
	depth    map[Source]int
	inFlight *entry

	processed uint64
	failed    uint64
	lastError string

	reconciling         bool
	lastFullReconcileAt time.Time
	lastRunID           string
	lastRunError        string
}

// NewQueue returns an empty queue.
func NewQueue(opts Options) *Queue {
	q := &Queue{
		identity: opts.Identity,
		records:  opts.Records,
		pageSize: opts.PageSize,
		prune:    opts.PruneOrphans,
		now:      opts.Now,
		jitter:   opts.Jitter,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		depth:    map[Source]int{SourceUserOperation: 0, SourceFullReconcile: 0},
	}
	if q.pageSize <= 0 {
		q.pageSize = defaultPageSize
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.jitter == nil {
		q.jitter = randomJitter
	}
	return q
}

// Enqueue adds t, or merges it into the live task with the same key. A merge
// fills a missing payload; a user-operation merge also takes over the task
// (newer payload, user-operation source) so a later reconciliation run
// cannot discard it. With priority the task moves to the front, otherwise
// new tasks go to the back. Enqueue never blocks on task execution.
func (q *Queue) Enqueue(t Task, priority bool) {
	if t.SubjectID == "" {
		return
	}
	if t.Source == "" {
		t.Source = SourceUserOperation
	}
	tasksEnqueued.WithLabelValues(string(t.Kind), string(t.Source)).Inc()

	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.index[t.Key()]; ok {
		q.mergeLocked(el.Value.(*entry), t)
		if priority {
			q.order.MoveToFront(el)
		}
		return
	}

	t.Attempts = 0
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = q.now()
	}
	e := &entry{task: t}
	if priority {
		q.index[t.Key()] = q.order.PushFront(e)
	} else {
		q.index[t.Key()] = q.order.PushBack(e)
	}
	q.addDepthLocked(t.Source, 1)
}

func (q *Queue) mergeLocked(e *entry, t Task) {
	cur := &e.task
	replaced := false
	switch {
	case t.Payload != nil && cur.Payload == nil:
		cur.Payload = t.Payload
		replaced = true
	case t.Payload != nil && t.Source == SourceUserOperation:
		cur.Payload = t.Payload
		replaced = true
	}
	if t.Source == SourceUserOperation && cur.Source != SourceUserOperation {
		q.addDepthLocked(cur.Source, -1)
		q.addDepthLocked(SourceUserOperation, 1)
		cur.Source = SourceUserOperation
		cur.ReconcileRunID = ""
	}
	if e == q.inFlight {
		e.touched = true
		e.replaced = e.replaced || replaced
	}
}

func (q *Queue) addDepthLocked(s Source, n int) {
	q.depth[s] += n
	queueDepth.WithLabelValues(string(s)).Set(float64(q.depth[s]))
}

func (q *Queue) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	q.order.Remove(el)
	delete(q.index, e.task.Key())
	q.addDepthLocked(e.task.Source, -1)
}

// Tick executes the first due task, scanning from the front. It is a no-op
// when a task is already executing or nothing is due, and reports whether a
// task ran.
func (q *Queue) Tick(ctx context.Context) bool {
	q.mu.Lock()
	if q.inFlight != nil {
		q.mu.Unlock()
		return false
	}
	now := q.now()
	var el *list.Element
	for it := q.order.Front(); it != nil; it = it.Next() {
		if !it.Value.(*entry).task.NextAttemptAt.After(now) {
			el = it
			break
		}
	}
	if el == nil {
		q.mu.Unlock()
		return false
	}
	e := el.Value.(*entry)
	e.touched, e.replaced = false, false
	task := e.task
	q.inFlight = e
	q.mu.Unlock()

	err := q.run(ctx, task)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = nil
	live := q.index[task.Key()] == el

	if err == nil {
		q.processed++
		tasksProcessed.WithLabelValues(string(task.Kind)).Inc()
		if !live {
			return true
		}
		if e.touched {
			if !e.replaced {
				e.task.Payload = nil
			}
			e.task.Attempts = 0
			e.task.NextAttemptAt = q.now()
			e.touched, e.replaced = false, false
			return true
		}
		q.removeLocked(el)
		return true
	}

	q.failed++
	q.lastError = fmt.Sprintf("%s: %v", task.Key(), err)
	tasksFailed.WithLabelValues(string(task.Kind)).Inc()
	if live {
		e.task.Attempts++
		e.task.NextAttemptAt = q.now().Add(Backoff(e.task.Attempts, q.jitter))
		e.touched, e.replaced = false, false
		log.Warn().Err(err).
			Str("task", task.Key()).
			Int("attempts", e.task.Attempts).
			Time("next_attempt_at", e.task.NextAttemptAt).
			Msg("reconcile: task failed; rescheduled")
	}
	return true
}

func (q *Queue) run(ctx context.Context, t Task) (err error) {
	ctx, span := otel.Tracer("reconcile/Queue").Start(ctx, "reconcile.task",
		trace.WithAttributes(
			attribute.String("task.kind", string(t.Kind)),
			attribute.String("task.subject_id", t.SubjectID),
			attribute.String("task.source", string(t.Source)),
			attribute.Int("task.attempts", t.Attempts),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch t.Kind {
	case KindEnsure:
		return q.ensure(ctx, t)
	case KindDelete:
		return q.delete(ctx, t)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func (q *Queue) ensure(ctx context.Context, t Task) error {
	var snapshot Payload
	if t.Payload != nil {
		snapshot = *t.Payload
	} else {
		u, err := q.identity.GetUser(ctx, t.SubjectID)
		if errors.Is(err, ErrUserNotFound) {
			log.Debug().Str("subject_id", t.SubjectID).Msg("reconcile: ensure skipped; user no longer exists")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		snapshot.User = u
	}
	if snapshot.User.ID == "" {
		snapshot.User.ID = t.SubjectID
	}

	if snapshot.Accounts == nil {
		if al, ok := q.identity.(AccountLister); ok {
			accts, err := al.ListAccountsForUser(ctx, t.SubjectID)
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			snapshot.Accounts = accts
		}
	}
	if err := q.records.UpsertBySubjectID(ctx, snapshot.User, snapshot.Accounts); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (q *Queue) delete(ctx context.Context, t Task) error {
	// A pruning delete is re-checked: the subject may have been created after
	// the scan passed it.
	if t.Source == SourceFullReconcile {
		_, err := q.identity.GetUser(ctx, t.SubjectID)
		switch {
		case err == nil:
			log.Info().Str("subject_id", t.SubjectID).Msg("reconcile: orphan delete skipped; user exists")
			return nil
		case !errors.Is(err, ErrUserNotFound):
			return fmt.Errorf("recheck user: %w", err)
		}
	}
	err := q.records.DeleteBySubjectID(ctx, t.SubjectID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Pending returns a copy of the queued tasks in execution order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, q.order.Len())
	for it := q.order.Front(); it != nil; it = it.Next() {
		out = append(out, it.Value.(*entry).task)
	}
	return out
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Status is a point-in-time view of the queue.
type Status struct {
	Depth               map[Source]int `json:"depth"`
	Total               int            `json:"total"`
	InFlight            bool           `json:"inFlight"`
	Reconciling         bool           `json:"reconciling"`
	Processed           uint64         `json:"processed"`
	Failed              uint64         `json:"failed"`
	LastError           string         `json:"lastError,omitempty"`
	LastFullReconcileAt *time.Time     `json:"lastFullReconcileAt,omitempty"`
	LastReconcileRunID  string         `json:"lastReconcileRunId,omitempty"`
	LastReconcileError  string         `json:"lastReconcileError,omitempty"`
	PendingKeys         []string       `json:"pendingKeys"`
}

// Status reports depth by source, counters, reconciliation state and up to
// 50 pending dedup keys in execution order.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		Depth:              make(map[Source]int, len(q.depth)),
		Total:              q.order.Len(),
		InFlight:           q.inFlight != nil,
		Reconciling:        q.reconciling,
		Processed:          q.processed,
		Failed:             q.failed,
		LastError:          q.lastError,
		LastReconcileRunID: q.lastRunID,
		LastReconcileError: q.lastRunError,
		PendingKeys:        make([]string, 0, min(q.order.Len(), pendingKeysCap)),
	}
	for s, n := range q.depth {
		st.Depth[s] = n
	}
	if !q.lastFullReconcileAt.IsZero() {
		at := q.lastFullReconcileAt
		st.LastFullReconcileAt = &at
	}
	for it := q.order.Front(); it != nil && len(st.PendingKeys) < pendingKeysCap; it = it.Next() {
		st.PendingKeys = append(st.PendingKeys, it.Value.(*entry).task.Key())
	}
	return st
}
