package reconcile

import (
	"time"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// Kind is the mirroring action a task performs.
type Kind string

const (
	KindEnsure Kind = "ensure"
	KindDelete Kind = "delete"
)

// Source tags where a task came from.
type Source string

const (
	// SourceUserOperation marks tasks mirroring an individual mutation.
	SourceUserOperation Source = "user-operation"
	// SourceFullReconcile marks corrective tasks from a full reconciliation.
	SourceFullReconcile Source = "full-reconcile"
)

// Payload is a cached user snapshot carried by an ensure task. A nil
// Accounts slice means "not known"; the queue fetches accounts when the
// directory can list them.
type Payload struct {
	User     domain.User      `json:"user"`
	Accounts []domain.Account `json:"accounts,omitempty"`
}

// Task is one unit of mirroring work.
type Task struct {
	Kind           Kind      `json:"kind"`
	SubjectID      string    `json:"subjectId"`
	Payload        *Payload  `json:"payload,omitempty"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"nextAttemptAt"`
	Source         Source    `json:"source"`
	ReconcileRunID string    `json:"reconcileRunId,omitempty"`
}

// Key is the deduplication key "kind:subjectId".
func (t Task) Key() string { return string(t.Kind) + ":" + t.SubjectID }

// EnsureTask builds a user-operation ensure for u.
func EnsureTask(u domain.User, accounts []domain.Account) Task {
	return Task{
		Kind:      KindEnsure,
		SubjectID: u.ID,
		Payload:   &Payload{User: u, Accounts: accounts},
		Source:    SourceUserOperation,
	}
}

// DeleteTask builds a user-operation delete for subjectID.
func DeleteTask(subjectID string) Task {
	return Task{Kind: KindDelete, SubjectID: subjectID, Source: SourceUserOperation}
}
