package reconcile

import (
	"context"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// UserPage is one offset page of the identity directory.
type UserPage struct {
	Users []domain.User `json:"users"`
	Total int           `json:"total"`
}

// IdentityDirectory is the authoritative user directory as seen by the
// queue.
type IdentityDirectory interface {
	// ListUsersPage returns users in a stable order starting at offset.
	ListUsersPage(ctx context.Context, limit, offset int) (UserPage, error)
	// GetUser returns ErrUserNotFound when id does not exist.
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// AccountLister is implemented by directories that expose per-user account
// metadata. Without it, ensures carry no accounts.
type AccountLister interface {
	ListAccountsForUser(ctx context.Context, userID string) ([]domain.Account, error)
}

// CursorLister is implemented by directories that support keyset
// pagination ordered by user id. Full reconciliation prefers it over
// offset paging because deletions mid-scan cannot shift the window.
type CursorLister interface {
	// ListUsersAfter returns up to limit users with id > afterID, ordered by
	// id. An empty afterID starts from the beginning.
	ListUsersAfter(ctx context.Context, afterID string, limit int) ([]domain.User, error)
}

// RecordPage is one page of the record store.
type RecordPage struct {
	Records     []domain.Record `json:"records"`
	Total       int64           `json:"total"`
	HasNextPage bool            `json:"hasNextPage"`
}

// RecordStore is the mirrored directory the queue writes to.
type RecordStore interface {
	// UpsertBySubjectID creates or replaces the record for user.ID.
	UpsertBySubjectID(ctx context.Context, user domain.User, accounts []domain.Account) error
	// DeleteBySubjectID removes the record. Deleting a missing record is not
	// an error (implementations may return ErrRecordNotFound).
	DeleteBySubjectID(ctx context.Context, subjectID string) error
	// ListRecordsPage returns the 1-based page of records ordered by subject
	// id.
	ListRecordsPage(ctx context.Context, limit, page int) (RecordPage, error)
}
