package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// fakeIdentity is an in-memory identity directory ordered by id.
type fakeIdentity struct {
	mu       sync.Mutex
	users    []domain.User
	accounts map[string][]domain.Account
	pageErr  error
	calls    int
	// block, when set, is received from before each page is served.
	block chan struct{}
}

func newFakeIdentity(n int) *fakeIdentity {
	f := &fakeIdentity{accounts: map[string][]domain.Account{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("user-%05d", i)
		f.users = append(f.users, domain.User{ID: id, Email: id + "@example.com", Name: id})
	}
	return f
}

func (f *fakeIdentity) ListUsersPage(ctx context.Context, limit, offset int) (UserPage, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.pageErr != nil {
		return UserPage{}, f.pageErr
	}
	if offset >= len(f.users) {
		return UserPage{Total: len(f.users)}, nil
	}
	end := min(offset+limit, len(f.users))
	return UserPage{Users: append([]domain.User(nil), f.users[offset:end]...), Total: len(f.users)}, nil
}

func (f *fakeIdentity) GetUser(_ context.Context, id string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, ErrUserNotFound
}

func (f *fakeIdentity) ListAccountsForUser(_ context.Context, id string) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Account{}, f.accounts[id]...), nil
}

func (f *fakeIdentity) pageCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// cursorIdentity adds keyset pagination.
type cursorIdentity struct {
	*fakeIdentity
}

func (c cursorIdentity) ListUsersAfter(_ context.Context, afterID string, limit int) ([]domain.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	i := sort.Search(len(c.users), func(i int) bool { return c.users[i].ID > afterID })
	end := min(i+limit, len(c.users))
	return append([]domain.User(nil), c.users[i:end]...), nil
}

// fakeRecords is an in-memory record store.
type fakeRecords struct {
	mu       sync.Mutex
	records  map[string]domain.Record
	accounts map[string][]domain.Account
	upserts  []string
	deletes  []string
	fail     error
	// hold, when set, is received from inside UpsertBySubjectID.
	hold    chan struct{}
	entered chan struct{}
}

func newFakeRecords(ids ...string) *fakeRecords {
	f := &fakeRecords{records: map[string]domain.Record{}, accounts: map[string][]domain.Account{}}
	for _, id := range ids {
		f.records[id] = domain.Record{SubjectID: id}
	}
	return f
}

func (f *fakeRecords) UpsertBySubjectID(_ context.Context, u domain.User, accts []domain.Account) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.records[u.ID] = domain.Record{SubjectID: u.ID, Email: u.Email, Name: u.Name}
	f.accounts[u.ID] = accts
	f.upserts = append(f.upserts, u.ID+"="+u.Email)
	return nil
}

func (f *fakeRecords) DeleteBySubjectID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.deletes = append(f.deletes, id)
	if _, ok := f.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRecords) ListRecordsPage(_ context.Context, limit, page int) (RecordPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return RecordPage{}, f.fail
	}
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start := (page - 1) * limit
	if start >= len(ids) {
		return RecordPage{Total: int64(len(ids))}, nil
	}
	end := min(start+limit, len(ids))
	out := RecordPage{Total: int64(len(ids)), HasNextPage: end < len(ids)}
	for _, id := range ids[start:end] {
		out.Records = append(out.Records, f.records[id])
	}
	return out, nil
}

func (f *fakeRecords) upserted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.upserts...)
}

func (f *fakeRecords) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

var errDirectoryDown = errors.New("directory unavailable")

// staleCursorIdentity ignores afterID and always serves the first page.
type staleCursorIdentity struct {
	*fakeIdentity
}

func (c staleCursorIdentity) ListUsersAfter(_ context.Context, _ string, limit int) ([]domain.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return append([]domain.User{}, c.users[:min(limit, len(c.users))]...), nil
}
