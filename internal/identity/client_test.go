package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
)

// directory serves a fixed user set the way the identity service does.
func directory(t *testing.T, token string, users []domain.User) *httptest.Server {
	t.Helper()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	byID := map[string]domain.User{}
	for _, u := range users {
		byID[u.ID] = u
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if r.URL.Query().Has("after") {
			after := r.URL.Query().Get("after")
			out := []domain.User{}
			for _, u := range users {
				if u.ID > after && len(out) < limit {
					out = append(out, u)
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"users": out})
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := min(offset+limit, len(users))
		page := []domain.User{}
		if offset < len(users) {
			page = users[offset:end]
		}
		_ = json.NewEncoder(w).Encode(reconcile.UserPage{Users: page, Total: len(users)})
	})
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/users/")
		id, sub, _ := strings.Cut(rest, "/")
		u, ok := byID[id]
		if !ok {
			http.Error(w, "no such user", http.StatusNotFound)
			return
		}
		if sub == "accounts" {
			_ = json.NewEncoder(w).Encode([]domain.Account{{ID: "acc-" + id, UserID: id, Provider: "github", AccountID: "gh-" + id}})
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	})

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
}

func users(n int) []domain.User {
	out := make([]domain.User, n)
	for i := range out {
		out[i] = domain.User{ID: fmt.Sprintf("u%03d", i), Email: fmt.Sprintf("u%03d@example.com", i)}
	}
	return out
}

func TestClient_ListUsersPage(t *testing.T) {
	srv := directory(t, "tok", users(7))
	defer srv.Close()
	c := NewClient(srv.URL, "tok", time.Second)

	p, err := c.ListUsersPage(context.Background(), 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, p.Total)
	require.Len(t, p.Users, 2)
	assert.Equal(t, "u005", p.Users[0].ID)
}

func TestClient_ListUsersAfter(t *testing.T) {
	srv := directory(t, "tok", users(5))
	defer srv.Close()
	c := NewClient(srv.URL, "tok", time.Second)

	got, err := c.ListUsersAfter(context.Background(), "", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = c.ListUsersAfter(context.Background(), got[2].ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u003", got[0].ID)
}

func TestClient_GetUserAndAccounts(t *testing.T) {
	srv := directory(t, "tok", users(2))
	defer srv.Close()
	c := NewClient(srv.URL, "tok", time.Second)
	ctx := context.Background()

	u, err := c.GetUser(ctx, "u001")
	require.NoError(t, err)
	assert.Equal(t, "u001@example.com", u.Email)

	_, err = c.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, reconcile.ErrUserNotFound)

	accts, err := c.ListAccountsForUser(ctx, "u001")
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, "gh-u001", accts[0].AccountID)

	accts, err = c.ListAccountsForUser(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, accts)
}

func TestClient_UnauthorizedIsStatusError(t *testing.T) {
	srv := directory(t, "tok", users(1))
	defer srv.Close()
	c := NewClient(srv.URL, "wrong", time.Second)

	_, err := c.ListUsersPage(context.Background(), 10, 0)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.False(t, errors.Is(err, ErrUserNotFound))
}

func TestClient_DrivesFullReconcile(t *testing.T) {
	srv := directory(t, "tok", users(12))
	defer srv.Close()
	c := NewClient(srv.URL, "tok", time.Second)

	q := reconcile.NewQueue(reconcile.Options{Identity: c, Records: nopRecords{}, PageSize: 5})
	require.NoError(t, q.SeedFullReconcile(context.Background()))
	assert.Equal(t, 12, q.Len())
}

// offsetDirectory pages by limit/offset only and ignores after=, like an
// identity service without keyset support.
func offsetDirectory(t *testing.T, n int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	all := make([]domain.User, n)
	for i := range all {
		all[i] = domain.User{ID: fmt.Sprintf("u%04d", i), Email: fmt.Sprintf("u%04d@example.com", i)}
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			http.NotFound(w, r)
			return
		}
		requests.Add(1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := min(offset+limit, len(all))
		page := []domain.User{}
		if offset < len(all) {
			page = all[offset:end]
		}
		_ = json.NewEncoder(w).Encode(reconcile.UserPage{Users: page, Total: len(all)})
	}))
}

func TestNewDirectory_CursorAdvertisedOnlyWhenEnabled(t *testing.T) {
	c := NewClient("http://identity", "", time.Second)

	_, ok := NewDirectory(c, false).(reconcile.CursorLister)
	assert.False(t, ok)
	_, ok = NewDirectory(c, false).(reconcile.AccountLister)
	assert.True(t, ok, "accounts stay available without cursor paging")
	_, ok = NewDirectory(c, true).(reconcile.CursorLister)
	assert.True(t, ok)
}

func TestNewDirectory_OffsetOnlyServiceReconcilesEveryUser(t *testing.T) {
	for _, tc := range []struct {
		name     string
		cursor   bool
		requests int32
	}{
		{"offset paging", false, 3},
		// two cursor pages before the ignored cursor is noticed, then three offset pages
		{"cursor falls back to offset", true, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := offsetDirectory(t, 1200, &requests)
			defer srv.Close()

			dir := NewDirectory(NewClient(srv.URL, "", time.Second), tc.cursor)
			q := reconcile.NewQueue(reconcile.Options{Identity: dir, Records: nopRecords{}, PageSize: 500})
			require.NoError(t, q.SeedFullReconcile(context.Background()))
			assert.Equal(t, 1200, q.Len())
			assert.Equal(t, tc.requests, requests.Load())
			assert.Empty(t, q.Status().LastReconcileError)
		})
	}
}

type nopRecords struct{}

func (nopRecords) UpsertBySubjectID(context.Context, domain.User, []domain.Account) error {
	return nil
}
func (nopRecords) DeleteBySubjectID(context.Context, string) error { return nil }
func (nopRecords) ListRecordsPage(context.Context, int, int) (reconcile.RecordPage, error) {
	return reconcile.RecordPage{}, nil
}
