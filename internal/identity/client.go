// Package identity is the sync agent's read-only client for the identity
// directory's HTTP API.
//
// Endpoints:
//
//	GET /users?limit=&offset=    -> {"users": [...], "total": n}
//	GET /users?limit=&after=     -> {"users": [...]}   (keyset, ordered by id)
//	GET /users/:id               -> User, 404 when gone
//	GET /users/:id/accounts      -> [Account]
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
)

// ErrUserNotFound aliases the queue's sentinel so callers can match either.
var ErrUserNotFound = reconcile.ErrUserNotFound

// StatusError is returned for an unexpected non-2xx response.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity directory GET %s: status %d: %s", e.Path, e.Code, e.Body)
}

// Client reads users and accounts from the identity directory.
type Client struct {
	BaseURL string
	// Token is sent as a bearer token when non-empty.
	Token string
	HTTP  *http.Client
}

// NewClient returns a Client with a traced transport and the given timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// ListUsersPage implements reconcile.IdentityDirectory.
func (c *Client) ListUsersPage(ctx context.Context, limit, offset int) (reconcile.UserPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out reconcile.UserPage
	err := c.get(ctx, "/users", q, &out)
	return out, err
}

// ListUsersAfter implements reconcile.CursorLister.
func (c *Client) ListUsersAfter(ctx context.Context, afterID string, limit int) ([]domain.User, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("after", afterID)

	var out struct {
		Users []domain.User `json:"users"`
	}
	err := c.get(ctx, "/users", q, &out)
	return out.Users, err
}

// GetUser implements reconcile.IdentityDirectory.
func (c *Client) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := c.get(ctx, "/users/"+url.PathEscape(id), nil, &u)
	if isNotFound(err) {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

// ListAccountsForUser implements reconcile.AccountLister. A user that
// vanished between reads has no accounts.
func (c *Client) ListAccountsForUser(ctx context.Context, userID string) ([]domain.Account, error) {
	var out []domain.Account
	err := c.get(ctx, "/users/"+url.PathEscape(userID)+"/accounts", nil, &out)
	if isNotFound(err) {
		return []domain.Account{}, nil
	}
	if out == nil && err == nil {
		out = []domain.Account{}
	}
	return out, err
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("identity directory GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("identity directory GET %s: decode: %w", path, err)
	}
	return nil
}

// NewDirectory returns c as the queue's identity directory. Keyset paging
// is only advertised when cursor is set; otherwise full reconciliation
// pages by offset.
func NewDirectory(c *Client, cursor bool) reconcile.IdentityDirectory {
	if cursor {
		return c
	}
	return offsetOnly{c}
}

// offsetOnly hides ListUsersAfter from directories that only page by offset.
type offsetOnly struct{ c *Client }

func (o offsetOnly) ListUsersPage(ctx context.Context, limit, offset int) (reconcile.UserPage, error) {
	return o.c.ListUsersPage(ctx, limit, offset)
}

func (o offsetOnly) GetUser(ctx context.Context, id string) (domain.User, error) {
	return o.c.GetUser(ctx, id)
}

func (o offsetOnly) ListAccountsForUser(ctx context.Context, userID string) ([]domain.Account, error) {
	return o.c.ListAccountsForUser(ctx, userID)
}

var (
	_ reconcile.IdentityDirectory = offsetOnly{}
	_ reconcile.AccountLister     = offsetOnly{}
	_ reconcile.IdentityDirectory = (*Client)(nil)
	_ reconcile.AccountLister     = (*Client)(nil)
	_ reconcile.CursorLister      = (*Client)(nil)
)
