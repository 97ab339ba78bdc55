package records

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

// StatusError is returned for a non-2xx ingest response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("record store %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// UpsertRequest is the PUT /sync/users/:id body.
type UpsertRequest struct {
	User     domain.User      `json:"user"`
	Accounts []domain.Account `json:"accounts"`
}

// Client writes to a remote record store over its signed ingest API.
type Client struct {
	BaseURL string
	Signer  syncauth.Signer
	HTTP    *http.Client
}

// NewClient returns a Client with a traced transport and the given timeout.
func NewClient(baseURL string, signer syncauth.Signer, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Signer:  signer,
		HTTP:    &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// UpsertBySubjectID implements reconcile.RecordStore.
func (c *Client) UpsertBySubjectID(ctx context.Context, user domain.User, accounts []domain.Account) error {
	if accounts == nil {
		accounts = []domain.Account{}
	}
	sig, err := c.Signer.Sign(UpsertBody(user, accounts))
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, "/sync/users/"+url.PathEscape(user.ID), nil, UpsertRequest{User: user, Accounts: accounts}, sig, nil)
}

// DeleteBySubjectID implements reconcile.RecordStore. The ingest API
// answers 200 for a record that is already gone, so every non-2xx status,
// 404 included, is an error.
func (c *Client) DeleteBySubjectID(ctx context.Context, subjectID string) error {
	sig, err := c.Signer.Sign(DeleteBody(subjectID))
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/sync/users/"+url.PathEscape(subjectID), nil, nil, sig, nil)
}

// ListRecordsPage implements reconcile.RecordStore.
func (c *Client) ListRecordsPage(ctx context.Context, limit, page int) (reconcile.RecordPage, error) {
	limit, page = NormalizePage(limit, page)
	sig, err := c.Signer.Sign(ListBody(limit, page))
	if err != nil {
		return reconcile.RecordPage{}, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))

	var out reconcile.RecordPage
	err = c.do(ctx, http.MethodGet, "/sync/users", q, nil, sig, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in any, sig syncauth.Signature, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	sig.Apply(req.Header)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("record store %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("record store %s %s: decode: %w", method, path, err)
	}
	return nil
}

var _ reconcile.RecordStore = (*Client)(nil)
