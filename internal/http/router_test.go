package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-directory-sync/internal/config"
	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/http/middleware"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
	"github.com/tbourn/go-directory-sync/internal/records"
	"github.com/tbourn/go-directory-sync/internal/repo"
	"github.com/tbourn/go-directory-sync/internal/storage"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

const (
	testSecret = "router-secret"
	adminToken = "admin-token"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig(role string) config.Config {
	return config.Config{
		Role:       role,
		AdminToken: adminToken,
		RateRPS:    1000,
		RateBurst:  1000,
		OTEL:       config.OTELConfig{ServiceName: "test-svc"},
	}
}

// fakeDirectory is a fixed identity directory.
type fakeDirectory struct {
	users map[string]domain.User
}

func (f fakeDirectory) ListUsersPage(_ context.Context, limit, offset int) (reconcile.UserPage, error) {
	return reconcile.UserPage{Total: len(f.users)}, nil
}

func (f fakeDirectory) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, reconcile.ErrUserNotFound
	}
	return u, nil
}

type recordsServer struct {
	db     *gorm.DB
	svc    *records.Service
	nonces syncauth.NonceGuard
	srv    *httptest.Server
}

func newRecordsServer(t *testing.T) *recordsServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t, "router_"+strings.ReplaceAll(t.Name(), "/", "_"))
	nonces := syncauth.NonceGuard{Store: storage.NewMemory(), TTL: time.Hour}
	svc := records.NewService(db, syncauth.Verifier{Secret: testSecret}, nonces)

	r := gin.New()
	RegisterRoutes(r, Deps{Records: svc, Nonces: nonces.Used}, testConfig(config.RoleRecords))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &recordsServer{db: db, svc: svc, nonces: nonces, srv: srv}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, Deps{}, testConfig(config.RoleAgent))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("pipeline headers missing: %v", w.Header())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	// No queue and no record service: neither surface is mounted.
	for _, p := range []string{"/reconcile/status", "/sync/users"} {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("GET %s expected 404, got %d", p, w.Code)
		}
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testConfig(config.RoleAgent)
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, Deps{}, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func TestAdminSurface_AuthAndEnqueue(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := reconcile.NewQueue(reconcile.Options{Identity: fakeDirectory{}, Records: records.LocalWriter{}})
	r := gin.New()
	RegisterRoutes(r, Deps{Queue: q}, testConfig(config.RoleAgent))

	send := func(token, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(middleware.HeaderAdminToken, token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/reconcile/status"},
		{http.MethodPost, "/reconcile/run"},
		{http.MethodPost, "/reconcile/ensure"},
		{http.MethodPost, "/reconcile/delete"},
	} {
		if w := send("wrong", tc.method, tc.path, "{}"); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s with bad token -> %d", tc.method, tc.path, w.Code)
		}
	}

	if w := send(adminToken, http.MethodPost, "/reconcile/delete", `{"subjectId":"gone"}`); w.Code != http.StatusOK {
		t.Fatalf("delete -> %d %s", w.Code, w.Body.String())
	}
	if q.Len() != 1 || q.Pending()[0].Key() != "delete:gone" {
		t.Fatalf("queue = %+v", q.Pending())
	}

	req := httptest.NewRequest(http.MethodGet, "/reconcile/status", nil)
	req.Header.Set(middleware.HeaderAdminToken, adminToken)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("status -> %d encoding=%q", w.Code, w.Header().Get("Content-Encoding"))
	}
}

func TestIngest_SignedClientRoundTrip(t *testing.T) {
	rs := newRecordsServer(t)
	ctx := context.Background()
	client := records.NewClient(rs.srv.URL, syncauth.Signer{Secret: testSecret}, 5*time.Second)

	alice := domain.User{ID: "u-alice", Email: "alice@example.com", Name: "Alice"}
	accts := []domain.Account{{ID: "a1", UserID: alice.ID, Provider: "github", AccountID: "gh-1"}}
	if err := client.UpsertBySubjectID(ctx, alice, accts); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, err := repo.GetRecord(ctx, rs.db, alice.ID)
	if err != nil || rec.Email != alice.Email || len(rec.Accounts) != 1 {
		t.Fatalf("stored record = %+v err=%v", rec, err)
	}

	page, err := client.ListRecordsPage(ctx, 10, 1)
	if err != nil || page.Total != 1 || page.HasNextPage {
		t.Fatalf("list = %+v err=%v", page, err)
	}

	if err := client.DeleteBySubjectID(ctx, alice.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.DeleteBySubjectID(ctx, alice.ID); err != nil {
		t.Fatalf("delete of missing record: %v", err)
	}
	if n, _ := repo.CountRecords(ctx, rs.db); n != 0 {
		t.Fatalf("records left: %d", n)
	}
}

func TestIngest_SubjectIDWithSlash(t *testing.T) {
	rs := newRecordsServer(t)
	ctx := context.Background()
	client := records.NewClient(rs.srv.URL, syncauth.Signer{Secret: testSecret}, 5*time.Second)

	u := domain.User{ID: "org/42", Email: "org42@example.com", Name: "Org 42"}
	if err := client.UpsertBySubjectID(ctx, u, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec, err := repo.GetRecord(ctx, rs.db, "org/42"); err != nil || rec.Email != u.Email {
		t.Fatalf("stored record = %+v err=%v", rec, err)
	}
	if err := client.DeleteBySubjectID(ctx, "org/42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := repo.CountRecords(ctx, rs.db); n != 0 {
		t.Fatalf("records left: %d", n)
	}
}

func TestIngest_DeleteAgainstWrongServiceFails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, Deps{}, testConfig(config.RoleAgent))
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := records.NewClient(srv.URL, syncauth.Signer{Secret: testSecret}, 5*time.Second)
	err := client.DeleteBySubjectID(context.Background(), "u1")
	var se *records.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("delete on a server without /sync routes = %v; want 404 status error", err)
	}
}

func TestIngest_RejectsBadAndReplayedSignatures(t *testing.T) {
	rs := newRecordsServer(t)
	u := domain.User{ID: "u1", Email: "u1@example.com", Name: "U1"}
	body, _ := json.Marshal(records.UpsertRequest{User: u, Accounts: []domain.Account{}})

	put := func(sig syncauth.Signature) int {
		req, _ := http.NewRequest(http.MethodPut, rs.srv.URL+"/sync/users/u1", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		sig.Apply(req.Header)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if got := put(syncauth.Signature{}); got != http.StatusUnauthorized {
		t.Fatalf("unsigned -> %d", got)
	}

	wrong, _ := syncauth.Sign(records.UpsertBody(u, []domain.Account{}), "other-secret")
	if got := put(wrong); got != http.StatusUnauthorized {
		t.Fatalf("wrong secret -> %d", got)
	}

	forDelete, _ := syncauth.Sign(records.DeleteBody("u1"), testSecret)
	if got := put(forDelete); got != http.StatusUnauthorized {
		t.Fatalf("signature for another mutation -> %d", got)
	}

	good, _ := syncauth.Sign(records.UpsertBody(u, []domain.Account{}), testSecret)
	if got := put(good); got != http.StatusCreated {
		t.Fatalf("valid -> %d", got)
	}
	if got := put(good); got != http.StatusConflict {
		t.Fatalf("replay -> %d", got)
	}
}

func TestAgentToRecords_EndToEnd(t *testing.T) {
	rs := newRecordsServer(t)
	bob := domain.User{ID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	q := reconcile.NewQueue(reconcile.Options{
		Identity: fakeDirectory{users: map[string]domain.User{bob.ID: bob}},
		Records:  records.NewClient(rs.srv.URL, syncauth.Signer{Secret: testSecret}, 5*time.Second),
	})

	gin.SetMode(gin.TestMode)
	agent := gin.New()
	RegisterRoutes(agent, Deps{Queue: q}, testConfig(config.RoleAgent))

	req := httptest.NewRequest(http.MethodPost, "/reconcile/ensure", strings.NewReader(`{"user":{"id":"u-bob","email":"bob@example.com","name":"Bob"},"accounts":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderAdminToken, adminToken)
	w := httptest.NewRecorder()
	agent.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ensure -> %d %s", w.Code, w.Body.String())
	}

	if !q.Tick(context.Background()) {
		t.Fatalf("expected a task to run")
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %+v", q.Status())
	}
	rec, err := repo.GetRecord(context.Background(), rs.db, bob.ID)
	if err != nil || rec.Name != "Bob" {
		t.Fatalf("mirrored record = %+v err=%v", rec, err)
	}
}
