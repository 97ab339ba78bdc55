// Record store ingest endpoints (sync signature required):
//   - PUT    /sync/users/{id}
//   - DELETE /sync/users/{id}
//   - GET    /sync/users?limit=&page=
//
// The signature headers are parsed by middleware.SyncSignature; the records
// service performs the cryptographic check against the body it applies.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-directory-sync/internal/http/middleware"
	"github.com/tbourn/go-directory-sync/internal/records"
	"github.com/tbourn/go-directory-sync/internal/utils"
)

// DeleteResponse reports whether a record existed before the delete.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// PutUser godoc
// @ID          putUser
// @Summary     Upsert a mirrored user
// @Description Upserts the record for id. The body's user id must match the path. 201 when created, 200 otherwise.
// @Tags        Sync
// @Accept      json
// @Produce     json
//
// @Param       X-Sync-Timestamp  header  string  true  "Unix seconds"
// @Param       X-Sync-Nonce      header  string  true  "Single-use nonce"
// @Param       X-Sync-Signature  header  string  true  "Hex HMAC-SHA256"
// @Param       id                path    string                  true  "Subject id"
// @Param       body              body    records.UpsertRequest   true  "User and accounts"
//
// @Success     200  {object}  map[string]bool
// @Success     201  {object}  map[string]bool
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad signature"
// @Failure     409  {object}  handlers.ErrorResponse  "Nonce replayed"
// @Router      /sync/users/{id} [put]
func (h *Handlers) PutUser(c *gin.Context) {
	sig, found := middleware.GetSyncSignature(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing sync signature")
		return
	}
	var req records.UpsertRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.User.ID == "" || req.User.ID != c.Param("id") {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user.id must match the path")
		return
	}

	created, err := h.records.Upsert(c.Request.Context(), req.User, req.Accounts, sig)
	if err != nil {
		failRecords(c, err, ErrCodeUpsertFailed)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, gin.H{"ok": true, "created": created})
}

// DeleteRecord godoc
// @ID          deleteRecord
// @Summary     Delete a mirrored user
// @Description Removes the record for id. Deleting a missing record succeeds with deleted=false.
// @Tags        Sync
// @Produce     json
//
// @Param       X-Sync-Timestamp  header  string  true  "Unix seconds"
// @Param       X-Sync-Nonce      header  string  true  "Single-use nonce"
// @Param       X-Sync-Signature  header  string  true  "Hex HMAC-SHA256"
// @Param       id                path    string  true  "Subject id"
//
// @Success     200  {object}  handlers.DeleteResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Bad signature"
// @Failure     409  {object}  handlers.ErrorResponse  "Nonce replayed"
// @Router      /sync/users/{id} [delete]
func (h *Handlers) DeleteRecord(c *gin.Context) {
	sig, found := middleware.GetSyncSignature(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing sync signature")
		return
	}
	deleted, err := h.records.Delete(c.Request.Context(), c.Param("id"), sig)
	if err != nil {
		failRecords(c, err, ErrCodeDeleteFailed)
		return
	}
	ok(c, http.StatusOK, DeleteResponse{Deleted: deleted})
}

// ListRecords godoc
// @ID          listRecords
// @Summary     List mirrored users (paginated)
// @Description Returns one page of records ordered by subject id.
// @Tags        Sync
// @Produce     json
//
// @Param       X-Sync-Timestamp  header  string  true  "Unix seconds"
// @Param       X-Sync-Nonce      header  string  true  "Single-use nonce"
// @Param       X-Sync-Signature  header  string  true  "Hex HMAC-SHA256"
// @Param       limit             query   int     false "Page size"  default(100)
// @Param       page              query   int     false "Page (1-based)"  default(1)
//
// @Success     200  {object}  reconcile.RecordPage
// @Failure     401  {object}  handlers.ErrorResponse  "Bad signature"
// @Failure     409  {object}  handlers.ErrorResponse  "Nonce replayed"
// @Router      /sync/users [get]
func (h *Handlers) ListRecords(c *gin.Context) {
	sig, found := middleware.GetSyncSignature(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing sync signature")
		return
	}
	limit, page := utils.PageParams(c.Query("limit"), c.Query("page"), records.DefaultListLimit, records.MaxListLimit)

	out, err := h.records.List(c.Request.Context(), limit, page, sig)
	if err != nil {
		failRecords(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, out)
}

// failRecords maps records service errors onto the error envelope.
func failRecords(c *gin.Context, err error, code string) {
	switch {
	case errors.Is(err, records.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, records.ErrReplay):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, records.ErrInvalidUser):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, code, err.Error())
	}
}
