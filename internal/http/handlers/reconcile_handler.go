// Reconciliation control endpoints (admin token required):
//   - GET  /reconcile/status
//   - POST /reconcile/run
//   - POST /reconcile/ensure
//   - POST /reconcile/delete
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/http/middleware"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
)

// EnsureRequest is the payload of POST /reconcile/ensure. A nil Accounts
// slice lets the queue fetch accounts from the identity directory.
type EnsureRequest struct {
	User     domain.User      `json:"user"`
	Accounts []domain.Account `json:"accounts,omitempty"`
}

// DeleteRequest is the payload of POST /reconcile/delete.
type DeleteRequest struct {
	SubjectID string `json:"subjectId"`
}

// ReconcileStatus godoc
// @ID          reconcileStatus
// @Summary     Queue and reconciliation status
// @Description Returns queue depth by source, counters, last error and a sample of pending keys.
// @Tags        Reconcile
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Admin token"
//
// @Success     200  {object}  reconcile.Status
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /reconcile/status [get]
func (h *Handlers) ReconcileStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.queue.Status())
}

// RunReconcile godoc
// @ID          runReconcile
// @Summary     Start a full reconciliation
// @Description Starts a scan in the background. started is false when a scan was already running; the call still succeeds.
// @Tags        Reconcile
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Admin token"
//
// @Success     200  {object}  map[string]bool
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /reconcile/run [post]
func (h *Handlers) RunReconcile(c *gin.Context) {
	started := h.queue.StartFullReconcile(c.Request.Context())
	middleware.LoggerFrom(c).Info().Bool("started", started).Msg("full reconcile requested")
	ok(c, http.StatusOK, gin.H{"ok": true, "started": started})
}

// EnsureUser godoc
// @ID          ensureUser
// @Summary     Mirror one user now
// @Description Priority-enqueues an ensure task for the given snapshot.
// @Tags        Reconcile
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-Token  header  string                   true  "Admin token"
// @Param       body           body    handlers.EnsureRequest   true  "User snapshot"
//
// @Success     200  {object}  map[string]bool
// @Failure     400  {object}  handlers.ErrorResponse  "user.id missing"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /reconcile/ensure [post]
func (h *Handlers) EnsureUser(c *gin.Context) {
	var req EnsureRequest
	if !bindJSON(c, &req) {
		return
	}
	req.User.ID = strings.TrimSpace(req.User.ID)
	if req.User.ID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user.id is required")
		return
	}
	h.queue.Enqueue(reconcile.EnsureTask(req.User, req.Accounts), true)
	ok(c, http.StatusOK, gin.H{"ok": true})
}

// DeleteUser godoc
// @ID          deleteUser
// @Summary     Remove one mirrored user
// @Description Priority-enqueues a delete task for subjectId.
// @Tags        Reconcile
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-Token  header  string                  true  "Admin token"
// @Param       body           body    handlers.DeleteRequest  true  "Subject to delete"
//
// @Success     200  {object}  map[string]bool
// @Failure     400  {object}  handlers.ErrorResponse  "subjectId missing"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /reconcile/delete [post]
func (h *Handlers) DeleteUser(c *gin.Context) {
	var req DeleteRequest
	if !bindJSON(c, &req) {
		return
	}
	id := strings.TrimSpace(req.SubjectID)
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subjectId is required")
		return
	}
	h.queue.Enqueue(reconcile.DeleteTask(id), true)
	ok(c, http.StatusOK, gin.H{"ok": true})
}
