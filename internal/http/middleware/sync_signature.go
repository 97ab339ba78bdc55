// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the transport half of the record store's signature
// gate. SyncSignature validates the shape of the X-Sync-* headers, optionally
// rejects already-consumed nonces early, and stashes the parsed signature in
// the Gin context so handlers can hand it to the records service, which
// re-derives the canonical body and performs the cryptographic check.
//
// Design goals:
//   - Keep transport concerns (header parsing, context stashing) in middleware.
//   - Never treat a well-formed header as proof of anything; verification is
//     the service's job.
//   - Decouple nonce persistence via a narrow NonceLookup function type.
package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

const ctxKeySyncSig = "sync.signature"

var (
	tsPattern    = regexp.MustCompile(`^-?[0-9]{1,19}$`)
	noncePattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]{8,200}$`)
	macPattern   = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// NonceLookup reports whether a nonce has already been consumed. Errors are
// ignored by the middleware; the service repeats the check authoritatively.
type NonceLookup func(ctx context.Context, nonce string) (used bool, err error)

// GetSyncSignature returns the signature stashed by SyncSignature.
func GetSyncSignature(c *gin.Context) (syncauth.Signature, bool) {
	v, ok := c.Get(ctxKeySyncSig)
	if !ok {
		return syncauth.Signature{}, false
	}
	sig, ok := v.(syncauth.Signature)
	return sig, ok
}

// SyncSignature requires X-Sync-Timestamp, X-Sync-Nonce and X-Sync-Signature
// on every request of the group.
//
// Behavior:
//   - Missing or malformed headers: 401 unauthorized.
//   - lookup reports the nonce consumed: 409 conflict.
//   - Otherwise the parsed signature is stored for GetSyncSignature.
func SyncSignature(lookup NonceLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig, ok := syncauth.FromHeader(c.Request.Header)
		if !ok || !tsPattern.MatchString(sig.Timestamp) || !noncePattern.MatchString(sig.Nonce) || !macPattern.MatchString(sig.MAC) {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing or malformed sync signature")
			return
		}
		if lookup != nil {
			if used, err := lookup(c.Request.Context(), sig.Nonce); err == nil && used {
				abortJSON(c, http.StatusConflict, "conflict", "sync signature already used")
				return
			}
		}
		c.Set(ctxKeySyncSig, sig)
		c.Next()
	}
}

// abortJSON writes the standard error envelope from middleware, which cannot
// import the handlers package.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
