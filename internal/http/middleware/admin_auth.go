package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminToken carries the operator token for the admin control surface.
const HeaderAdminToken = "X-Admin-Token"

// principalKey is the Gin context key naming the authenticated caller.
const principalKey = "principal"

// AdminAuth rejects requests whose X-Admin-Token does not match token. An
// empty configured token rejects everything. On success the principal
// "admin" is stored in the context for logging and rate-limit keys.
func AdminAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderAdminToken))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		c.Set(principalKey, "admin")
		c.Next()
	}
}

// Principal returns the authenticated caller set by AdminAuth, or "".
func Principal(c *gin.Context) string {
	v, _ := c.Get(principalKey)
	return asString(v)
}
