package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeySession is the gin context key for the verified session.
	ContextKeySession = "session"
	// ContextKeyEmail is the gin context key for the verified identity email.
	ContextKeyEmail = "sessionEmail"
)

// Middleware extracts and verifies a session token from the request.
// Sets the session and email in context if valid; never rejects on its own.
func Middleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" {
			if sess, err := v.Verify(token); err == nil {
				c.Set(ContextKeySession, sess)
				c.Set(ContextKeyEmail, sess.Email)
			}
		}
		c.Next()
	}
}

// RequireSession rejects requests that did not present a valid session token.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeySession); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid session token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that do not carry the admin secret.
// Used for operational endpoints like ledger reconciliation.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin endpoints are disabled.",
			})
			return
		}
		presented := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials.",
			})
			return
		}
		c.Next()
	}
}

// SessionEmail returns the verified identity email for the request, if any.
func SessionEmail(c *gin.Context) (string, bool) {
	email, exists := c.Get(ContextKeyEmail)
	if !exists {
		return "", false
	}
	return email.(string), true
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return c.GetHeader("X-Session-Token")
}
