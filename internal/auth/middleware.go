package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// RequireUserCookie verifies the user cookie and injects identity into the
// request context. Requests without a valid cookie get 401.
func RequireUserCookie(i *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(CookieName)
		if err != nil || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user cookie"})
			return
		}

		claims, err := i.Verify(raw, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid user cookie"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.Login, claims.Admin)
		c.Request = c.Request.WithContext(ctx)
		c.Set("login", claims.Login)

		c.Next()
	}
}

// RequireAdmin allows only sessions opened by an administrator.
// Chain it after RequireUserCookie.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := Login(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
			return
		}
		if !IsAdmin(c.Request.Context()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "administrator required"})
			return
		}
		c.Next()
	}
}
