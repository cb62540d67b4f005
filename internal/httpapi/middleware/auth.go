package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/common"
)

const (
	UserIDKey = "uid"
	RoleKey   = "role"
)

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}
		claims, err := auth.ParseJWT(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}
		c.Set(UserIDKey, claims.UID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

// RequireRole must run after AuthRequired.
func RequireRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(RoleKey)
		if r, ok := v.(auth.Role); !ok || r != role {
			common.Fail(c, http.StatusForbidden, 40301, "forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}

// InternalToken guards service-to-service endpoints. An empty token
// disables them.
func InternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Internal-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid internal token")
			c.Abort()
			return
		}
		c.Next()
	}
}
