package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth rejects requests whose "Authorization: Bearer <token>" does not
// match token exactly. It runs before any handler on the group it guards.
func BearerAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "Unauthorized: Invalid API Token",
			})
			return
		}
		c.Next()
	}
}
