package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat_server/server/common/transport/httpresp"
)

type tokenAuth interface {
	UserIDFromToken(token string) (string, error)
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		userID, err := auth.UserIDFromToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set("auth_access_token", token)
		c.Set("auth_user_id", userID)
		c.Next()
	}
}
