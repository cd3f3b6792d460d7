package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/response"
)

// TokenValidator validates access tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*jwt.Claims, error)
}

// AuthMiddleware validates the bearer token and sets user_id, name and role
// in the Gin context. Browsers cannot set headers on a websocket handshake,
// so the token may also come in the "token" query parameter.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.FromError(c, apperrors.UnauthorizedError("Authorization header required"))
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			response.FromError(c, apperrors.InvalidTokenError("Invalid token"))
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("name", claims.Name)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}
