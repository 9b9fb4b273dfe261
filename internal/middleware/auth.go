package middleware

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openloom/connector-rollout/internal/platform/logger"
)

// CallerKey is the gin context key holding the authenticated caller subject.
const CallerKey = "auth_caller"

// ServiceAuthMiddleware authenticates internal service-to-service calls
// with an HS256 JWT minted from SERVICE_TOKEN_SECRET.
type ServiceAuthMiddleware struct {
	log    *logger.Logger
	secret []byte
}

func NewServiceAuthMiddleware(log *logger.Logger) (*ServiceAuthMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("SERVICE_TOKEN_SECRET"))
	if secret == "" {
		return nil, fmt.Errorf("missing SERVICE_TOKEN_SECRET")
	}
	return &ServiceAuthMiddleware{
		log:    log.With("Middleware", "ServiceAuthMiddleware"),
		secret: []byte(secret),
	}, nil
}

func (am *ServiceAuthMiddleware) RequireServiceToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return am.secret, nil
		})
		if err != nil || !token.Valid {
			am.log.Debug("Rejected service token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set(CallerKey, sub)
			}
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
