package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sparkstep/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// APIKeyHeaderKey is the custom API key header
	APIKeyHeaderKey = "X-API-Key"
	// ContextUserKey is the key used to store caller claims in context
	ContextUserKey = "user"
)

// AuthConfig holds authentication middleware configuration. With neither a
// JWT service nor a key store configured, authentication is off.
type AuthConfig struct {
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
}

// Enabled reports whether any credential source is configured.
func (c AuthConfig) Enabled() bool {
	return c.JWTService != nil || c.APIKeyStore != nil
}

// AuthMiddleware accepts a Bearer JWT or an X-API-Key header.
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.Enabled() {
			c.Next()
			return
		}

		if claims := tryJWTAuth(c, config.JWTService); claims != nil {
			c.Set(ContextUserKey, claims)
			c.Next()
			return
		}
		if claims := tryAPIKeyAuth(c, config.APIKeyStore); claims != nil {
			c.Set(ContextUserKey, claims)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "authentication required",
			"hint":  "provide Bearer token or X-API-Key header",
		})
	}
}

func tryJWTAuth(c *gin.Context, jwtService *auth.JWTService) *auth.Claims {
	if jwtService == nil {
		return nil
	}

	scheme, token, ok := strings.Cut(c.GetHeader(AuthHeaderKey), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil
	}

	claims, err := jwtService.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return nil
	}
	return claims
}

func tryAPIKeyAuth(c *gin.Context, store auth.APIKeyStore) *auth.Claims {
	if store == nil {
		return nil
	}

	apiKey := c.GetHeader(APIKeyHeaderKey)
	if apiKey == "" {
		return nil
	}

	info, err := store.ValidateKey(c.Request.Context(), apiKey)
	if err != nil {
		return nil
	}
	return info.Claims()
}

// GetUserFromContext retrieves caller claims from the request context
func GetUserFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole requires a minimum role. It is a no-op when config has
// authentication turned off.
func RequireRole(config AuthConfig, required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.Enabled() {
			c.Next()
			return
		}

		claims, ok := GetUserFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		if !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    auth.ErrInsufficientRole.Error(),
				"required": required,
				"current":  claims.Role,
			})
			return
		}

		c.Next()
	}
}
