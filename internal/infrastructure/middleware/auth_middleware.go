package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"duocall/internal/core/domain"
	"duocall/internal/core/services"
	"duocall/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	ContextSessionID = "session_id"
	ContextIdentity  = "identity"
)

type TokenValidator interface {
	Validate(token string) (*services.Claims, error)
}

// bearer extracts the token from an "Authorization: Bearer <token>" header.
func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a session token and stores its session and identity.
func AuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearer(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextSessionID, claims.SessionID)
		c.Set(ContextIdentity, claims.Identity)
		ctx := logger.WithSessionID(c.Request.Context(), string(claims.SessionID))
		ctx = logger.WithIdentity(ctx, string(claims.Identity))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Caller returns the authenticated session and identity.
func Caller(c *gin.Context) (domain.SessionID, domain.Identity, bool) {
	sessionVal, ok := c.Get(ContextSessionID)
	if !ok {
		return "", "", false
	}
	identityVal, ok := c.Get(ContextIdentity)
	if !ok {
		return "", "", false
	}
	sessionID, ok1 := sessionVal.(domain.SessionID)
	identity, ok2 := identityVal.(domain.Identity)
	return sessionID, identity, ok1 && ok2
}

// SessionMemberMiddleware rejects tokens issued for a session other than :id.
func SessionMemberMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, _, ok := Caller(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if string(sessionID) != c.Param("id") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is not valid for this session"})
			return
		}
		c.Next()
	}
}

// ServiceKeyMiddleware guards service-to-service endpoints with X-API-Key.
// An empty key disables the check.
func ServiceKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}
