// Package middleware provides gin middleware shared by the HTTP and
// WebSocket-upgrade surfaces: tenant authentication, CORS, panic
// recovery, and access logging. Adapted from the teacher's
// internal/middleware package, with TenantAuth rebuilt on top of
// tenant.Authenticator's priority-chain credential extraction instead
// of the teacher's Istio-header / BFF-ticket scheme.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/axonstream/axonpulse/internal/tenant"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TenantAuth resolves a tenant.Context via the Authenticator's priority
// chain (bearer -> query token -> handshake auth -> API key -> demo)
// and stores it on the gin context for downstream handlers, mirroring
// the Gateway's own admission check.
func TenantAuth(authr *tenant.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := tenant.Credentials{
			QueryToken: c.Query("token"),
		}
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			creds.BearerToken = strings.TrimPrefix(h, "Bearer ")
		}
		if key := c.GetHeader("X-API-Key"); key != "" {
			creds.APIKey = key
			creds.APIKeyOrgID = c.GetHeader("X-Organization-ID")
		}

		tc, err := authr.Authenticate(c.Request.Context(), creds)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "AUTH_FAILED", "message": err.Error()}})
			c.Abort()
			return
		}
		c.Set("tenantContext", tc)
		c.Next()
	}
}

// Logger logs each request's method, path, status, and latency.
func Logger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"latency": time.Since(start),
			"ip":      c.ClientIP(),
		}).Info("request")
	}
}

// CORS allows cross-origin requests from any client — the gateway
// authenticates at the tenant-context layer, not the origin layer.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Organization-ID, Idempotency-Key")
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Recovery recovers from panics in handlers, returning a 500 instead of
// crashing the process.
func Recovery(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("panic recovered")
				c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "internal server error"}})
				c.Abort()
			}
		}()
		c.Next()
	}
}
