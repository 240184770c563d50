// Package boundary wires the failover engine into an HTTP server: a gin
// router exposing a health check and a catch-all passthrough route.
package boundary

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Forwarder handles one inbound request, classifying and retrying against
// the configured upstream candidates. Satisfied by *failover.Engine.
type Forwarder interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// recovery recovers from panics in request handling, logging everything
// except a client disconnect, which gin surfaces as http.ErrAbortHandler.
func recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					c.Abort()
					return
				}
				log.Error("panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// NewRouter builds the gin engine: GET /health answers locally without
// touching upstream state, and every other path/method falls through to
// the forwarder via NoRoute so the failover engine stays in full control
// of method handling.
func NewRouter(fwd Forwarder, log *slog.Logger, debugMode bool) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(recovery(log))
	if debugMode {
		router.Use(gin.Logger())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "anthropic-transparent-proxy",
		})
	})

	router.NoRoute(func(c *gin.Context) {
		fwd.ServeHTTP(c.Writer, c.Request)
	})

	return router
}
