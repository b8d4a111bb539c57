package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"canvasServer/backend/internal/metrics"
)

// Monitor records request count and latency. The route template (c.FullPath) is used
// as the path label so canvas ids do not explode label cardinality.
func Monitor(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		m.HTTPRequests.WithLabelValues(path, c.Request.Method, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(path, c.Request.Method).Observe(time.Since(start).Seconds())
		if status == http.StatusForbidden {
			m.AuthRejections.WithLabelValues("403_forbidden").Inc()
		}
	}
}

// BasicAuth protects /metrics when user is set; an empty user leaves it open.
func BasicAuth(user, pass string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user == "" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="Metrics"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
