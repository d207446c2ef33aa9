package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/persistorai/custodian/internal/metrics"
)

// unmatchedRoute labels requests that hit no registered route, keeping
// scanner traffic out of per-path series.
const unmatchedRoute = "unmatched"

// PrometheusMiddleware records request latency and count by route pattern.
// Scrapes of the metrics endpoint itself are not counted.
func PrometheusMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		if route == "" {
			route = unmatchedRoute
		}

		status := strconv.Itoa(c.Writer.Status())
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
	}
}
