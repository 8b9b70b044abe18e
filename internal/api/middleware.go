package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fanout/internal/metrics"
	"fanout/internal/ratelimit"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	userIDKey       = "userID"
	loggerKey       = "logger"
)

// RequestID reuses an incoming X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Principal stores the caller identity from the X-User-ID header, if any.
// Identity is asserted by an upstream gateway; it is not verified here.
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			c.Set(userIDKey, uid)
		}
		c.Next()
	}
}

// Logger writes one access log line per request and attaches a
// request-scoped logger for handlers.
func Logger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		l := base.With().
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", routeOf(c)).
			Str("remote_ip", c.ClientIP()).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		ev := l.With().
			Str("user_id", c.GetString(userIDKey)).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		switch status := c.Writer.Status(); {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// LoggerFrom returns the request-scoped logger, or base when none is set.
func LoggerFrom(c *gin.Context, base zerolog.Logger) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	return &base
}

// Recovery turns panics into a JSON 500 carrying the request id.
func Recovery(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := c.GetString(requestIDKey)
				base.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", rid).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(rid, "internal_error", "internal server error"))
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// Metrics records request counts, latency and in-flight requests.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		c.Next()

		route := routeOf(c)
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// RateLimit applies the differentiated policy: callers with a principal are
// keyed by it, everyone else by client address.
func RateLimit(policy *ratelimit.DifferentiatedPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := policy.Allow(c.Request.Context(), c.GetString(userIDKey), c.ClientIP())
		if res.Allowed {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			c.Next()
			return
		}
		rejectRateLimited(c, res)
	}
}

// AddressRateLimit applies a flat policy keyed by client address.
func AddressRateLimit(policy *ratelimit.FlatPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := policy.Allow(c.Request.Context(), c.ClientIP())
		if res.Allowed {
			c.Next()
			return
		}
		rejectRateLimited(c, res)
	}
}

func rejectRateLimited(c *gin.Context, res ratelimit.Result) {
	c.Header("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
	body := errorBody(c.GetString(requestIDKey), "rate_limited", "rate limit exceeded")
	body["retry_after_seconds"] = res.RetryAfterSeconds
	c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func errorBody(requestID, code, message string) gin.H {
	return gin.H{
		"request_id": requestID,
		"code":       code,
		"message":    message,
	}
}
