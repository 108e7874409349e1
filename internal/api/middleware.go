package api

import (
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// requestID 为每个请求分配ID
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func getRequestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if rid, ok := id.(string); ok {
			return rid
		}
	}
	return c.GetHeader(requestIDHeader)
}

// accessLog 记录请求日志
func accessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
			"request_id", getRequestID(c),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request failed", fields...)
		} else {
			log.Debug("Request served", fields...)
		}
	}
}

// recovery 把panic转换为内部错误响应
func recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		handleError(c, log, apperrors.NewAppError(apperrors.ErrCodeInternal, "Internal server error", nil))
	})
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, err error) {
	if err == nil {
		return
	}

	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error")
	}
	if appErr.RequestID == "" {
		appErr = appErr.WithRequestID(getRequestID(c))
	}

	status := appErr.HTTPStatus()
	fields := []interface{}{
		"error_code", appErr.Code,
		"message", appErr.Message,
		"request_id", appErr.RequestID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
	}
	if appErr.Details != "" {
		fields = append(fields, "details", appErr.Details)
	}
	if appErr.Cause != nil {
		fields = append(fields, "cause", appErr.Cause.Error())
	}

	switch appErr.Severity {
	case apperrors.SeverityCritical, apperrors.SeverityHigh:
		log.Error("Request error", fields...)
	case apperrors.SeverityMedium:
		log.Warn("Request error", fields...)
	default:
		log.Debug("Request error", fields...)
	}

	c.AbortWithStatusJSON(status, apperrors.NewErrorResponse(appErr, c.Request.URL.Path))
}

// bodyLimit caps request bodies
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// clientLimiter keeps one token bucket per client IP
type clientLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(requestsPerMinute, burst int) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   burst,
		idle:    10 * time.Minute,
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 清理长时间不活跃的客户端
	if now.Sub(l.lastSweep) > l.idle {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// rateLimit rejects clients that exceed their budget with 429
func rateLimit(l *clientLimiter, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			handleError(c, log, apperrors.Newf(apperrors.ErrCodeRateLimit, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
