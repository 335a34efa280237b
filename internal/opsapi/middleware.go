package opsapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"insurance-core/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Per-IP rate limiters, adapted verbatim from internal/api/middleware.go.
var (
	ipLimiters = make(map[string]*rate.Limiter)
	ipLimMu    sync.RWMutex
)

func getIPLimiter(ip string) *rate.Limiter {
	ipLimMu.RLock()
	limiter, exists := ipLimiters[ip]
	ipLimMu.RUnlock()
	if exists {
		return limiter
	}

	ipLimMu.Lock()
	defer ipLimMu.Unlock()
	if limiter, exists := ipLimiters[ip]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = limiter
	return limiter
}

func init() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ipLimMu.Lock()
			ipLimiters = make(map[string]*rate.Limiter)
			ipLimMu.Unlock()
		}
	}()
}

// CORSMiddleware handles cross-origin requests from an ops dashboard.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID for tracing.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware guards the ops surface against abuse or a
// misbehaving dashboard poll loop.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !getIPLimiter(ip).Allow() {
			log.Printf("[RATE_LIMIT] IP %s exceeded rate limit", ip)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware prevents a hung status/metrics read from blocking
// the request goroutine pool indefinitely.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicChan := make(chan interface{}, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			finished <- struct{}{}
		}()

		select {
		case <-panicChan:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			c.Abort()
		case <-finished:
			return
		case <-ctx.Done():
			log.Printf("[TIMEOUT] %s %s", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request timeout"})
			c.Abort()
		}
	}
}

// RequestLogger logs every ops API request with timing and status,
// recording latency/error counts into metrics when non-nil.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		requestID := c.GetString("RequestID")

		if metrics != nil {
			metrics.IncrementAPI()
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if metrics != nil {
			metrics.APILatency.RecordDuration(latency)
			if statusCode >= 400 {
				metrics.IncrementAPIErrors()
			}
		}

		idPrefix := requestID
		if len(idPrefix) > 8 {
			idPrefix = idPrefix[:8]
		}
		log.Printf("[OPS] %s | %s %s | %d | %v", idPrefix, method, path, statusCode, latency)
	}
}
