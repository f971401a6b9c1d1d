package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST ID
// ══════════════════════════════════════════════════════════════════════════════

// RequestID reuses a sane inbound X-Request-ID or mints a uuid, and puts a
// request-scoped logger into the request context.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)

		ctx := logger.WithContext(c.Request.Context(), log.WithRequestID(id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACCESS LOG + RECOVERY
// ══════════════════════════════════════════════════════════════════════════════

// AccessLog writes one structured line per request.
func AccessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("route", c.FullPath()),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", status),
			logger.Int("bytes", c.Writer.Size()),
			logger.String("client_ip", c.ClientIP()),
			logger.String("request_id", GetRequestID(c)),
			logger.Latency(time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// Recovery turns a panic into a 500 envelope.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					logger.Any("panic", r),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", c.Request.URL.Path),
					logger.String("request_id", GetRequestID(c)),
				)
				RespondError(c, http.StatusInternalServerError, CodeInternal, errors.New("internal error"))
			}
		}()
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// API KEY AUTHENTICATION
// ══════════════════════════════════════════════════════════════════════════════

// APIKeyAuth accepts requests whose key matches one of the configured bcrypt
// hashes. Keys that matched once are remembered by sha256 digest so bcrypt
// only runs on first use.
type APIKeyAuth struct {
	headerName string
	hashes     [][]byte

	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewAPIKeyAuth creates an authenticator. With no hashes every request is
// let through.
func NewAPIKeyAuth(headerName string, hashes []string) *APIKeyAuth {
	if headerName == "" {
		headerName = "X-API-Key"
	}
	a := &APIKeyAuth{
		headerName: headerName,
		verified:   make(map[string]struct{}),
	}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(h), nil
}

// Enabled reports whether any key is configured.
func (a *APIKeyAuth) Enabled() bool {
	return len(a.hashes) > 0
}

// IsValid checks key against the configured hashes.
func (a *APIKeyAuth) IsValid(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.mu.Lock()
			a.verified[digest] = struct{}{}
			a.mu.Unlock()
			return true
		}
	}
	return false
}

// Middleware rejects requests without a valid key.
func (a *APIKeyAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		key := c.GetHeader(a.headerName)
		if key == "" {
			auth := c.GetHeader("Authorization")
			if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
				key = auth[7:]
			}
		}

		if key == "" {
			RespondError(c, http.StatusUnauthorized, CodeUnauthorized, errors.New("api key is required"))
			return
		}
		if !a.IsValid(key) {
			RespondError(c, http.StatusUnauthorized, CodeUnauthorized, errors.New("invalid api key"))
			return
		}
		c.Next()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER
// Token bucket per client IP.
// ══════════════════════════════════════════════════════════════════════════════

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int

	// BurstSize is the bucket capacity.
	BurstSize int

	// IdleTTL drops buckets of clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimiter limits requests per client key.
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter. A zero RequestsPerMinute disables it.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = DefaultRateLimitConfig().BurstSize
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow consumes one token for key. When the bucket is empty it returns how
// long until the next token.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.config.RequestsPerMinute <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	maxTokens := float64(rl.config.BurstSize)
	rate := float64(rl.config.RequestsPerMinute) / 60.0

	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: maxTokens, lastRefill: now}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(maxTokens, b.tokens+elapsed*rate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return false, wait
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.config.IdleTTL {
		return
	}
	rl.lastSweep = now
	for k, b := range rl.buckets {
		if now.Sub(b.lastRefill) > rl.config.IdleTTL {
			delete(rl.buckets, k)
		}
	}
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.Allow(c.ClientIP())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			RespondError(c, http.StatusTooManyRequests, CodeRateLimited, errors.New("too many requests"))
			return
		}
		c.Next()
	}
}
