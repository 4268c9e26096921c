package webapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacktea/photostore/pkg/auth"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyClaims    = "claims"
)

// requestID assigns every request an identifier, honoring one supplied by
// the client, and echoes it in the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(headerRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("request_id", c.GetString(headerRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// authenticate resolves the bearer token to claims, lazily creates the user
// record, and stashes the claims for handlers.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(header[len("bearer "):])
		claims, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if _, err := s.repo.EnsureUser(c.Request.Context(), claims.Subject, claims.Email); err != nil {
			s.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxKeyClaims, claims)
		c.Next()
	}
}

func currentClaims(c *gin.Context) auth.Claims {
	return c.MustGet(ctxKeyClaims).(auth.Claims)
}

// rateLimit enforces a token bucket over all requests. Returns nil when
// disabled so the router can skip registering it.
func rateLimit(requests int, window time.Duration) gin.HandlerFunc {
	if requests <= 0 || window <= 0 {
		return nil
	}
	bucket := &tokenBucket{
		capacity:     float64(requests),
		tokens:       float64(requests),
		refillPerSec: float64(requests) / window.Seconds(),
		last:         time.Now(),
		now:          time.Now,
	}
	return func(c *gin.Context) {
		if !bucket.allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func (t *tokenBucket) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
