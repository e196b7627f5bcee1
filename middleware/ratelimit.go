package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per client address.
type limiterPool struct {
	limiters sync.Map
	rps      rate.Limit
	burst    int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	if l, ok := p.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(p.rps, p.burst)
	actual, _ := p.limiters.LoadOrStore(key, l)
	return actual.(*rate.Limiter)
}

// RateLimitMiddleware throttles each client IP on the REST surface.
// Signaling WebSockets are exempt; their traffic is paced by the browser.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	pool := &limiterPool{rps: rate.Limit(rps), burst: burst}
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		if !pool.get(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
