package api

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-client limiter table.
const maxTrackedClients = 4096

// RateLimitMiddleware allows each client IP rps requests per second with a burst
// of rps. The least recently seen clients are forgotten once the table is full.
func RateLimitMiddleware(rps int) gin.HandlerFunc {
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(rps))))

	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter, ok := clients.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(rps), rps)
			clients.Add(ip, limiter)
		}

		if !limiter.Allow() {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
