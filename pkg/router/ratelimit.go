package router

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HttpRateLimit throttles requests per client IP. QR activation pages poll
// every couple of seconds, so the default budget leaves ample headroom for a
// single tenant while blunting scripted abuse. RPS <= 0 disables the limiter.
func HttpRateLimit() fiber.Handler {
	if RateLimitRPS <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipLimiter)
	)

	// Evict idle entries so the map stays bounded.
	go func() {
		for range time.Tick(5 * time.Minute) {
			mu.Lock()
			for ip, entry := range limiters {
				if time.Since(entry.lastSeen) > 10*time.Minute {
					delete(limiters, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		if v := c.Locals("remote_ip"); v != nil {
			if realIP, ok := v.(string); ok && realIP != "" {
				ip = realIP
			}
		}

		mu.Lock()
		entry, ok := limiters[ip]
		if !ok {
			entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(RateLimitRPS), RateLimitBurst)}
			limiters[ip] = entry
		}
		entry.lastSeen = time.Now()
		mu.Unlock()

		if !entry.limiter.Allow() {
			return ResponseTooManyRequests(c, "Too many requests, slow down")
		}
		return c.Next()
	}
}
