package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/ifschat/internal/config"
)

// rateLimiter is a per-connection token bucket. It starts full at
// cfg.Burst tokens and refills cfg.Burst tokens every cfg.RefillInterval.
type rateLimiter struct {
	cfg config.RateLimitConfig

	mu     sync.Mutex
	tokens float64
	perSec float64
	last   time.Time
	now    func() time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}

	return &rateLimiter{
		cfg:    cfg,
		tokens: float64(cfg.Burst),
		perSec: float64(cfg.Burst) / cfg.RefillInterval.Seconds(),
		last:   time.Now(),
		now:    time.Now,
	}
}

// allow takes one token, reporting false when the bucket is empty.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens = min(float64(rl.cfg.Burst), rl.tokens+elapsed*rl.perSec)
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
