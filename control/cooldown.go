package control

import (
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

const (
	DefaultCooldown = time.Second
	maxCooldownKeys = 4096
)

// Cooldown lets a key through at most once per period. It throttles commands
// relayed from game chat.
type Cooldown struct {
	mu   sync.Mutex
	seen cache.Cache[string, time.Time]
}

func NewCooldown(period time.Duration) *Cooldown {
	if period <= 0 {
		period = DefaultCooldown
	}
	return &Cooldown{
		seen: cache.NewCache[string, time.Time]().WithTTL(period).WithMaxKeys(maxCooldownKeys),
	}
}

// Allow reports whether key may act now, and if so starts its cooldown.
func (c *Cooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.seen.Get(key); found {
		return false
	}
	c.seen.Set(key, time.Now(), 0)
	return true
}

// Reset lifts the cooldown of key.
func (c *Cooldown) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Invalidate(key)
}
