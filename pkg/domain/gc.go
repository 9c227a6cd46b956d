package domain

import (
	"context"
	"log/slog"
	"time"
)

// DefaultGCInterval is used when NewGC is given a non-positive interval.
const DefaultGCInterval = 10 * time.Second

// GC periodically expires learned addresses from a Cache.
type GC struct {
	cache    *Cache
	interval time.Duration
}

// NewGC creates a garbage collector for cache.
func NewGC(cache *Cache, interval time.Duration) *GC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &GC{cache: cache, interval: interval}
}

// Run starts the GC loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	slog.Info("domain cache GC started", "interval", gc.interval)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("domain cache GC stopped")
			return
		case <-ticker.C:
			gc.sweep()
		}
	}
}

func (gc *GC) sweep() int {
	expired := gc.cache.Expire()
	if expired > 0 {
		slog.Info("domain cache GC sweep",
			"expired_deleted", expired,
			"remaining", gc.cache.Len())
	}
	return expired
}
