package pipeline

import (
	"context"
	"time"

	"tbc/pkg/store"
)

// CacheReplayGuard reserves nonces in the shared cache so replay protection
// holds across gateway instances. The reservation outlives the session by
// its own TTL; the in-session nonce set remains the authoritative record.
type CacheReplayGuard struct {
	Cache store.Cache
	TTL   time.Duration
}

func (g *CacheReplayGuard) Reserve(ctx context.Context, key string) (bool, error) {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return g.Cache.SetNX(ctx, key, "1", ttl)
}
