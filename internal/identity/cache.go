package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedDirectory puts a Redis cache in front of another Directory. Only
// positive answers are cached: identities are never deleted while a run is
// billing, but a missing one may be created at any moment.
type CachedDirectory struct {
	next   Directory
	cache  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedDirectory(next Directory, cache redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{next: next, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(kind Kind, id string) string {
	return fmt.Sprintf("identity:%s:%s", kind, id)
}

func (d *CachedDirectory) Exists(ctx context.Context, kind Kind, id string) (bool, error) {
	key := cacheKey(kind, id)

	n, err := d.cache.Exists(ctx, key).Result()
	if err == nil && n > 0 {
		return true, nil
	} else if err != nil {
		d.logger.Warn("identity cache unavailable", zap.String("kind", string(kind)), zap.Error(err))
	}

	ok, err := d.next.Exists(ctx, kind, id)
	if err != nil || !ok {
		return ok, err
	}

	if err := d.cache.Set(ctx, key, 1, d.ttl).Err(); err != nil {
		d.logger.Debug("identity cache write failed", zap.String("key", key), zap.Error(err))
	}
	return true, nil
}
