package content

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const cacheKeyPrefix = "content:"

// CachedStore reads through Redis. Blobs are immutable, so a cached entry
// never goes stale; the TTL only bounds memory. A Redis outage degrades to
// uncached reads.
type CachedStore struct {
	next   Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedStore(next Store, rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedStore {
	return &CachedStore{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *CachedStore) Put(ctx context.Context, blob json.RawMessage) (string, error) {
	hash, err := c.next.Put(ctx, blob)
	if err != nil {
		return "", err
	}
	c.store(ctx, hash, blob)
	return hash, nil
}

func (c *CachedStore) Get(ctx context.Context, hash string) (json.RawMessage, error) {
	if IsPlaceholder(hash) || hash == "" {
		return c.next.Get(ctx, hash)
	}

	cached, err := c.rdb.Get(ctx, cacheKeyPrefix+hash).Bytes()
	switch {
	case err == nil:
		c.logger.WithField("hash", hash).Debug("Content cache hit")
		return cached, nil
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).WithField("hash", hash).Warn("Content cache read failed")
	}

	blob, err := c.next.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	c.store(ctx, hash, blob)
	return blob, nil
}

func (c *CachedStore) store(ctx context.Context, hash string, blob json.RawMessage) {
	if err := c.rdb.Set(ctx, cacheKeyPrefix+hash, []byte(blob), c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("hash", hash).Warn("Content cache write failed")
	}
}
