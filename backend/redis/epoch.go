package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// Invalidation epochs, one counter per URL digest. A record is live while
// its stored epoch equals the digest's current epoch; bumping the counter
// supersedes every record stored before the bump. Missing counters read as
// epoch 0, which is also what new records get - so a digest that was never
// invalidated needs no counter at all.

func (b *Backend) epochKey(digest string) string { return b.ns + ":epoch:" + digest }

func (b *Backend) currentEpoch(ctx context.Context, digest string) (uint64, error) {
	res, err := b.rdb.Get(ctx, b.epochKey(digest)).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis backend: epoch get: %w", err)
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis backend: epoch parse: %w", err)
	}
	return u, nil
}

// bumpEpoch atomically increments the digest's epoch and (optionally)
// refreshes its TTL. When a TTL is configured, INCR + EXPIRE are pipelined
// in a single round-trip and the INCR result is captured from the pipeline.
func (b *Backend) bumpEpoch(ctx context.Context, digest string) (uint64, error) {
	k := b.epochKey(digest)

	if b.epochTTL <= 0 {
		v, err := b.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, fmt.Errorf("redis backend: epoch bump: %w", err)
		}
		return uint64(v), nil
	}

	var incr *goredis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, b.epochTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis backend: epoch bump: %w", err)
	}
	return uint64(incr.Val()), nil
}
