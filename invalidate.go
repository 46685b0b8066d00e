package varystore

import (
	"context"
	"fmt"
)

// InvalidateURL makes every response stored for digest unselectable.
// The backend may invalidate lazily; from this call's return onward no
// Resolve can surface the affected responses. Count is best-effort
// (Counted=false when the backend cannot know).
func (c *Cache) InvalidateURL(ctx context.Context, digest URLDigest) (InvalidationResult, error) {
	res, err := c.be.InvalidateURL(ctx, digest)
	if err != nil {
		return InvalidationResult{}, fmt.Errorf("varystore: invalidate url: %w", err)
	}
	c.log.Debug("invalidated url", Fields{"digest": digest, "count": res.Count, "counted": res.Counted})
	return res, nil
}

// InvalidateAltKeys makes every response tagged with any of the given
// alternate keys unselectable. On a backend without the capability it
// returns ErrAltKeysUnsupported - a distinct outcome, never a silent no-op
// and never a generic backend failure.
func (c *Cache) InvalidateAltKeys(ctx context.Context, keys []string) (InvalidationResult, error) {
	if c.alt == nil {
		c.hooks.AltKeysUnsupported()
		return InvalidationResult{}, ErrAltKeysUnsupported
	}
	if len(keys) == 0 {
		return InvalidationResult{Counted: true}, nil
	}
	res, err := c.alt.InvalidateAltKeys(ctx, keys)
	if err != nil {
		return InvalidationResult{}, fmt.Errorf("varystore: invalidate alternate keys: %w", err)
	}
	c.log.Debug("invalidated alternate keys", Fields{"keys": len(keys), "count": res.Count, "counted": res.Counted})
	return res, nil
}
