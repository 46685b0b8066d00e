package varystore

import (
	"context"
	"fmt"
	"time"
)

// Options tune the resolution layer. Only Backend is required.
type Options struct {
	// Required
	Backend Backend

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// Now overrides the clock, mainly for tests. Defaults to time.Now.
	Now func() time.Time

	// Prefer ranks two eligible candidates: negative means a wins,
	// positive means b wins, zero keeps the backend's listing order
	// (which makes the final tie deterministic per call). Defaults to
	// PreferNewest. This is a policy point, not a law: the contract only
	// requires that whatever order is used be deterministic.
	Prefer func(a, b *Candidate) int
}

// Cache layers variant resolution, metadata validation and invalidation
// over a Backend. Safe for concurrent use when the backend is.
type Cache struct {
	be     Backend
	alt    AlternateKeyInvalidator // nil when the backend lacks the capability
	log    Logger
	hooks  Hooks
	now    func() time.Time
	prefer func(a, b *Candidate) int
}

func New(opts Options) (*Cache, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("varystore: backend is required")
	}

	c := &Cache{be: opts.Backend}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	c.now = opts.Now
	if c.now == nil {
		c.now = time.Now
	}
	c.prefer = opts.Prefer
	if c.prefer == nil {
		c.prefer = PreferNewest
	}

	// Capability is a property of the backend type, so assert once.
	c.alt, _ = opts.Backend.(AlternateKeyInvalidator)
	return c, nil
}

// Put validates resp.Meta and stores resp as a new candidate under key.
// Malformed metadata (created > expires or expires > grace) is rejected
// here and never reaches the backend.
func (c *Cache) Put(ctx context.Context, key RequestKey, digest URLDigest, vary VaryHeaders, resp *StoredResponse) error {
	if resp == nil {
		return fmt.Errorf("varystore: put: nil response")
	}
	if err := resp.Meta.Validate(); err != nil {
		return err
	}
	if err := c.be.Put(ctx, key, digest, vary, resp); err != nil {
		return fmt.Errorf("varystore: put: %w", err)
	}
	c.log.Debug("stored response", Fields{"key": key, "digest": digest, "vary": len(vary)})
	return nil
}

// NotifyUsed forwards the recency hint to the backend. Fire-and-forget:
// a failure is reported via hooks and debug logs but never returned, since
// selection correctness must not depend on it.
func (c *Cache) NotifyUsed(ctx context.Context, ref Ref) {
	if err := c.be.NotifyUsed(ctx, ref); err != nil {
		c.hooks.NotifyUsedError(err)
		c.log.Debug("notify-used failed", Fields{"err": err})
	}
}

// SupportsAltKeys reports whether the configured backend implements
// alternate-key invalidation.
func (c *Cache) SupportsAltKeys() bool { return c.alt != nil }

func (c *Cache) Close(ctx context.Context) error {
	return c.be.Close(ctx)
}
