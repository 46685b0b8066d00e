// Package redis is the Redis-backed Backend. Candidates for one request key
// live in a hash (one field per stored response), full responses in plain
// keys framed by internal/wire, alternate-key tags in sets.
//
// URL invalidation is lazy: every record carries its URL digest's epoch at
// store time and InvalidateURL just bumps the epoch, so superseded records
// are dropped (and reaped) on the next read rather than scanned eagerly.
// That is why its InvalidationResult carries no count. Alternate-key
// invalidation walks the tag sets and deletes eagerly, with an exact count.
//
// Unreadable or superseded records are self-healed: deleted on read and
// reported as absent, never served.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tanguilp/varystore"
	"github.com/tanguilp/varystore/codec"
	"github.com/tanguilp/varystore/internal/wire"
)

var ErrNilClient = errors.New("redis backend: nil client")

// ref is this backend's opaque response handle.
type ref struct {
	key varystore.RequestKey
	id  string
}

type Config struct {
	// Required
	Client    goredis.UniversalClient
	Namespace string // isolates this store's keyspace, e.g. "httpcache:prod"

	CloseClient bool // set true only if this backend exclusively owns the client

	// EpochTTL optionally expires idle invalidation counters. If set it
	// must exceed the longest grace window in use: once an epoch key
	// expires, records stored under the old epoch would match the reset
	// counter again. 0 disables expiry.
	EpochTTL time.Duration

	// Candidates and Responses control metadata serialization.
	// Default: deterministic CBOR. codec.JSON / codec.Msgpack are drop-in.
	Candidates codec.Codec[varystore.Candidate]
	Responses  codec.Codec[varystore.StoredResponse]

	Logger varystore.Logger
	Hooks  varystore.Hooks
}

type Backend struct {
	rdb         goredis.UniversalClient
	ns          string
	closeClient bool
	epochTTL    time.Duration
	cands       codec.Codec[varystore.Candidate]
	resps       codec.Codec[varystore.StoredResponse]
	log         varystore.Logger
	hooks       varystore.Hooks
}

var (
	_ varystore.Backend                 = (*Backend)(nil)
	_ varystore.AlternateKeyInvalidator = (*Backend)(nil)
)

func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		return nil, errors.New("redis backend: namespace is required")
	}

	b := &Backend{
		rdb:         cfg.Client,
		ns:          cfg.Namespace,
		closeClient: cfg.CloseClient,
		epochTTL:    cfg.EpochTTL,
		cands:       cfg.Candidates,
		resps:       cfg.Responses,
	}
	if b.cands == nil {
		c, err := codec.NewCBOR[varystore.Candidate](true)
		if err != nil {
			return nil, err
		}
		b.cands = c
	}
	if b.resps == nil {
		c, err := codec.NewCBOR[varystore.StoredResponse](true)
		if err != nil {
			return nil, err
		}
		b.resps = c
	}
	b.log = varystore.Logger(varystore.NopLogger{})
	if cfg.Logger != nil {
		b.log = cfg.Logger
	}
	b.hooks = varystore.Hooks(varystore.NopHooks{})
	if cfg.Hooks != nil {
		b.hooks = cfg.Hooks
	}
	return b, nil
}

func (b *Backend) candKey(key varystore.RequestKey) string {
	return b.ns + ":cand:" + string(key)
}

func (b *Backend) respKey(key varystore.RequestKey, id string) string {
	return b.ns + ":resp:" + string(key) + ":" + id
}

func (b *Backend) altKey(ak string) string { return b.ns + ":alt:" + ak }

func (b *Backend) lruKey() string { return b.ns + ":lru" }

// altMember encodes a tag-set member. The id never contains a space, so the
// first space splits unambiguously even for request keys containing spaces.
func altMember(id string, key varystore.RequestKey) string {
	return id + " " + string(key)
}

func newID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("redis backend: id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

func (b *Backend) ListCandidates(ctx context.Context, key varystore.RequestKey) ([]varystore.Candidate, error) {
	ck := b.candKey(key)
	fields, err := b.rdb.HGetAll(ctx, ck).Result()
	if err != nil {
		return nil, fmt.Errorf("redis backend: hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	// One epoch fetch per digest seen in this listing.
	epochs := make(map[string]uint64, 1)

	out := make([]varystore.Candidate, 0, len(fields))
	for id, raw := range fields {
		epoch, digest, payload, derr := wire.DecodeCandidate([]byte(raw))
		if derr != nil {
			b.dropCandidate(ctx, key, id)
			b.hooks.SelfHeal(ck, "corrupt")
			continue
		}

		cur, ok := epochs[digest]
		if !ok {
			cur, err = b.currentEpoch(ctx, digest)
			if err != nil {
				return nil, err
			}
			epochs[digest] = cur
		}
		if epoch != cur {
			// Superseded by InvalidateURL; reap lazily.
			b.dropCandidate(ctx, key, id)
			b.hooks.SelfHeal(ck, "epoch_mismatch")
			continue
		}

		cand, cerr := b.cands.Decode(payload)
		if cerr != nil {
			b.dropCandidate(ctx, key, id)
			b.hooks.SelfHeal(ck, "decode")
			continue
		}
		cand.Ref = ref{key: key, id: id}
		out = append(out, cand)
	}

	// HGETALL order is unspecified; sort by id so the listing order - and
	// therefore final tie-breaking upstream - is deterministic.
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref.(ref).id < out[j].Ref.(ref).id
	})
	return out, nil
}

func (b *Backend) GetResponse(ctx context.Context, r varystore.Ref) (*varystore.StoredResponse, bool, error) {
	pr, ok := r.(ref)
	if !ok {
		return nil, false, nil
	}
	rk := b.respKey(pr.key, pr.id)

	raw, err := b.rdb.Get(ctx, rk).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // evicted or reaped; defined race outcome
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis backend: get: %w", err)
	}

	epoch, digest, meta, body, derr := wire.DecodeResponse(raw)
	if derr != nil {
		b.dropResponse(ctx, pr)
		b.hooks.SelfHeal(rk, "corrupt")
		return nil, false, nil
	}

	cur, err := b.currentEpoch(ctx, digest)
	if err != nil {
		return nil, false, err
	}
	if epoch != cur {
		b.dropResponse(ctx, pr)
		b.hooks.SelfHeal(rk, "epoch_mismatch")
		return nil, false, nil
	}

	resp, cerr := b.resps.Decode(meta)
	if cerr != nil {
		b.dropResponse(ctx, pr)
		b.hooks.SelfHeal(rk, "decode")
		return nil, false, nil
	}
	if len(body) > 0 {
		resp.Body = append([]byte(nil), body...)
	}
	return &resp, true, nil
}

func (b *Backend) Put(ctx context.Context, key varystore.RequestKey, digest varystore.URLDigest, vary varystore.VaryHeaders, resp *varystore.StoredResponse) error {
	ttl := time.Until(resp.Meta.Grace)
	if ttl <= 0 {
		// Dead on arrival; storing it would only feed the reaper.
		return nil
	}

	epoch, err := b.currentEpoch(ctx, string(digest))
	if err != nil {
		return err
	}
	id, err := newID()
	if err != nil {
		return err
	}

	cand := varystore.Candidate{
		Status: resp.Status,
		Header: resp.Header,
		Vary:   vary,
		Meta:   resp.Meta,
	}
	cpay, err := b.cands.Encode(cand)
	if err != nil {
		return fmt.Errorf("redis backend: encode candidate: %w", err)
	}

	bodiless := *resp
	bodiless.Body = nil
	mpay, err := b.resps.Encode(bodiless)
	if err != nil {
		return fmt.Errorf("redis backend: encode response: %w", err)
	}

	crec := wire.EncodeCandidate(epoch, string(digest), cpay)
	rrec := wire.EncodeResponse(epoch, string(digest), mpay, resp.Body)

	ck := b.candKey(key)
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, ck, id, crec)
	// The hash holds candidates with different lifetimes: set a TTL when
	// there is none, and only ever extend it.
	pipe.ExpireNX(ctx, ck, ttl)
	pipe.ExpireGT(ctx, ck, ttl)
	pipe.Set(ctx, b.respKey(key, id), rrec, ttl)
	for _, ak := range resp.Meta.AltKeys {
		set := b.altKey(ak)
		pipe.SAdd(ctx, set, altMember(id, key))
		pipe.ExpireNX(ctx, set, ttl)
		pipe.ExpireGT(ctx, set, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis backend: put: %w", err)
	}
	return nil
}

// NotifyUsed records recency in a sorted set; consumers can feed it to an
// external eviction job. Best-effort by contract.
func (b *Backend) NotifyUsed(ctx context.Context, r varystore.Ref) error {
	pr, ok := r.(ref)
	if !ok {
		return nil
	}
	err := b.rdb.ZAdd(ctx, b.lruKey(), goredis.Z{
		Score:  float64(time.Now().Unix()),
		Member: b.respKey(pr.key, pr.id),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis backend: notify used: %w", err)
	}
	return nil
}

func (b *Backend) InvalidateURL(ctx context.Context, digest varystore.URLDigest) (varystore.InvalidationResult, error) {
	if _, err := b.bumpEpoch(ctx, string(digest)); err != nil {
		return varystore.InvalidationResult{}, err
	}
	b.log.Debug("bumped url epoch", varystore.Fields{"digest": digest})
	// Lazy invalidation cannot know how many records it superseded.
	return varystore.InvalidationResult{}, nil
}

func (b *Backend) InvalidateAltKeys(ctx context.Context, keys []string) (varystore.InvalidationResult, error) {
	var total uint64
	for _, ak := range keys {
		set := b.altKey(ak)
		members, err := b.rdb.SMembers(ctx, set).Result()
		if err != nil {
			return varystore.InvalidationResult{}, fmt.Errorf("redis backend: smembers: %w", err)
		}
		if len(members) == 0 {
			continue
		}

		pipe := b.rdb.Pipeline()
		dels := make([]*goredis.IntCmd, 0, len(members))
		for _, m := range members {
			id, key, ok := strings.Cut(m, " ")
			if !ok {
				continue
			}
			dels = append(dels, pipe.Del(ctx, b.respKey(varystore.RequestKey(key), id)))
			pipe.HDel(ctx, b.candKey(varystore.RequestKey(key)), id)
		}
		pipe.Del(ctx, set)
		if _, err := pipe.Exec(ctx); err != nil {
			return varystore.InvalidationResult{}, fmt.Errorf("redis backend: invalidate alt key: %w", err)
		}
		// DEL reports how many response keys actually existed, so a
		// response tagged under several of the given keys counts once.
		for _, d := range dels {
			total += uint64(d.Val())
		}
	}
	return varystore.InvalidationResult{Count: total, Counted: true}, nil
}

// Close releases the underlying redis client only when this backend owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (b *Backend) Close(context.Context) error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// dropCandidate removes one candidate hash field (best-effort self-heal).
func (b *Backend) dropCandidate(ctx context.Context, key varystore.RequestKey, id string) {
	pipe := b.rdb.Pipeline()
	pipe.HDel(ctx, b.candKey(key), id)
	pipe.Del(ctx, b.respKey(key, id))
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn("self-heal failed", varystore.Fields{"key": key, "id": id, "err": err})
	}
}

// dropResponse removes a response record and its candidate field.
func (b *Backend) dropResponse(ctx context.Context, pr ref) {
	b.dropCandidate(ctx, pr.key, pr.id)
}
