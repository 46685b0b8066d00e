// Package memory is the in-process Backend: an index over candidates with
// eager invalidation, LRU bookkeeping fed by NotifyUsed, and a background
// reaper for responses past their grace window.
//
// Bodies live in-heap by default. With Config.Bodies set, they are placed in
// a bounded blob.Store (ristretto, bigcache) instead; a body evicted there
// under pressure makes the owning response resolve as not-found, which the
// resolution layer absorbs as an eviction race.
//
// Put deduplicates: a new response whose vary headers are identical to an
// existing candidate under the same key replaces it, unless the existing one
// has a strictly newer Created timestamp (latest wins, deterministically).
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tanguilp/varystore"
	"github.com/tanguilp/varystore/blob"
)

const defaultReapInterval = time.Minute

// ref is this backend's opaque response handle.
type ref struct{ id uint64 }

type entry struct {
	id     uint64
	key    varystore.RequestKey
	digest varystore.URLDigest

	status   int
	header   map[string][]string
	vary     varystore.VaryHeaders
	meta     varystore.ResponseMetadata
	body     []byte // nil when the body lives in the blob store
	bodyFile string
	inBlob   bool

	lastUsed time.Time
}

type Config struct {
	// MaxEntries caps the number of stored responses; 0 means unbounded.
	// Overflow evicts the least recently used entry.
	MaxEntries int

	// Bodies moves response bodies into a bounded blob store.
	Bodies blob.Store
	// CloseBodies set true only if this backend exclusively owns Bodies.
	CloseBodies bool

	// ReapInterval is how often responses past grace are pruned. 0 => 1m.
	ReapInterval time.Duration

	Logger varystore.Logger
	Now    func() time.Time // test clock; defaults to time.Now
}

type Backend struct {
	mu       sync.RWMutex
	nextID   uint64
	byID     map[uint64]*entry
	byKey    map[varystore.RequestKey][]*entry
	byDigest map[varystore.URLDigest]map[uint64]*entry
	byAlt    map[string]map[uint64]*entry

	bodies      blob.Store
	closeBodies bool
	maxEntries  int
	log         varystore.Logger
	now         func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ varystore.Backend                 = (*Backend)(nil)
	_ varystore.AlternateKeyInvalidator = (*Backend)(nil)
)

func New(cfg Config) *Backend {
	b := &Backend{
		byID:        make(map[uint64]*entry),
		byKey:       make(map[varystore.RequestKey][]*entry),
		byDigest:    make(map[varystore.URLDigest]map[uint64]*entry),
		byAlt:       make(map[string]map[uint64]*entry),
		bodies:      cfg.Bodies,
		closeBodies: cfg.CloseBodies,
		maxEntries:  cfg.MaxEntries,
	}

	b.log = varystore.Logger(varystore.NopLogger{})
	if cfg.Logger != nil {
		b.log = cfg.Logger
	}
	b.now = cfg.Now
	if b.now == nil {
		b.now = time.Now
	}

	interval := cfg.ReapInterval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	b.ticker = time.NewTicker(interval)
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.reapLoop()

	return b
}

func (b *Backend) ListCandidates(_ context.Context, key varystore.RequestKey) ([]varystore.Candidate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.byKey[key]
	out := make([]varystore.Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, varystore.Candidate{
			Ref:    ref{id: e.id},
			Status: e.status,
			Header: cloneHeader(e.header),
			Vary:   cloneVary(e.vary),
			Meta:   cloneMeta(e.meta),
		})
	}
	return out, nil
}

func (b *Backend) GetResponse(ctx context.Context, r varystore.Ref) (*varystore.StoredResponse, bool, error) {
	id, ok := r.(ref)
	if !ok {
		// Ref from another backend (or a stale instance): absent, not fatal.
		return nil, false, nil
	}

	b.mu.RLock()
	e, ok := b.byID[id.id]
	var resp *varystore.StoredResponse
	if ok {
		resp = &varystore.StoredResponse{
			Status:   e.status,
			Header:   cloneHeader(e.header),
			Body:     e.body,
			BodyFile: e.bodyFile,
			Meta:     cloneMeta(e.meta),
		}
	}
	inBlob := ok && e.inBlob
	b.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !inBlob {
		return resp, true, nil
	}

	body, found, err := b.bodies.Get(ctx, bodyKey(id.id))
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Body evicted under pressure: the whole response is dead.
		b.mu.Lock()
		if cur, still := b.byID[id.id]; still {
			b.removeLocked(cur)
		}
		b.mu.Unlock()
		b.log.Debug("body evicted from blob store", varystore.Fields{"id": id.id})
		return nil, false, nil
	}
	resp.Body = body
	return resp, true, nil
}

func (b *Backend) Put(ctx context.Context, key varystore.RequestKey, digest varystore.URLDigest, vary varystore.VaryHeaders, resp *varystore.StoredResponse) error {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	e := &entry{
		id:       b.nextID,
		key:      key,
		digest:   digest,
		status:   resp.Status,
		header:   cloneHeader(resp.Header),
		vary:     cloneVary(vary),
		meta:     cloneMeta(resp.Meta),
		bodyFile: resp.BodyFile,
		lastUsed: now,
	}

	body := append([]byte(nil), resp.Body...)
	if b.bodies != nil && len(body) > 0 {
		ok, err := b.bodies.Set(ctx, bodyKey(e.id), body, int64(len(body)), resp.Meta.Grace.Sub(now))
		if err != nil {
			return err
		}
		if ok {
			e.inBlob = true
		} else {
			// Rejected under pressure; keep the body in-heap rather
			// than storing a response that can never resolve.
			b.log.Debug("blob store rejected body", varystore.Fields{"key": key})
			e.body = body
		}
	} else {
		e.body = body
	}

	// Deduplicate identical vary dimensions under the same key:
	// latest Created wins.
	for _, old := range b.byKey[key] {
		if varyEqual(old.vary, e.vary) {
			if old.meta.Created.After(e.meta.Created) {
				// Existing candidate is newer; discard the incoming one.
				if e.inBlob {
					_ = b.bodies.Del(ctx, bodyKey(e.id))
				}
				return nil
			}
			b.removeLocked(old)
			break
		}
	}

	b.byID[e.id] = e
	b.byKey[key] = append(b.byKey[key], e)
	if b.byDigest[digest] == nil {
		b.byDigest[digest] = make(map[uint64]*entry)
	}
	b.byDigest[digest][e.id] = e
	for _, ak := range e.meta.AltKeys {
		if b.byAlt[ak] == nil {
			b.byAlt[ak] = make(map[uint64]*entry)
		}
		b.byAlt[ak][e.id] = e
	}

	if b.maxEntries > 0 {
		for len(b.byID) > b.maxEntries {
			b.evictLRULocked(e.id)
		}
	}
	return nil
}

func (b *Backend) NotifyUsed(_ context.Context, r varystore.Ref) error {
	id, ok := r.(ref)
	if !ok {
		return nil
	}
	now := b.now()
	b.mu.Lock()
	if e, found := b.byID[id.id]; found {
		e.lastUsed = now
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) InvalidateURL(_ context.Context, digest varystore.URLDigest) (varystore.InvalidationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n uint64
	for _, e := range b.byDigest[digest] {
		b.removeLocked(e)
		n++
	}
	return varystore.InvalidationResult{Count: n, Counted: true}, nil
}

func (b *Backend) InvalidateAltKeys(_ context.Context, keys []string) (varystore.InvalidationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Union first: a response tagged with several of the keys counts once.
	doomed := make(map[uint64]*entry)
	for _, ak := range keys {
		for id, e := range b.byAlt[ak] {
			doomed[id] = e
		}
	}
	for _, e := range doomed {
		b.removeLocked(e)
	}
	return varystore.InvalidationResult{Count: uint64(len(doomed)), Counted: true}, nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.ticker.Stop()
		b.wg.Wait()
	})
	if b.bodies != nil && b.closeBodies {
		return b.bodies.Close(ctx)
	}
	return nil
}

// removeLocked unlinks e from every index. Caller holds b.mu.
func (b *Backend) removeLocked(e *entry) {
	delete(b.byID, e.id)

	entries := b.byKey[e.key]
	for i, cur := range entries {
		if cur.id == e.id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(b.byKey, e.key)
	} else {
		b.byKey[e.key] = entries
	}

	if m := b.byDigest[e.digest]; m != nil {
		delete(m, e.id)
		if len(m) == 0 {
			delete(b.byDigest, e.digest)
		}
	}
	for _, ak := range e.meta.AltKeys {
		if m := b.byAlt[ak]; m != nil {
			delete(m, e.id)
			if len(m) == 0 {
				delete(b.byAlt, ak)
			}
		}
	}

	if e.inBlob {
		_ = b.bodies.Del(context.Background(), bodyKey(e.id))
	}
}

// evictLRULocked drops the least recently used entry, sparing the one just
// inserted. Caller holds b.mu.
func (b *Backend) evictLRULocked(spare uint64) {
	var victim *entry
	for _, e := range b.byID {
		if e.id == spare {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	b.removeLocked(victim)
	b.log.Debug("evicted lru entry", varystore.Fields{"key": victim.key, "id": victim.id})
}

func (b *Backend) reapLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ticker.C:
			b.reap()
		case <-b.stopCh:
			return
		}
	}
}

// reap prunes responses whose grace window has closed.
func (b *Backend) reap() {
	cutoff := b.now()
	var doomed []uint64

	b.mu.RLock()
	for id, e := range b.byID {
		if !e.meta.Grace.After(cutoff) {
			doomed = append(doomed, id)
		}
	}
	b.mu.RUnlock()

	if len(doomed) == 0 {
		return
	}

	b.mu.Lock()
	removed := 0
	for _, id := range doomed {
		if e, ok := b.byID[id]; ok && !e.meta.Grace.After(cutoff) {
			b.removeLocked(e)
			removed++
		}
	}
	b.mu.Unlock()

	if removed > 0 {
		b.log.Debug("reaped expired responses", varystore.Fields{"removed": removed})
	}
}

func bodyKey(id uint64) string { return "body:" + strconv.FormatUint(id, 10) }

func varyEqual(a, b varystore.VaryHeaders) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		if bv, ok := b[name]; !ok || av != bv {
			return false
		}
	}
	return true
}

func cloneHeader(h map[string][]string) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func cloneVary(v varystore.VaryHeaders) varystore.VaryHeaders {
	if v == nil {
		return nil
	}
	out := make(varystore.VaryHeaders, len(v))
	for k, vv := range v {
		out[k] = vv
	}
	return out
}

func cloneMeta(m varystore.ResponseMetadata) varystore.ResponseMetadata {
	out := m
	if m.ParsedHeaders != nil {
		out.ParsedHeaders = make(map[string]string, len(m.ParsedHeaders))
		for k, v := range m.ParsedHeaders {
			out.ParsedHeaders[k] = v
		}
	}
	if m.ContentRange != nil {
		cr := *m.ContentRange
		out.ContentRange = &cr
	}
	out.AltKeys = append([]string(nil), m.AltKeys...)
	return out
}
