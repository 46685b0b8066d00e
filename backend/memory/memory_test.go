package memory

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tanguilp/varystore"
)

var (
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	key   = varystore.RequestKey("k1")
	dig   = varystore.URLDigest("d1")
	never = t0.Add(24 * time.Hour)
)

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return t0 }
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Hour // keep the reaper quiet unless a test drives it
	}
	b := New(cfg)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func resp(created time.Time, body string) *varystore.StoredResponse {
	return &varystore.StoredResponse{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Meta: varystore.ResponseMetadata{
			Created: created,
			Expires: never,
			Grace:   never,
		},
	}
}

func TestPutListGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	in := resp(t0, "hello")
	in.Meta.TTLSetBy = varystore.TTLHeuristic
	in.Meta.ParsedHeaders = map[string]string{"cache-control": "max-age=60", "content-type": "text/plain"}
	in.Meta.AltKeys = []string{"product-42"}

	vary := varystore.VaryHeaders{"accept-encoding": varystore.Present("gzip")}
	if err := b.Put(ctx, key, dig, vary, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cands, err := b.ListCandidates(ctx, key)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	c := cands[0]
	if c.Status != 200 || !reflect.DeepEqual(c.Vary, vary) {
		t.Fatalf("candidate projection mismatch: %+v", c)
	}

	// Metadata must round-trip verbatim: exact timestamps, exact maps.
	if !c.Meta.Created.Equal(in.Meta.Created) || !c.Meta.Expires.Equal(in.Meta.Expires) || !c.Meta.Grace.Equal(in.Meta.Grace) {
		t.Fatalf("timestamps not preserved: %+v", c.Meta)
	}
	if c.Meta.TTLSetBy != varystore.TTLHeuristic {
		t.Fatalf("ttl provenance not preserved")
	}
	if !reflect.DeepEqual(c.Meta.ParsedHeaders, in.Meta.ParsedHeaders) {
		t.Fatalf("parsed headers not preserved: %+v", c.Meta.ParsedHeaders)
	}

	got, ok, err := b.GetResponse(ctx, c.Ref)
	if err != nil || !ok {
		t.Fatalf("GetResponse: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "hello" || got.Status != 200 {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestListIncludesExpiredCandidates(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	dead := resp(t0.Add(-2*time.Hour), "stale")
	dead.Meta.Expires = t0.Add(-time.Hour)
	dead.Meta.Grace = t0.Add(-time.Hour)
	if err := b.Put(ctx, key, dig, nil, dead); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Freshness filtering is the resolution layer's job, not the backend's.
	cands, err := b.ListCandidates(ctx, key)
	if err != nil || len(cands) != 1 {
		t.Fatalf("expected expired candidate to be listed, got %d err=%v", len(cands), err)
	}
}

func TestUnknownKeyIsEmptyNotError(t *testing.T) {
	b := newTestBackend(t, Config{})
	cands, err := b.ListCandidates(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unknown key must not error: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected empty listing, got %d", len(cands))
	}
}

func TestForeignRefIsNotFound(t *testing.T) {
	b := newTestBackend(t, Config{})
	if _, ok, err := b.GetResponse(context.Background(), "some-other-backend-ref"); ok || err != nil {
		t.Fatalf("foreign ref: ok=%v err=%v", ok, err)
	}
}

func TestDedupIdenticalVaryLatestCreatedWins(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})
	vary := varystore.VaryHeaders{"accept": varystore.Present("application/json")}

	older := resp(t0.Add(-time.Minute), "old")
	newer := resp(t0, "new")

	if err := b.Put(ctx, key, dig, vary, older); err != nil {
		t.Fatalf("Put older: %v", err)
	}
	if err := b.Put(ctx, key, dig, vary, newer); err != nil {
		t.Fatalf("Put newer: %v", err)
	}

	cands, _ := b.ListCandidates(ctx, key)
	if len(cands) != 1 {
		t.Fatalf("identical vary should deduplicate, got %d candidates", len(cands))
	}
	got, ok, _ := b.GetResponse(ctx, cands[0].Ref)
	if !ok || string(got.Body) != "new" {
		t.Fatalf("latest created should win, got %q", got.Body)
	}

	// Replaying the older response must not displace the newer one.
	if err := b.Put(ctx, key, dig, vary, older); err != nil {
		t.Fatalf("Put older again: %v", err)
	}
	cands, _ = b.ListCandidates(ctx, key)
	got, ok, _ = b.GetResponse(ctx, cands[0].Ref)
	if !ok || string(got.Body) != "new" {
		t.Fatalf("older replay displaced newer response, got %q", got.Body)
	}
}

func TestDistinctVaryAccumulates(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	if err := b.Put(ctx, key, dig, varystore.VaryHeaders{"accept-encoding": varystore.Present("gzip")}, resp(t0, "gz")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, key, dig, varystore.VaryHeaders{"accept-encoding": varystore.Absent}, resp(t0, "id")); err != nil {
		t.Fatal(err)
	}

	cands, _ := b.ListCandidates(ctx, key)
	if len(cands) != 2 {
		t.Fatalf("distinct vary must accumulate, got %d", len(cands))
	}
}

func TestInvalidateURLVisibility(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	otherKey := varystore.RequestKey("k2")
	otherDig := varystore.URLDigest("d2")
	_ = b.Put(ctx, key, dig, nil, resp(t0, "a"))
	_ = b.Put(ctx, otherKey, otherDig, nil, resp(t0, "b"))

	res, err := b.InvalidateURL(ctx, dig)
	if err != nil {
		t.Fatalf("InvalidateURL: %v", err)
	}
	if !res.Counted || res.Count != 1 {
		t.Fatalf("expected exact count 1, got %+v", res)
	}

	if cands, _ := b.ListCandidates(ctx, key); len(cands) != 0 {
		t.Fatalf("invalidated response still listed")
	}
	if cands, _ := b.ListCandidates(ctx, otherKey); len(cands) != 1 {
		t.Fatalf("unrelated url was invalidated")
	}
}

func TestInvalidateAltKeysCountsUnion(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	tagged := resp(t0, "a")
	tagged.Meta.AltKeys = []string{"p-1", "p-2"}
	_ = b.Put(ctx, key, dig, nil, tagged)

	other := resp(t0, "b")
	other.Meta.AltKeys = []string{"p-2"}
	_ = b.Put(ctx, "k2", "d2", nil, other)

	untagged := resp(t0, "c")
	_ = b.Put(ctx, "k3", "d3", nil, untagged)

	// "a" matches both keys but must count once.
	res, err := b.InvalidateAltKeys(ctx, []string{"p-1", "p-2"})
	if err != nil {
		t.Fatalf("InvalidateAltKeys: %v", err)
	}
	if !res.Counted || res.Count != 2 {
		t.Fatalf("expected exact count 2, got %+v", res)
	}

	if cands, _ := b.ListCandidates(ctx, "k3"); len(cands) != 1 {
		t.Fatalf("untagged response was invalidated")
	}
}

func TestNotifyUsedDrivesLRU(t *testing.T) {
	ctx := context.Background()
	now := t0
	b := newTestBackend(t, Config{MaxEntries: 2, Now: func() time.Time { return now }})

	_ = b.Put(ctx, "k1", "d1", nil, resp(t0, "a"))
	now = now.Add(time.Second)
	_ = b.Put(ctx, "k2", "d2", nil, resp(t0, "b"))

	// Touch k1 so k2 becomes the LRU victim.
	now = now.Add(time.Second)
	cands, _ := b.ListCandidates(ctx, "k1")
	if err := b.NotifyUsed(ctx, cands[0].Ref); err != nil {
		t.Fatalf("NotifyUsed: %v", err)
	}

	now = now.Add(time.Second)
	_ = b.Put(ctx, "k3", "d3", nil, resp(t0, "c"))

	if cands, _ := b.ListCandidates(ctx, "k2"); len(cands) != 0 {
		t.Fatalf("expected k2 to be evicted as lru")
	}
	if cands, _ := b.ListCandidates(ctx, "k1"); len(cands) != 1 {
		t.Fatalf("recently used k1 should survive")
	}
	if cands, _ := b.ListCandidates(ctx, "k3"); len(cands) != 1 {
		t.Fatalf("fresh insert k3 should survive")
	}
}

func TestReapDropsPastGrace(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	dead := resp(t0.Add(-2*time.Hour), "dead")
	dead.Meta.Expires = t0.Add(-time.Hour)
	dead.Meta.Grace = t0.Add(-time.Minute)
	_ = b.Put(ctx, key, dig, nil, dead)
	_ = b.Put(ctx, "k2", "d2", nil, resp(t0, "alive"))

	b.reap()

	if cands, _ := b.ListCandidates(ctx, key); len(cands) != 0 {
		t.Fatalf("entry past grace survived the reaper")
	}
	if cands, _ := b.ListCandidates(ctx, "k2"); len(cands) != 1 {
		t.Fatalf("live entry reaped")
	}
}

// flakyBlob drops bodies on demand to simulate eviction under pressure.
type flakyBlob struct {
	mu   sync.Mutex
	m    map[string][]byte
	gone map[string]bool
}

func newFlakyBlob() *flakyBlob {
	return &flakyBlob{m: make(map[string][]byte), gone: make(map[string]bool)}
}

func (f *flakyBlob) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[key] {
		return nil, false, nil
	}
	b, ok := f.m[key]
	return b, ok, nil
}

func (f *flakyBlob) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return true, nil
}

func (f *flakyBlob) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	return nil
}

func (f *flakyBlob) Close(context.Context) error { return nil }

func (f *flakyBlob) evict(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[key] = true
}

func TestBlobEvictionSurfacesAsNotFound(t *testing.T) {
	ctx := context.Background()
	fb := newFlakyBlob()
	b := newTestBackend(t, Config{Bodies: fb})

	_ = b.Put(ctx, key, dig, nil, resp(t0, "payload"))
	cands, _ := b.ListCandidates(ctx, key)
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate")
	}

	// Happy path first.
	got, ok, err := b.GetResponse(ctx, cands[0].Ref)
	if err != nil || !ok || string(got.Body) != "payload" {
		t.Fatalf("blob-backed get: ok=%v err=%v body=%q", ok, err, got.Body)
	}

	// Evict the body behind the backend's back.
	for k := range fb.m {
		fb.evict(k)
	}

	if _, ok, err := b.GetResponse(ctx, cands[0].Ref); ok || err != nil {
		t.Fatalf("evicted body must be not-found, ok=%v err=%v", ok, err)
	}
	// The dead entry is unlinked so it stops being listed.
	if cands, _ := b.ListCandidates(ctx, key); len(cands) != 0 {
		t.Fatalf("entry with evicted body still listed")
	}
}

func TestConcurrentPutsDoNotCorrupt(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			vary := varystore.VaryHeaders{"x-shard": varystore.Present(string(rune('a' + n)))}
			for j := 0; j < 50; j++ {
				_ = b.Put(ctx, key, dig, vary, resp(t0.Add(time.Duration(j)), "v"))
				_, _ = b.ListCandidates(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	cands, err := b.ListCandidates(ctx, key)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	// One candidate per distinct vary value survives deduplication.
	if len(cands) != 8 {
		t.Fatalf("expected 8 candidates after concurrent churn, got %d", len(cands))
	}
	for _, c := range cands {
		if _, ok, err := b.GetResponse(ctx, c.Ref); !ok || err != nil {
			t.Fatalf("listed candidate did not resolve: ok=%v err=%v", ok, err)
		}
	}
}
