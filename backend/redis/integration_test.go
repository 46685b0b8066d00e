//go:build integration

package redis

import (
	"context"
	"net/http"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tanguilp/varystore"
)

// setupRedis starts a throwaway Redis container.
func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	})
	return client
}

func newIntegrationBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Client: setupRedis(t), Namespace: "varystore:test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func storedResp(body string, vary varystore.VaryHeaders) (*varystore.StoredResponse, varystore.VaryHeaders) {
	now := time.Now()
	return &varystore.StoredResponse{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Meta: varystore.ResponseMetadata{
			Created: now,
			Expires: now.Add(time.Minute),
			Grace:   now.Add(2 * time.Minute),
			AltKeys: []string{"tag-a"},
		},
	}, vary
}

func TestPutListResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	be := newIntegrationBackend(t)

	key := varystore.RequestKey("get example.com/a")
	dig := varystore.URLDigest("example.com/a")

	gz, gzVary := storedResp("gzip body", varystore.VaryHeaders{"accept-encoding": varystore.Present("gzip")})
	id, idVary := storedResp("identity body", varystore.VaryHeaders{"accept-encoding": varystore.Absent})
	if err := be.Put(ctx, key, dig, gzVary, gz); err != nil {
		t.Fatalf("Put gzip: %v", err)
	}
	if err := be.Put(ctx, key, dig, idVary, id); err != nil {
		t.Fatalf("Put identity: %v", err)
	}

	cands, err := be.ListCandidates(ctx, key)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}

	cache, err := varystore.New(varystore.Options{Backend: be})
	if err != nil {
		t.Fatalf("varystore.New: %v", err)
	}

	m, ok, err := cache.Resolve(ctx, key, map[string]string{"accept-encoding": "gzip"}, nil)
	if err != nil || !ok {
		t.Fatalf("Resolve gzip: ok=%v err=%v", ok, err)
	}
	if string(m.Response.Body) != "gzip body" {
		t.Fatalf("wrong variant: %q", m.Response.Body)
	}
	cache.NotifyUsed(ctx, m.Ref)

	m, ok, err = cache.Resolve(ctx, key, nil, nil)
	if err != nil || !ok {
		t.Fatalf("Resolve identity: ok=%v err=%v", ok, err)
	}
	if string(m.Response.Body) != "identity body" {
		t.Fatalf("wrong variant: %q", m.Response.Body)
	}
}

func TestURLInvalidationHidesRecords(t *testing.T) {
	ctx := context.Background()
	be := newIntegrationBackend(t)

	key := varystore.RequestKey("get example.com/b")
	dig := varystore.URLDigest("example.com/b")
	r, _ := storedResp("body", nil)
	if err := be.Put(ctx, key, dig, nil, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := be.InvalidateURL(ctx, dig)
	if err != nil {
		t.Fatalf("InvalidateURL: %v", err)
	}
	if res.Counted {
		t.Fatalf("epoch invalidation cannot count, got %+v", res)
	}

	cands, err := be.ListCandidates(ctx, key)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("invalidated records still listed: %d", len(cands))
	}
}

func TestAltKeyInvalidationCounts(t *testing.T) {
	ctx := context.Background()
	be := newIntegrationBackend(t)

	key := varystore.RequestKey("get example.com/c")
	dig := varystore.URLDigest("example.com/c")
	r, _ := storedResp("body", nil)
	if err := be.Put(ctx, key, dig, nil, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := be.InvalidateAltKeys(ctx, []string{"tag-a", "tag-missing"})
	if err != nil {
		t.Fatalf("InvalidateAltKeys: %v", err)
	}
	if !res.Counted || res.Count != 1 {
		t.Fatalf("expected exact count 1, got %+v", res)
	}

	ref0 := refFromListing(t, be, ctx, key)
	if ref0 != nil {
		if _, ok, _ := be.GetResponse(ctx, ref0); ok {
			t.Fatalf("invalidated response still resolvable")
		}
	}
}

func refFromListing(t *testing.T, be *Backend, ctx context.Context, key varystore.RequestKey) varystore.Ref {
	t.Helper()
	cands, err := be.ListCandidates(ctx, key)
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(cands) == 0 {
		return nil
	}
	return cands[0].Ref
}
