package varystore

import "context"

// Backend is the persistence contract. Implementations must be safe for
// concurrent use. Eventual consistency is tolerated - a listing may miss a
// concurrent Put or include a response being invalidated - but a returned
// Candidate must never be torn, and a response must never be observable
// half-invalidated (headers without body).
//
// Cancellation and deadlines travel through ctx; backend-specific tuning
// belongs in each implementation's Config.
type Backend interface {
	// ListCandidates returns every response stored under key, including
	// stale and expired ones: freshness filtering is the resolution
	// layer's job. An unknown key yields an empty slice and a nil error.
	ListCandidates(ctx context.Context, key RequestKey) ([]Candidate, error)

	// GetResponse materializes the response behind a Ref obtained from a
	// prior ListCandidates. ok=false means the response was evicted in
	// the interim; callers move on to the next candidate. An error is
	// reserved for backend failures, never for absence.
	GetResponse(ctx context.Context, ref Ref) (*StoredResponse, bool, error)

	// Put stores resp as an additional candidate under key and indexes it
	// under digest and under every resp.Meta.AltKeys entry. Existing
	// candidates are not overwritten, except that a backend may
	// deterministically replace a candidate with identical vary headers.
	// Metadata round-trips verbatim.
	Put(ctx context.Context, key RequestKey, digest URLDigest, vary VaryHeaders, resp *StoredResponse) error

	// NotifyUsed is a best-effort recency hint for the backend's eviction
	// heuristics. It may be dropped or coalesced; callers must not depend
	// on it being observed.
	NotifyUsed(ctx context.Context, ref Ref) error

	// InvalidateURL makes every response stored for digest unselectable
	// by subsequent ListCandidates calls, synchronously or lazily. The
	// count may be unknown (Counted=false).
	InvalidateURL(ctx context.Context, digest URLDigest) (InvalidationResult, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// AlternateKeyInvalidator is the optional alternate-key capability.
// Backends that can resolve alternate-key tags to stored responses
// implement it alongside Backend; callers detect it with a type assertion
// (Cache.SupportsAltKeys does this once, up front).
type AlternateKeyInvalidator interface {
	// InvalidateAltKeys makes every response tagged with any of the given
	// alternate keys unselectable.
	InvalidateAltKeys(ctx context.Context, keys []string) (InvalidationResult, error)
}
