package varystore

import (
	"net/http"
	"time"
)

// RequestKey identifies the set of responses stored for one request identity
// (method, URL, body, optional bucket). It does not encode varying headers or
// byte ranges: several response variants may share one key. Derivation is the
// caller's business; the keys package provides a reference implementation.
type RequestKey string

// URLDigest identifies everything stored for one URL regardless of method or
// body. Used only for coarse invalidation.
type URLDigest string

// Ref is a backend-specific handle for one stored response. It is opaque:
// only the backend that issued it may inspect it, and it may stop resolving
// at any time (eviction). A stale Ref is a normal condition, not an error.
type Ref any

// VaryValue is a request header value as recorded at storage time.
// A header that was absent from the original request is not the same as a
// header with an empty value, so presence is tracked explicitly.
type VaryValue struct {
	Present bool   `json:"present" msgpack:"present"`
	Value   string `json:"value" msgpack:"value"`
}

// Present wraps a header value that was present on the stored request.
func Present(v string) VaryValue { return VaryValue{Present: true, Value: v} }

// Absent marks a header the stored request did not carry.
var Absent = VaryValue{}

// VaryHeaders maps normalized header names to their value at storage time.
// Only the dimensions listed here constrain variant selection.
type VaryHeaders map[string]VaryValue

// Matches reports whether the request's header values satisfy every
// dimension this response declared as varying. Absence only matches absence,
// and a recorded value must match exactly. Headers not listed in vh are
// ignored. Values are assumed to be normalized upstream.
func (vh VaryHeaders) Matches(reqVary map[string]string) bool {
	for name, stored := range vh {
		got, ok := reqVary[name]
		if stored.Present != ok {
			return false
		}
		if stored.Present && stored.Value != got {
			return false
		}
	}
	return true
}

// ByteRange is a requested byte range, inclusive on both ends.
type ByteRange struct {
	Start int64
	End   int64
}

// ContentRange describes the byte span held by a partial response,
// inclusive on both ends. Total is -1 when the complete length is unknown
// ("*" in the Content-Range header).
type ContentRange struct {
	Start int64 `json:"start" msgpack:"start"`
	End   int64 `json:"end" msgpack:"end"`
	Total int64 `json:"total" msgpack:"total"`
}

// Covers reports whether the stored span satisfies the requested range,
// exactly or as a superset.
func (cr ContentRange) Covers(r ByteRange) bool {
	return cr.Start <= r.Start && r.End <= cr.End
}

// TTLSource records whether the expiry window came from an explicit caching
// header or a heuristic. Provenance only; it never affects selection.
type TTLSource uint8

const (
	TTLFromHeader TTLSource = iota
	TTLHeuristic
)

func (s TTLSource) String() string {
	if s == TTLHeuristic {
		return "heuristic"
	}
	return "header"
}

// ResponseMetadata is the selection-relevant state of a stored response.
// Backends must round-trip it verbatim: exact timestamps, exact
// ParsedHeaders contents.
type ResponseMetadata struct {
	Created time.Time `json:"created" msgpack:"created"`
	Expires time.Time `json:"expires" msgpack:"expires"`
	Grace   time.Time `json:"grace" msgpack:"grace"`

	TTLSetBy TTLSource `json:"ttl_set_by" msgpack:"ttl_set_by"`

	// ParsedHeaders carries pre-parsed response header values
	// (normalized name -> value) the caller wants preserved.
	ParsedHeaders map[string]string `json:"parsed_headers,omitempty" msgpack:"parsed_headers,omitempty"`

	// ContentRange is set when the stored body is partial; nil means a
	// complete response.
	ContentRange *ContentRange `json:"content_range,omitempty" msgpack:"content_range,omitempty"`

	// AltKeys are caller-defined tags for bulk invalidation unrelated to
	// URL structure.
	AltKeys []string `json:"alt_keys,omitempty" msgpack:"alt_keys,omitempty"`
}

// Validate checks the created <= expires <= grace ordering. A violation is a
// caller error: it must be rejected before the backend sees the metadata.
func (m *ResponseMetadata) Validate() error {
	if m.Created.After(m.Expires) {
		return &InvariantError{Reason: "created is after expires", Created: m.Created, Expires: m.Expires, Grace: m.Grace}
	}
	if m.Expires.After(m.Grace) {
		return &InvariantError{Reason: "expires is after grace", Created: m.Created, Expires: m.Expires, Grace: m.Grace}
	}
	return nil
}

// Candidate is the projection of a stored response that is sufficient for
// matching: status, headers, vary dimensions and metadata, but no body.
type Candidate struct {
	Ref    Ref
	Status int
	Header http.Header
	Vary   VaryHeaders
	Meta   ResponseMetadata
}

// Partial reports whether the candidate holds only a byte subset of the
// resource.
func (c *Candidate) Partial() bool { return c.Meta.ContentRange != nil }

// StoredResponse is a full stored response. Exactly one of Body and BodyFile
// is set: Body holds the bytes in memory, BodyFile points at externally
// stored content. The resolution layer never inspects either.
type StoredResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	BodyFile string
	Meta     ResponseMetadata
}

// InvalidationResult reports the outcome of an invalidation call.
// Counted is false when the backend cannot know how many responses were
// affected (for example lazy, epoch-based invalidation).
type InvalidationResult struct {
	Count   uint64
	Counted bool
}
