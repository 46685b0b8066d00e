// Package codec provides the pluggable serialization used by backends that
// persist candidate and response records as bytes (backend/redis by
// default), plus general-purpose codecs callers can reuse for their own
// value types.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
