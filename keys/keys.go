// Package keys derives request keys and URL digests for callers that do not
// bring their own derivation. The store contract only requires the functions
// be deterministic and pure; these are one reasonable choice, not part of
// the contract.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/tanguilp/varystore"
)

// Request derives the key responses are stored and resolved under.
// Unique per (method, url, body, bucket); varying headers and ranges are
// deliberately not part of it - variants share the key.
func Request(method, url string, body []byte, bucket string) varystore.RequestKey {
	h := xxhash.New()
	writeField(h, []byte(method))
	writeField(h, []byte(url))
	writeField(h, body)
	writeField(h, []byte(bucket))
	return varystore.RequestKey(fmt.Sprintf("%016x", h.Sum64()))
}

// URL derives the coarse invalidation digest. URL only: invalidating a
// digest hits every method/body stored for that URL.
func URL(url string) varystore.URLDigest {
	return varystore.URLDigest(fmt.Sprintf("%016x", xxhash.Sum64String(url)))
}

// writeField length-prefixes each component so ("ab","c") and ("a","bc")
// never collide.
func writeField(h *xxhash.Digest, b []byte) {
	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], uint64(len(b)))
	_, _ = h.Write(u8[:])
	_, _ = h.Write(b)
}
