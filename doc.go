// Package varystore implements a backend-agnostic HTTP response cache store:
// responses are persisted under a request key (method + URL + body + bucket)
// and later resolved back to the single variant that matches a new request's
// varying headers and byte range.
//
// Components:
//   - Backend: persistence contract (list candidates, fetch response, put,
//     notify-used, invalidate). Memory and Redis implementations ship under
//     backend/; anything satisfying the interface plugs in.
//   - Cache: the resolution layer. Filters candidates by Vary equality and
//     Content-Range subsumption, classifies freshness, orders eligible
//     candidates deterministically, and fetches the winning body - retrying
//     the next candidate when the backend evicted the winner in the meantime.
//   - Freshness: fresh / stale-servable / expired, a pure function of the
//     three metadata timestamps (created <= expires <= grace) against now.
//
// Candidate listing and body fetch are deliberately two separate backend
// operations so losing candidates never materialize their bodies.
//
// Resolution pattern:
//
//	m, ok, err := cache.Resolve(ctx, key, reqVary, reqRange)
//	if ok {
//	    serve(m.Response)
//	    cache.NotifyUsed(ctx, m.Ref) // advisory recency hint
//	}
package varystore
