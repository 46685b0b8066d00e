package varystore

import (
	"context"
	"fmt"
	"sort"
)

// Match is a successful resolution: the winning response, the backend handle
// to acknowledge it with, and how fresh it was at resolution time.
type Match struct {
	Ref       Ref
	Response  *StoredResponse
	Freshness Freshness
}

// Stale reports whether the match was past expiry (served from the grace
// window). Callers usually kick off a background revalidation when true.
func (m *Match) Stale() bool { return m.Freshness == StaleServable }

// PreferNewest is the default candidate order: most recent Created first,
// so the most recently revalidated variant beats stale duplicates; equal
// Created falls back to the longer remaining freshness (later Expires).
func PreferNewest(a, b *Candidate) int {
	switch {
	case a.Meta.Created.After(b.Meta.Created):
		return -1
	case b.Meta.Created.After(a.Meta.Created):
		return 1
	case a.Meta.Expires.After(b.Meta.Expires):
		return -1
	case b.Meta.Expires.After(a.Meta.Expires):
		return 1
	}
	return 0
}

// eligible pairs a surviving candidate with its freshness classification so
// the fetch loop doesn't re-evaluate the clock.
type eligible struct {
	cand  *Candidate
	fresh Freshness
}

// Resolve returns the single stored response applicable to a request:
// key identifies the method/URL/body identity, reqVary carries the
// request's normalized vary-relevant header values (absent headers simply
// missing from the map), and reqRange is the requested byte range, nil for
// a full-body request.
//
// ok=false with a nil error is a cache miss. An error always means a
// backend failure: absence and failure are never conflated.
func (c *Cache) Resolve(ctx context.Context, key RequestKey, reqVary map[string]string, reqRange *ByteRange) (*Match, bool, error) {
	cands, err := c.be.ListCandidates(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("varystore: list candidates: %w", err)
	}
	if len(cands) == 0 {
		return nil, false, nil
	}

	matched := make([]*Candidate, 0, len(cands))
	for i := range cands {
		if cands[i].Vary.Matches(reqVary) {
			matched = append(matched, &cands[i])
		}
	}

	matched = filterRange(matched, reqRange)

	now := c.now()
	elig := make([]eligible, 0, len(matched))
	for _, cand := range matched {
		if f := cand.Meta.FreshnessAt(now); f != Expired {
			elig = append(elig, eligible{cand: cand, fresh: f})
		}
	}
	if len(elig) == 0 {
		return nil, false, nil
	}

	// Stable sort: candidates tied under Prefer keep the backend's
	// listing order, so repeated calls pick the same winner.
	sort.SliceStable(elig, func(i, j int) bool {
		return c.prefer(elig[i].cand, elig[j].cand) < 0
	})

	for _, e := range elig {
		resp, ok, err := c.be.GetResponse(ctx, e.cand.Ref)
		if err != nil {
			return nil, false, fmt.Errorf("varystore: get response: %w", err)
		}
		if !ok {
			// Evicted between listing and fetch. Defined race
			// outcome: drop to the next-best candidate.
			c.hooks.EvictionRace(key)
			c.log.Debug("candidate evicted mid-resolution", Fields{"key": key})
			continue
		}
		if e.fresh == StaleServable {
			c.hooks.StaleServed(key)
			c.log.Debug("serving stale response", Fields{"key": key})
		}
		return &Match{Ref: e.cand.Ref, Response: resp, Freshness: e.fresh}, true, nil
	}
	return nil, false, nil
}

// filterRange applies range compatibility on vary-matched candidates.
// A full response satisfies any range. A partial response satisfies a range
// request only when its stored span covers the requested span. A request
// without a range gets full responses only - unless none exist, in which
// case partials stay in play for the caller to deal with.
func filterRange(cands []*Candidate, r *ByteRange) []*Candidate {
	if r == nil {
		full := make([]*Candidate, 0, len(cands))
		for _, cand := range cands {
			if !cand.Partial() {
				full = append(full, cand)
			}
		}
		if len(full) > 0 {
			return full
		}
		return cands
	}

	out := make([]*Candidate, 0, len(cands))
	for _, cand := range cands {
		if !cand.Partial() || cand.Meta.ContentRange.Covers(*r) {
			out = append(out, cand)
		}
	}
	return out
}
