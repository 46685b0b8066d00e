package varystore

import "time"

// Freshness classifies a stored response against a point in time.
type Freshness int

const (
	// Fresh: now < expires. Servable as-is.
	Fresh Freshness = iota
	// StaleServable: expires <= now < grace. May be served to preserve
	// availability; callers typically trigger a background revalidation.
	StaleServable
	// Expired: now >= grace. Never selectable.
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case StaleServable:
		return "stale-servable"
	default:
		return "expired"
	}
}

// FreshnessAt classifies the metadata's expiry window against now.
// Pure function of the three timestamps; TTLSetBy plays no part.
func (m *ResponseMetadata) FreshnessAt(now time.Time) Freshness {
	switch {
	case now.Before(m.Expires):
		return Fresh
	case now.Before(m.Grace):
		return StaleServable
	default:
		return Expired
	}
}
