package varystore

// Hooks are lightweight callbacks for high-signal cache events.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
// Wrap with hooks/async to decouple slow consumers.
type Hooks interface {
	// The ranked winner's body was gone by fetch time (evicted between
	// ListCandidates and GetResponse); resolution moved to the next
	// candidate.
	EvictionRace(key RequestKey)

	// A resolution was satisfied by a stale-servable response.
	StaleServed(key RequestKey)

	// A backend dropped an unreadable or superseded record on read.
	// reason ∈ {"corrupt", "epoch_mismatch", "decode"}
	SelfHeal(storageKey, reason string)

	// An advisory NotifyUsed call failed.
	NotifyUsedError(err error)

	// Alternate-key invalidation was requested against a backend without
	// the capability.
	AltKeysUnsupported()
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EvictionRace(RequestKey)    {}
func (NopHooks) StaleServed(RequestKey)     {}
func (NopHooks) SelfHeal(string, string)    {}
func (NopHooks) NotifyUsedError(error)      {}
func (NopHooks) AltKeysUnsupported()        {}
