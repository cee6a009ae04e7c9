package swr

// Hooks are lightweight callbacks for high-signal engine events.
// Implementations MUST be cheap and non-blocking; the engine calls them on
// hot paths. Wrap with hooks/async to move work off the caller goroutine,
// or use hooks/prom for Prometheus counters.
type Hooks interface {
	// A completed fetch was thrown away instead of being stored.
	// reason ∈ {"superseded", "cancelled"}
	FetchDiscarded(storageKey, reason string)

	// A fetch function returned an error (stored in the entry as usual).
	FetchFailed(storageKey string, err error)

	// A rollback was skipped because a newer generation owns the key.
	RollbackSkipped(storageKey string)

	// A subscriber's event buffer was full; the event was dropped.
	EventDropped(storageKey, subscriberID string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A payload was deleted by the engine on read.
	// reason ∈ {"corrupt", "gen_mismatch", "decode"}
	SelfHeal(storageKey, reason string)

	// One sweep pass finished.
	// expired: fully expired entries removed; unused: entries idle past the
	// retention window; evicted: entries removed to respect MaxEntries.
	SweepCompleted(expired, unused, evicted int)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) FetchDiscarded(string, string)  {}
func (NopHooks) FetchFailed(string, error)      {}
func (NopHooks) RollbackSkipped(string)         {}
func (NopHooks) EventDropped(string, string)    {}
func (NopHooks) ProviderSetRejected(string)     {}
func (NopHooks) SelfHeal(string, string)        {}
func (NopHooks) SweepCompleted(int, int, int)   {}
