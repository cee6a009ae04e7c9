package swr

import "time"

// Status is the observable per-key state, re-derived on every read from the
// stored entry plus the in-flight fetch set. It is never stored.
type Status uint8

const (
	// StatusIdle: no entry and no fetch in flight.
	StatusIdle Status = iota
	// StatusLoading: a fetch is in flight and no previous value exists.
	StatusLoading
	// StatusFresh: a value exists inside its staleness window.
	StatusFresh
	// StatusStale: a value exists past its staleness window (or past
	// expiration under the retain policy) with no revalidation running yet.
	StatusStale
	// StatusRevalidating: a stale value is being served while a background
	// fetch runs.
	StatusRevalidating
	// StatusErrored: the last fetch failed; a prior value may still be
	// retained for display.
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusRevalidating:
		return "revalidating"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of a key's observable state. Value and
// Err may both be set: a retained stale value with a background fetch error
// renders as successful-but-stale-with-background-error, the host decides.
type Snapshot[T any] struct {
	Value      T
	HasValue   bool
	Err        error
	Status     Status
	CachedAt   time.Time
	Generation uint64
}

// IsLoading reports whether a fetch is running for the key.
func (s Snapshot[T]) IsLoading() bool {
	return s.Status == StatusLoading || s.Status == StatusRevalidating
}

// IsSuccess reports whether a usable value is present.
func (s Snapshot[T]) IsSuccess() bool { return s.HasValue }

// IsError reports whether the last fetch failed.
func (s Snapshot[T]) IsError() bool { return s.Err != nil }

// Reason says what kind of write produced an event.
type Reason string

const (
	ReasonFetch      Reason = "fetch"      // fetch started, or first value landed
	ReasonRevalidate Reason = "revalidate" // revalidation of an existing value settled
	ReasonOptimistic Reason = "optimistic" // optimistic mutation applied
	ReasonRollback   Reason = "rollback"   // optimistic mutation rolled back
	ReasonMutation   Reason = "mutation"   // mutation result adopted
	ReasonInvalidate Reason = "invalidate" // explicit invalidation
	ReasonClear      Reason = "clear"      // whole-cache clear
)

// Event is delivered to subscribers of a key after any accepted, observable
// state change. It carries no value payload; read the current snapshot with
// Get, which is guaranteed to observe at least this event's generation.
type Event struct {
	Key        Key
	Status     Status
	Generation uint64
	Reason     Reason
	At         time.Time
}
