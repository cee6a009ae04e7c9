// Package swr implements an in-process reactive cache for asynchronous
// computed values with stale-while-revalidate semantics. A typed Source
// describes how to fetch data for a set of arguments; the Engine caches
// results, classifies them as fresh, stale or expired, deduplicates
// concurrent fetches, revalidates stale entries in the background and
// notifies subscribers on every observable state change.
//
// Components:
//   - Source[A, T]: data source descriptor (fetch function, key encoding,
//     freshness configuration).
//   - Engine: owns the cache store, the fetch coordinator, the refresh
//     scheduler and the subscription hub. Constructed explicitly, no
//     global state.
//   - Provider: pluggable byte store for value payloads (memory by
//     default, Ristretto or BigCache adapters available).
//   - Codec[V]: (de)serializes V <-> []byte at the typed boundary.
//
// Correctness is generation based: every accepted write advances a per-key
// generation, and a fetch result carrying an older generation is discarded
// without mutating state or notifying. Cancellation is cooperative; a
// superseded fetch may keep running, its late result is a harmless no-op.
//
// Read pattern:
//
//	users := &swr.Source[int, User]{
//	    Name:       "user",
//	    Fetch:      loadUser,
//	    StaleAfter: 10 * time.Second,
//	}
//	snap := swr.Get(engine, users, 42)             // never blocks on the fetch
//	snap, err := swr.Fetch(ctx, engine, users, 42) // blocks until the fetch settles
package swr
