package swr

import (
	"context"
	"sync"

	c "github.com/reactkit/swr/codec"
)

// decode turns a raw store snapshot into a typed one. A payload the codec
// cannot decode is self-healed: reported missing so the next fetch rebuilds
// it, instead of surfacing a codec error on every read.
func decode[T any](e *Engine, k Key, raw rawSnapshot, cod c.Codec[T]) Snapshot[T] {
	snap := Snapshot[T]{
		Err:        raw.err,
		CachedAt:   raw.cachedAt,
		Generation: raw.gen,
	}
	if raw.hasValue {
		v, err := cod.Decode(raw.payload)
		if err != nil {
			e.store.dropPayload(context.Background(), k)
			e.hooks.SelfHeal(k.storage(), "decode")
			e.log.Warn("payload decode failed", Fields{"key": k.storage(), "err": err})
		} else {
			snap.Value = v
			snap.HasValue = true
		}
	}
	raw.hasValue = snap.HasValue
	snap.Status = e.coord.status(raw, k.storage())
	return snap
}

// Get returns the current snapshot for (src, args) without blocking. When
// the entry is missing, stale or expired it also kicks off a fetch in the
// background; a later Get or a subscription observes the result.
func Get[A, T any](e *Engine, src *Source[A, T], args A) Snapshot[T] {
	src.mustValid()
	k := src.KeyOf(args)
	raw, _ := e.coord.request(context.Background(), k, src.config(), src.runner(args), false)
	return decode(e, k, raw, src.codec())
}

// Fetch is the blocking read: like Get, but when a fetch is needed (or one
// is already in flight) it waits for settlement and returns the snapshot
// taken after it. ctx bounds only the wait, never the shared fetch.
func Fetch[A, T any](ctx context.Context, e *Engine, src *Source[A, T], args A) (Snapshot[T], error) {
	src.mustValid()
	k := src.KeyOf(args)
	raw, err := e.coord.request(ctx, k, src.config(), src.runner(args), true)
	snap := decode(e, k, raw, src.codec())
	if err != nil {
		return snap, err
	}
	return snap, nil
}

// Subscribe registers a listener for (src, args). Events fire whenever the
// key's observable state moves; read the fresh snapshot with Get. The key
// is loaded if it isn't already, kept refreshed per src.RefreshInterval,
// and eagerly refetched when invalidated. Call the returned func to stop.
func Subscribe[A, T any](e *Engine, src *Source[A, T], args A) (<-chan Event, func()) {
	src.mustValid()
	k := src.KeyOf(args)
	sk := k.storage()
	cfg := src.config()
	run := src.runner(args)

	ch, unsub := e.hub.subscribe(k)
	e.registerRunner(sk, cfg, run)
	e.sched.acquire(k, cfg, src.RefreshInterval, run)
	e.coord.request(context.Background(), k, cfg, run, false)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsub()
			e.releaseRunner(sk)
			e.sched.release(k)
		})
	}
}

// Invalidate marks one key expired and triggers its refetch (eagerly when
// subscribed, lazily otherwise). Reports whether the key existed.
func Invalidate[A, T any](e *Engine, src *Source[A, T], args A) bool {
	src.mustValid()
	return e.invalidateKey(src.KeyOf(args))
}

// InvalidateMatching invalidates every live key a Target matches and
// returns how many were hit.
func InvalidateMatching(e *Engine, t Target) int {
	return e.invalidateTarget(t)
}

// InvalidateSource invalidates every cached key of one source.
func InvalidateSource(e *Engine, source string) int {
	return e.invalidateTarget(Target{Source: source, All: true})
}
