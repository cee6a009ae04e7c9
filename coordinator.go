package swr

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// fetchRunner is a type-erased fetch closure: it returns the decoded value,
// the codec-encoded payload that goes to the store, and the fetch error.
type fetchRunner func(ctx context.Context) (any, []byte, error)

// flight tracks one in-progress fetch for a storage key: the generation it
// was issued under and the cancel for its detached context. At most one
// flight exists per key; concurrent requests share it.
type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

// coordinator owns fetch execution. Deduplication runs through a
// singleflight group keyed by storage key; the flights map carries the
// metadata singleflight does not (issue generation, cancellation).
type coordinator struct {
	store *store
	hub   *hub
	log   Logger
	hooks Hooks

	sf      singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

func newCoordinator(st *store, h *hub, log Logger, hooks Hooks) *coordinator {
	return &coordinator{
		store:   st,
		hub:     h,
		log:     log,
		hooks:   hooks,
		flights: make(map[string]*flight),
	}
}

func (c *coordinator) inFlight(sk string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[sk]
	return ok
}

func (c *coordinator) flightKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.flights))
	for sk := range c.flights {
		out = append(out, sk)
	}
	return out
}

// status derives the observable state from stored content plus flight
// presence. It is recomputed on demand and never stored.
func (c *coordinator) status(snap rawSnapshot, sk string) Status {
	inflight := c.inFlight(sk)
	switch {
	case inflight && snap.hasValue:
		return StatusRevalidating
	case inflight:
		return StatusLoading
	case snap.err != nil:
		return StatusErrored
	case !snap.hasValue:
		return StatusIdle
	case snap.class == classFresh:
		return StatusFresh
	default:
		// stale and force-expired entries keep serving the retained value
		return StatusStale
	}
}

// request is the read path: snapshot the key, and launch a fetch when the
// snapshot is missing, stale or expired. A fresh snapshot short-circuits.
// When wait is set the call blocks until the flight (current or newly
// launched) settles, then re-snapshots.
func (c *coordinator) request(ctx context.Context, k Key, cfg entryConfig, run fetchRunner, wait bool) (rawSnapshot, error) {
	gen := c.store.ensure(k, cfg)
	snap := c.store.snapshot(ctx, k)

	var ch <-chan singleflight.Result
	if snap.class != classFresh {
		ch = c.launch(k, cfg, run, gen)
	} else if wait && c.inFlight(k.storage()) {
		ch = c.launch(k, cfg, run, gen)
	}

	if !wait || ch == nil {
		return snap, nil
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return snap, ctx.Err()
	}
	return c.store.snapshot(ctx, k), nil
}

// revalidate forces a fetch regardless of freshness. Used by the refresh
// scheduler and by invalidation-triggered refetch of subscribed keys.
func (c *coordinator) revalidate(k Key, cfg entryConfig, run fetchRunner) {
	gen := c.store.currentGen(k)
	c.launch(k, cfg, run, gen)
}

// launch starts (or joins) the flight for a key. The fetch runs under a
// detached context so request cancellation never kills a shared flight;
// only invalidation does, via cancelFlight.
//
// DoChan is issued while the flights mutex is held in both branches. That
// pins leader election to the map: whoever registered the flight is the
// singleflight leader, and a joiner's no-op fn can never win the slot and
// starve the real fetch.
func (c *coordinator) launch(k Key, cfg entryConfig, run fetchRunner, gen uint64) <-chan singleflight.Result {
	sk := k.storage()

	c.mu.Lock()
	if _, running := c.flights[sk]; running {
		ch := c.sf.DoChan(sk, func() (any, error) { return nil, nil })
		c.mu.Unlock()
		return ch
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &flight{gen: gen, cancel: cancel}
	c.flights[sk] = f

	// start event goes out before the fetch can possibly settle, so
	// subscribers always see loading/revalidating before the result
	st := StatusLoading
	if c.store.snapshot(context.Background(), k).hasValue {
		st = StatusRevalidating
	}
	c.hub.publish(Event{Key: k, Status: st, Generation: gen, Reason: ReasonFetch, At: c.store.now()})

	ch := c.sf.DoChan(sk, func() (any, error) {
		_, payload, err := run(fctx)
		c.settle(fctx, k, cfg, payload, err, f)
		return nil, err
	})
	c.mu.Unlock()
	return ch
}

// settle records a flight result and notifies subscribers when the
// observable state moved. Results for a superseded generation are dropped.
//
// The write happens before the flight is deregistered, so no reader can
// observe "no flight, no result" in between and launch a duplicate fetch.
// The Forget runs inside the same critical section as the flights delete:
// were it deferred past the unlock, a launch landing in the gap would
// register a fresh flight whose DoChan joins the old, already-settled
// singleflight call, and the new fetch would never run. Forget is skipped
// when another flight owns the slot, since cancelFlight already forgot
// this one and forgetting again would detach the successor's call.
func (c *coordinator) settle(ctx context.Context, k Key, cfg entryConfig, payload []byte, ferr error, f *flight) {
	sk := k.storage()

	beforeSnap := c.store.snapshot(ctx, k)
	before := settledStatus(beforeSnap)
	accepted, changed, newGen := c.store.put(ctx, k, cfg, payload, ferr == nil, ferr, f.gen, true)

	c.mu.Lock()
	if c.flights[sk] == f {
		delete(c.flights, sk)
		c.sf.Forget(sk)
	}
	c.mu.Unlock()
	f.cancel()
	if !accepted {
		c.hooks.FetchDiscarded(sk, "superseded")
		c.log.Debug("fetch result discarded", Fields{"key": sk, "gen": f.gen})
		return
	}
	if ferr != nil {
		c.hooks.FetchFailed(sk, ferr)
	}

	after := settledStatus(c.store.snapshot(ctx, k))
	if !changed && after == before {
		return // redundant settle: same bytes, same shape, no event
	}
	reason := ReasonFetch
	if ferr == nil && beforeSnap.hasValue {
		reason = ReasonRevalidate
	}
	c.hub.publish(Event{Key: k, Status: after, Generation: newGen, Reason: reason, At: c.store.now()})
}

// cancelFlight aborts the in-progress fetch for a key, if any. The flight's
// generation gate already guarantees a late result is dropped; cancellation
// just stops wasting the source's time.
func (c *coordinator) cancelFlight(sk string) {
	c.mu.Lock()
	f, ok := c.flights[sk]
	if ok {
		delete(c.flights, sk)
		c.sf.Forget(sk)
	}
	c.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// settledStatus is status as it would read with no flight in progress.
func settledStatus(snap rawSnapshot) Status {
	switch {
	case snap.err != nil:
		return StatusErrored
	case !snap.hasValue:
		return StatusIdle
	case snap.class == classFresh:
		return StatusFresh
	default:
		return StatusStale
	}
}
