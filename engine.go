package swr

import (
	"context"
	"sync"
	"time"

	"github.com/reactkit/swr/provider"
	"github.com/reactkit/swr/provider/memory"
)

// Options configures an Engine. The zero value is usable: in-process memory
// provider, no logging, no hooks.
type Options struct {
	// Provider stores encoded value payloads. Defaults to the built-in
	// memory provider.
	Provider provider.Provider

	// Logger receives engine diagnostics. Defaults to NopLogger.
	Logger Logger

	// Hooks receives lifecycle callbacks. Defaults to NopHooks.
	Hooks Hooks

	// EventBuffer is the channel depth per subscriber. Default 16.
	EventBuffer int

	// SweepInterval is how often expired and unused entries are reaped.
	// Default 1m. Negative disables the sweeper.
	SweepInterval time.Duration

	// MaxEntries caps the number of live entries; the least recently used
	// unreferenced entries are evicted past it. 0 means unbounded.
	MaxEntries int

	// UnusedRetention drops entries not read for this long, regardless of
	// freshness. 0 disables.
	UnusedRetention time.Duration

	// Clock overrides time.Now. Tests only.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Provider == nil {
		o.Provider = memory.New()
	}
	if o.Logger == nil {
		o.Logger = NopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = NopHooks{}
	}
	o.EventBuffer = coalesce(o.EventBuffer, 16)
	if o.SweepInterval == 0 {
		o.SweepInterval = time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// runnerRef is a refcounted fetch closure for a subscribed key, kept so
// invalidation can eagerly refetch keys someone is watching.
type runnerRef struct {
	refs int
	cfg  entryConfig
	run  fetchRunner
}

// Engine is the reactive cache. All methods are safe for concurrent use.
// Typed access goes through the package-level generic functions (Get,
// Fetch, Subscribe, Mutate, ...) since methods cannot carry type
// parameters.
type Engine struct {
	opts  Options
	store *store
	hub   *hub
	coord *coordinator
	sched *scheduler
	log   Logger
	hooks Hooks

	runMu   sync.Mutex
	runners map[string]*runnerRef

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an Engine from opts and starts its background sweeper.
func New(opts Options) *Engine {
	opts = opts.withDefaults()
	st := newStore(opts.Provider, opts.Logger, opts.Hooks, opts.Clock)
	h := newHub(opts.EventBuffer, opts.Hooks)
	co := newCoordinator(st, h, opts.Logger, opts.Hooks)
	e := &Engine{
		opts:    opts,
		store:   st,
		hub:     h,
		coord:   co,
		sched:   newScheduler(co, opts.Logger),
		log:     opts.Logger,
		hooks:   opts.Hooks,
		runners: make(map[string]*runnerRef),
		stopCh:  make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}
	return e
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.Sweep(context.Background())
		case <-e.stopCh:
			return
		}
	}
}

// Sweep runs one reap pass immediately. The background loop calls this on
// its interval; exposed for tests and manual pressure relief.
func (e *Engine) Sweep(ctx context.Context) {
	ref := e.referencedSet()
	expired, unused, evicted := e.store.sweep(ctx, e.opts.UnusedRetention, e.opts.MaxEntries, func(sk string) bool {
		_, ok := ref[sk]
		return ok
	})
	if expired+unused+evicted > 0 {
		e.log.Debug("sweep completed", Fields{"expired": expired, "unused": unused, "evicted": evicted})
	}
	e.hooks.SweepCompleted(expired, unused, evicted)
}

// referencedSet snapshots every key pinned by a live subscriber, an
// in-flight fetch or a registered runner. It is taken up front so the
// sweep holds only the store lock; probing the hub or coordinator from
// inside the sweep would nest their locks under the store's, opposite
// the order the fetch path takes them.
func (e *Engine) referencedSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, sk := range e.hub.keys() {
		set[sk] = struct{}{}
	}
	for _, sk := range e.coord.flightKeys() {
		set[sk] = struct{}{}
	}
	e.runMu.Lock()
	for sk := range e.runners {
		set[sk] = struct{}{}
	}
	e.runMu.Unlock()
	return set
}

func (e *Engine) registerRunner(sk string, cfg entryConfig, run fetchRunner) {
	e.runMu.Lock()
	if r, ok := e.runners[sk]; ok {
		r.refs++
	} else {
		e.runners[sk] = &runnerRef{refs: 1, cfg: cfg, run: run}
	}
	e.runMu.Unlock()
}

func (e *Engine) releaseRunner(sk string) {
	e.runMu.Lock()
	if r, ok := e.runners[sk]; ok {
		r.refs--
		if r.refs <= 0 {
			delete(e.runners, sk)
		}
	}
	e.runMu.Unlock()
}

func (e *Engine) runnerFor(sk string) (entryConfig, fetchRunner, bool) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if r, ok := e.runners[sk]; ok {
		return r.cfg, r.run, true
	}
	return entryConfig{}, nil, false
}

// invalidateKey marks one key expired, aborts any flight for it, notifies,
// and eagerly refetches when the key has a live subscriber. Unwatched keys
// refetch lazily on their next request.
func (e *Engine) invalidateKey(k Key) bool {
	sk := k.storage()
	found, gen := e.store.invalidate(k)
	if !found {
		return false
	}
	e.coord.cancelFlight(sk)
	e.log.Debug("key invalidated", Fields{"key": sk, "gen": gen})
	snap := e.store.snapshot(context.Background(), k)
	e.hub.publish(Event{Key: k, Status: e.coord.status(snap, sk), Generation: gen, Reason: ReasonInvalidate, At: e.opts.Clock()})

	if e.hub.subscribed(sk) {
		if cfg, run, ok := e.runnerFor(sk); ok {
			e.coord.revalidate(k, cfg, run)
		}
	}
	return true
}

// invalidateTarget applies invalidateKey semantics across every live key a
// Target matches and returns how many were hit.
func (e *Engine) invalidateTarget(t Target) int {
	keys := e.store.invalidateMatching(t)
	for _, k := range keys {
		sk := k.storage()
		e.coord.cancelFlight(sk)
		snap := e.store.snapshot(context.Background(), k)
		gen := snap.gen
		e.hub.publish(Event{Key: k, Status: e.coord.status(snap, sk), Generation: gen, Reason: ReasonInvalidate, At: e.opts.Clock()})
		if e.hub.subscribed(sk) {
			if cfg, run, ok := e.runnerFor(sk); ok {
				e.coord.revalidate(k, cfg, run)
			}
		}
	}
	return len(keys)
}

// Clear drops every entry and payload and tells subscribers their keys are
// gone. Flights in progress are aborted.
func (e *Engine) Clear(ctx context.Context) {
	removed := e.store.clear(ctx)
	e.log.Debug("cache cleared", Fields{"removed": len(removed)})
	at := e.opts.Clock()
	for _, k := range removed {
		e.coord.cancelFlight(k.storage())
		e.hub.publish(Event{Key: k, Status: StatusIdle, Reason: ReasonClear, At: at})
	}
}

// Stats reports entry count and hit/miss counters.
func (e *Engine) Stats() Stats { return e.store.stats() }

// Close stops the sweeper and refresh loops, closes subscriber channels
// and releases the provider. Idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.sched.close()
		e.wg.Wait()
		e.hub.close()
		err = e.store.provider.Close(context.Background())
	})
	return err
}
