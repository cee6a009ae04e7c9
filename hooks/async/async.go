// Package asynchook decouples hook callbacks from the engine's hot paths:
// callbacks are queued and replayed on worker goroutines, and dropped when
// the queue is full.
//
// usage:
//
//	raw := promhook.New(prometheus.DefaultRegisterer)
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	engine := swr.New(swr.Options{Hooks: hooks})
package asynchook

import (
	"sync"

	"github.com/reactkit/swr"
)

type Hooks struct {
	inner swr.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ swr.Hooks = (*Hooks)(nil)

func New(inner swr.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchDiscarded(k, r string)   { h.try(func() { h.inner.FetchDiscarded(k, r) }) }
func (h *Hooks) FetchFailed(k string, e error) { h.try(func() { h.inner.FetchFailed(k, e) }) }
func (h *Hooks) RollbackSkipped(k string)     { h.try(func() { h.inner.RollbackSkipped(k) }) }
func (h *Hooks) EventDropped(k, sub string)   { h.try(func() { h.inner.EventDropped(k, sub) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) SweepCompleted(expired, unused, evicted int) {
	h.try(func() { h.inner.SweepCompleted(expired, unused, evicted) })
}
