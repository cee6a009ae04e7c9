package swr

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	c "github.com/reactkit/swr/codec"
)

// compositeFrame holds a composed result for storage: each sub's value
// encoded with its own codec, keyed by sub name. Deterministic so the
// redundant-write suppression sees equal joins as equal bytes.
var compositeFrame = c.MustCBOR[map[string][]byte](true)

// Sub is one named member of a composite: a (source, args) pair plus the
// type-erased closures the composite needs to fetch, encode and decode its
// slot. Build one with SubOf.
type Sub struct {
	name   string
	key    Key
	fetch  func(ctx context.Context, e *Engine) (any, []byte, error)
	decode func(payload []byte) (any, error)
}

func (s Sub) Name() string { return s.name }

// SubOf names a (src, args) pair as a composite member. The member
// succeeds whenever a usable value comes back, even a stale one served
// under the retain policy; it fails only when the fetch errors with
// nothing to serve.
func SubOf[A, T any](name string, src *Source[A, T], args A) Sub {
	src.mustValid()
	cod := src.codec()
	return Sub{
		name: name,
		key:  src.KeyOf(args),
		fetch: func(ctx context.Context, e *Engine) (any, []byte, error) {
			snap, err := Fetch(ctx, e, src, args)
			if err != nil {
				return nil, nil, err
			}
			if !snap.HasValue {
				if snap.Err != nil {
					return nil, nil, snap.Err
				}
				return nil, nil, ErrUnavailable
			}
			payload, encErr := cod.Encode(snap.Value)
			if encErr != nil {
				return nil, nil, encErr
			}
			return snap.Value, payload, nil
		},
		decode: func(p []byte) (any, error) { return cod.Decode(p) },
	}
}

// Composite is a fixed set of named subs fetched together under the
// composite's own cache entry. Each sub runs through the normal per-key
// path, so its result is cached and deduplicated exactly like a standalone
// fetch; the joined map is then cached too, under a key derived from the
// composite's name and its members, with the composite's own freshness
// windows. A fresh composite entry serves without touching any sub.
type Composite struct {
	// StaleAfter and Expiration are the composed entry's freshness
	// windows, with Source semantics: 0 means never stale, never expires.
	StaleAfter time.Duration
	Expiration time.Duration

	// RefreshInterval re-runs the join periodically while the composite
	// has at least one subscriber. 0 disables background refresh.
	RefreshInterval time.Duration

	name string
	subs []Sub
}

// NewComposite builds a composite from subs. Panics on an empty name or a
// duplicate sub name, which are programming errors. Freshness windows can
// be set on the returned value before first use.
func NewComposite(name string, subs ...Sub) *Composite {
	if name == "" {
		panic("swr: composite has no name")
	}
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if s.name == "" {
			panic("swr: composite sub has no name")
		}
		if _, dup := seen[s.name]; dup {
			panic("swr: duplicate composite sub " + s.name)
		}
		seen[s.name] = struct{}{}
	}
	return &Composite{name: name, subs: subs}
}

// Key returns the composite's cache key: its name plus the identity of
// every member, so two composites joining different keys never share an
// entry. Membership order is part of the identity.
func (cp *Composite) Key() Key {
	parts := make([]string, len(cp.subs))
	for i, s := range cp.subs {
		parts[i] = s.name + "=" + s.key.storage()
	}
	return Key{Source: "composite/" + cp.name, Args: strings.Join(parts, ",")}
}

func (cp *Composite) config() entryConfig {
	return entryConfig{staleAfter: cp.StaleAfter, expiration: cp.Expiration}
}

// runner performs the fan-out join as an ordinary fetch: every sub runs
// concurrently, one failing sub never cancels its siblings, and any failure
// fails the whole join with a *CompositionError naming exactly which subs
// failed. On success the joined map travels alongside its encoded frame.
func (cp *Composite) runner(e *Engine) fetchRunner {
	return func(ctx context.Context) (any, []byte, error) {
		values := make([]any, len(cp.subs))
		payloads := make([][]byte, len(cp.subs))
		errs := make([]error, len(cp.subs))

		var g errgroup.Group
		for i, s := range cp.subs {
			i, s := i, s
			g.Go(func() error {
				values[i], payloads[i], errs[i] = s.fetch(ctx, e)
				return nil
			})
		}
		_ = g.Wait()

		var failures map[string]error
		frame := make(map[string][]byte, len(cp.subs))
		for i, s := range cp.subs {
			if errs[i] != nil {
				if failures == nil {
					failures = make(map[string]error)
				}
				failures[s.name] = errs[i]
				continue
			}
			frame[s.name] = payloads[i]
		}
		if failures != nil {
			return nil, nil, &CompositionError{Failures: failures, Total: len(cp.subs)}
		}

		blob, err := compositeFrame.Encode(frame)
		if err != nil {
			return nil, nil, err
		}
		out := make(map[string]any, len(cp.subs))
		for i, s := range cp.subs {
			out[s.name] = values[i]
		}
		return out, blob, nil
	}
}

// decodeFrame turns a stored frame back into the typed per-sub map.
func (cp *Composite) decodeFrame(payload []byte) (map[string]any, error) {
	frame, err := compositeFrame.Decode(payload)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cp.subs))
	for _, s := range cp.subs {
		raw, ok := frame[s.name]
		if !ok {
			continue
		}
		v, derr := s.decode(raw)
		if derr != nil {
			return nil, derr
		}
		out[s.name] = v
	}
	return out, nil
}

// cachedSubs reads each member's own entry without triggering fetches.
// Used to report partial successes when the join itself failed: the
// members that resolved are sitting in their per-key entries.
func (cp *Composite) cachedSubs(ctx context.Context, e *Engine) map[string]any {
	out := make(map[string]any, len(cp.subs))
	for _, s := range cp.subs {
		raw := e.store.snapshot(ctx, s.key)
		if !raw.hasValue {
			continue
		}
		if v, err := s.decode(raw.payload); err == nil {
			out[s.name] = v
		}
	}
	return out
}

// Fetch returns the composed result, serving the composite's own entry
// when fresh and joining through the normal fetch path otherwise. On a
// failed join the error is a *CompositionError and the returned map still
// carries every sub that succeeded; a retained earlier join is served
// alongside the error, same as any stale entry.
func (cp *Composite) Fetch(ctx context.Context, e *Engine) (map[string]any, error) {
	k := cp.Key()
	raw, err := e.coord.request(ctx, k, cp.config(), cp.runner(e), true)
	if err != nil {
		return nil, err
	}
	if !raw.hasValue {
		if raw.err != nil {
			return cp.cachedSubs(ctx, e), raw.err
		}
		return nil, ErrUnavailable
	}
	out, derr := cp.decodeFrame(raw.payload)
	if derr != nil {
		e.store.dropPayload(ctx, k)
		e.hooks.SelfHeal(k.storage(), "decode")
		e.log.Warn("composite payload decode failed", Fields{"key": k.storage(), "err": derr})
		return cp.cachedSubs(ctx, e), derr
	}
	return out, raw.err
}

// Subscribe registers a listener for the composed entry. The join is kept
// refreshed per RefreshInterval and eagerly re-run when the composite key
// is invalidated, exactly like a subscribed source key. Read the current
// value with Fetch. Call the returned func to stop.
func (cp *Composite) Subscribe(e *Engine) (<-chan Event, func()) {
	k := cp.Key()
	sk := k.storage()
	cfg := cp.config()
	run := cp.runner(e)

	ch, unsub := e.hub.subscribe(k)
	e.registerRunner(sk, cfg, run)
	e.sched.acquire(k, cfg, cp.RefreshInterval, run)
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

// Invalidate expires the composed entry, forcing the next Fetch to re-run
// the join. Member entries are untouched; invalidate them individually or
// by Target when the underlying data moved.
func (cp *Composite) Invalidate(e *Engine) bool {
	return e.invalidateKey(cp.Key())
}
