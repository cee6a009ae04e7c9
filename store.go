package swr

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactkit/swr/internal/wire"
	"github.com/reactkit/swr/provider"
)

// class is the freshness classification of an entry at a point in time.
type class uint8

const (
	classMissing class = iota
	classFresh
	classStale
	classExpired
)

func (c class) String() string {
	switch c {
	case classMissing:
		return "missing"
	case classFresh:
		return "fresh"
	case classStale:
		return "stale"
	case classExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type entryConfig struct {
	staleAfter time.Duration
	expiration time.Duration
}

// entry is the per-key metadata record. The value payload itself lives in
// the Provider under the same storage key; err, timestamps and generations
// stay in-process. cachedAt zero means force-expired (invalidated with the
// value retained for display).
type entry struct {
	key        Key
	cfg        entryConfig
	gen        uint64 // generation of the last accepted write; only increases
	payloadGen uint64 // generation the stored payload was framed under
	cachedAt   time.Time
	hasValue   bool
	err        error
	lastAccess time.Time
}

// rawSnapshot is the untyped copy handed to the coordinator and the typed
// API layer. payload is nil when no value is retained.
type rawSnapshot struct {
	exists     bool
	payload    []byte
	payloadGen uint64
	hasValue   bool
	err        error
	cachedAt   time.Time
	gen        uint64
	class      class
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// store is the authoritative keyed storage. All mutation of a key's entry is
// linearized through its mutex; the provider is only ever touched while it
// is held, which keeps payload and metadata consistent without per-key
// locking (providers are in-process and cheap).
type store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	provider provider.Provider

	log   Logger
	hooks Hooks
	now   func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newStore(p provider.Provider, log Logger, hooks Hooks, now func() time.Time) *store {
	return &store{
		entries:  make(map[string]*entry),
		provider: p,
		log:      log,
		hooks:    hooks,
		now:      now,
	}
}

// ensure creates the (empty, loading) entry on first request for a key and
// returns the current generation, which is the generation fetches for the
// key are issued under.
func (s *store) ensure(k Key, cfg entryConfig) uint64 {
	sk := k.storage()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sk]
	if !ok {
		e = &entry{key: k, cfg: cfg, lastAccess: s.now()}
		s.entries[sk] = e
	} else {
		e.cfg = cfg
	}
	return e.gen
}

func (s *store) classify(e *entry, now time.Time) class {
	if e == nil || (!e.hasValue && e.err == nil) {
		return classMissing
	}
	if e.cachedAt.IsZero() {
		return classExpired // invalidated; value retained for display only
	}
	age := now.Sub(e.cachedAt)
	if e.cfg.expiration > 0 && age >= e.cfg.expiration {
		return classExpired
	}
	if e.cfg.staleAfter > 0 && age >= e.cfg.staleAfter {
		return classStale
	}
	return classFresh
}

// snapshot returns a non-blocking copy of the key's stored state. It never
// triggers a fetch. Payload bytes framed under an unexpected generation are
// self-healed (deleted) and reported as missing.
func (s *store) snapshot(ctx context.Context, k Key) rawSnapshot {
	sk := k.storage()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sk]
	if !ok {
		s.misses.Add(1)
		return rawSnapshot{class: classMissing}
	}
	e.lastAccess = s.now()

	snap := rawSnapshot{
		exists:   true,
		hasValue: e.hasValue,
		err:      e.err,
		cachedAt: e.cachedAt,
		gen:      e.gen,
	}
	if e.hasValue {
		raw, ok, err := s.provider.Get(ctx, sk)
		if err != nil || !ok {
			// evicted under pressure or store error: value is gone
			e.hasValue = false
			snap.hasValue = false
		} else {
			gen, payload, derr := wire.DecodeEntry(raw)
			switch {
			case derr != nil:
				_ = s.provider.Del(ctx, sk)
				s.hooks.SelfHeal(sk, "corrupt")
				e.hasValue = false
				snap.hasValue = false
			case gen != e.payloadGen:
				_ = s.provider.Del(ctx, sk)
				s.hooks.SelfHeal(sk, "gen_mismatch")
				e.hasValue = false
				snap.hasValue = false
			default:
				snap.payload = payload
				snap.payloadGen = gen
			}
		}
	}
	snap.class = s.classify(e, s.now())
	if snap.hasValue {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return snap
}

// currentGen returns the stored generation for a key; missing => 0.
func (s *store) currentGen(k Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k.storage()]; ok {
		return e.gen
	}
	return 0
}

// put records a write issued under gen. Accepted iff gen >= the stored
// generation; an accepted put advances the stored generation past gen, so
// every fetch issued earlier is discarded by its own put. hasValue=false
// records a fetch error while retaining the previous value.
//
// mustExist rejects the write when the entry is gone. Flight settlements
// pass it so a key removed by Clear or the sweeper stays removed; mutations
// do not, an optimistic write may insert a key that was never fetched.
//
// Returns whether the write was accepted, whether observable content
// (value bytes or error) actually changed, and the new stored generation.
func (s *store) put(ctx context.Context, k Key, cfg entryConfig, payload []byte, hasValue bool, ferr error, gen uint64, mustExist bool) (accepted, changed bool, newGen uint64) {
	sk := k.storage()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sk]
	if !ok {
		if mustExist {
			return false, false, 0
		}
		e = &entry{key: k, lastAccess: s.now()}
		s.entries[sk] = e
	}
	if gen < e.gen {
		return false, false, e.gen
	}

	changed = errString(e.err) != errString(ferr)
	if hasValue {
		if !e.hasValue {
			changed = true
		} else if old, ok, err := s.provider.Get(ctx, sk); err == nil && ok {
			if _, oldPayload, derr := wire.DecodeEntry(old); derr != nil || !bytes.Equal(oldPayload, payload) {
				changed = true
			}
		} else {
			changed = true
		}
	}

	e.cfg = cfg
	e.gen = gen + 1
	e.cachedAt = s.now()
	e.err = ferr
	if hasValue {
		e.hasValue = true
		e.payloadGen = e.gen
		ok, err := s.provider.Set(ctx, sk, wire.EncodeEntry(e.gen, payload), int64(len(payload)), 0)
		if err != nil {
			s.log.Warn("provider set failed", Fields{"key": sk, "err": err})
			e.hasValue = false
		} else if !ok {
			s.hooks.ProviderSetRejected(sk)
			e.hasValue = false
		}
	}
	return true, changed, e.gen
}

// restore puts back a previously captured snapshot. It is generation-gated:
// the restore only happens while the key is still at appliedGen, i.e. the
// generation the optimistic apply produced. Anything newer wins and the
// restore is skipped.
func (s *store) restore(ctx context.Context, k Key, snap rawSnapshot, appliedGen uint64) bool {
	sk := k.storage()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sk]
	if !ok || e.gen != appliedGen {
		s.hooks.RollbackSkipped(sk)
		return false
	}

	e.gen = snap.gen
	e.cachedAt = snap.cachedAt
	e.err = snap.err
	e.hasValue = snap.hasValue
	e.payloadGen = snap.payloadGen
	if snap.hasValue {
		if ok, err := s.provider.Set(ctx, sk, wire.EncodeEntry(snap.payloadGen, snap.payload), int64(len(snap.payload)), 0); err != nil || !ok {
			e.hasValue = false
		}
	} else {
		_ = s.provider.Del(ctx, sk)
	}
	if !snap.exists {
		delete(s.entries, sk)
		_ = s.provider.Del(ctx, sk)
	}
	return true
}

// invalidate bumps the generation (discarding any in-flight fetch result)
// and forces the entry to classify Expired while retaining the last value
// for display during the refetch. Reports whether an entry existed and the
// new generation.
func (s *store) invalidate(k Key) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.storage()]
	if !ok {
		return false, 0
	}
	e.gen++
	e.cachedAt = time.Time{}
	return true, e.gen
}

// invalidateMatching applies a Target across live entries and returns the
// affected keys. Per-key atomicity only; subscribers may observe the
// invalidation of different keys at different instants.
func (s *store) invalidateMatching(t Target) []Key {
	s.mu.Lock()
	var hit []Key
	for _, e := range s.entries {
		if t.matches(e.key) {
			e.gen++
			e.cachedAt = time.Time{}
			hit = append(hit, e.key)
		}
	}
	s.mu.Unlock()
	return hit
}

// clear removes every entry and its payload. Returns the removed keys so
// subscribers can be notified.
func (s *store) clear(ctx context.Context) []Key {
	s.mu.Lock()
	removed := make([]Key, 0, len(s.entries))
	for sk, e := range s.entries {
		removed = append(removed, e.key)
		_ = s.provider.Del(ctx, sk)
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	return removed
}

// dropPayload discards a key's stored value while keeping the entry. Used
// when the typed layer finds bytes its codec cannot decode.
func (s *store) dropPayload(ctx context.Context, k Key) {
	sk := k.storage()
	s.mu.Lock()
	if e, ok := s.entries[sk]; ok {
		e.hasValue = false
		_ = s.provider.Del(ctx, sk)
	}
	s.mu.Unlock()
}

// drop removes a single entry and its payload. Caller side of sweep.
func (s *store) dropLocked(ctx context.Context, sk string) {
	delete(s.entries, sk)
	_ = s.provider.Del(ctx, sk)
}

// sweep bounds memory: it removes fully expired entries, entries idle past
// unusedAfter, and (in LRU order) enough entries to respect maxEntries.
// referenced reports keys that must survive (live subscriber or in-flight
// fetch); it runs with the store lock held and must not take any lock the
// fetch path nests the store's under.
func (s *store) sweep(ctx context.Context, unusedAfter time.Duration, maxEntries int, referenced func(string) bool) (expired, unused, evicted int) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for sk, e := range s.entries {
		if referenced(sk) {
			continue
		}
		if e.cfg.expiration > 0 && !e.cachedAt.IsZero() && now.Sub(e.cachedAt) >= e.cfg.expiration {
			s.dropLocked(ctx, sk)
			expired++
			continue
		}
		if unusedAfter > 0 && now.Sub(e.lastAccess) >= unusedAfter {
			s.dropLocked(ctx, sk)
			unused++
		}
	}

	if maxEntries > 0 && len(s.entries) > maxEntries {
		type cand struct {
			sk   string
			last time.Time
		}
		cands := make([]cand, 0, len(s.entries))
		for sk, e := range s.entries {
			if !referenced(sk) {
				cands = append(cands, cand{sk, e.lastAccess})
			}
		}
		// oldest first
		for i := 1; i < len(cands); i++ {
			for j := i; j > 0 && cands[j].last.Before(cands[j-1].last); j-- {
				cands[j], cands[j-1] = cands[j-1], cands[j]
			}
		}
		for _, c := range cands {
			if len(s.entries) <= maxEntries {
				break
			}
			s.dropLocked(ctx, c.sk)
			evicted++
		}
	}
	return expired, unused, evicted
}

func (s *store) stats() Stats {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	return Stats{Entries: n, Hits: s.hits.Load(), Misses: s.misses.Load()}
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
