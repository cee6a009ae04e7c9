package swr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reactkit/swr/internal/wire"
	"github.com/reactkit/swr/provider/memory"
)

func newTestStore(clk *fakeClock, hooks Hooks) *store {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return newStore(memory.New(), NopLogger{}, hooks, clk.Now)
}

var testCfg = entryConfig{staleAfter: 5 * time.Second, expiration: 20 * time.Second}

// TestClassifyWindows: fresh inside staleAfter, stale inside expiration,
// expired past it.
func TestClassifyWindows(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	k := Key{Source: "user", Args: "1"}

	gen := st.ensure(k, testCfg)
	if gen != 0 {
		t.Fatalf("initial gen = %d, want 0", gen)
	}
	if accepted, _, _ := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, gen, false); !accepted {
		t.Fatal("put rejected")
	}

	for _, tc := range []struct {
		advance time.Duration
		want    class
	}{
		{3 * time.Second, classFresh},
		{4 * time.Second, classStale},  // total 7s
		{14 * time.Second, classExpired}, // total 21s
	} {
		clk.Advance(tc.advance)
		if got := st.snapshot(ctx, k).class; got != tc.want {
			t.Fatalf("at %s: class = %v, want %v", clk.Now(), got, tc.want)
		}
	}
}

// TestPutGenerationGate: stale writes are rejected, accepted writes advance
// the generation past the issue point, generations never go backwards.
func TestPutGenerationGate(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	k := Key{Source: "user", Args: "1"}

	gen := st.ensure(k, testCfg)
	accepted, _, g1 := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, gen, false)
	if !accepted || g1 != 1 {
		t.Fatalf("first put: accepted=%v gen=%d", accepted, g1)
	}

	// a result issued under the old generation is a no-op
	if accepted, _, _ := st.put(ctx, k, testCfg, []byte(`"late"`), true, nil, gen, false); accepted {
		t.Fatal("stale-generation put was accepted")
	}
	if snap := st.snapshot(ctx, k); string(snap.payload) != `"v1"` {
		t.Fatalf("payload after rejected put: %q", snap.payload)
	}

	accepted, _, g2 := st.put(ctx, k, testCfg, []byte(`"v2"`), true, nil, g1, false)
	if !accepted || g2 != g1+1 {
		t.Fatalf("second put: accepted=%v gen=%d", accepted, g2)
	}
}

// TestPutMustExist: a settlement for a removed key does not resurrect it.
func TestPutMustExist(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	k := Key{Source: "user", Args: "1"}

	gen := st.ensure(k, testCfg)
	st.clear(ctx)

	if accepted, _, _ := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, gen, true); accepted {
		t.Fatal("flight settlement recreated a cleared entry")
	}
	if st.len() != 0 {
		t.Fatalf("entries = %d, want 0", st.len())
	}

	// a mutation write may insert a never-fetched key
	if accepted, _, _ := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false); !accepted {
		t.Fatal("optimistic insert rejected")
	}
}

// TestPutContentChangeDetection: identical bytes with an unchanged error do
// not count as a change.
func TestPutContentChangeDetection(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	k := Key{Source: "user", Args: "1"}

	_, changed, g1 := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false)
	if !changed {
		t.Fatal("first write should count as changed")
	}
	_, changed, g2 := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, g1, false)
	if changed {
		t.Fatal("identical rewrite counted as changed")
	}
	if _, changed, _ = st.put(ctx, k, testCfg, []byte(`"v2"`), true, nil, g2, false); !changed {
		t.Fatal("different bytes not counted as changed")
	}
}

// TestErrorPutRetainsValue: a fetch error is recorded while the previous
// payload keeps serving.
func TestErrorPutRetainsValue(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	k := Key{Source: "user", Args: "1"}

	_, _, g1 := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false)
	boom := errors.New("upstream down")
	accepted, changed, _ := st.put(ctx, k, testCfg, nil, false, boom, g1, false)
	if !accepted || !changed {
		t.Fatalf("error put: accepted=%v changed=%v", accepted, changed)
	}

	snap := st.snapshot(ctx, k)
	if !snap.hasValue || string(snap.payload) != `"v1"` {
		t.Fatalf("payload not retained through error: %+v", snap)
	}
	if !errors.Is(snap.err, boom) {
		t.Fatalf("err = %v", snap.err)
	}
}

// TestInvalidateRetainsValue: invalidation force-expires the entry but the
// payload stays readable until replaced.
func TestInvalidateRetainsValue(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	k := Key{Source: "user", Args: "1"}

	_, _, g1 := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false)
	found, g2 := st.invalidate(k)
	if !found || g2 != g1+1 {
		t.Fatalf("invalidate: found=%v gen=%d", found, g2)
	}

	snap := st.snapshot(ctx, k)
	if snap.class != classExpired {
		t.Fatalf("class = %v, want expired", snap.class)
	}
	if !snap.hasValue || string(snap.payload) != `"v1"` {
		t.Fatalf("payload dropped on invalidate: %+v", snap)
	}
}

// TestInvalidateMatching: All targets every live key of the source, exact
// targets exactly one, other sources are untouched.
func TestInvalidateMatching(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)

	for _, k := range []Key{
		{Source: "user", Args: "1"},
		{Source: "user", Args: "2"},
		{Source: "org", Args: "1"},
	} {
		st.put(ctx, k, testCfg, []byte(`"v"`), true, nil, 0, false)
	}

	if got := st.invalidateMatching(Target{Source: "user", Args: "1"}); len(got) != 1 {
		t.Fatalf("exact target hit %d keys", len(got))
	}
	if got := st.invalidateMatching(Target{Source: "user", All: true}); len(got) != 2 {
		t.Fatalf("source target hit %d keys", len(got))
	}
	if snap := st.snapshot(ctx, Key{Source: "org", Args: "1"}); snap.class != classFresh {
		t.Fatalf("unrelated source touched: %v", snap.class)
	}
}

// TestSelfHealOnCorrupt: garbage under an engine key is deleted on read.
func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	hooks := &recHooks{}
	mp := memory.New()
	st := newStore(mp, NopLogger{}, hooks, clk.Now)
	k := Key{Source: "user", Args: "1"}

	st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false)
	mp.Set(ctx, k.storage(), []byte("not a frame"), 0, 0)

	snap := st.snapshot(ctx, k)
	if snap.hasValue {
		t.Fatalf("corrupt payload served: %+v", snap)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.healed) != 1 || hooks.healed[0] != k.storage()+"/corrupt" {
		t.Fatalf("heal hooks: %v", hooks.healed)
	}
}

// TestSelfHealOnGenMismatch: a well-formed frame under the wrong generation
// is treated as foreign and deleted.
func TestSelfHealOnGenMismatch(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	hooks := &recHooks{}
	mp := memory.New()
	st := newStore(mp, NopLogger{}, hooks, clk.Now)
	k := Key{Source: "user", Args: "1"}

	st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false)
	mp.Set(ctx, k.storage(), wire.EncodeEntry(99, []byte(`"v1"`)), 0, 0)

	snap := st.snapshot(ctx, k)
	if snap.hasValue {
		t.Fatalf("foreign payload served: %+v", snap)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.healed) != 1 || hooks.healed[0] != k.storage()+"/gen_mismatch" {
		t.Fatalf("heal hooks: %v", hooks.healed)
	}
}

// TestRestoreGenGated: a restore lands only while the key still sits at the
// generation the optimistic apply produced; afterwards it is skipped.
func TestRestoreGenGated(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	hooks := &recHooks{}
	mp := memory.New()
	st := newStore(mp, NopLogger{}, hooks, clk.Now)
	k := Key{Source: "user", Args: "1"}

	_, _, g1 := st.put(ctx, k, testCfg, []byte(`"v1"`), true, nil, 0, false)
	undo := st.snapshot(ctx, k)

	// optimistic apply
	_, _, g2 := st.put(ctx, k, testCfg, []byte(`"v2"`), true, nil, g1, false)

	if !st.restore(ctx, k, undo, g2) {
		t.Fatal("restore skipped at its own generation")
	}
	snap := st.snapshot(ctx, k)
	if string(snap.payload) != `"v1"` || snap.gen != undo.gen {
		t.Fatalf("restore result: payload=%q gen=%d", snap.payload, snap.gen)
	}

	// the key moved back to g1; a second restore against g2 must not land
	if st.restore(ctx, k, undo, g2) {
		t.Fatal("restore landed against a foreign generation")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.rollbacks) != 1 {
		t.Fatalf("rollback hooks: %v", hooks.rollbacks)
	}
}

// TestSweep: one pass removes expired and idle entries and trims to the
// entry cap, sparing referenced keys.
func TestSweep(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)

	expiredKey := Key{Source: "user", Args: "old"}
	idleKey := Key{Source: "user", Args: "idle"}
	liveKey := Key{Source: "user", Args: "live"}
	pinnedKey := Key{Source: "user", Args: "pinned"}

	st.put(ctx, expiredKey, testCfg, []byte(`"a"`), true, nil, 0, false)
	st.put(ctx, pinnedKey, testCfg, []byte(`"b"`), true, nil, 0, false)
	clk.Advance(25 * time.Second) // both now past expiration(20s)

	noExpiry := entryConfig{staleAfter: 5 * time.Second}
	st.put(ctx, idleKey, noExpiry, []byte(`"c"`), true, nil, 0, false)
	clk.Advance(10 * time.Minute) // idleKey unread for 10m
	st.put(ctx, liveKey, noExpiry, []byte(`"d"`), true, nil, 0, false)

	pinned := func(sk string) bool { return sk == pinnedKey.storage() }
	expired, unused, _ := st.sweep(ctx, 5*time.Minute, 0, pinned)
	if expired != 1 || unused != 1 {
		t.Fatalf("sweep removed expired=%d unused=%d", expired, unused)
	}
	if snap := st.snapshot(ctx, expiredKey); snap.exists {
		t.Fatal("expired entry survived sweep")
	}
	if snap := st.snapshot(ctx, idleKey); snap.exists {
		t.Fatal("idle entry survived sweep")
	}
	if snap := st.snapshot(ctx, pinnedKey); !snap.exists {
		t.Fatal("referenced entry was swept")
	}
	if snap := st.snapshot(ctx, liveKey); !snap.exists {
		t.Fatal("live entry was swept")
	}
}

// TestSweepEntryCap: over the cap, the least recently used unreferenced
// entries go first.
func TestSweepEntryCap(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	st := newTestStore(clk, nil)
	cfg := entryConfig{}

	for _, args := range []string{"1", "2", "3", "4"} {
		st.put(ctx, Key{Source: "user", Args: args}, cfg, []byte(`"v"`), true, nil, 0, false)
		clk.Advance(time.Second)
	}
	// touch "1" so "2" becomes the oldest
	st.snapshot(ctx, Key{Source: "user", Args: "1"})

	_, _, evicted := st.sweep(ctx, 0, 3, func(string) bool { return false })
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if snap := st.snapshot(ctx, Key{Source: "user", Args: "2"}); snap.exists {
		t.Fatal("LRU entry survived the cap")
	}
	if snap := st.snapshot(ctx, Key{Source: "user", Args: "1"}); !snap.exists {
		t.Fatal("recently read entry was evicted")
	}
}
