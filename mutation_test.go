package swr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// TestMutateOptimisticRollback: the patch is visible while the operation
// runs and fully undone when it fails.
func TestMutateOptimisticRollback(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, nil)

	var calls atomic.Int32
	src := userSource("user", &calls, func(id string) (user, error) {
		return user{ID: id, Name: "Ada"}, nil
	})
	if _, err := Fetch(ctx, e, src, "1"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	before := Get(e, src, "1")

	boom := errors.New("rejected by upstream")
	_, err := Mutate(ctx, e, MutationSpec[user]{
		Name: "rename",
		Patches: []Patch{
			PatchFor(src, "1", func(cur user, has bool) user {
				cur.Name = "Grace"
				return cur
			}),
		},
		Operation: func(ctx context.Context) (user, error) {
			// optimistic value must be visible mid-operation
			if got := Get(e, src, "1"); got.Value.Name != "Grace" {
				t.Errorf("mid-operation value = %q, want optimistic", got.Value.Name)
			}
			return user{}, boom
		},
	})

	var merr *MutationError
	if !errors.As(err, &merr) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want MutationError wrapping cause", err)
	}
	if merr.Name != "rename" {
		t.Fatalf("mutation name = %q", merr.Name)
	}

	after := Get(e, src, "1")
	if after.Value != before.Value || after.Generation != before.Generation {
		t.Fatalf("rollback incomplete: before=%+v after=%+v", before, after)
	}
	if calls.Load() != 1 {
		t.Fatalf("rollback caused a refetch: calls=%d", calls.Load())
	}
}

// TestMutateRollbackSkippedWhenSuperseded: a write accepted between apply
// and rollback owns the key; the rollback is skipped and the key resyncs by
// invalidation instead of resurrecting the old value.
func TestMutateRollbackSkippedWhenSuperseded(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	e := newTestEngine(t, nil, hooks)

	var calls atomic.Int32
	src := userSource("user", &calls, func(id string) (user, error) {
		return user{ID: id, Name: "Ada"}, nil
	})
	if _, err := Fetch(ctx, e, src, "1"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	boom := errors.New("rejected")
	_, err := Mutate(ctx, e, MutationSpec[user]{
		Patches: []Patch{
			PatchFor(src, "1", func(cur user, _ bool) user {
				cur.Name = "Grace"
				return cur
			}),
		},
		Operation: func(ctx context.Context) (user, error) {
			// supersede the optimistic generation mid-operation
			Invalidate(e, src, "1")
			return user{}, boom
		},
	})
	if err == nil {
		t.Fatal("mutation error expected")
	}

	got := Get(e, src, "1")
	if got.HasValue && got.Value.Name == "Ada" && got.Status == StatusFresh {
		t.Fatalf("rollback resurrected a superseded value: %+v", got)
	}
	hooks.mu.Lock()
	nRollbacks := len(hooks.rollbacks)
	hooks.mu.Unlock()
	if nRollbacks != 1 {
		t.Fatalf("rollback-skipped hooks = %d, want 1", nRollbacks)
	}
}

// TestMutateAdoption: the operation result lands in the cache directly, no
// refetch.
func TestMutateAdoption(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, nil)

	var calls atomic.Int32
	src := userSource("user", &calls, func(id string) (user, error) {
		return user{ID: id, Name: "Ada"}, nil
	})
	if _, err := Fetch(ctx, e, src, "1"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got, err := Mutate(ctx, e, MutationSpec[user]{
		Name: "rename",
		Operation: func(ctx context.Context) (user, error) {
			return user{ID: "1", Name: "Grace"}, nil
		},
		AdoptInto: AdoptFor(src, "1"),
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if got.Name != "Grace" {
		t.Fatalf("result = %+v", got)
	}

	snap := Get(e, src, "1")
	if snap.Value.Name != "Grace" || snap.Status != StatusFresh {
		t.Fatalf("adopted value not cached: %+v", snap)
	}
	if calls.Load() != 1 {
		t.Fatalf("adoption caused a refetch: calls=%d", calls.Load())
	}
}

// TestMutateInvalidates: listed targets are expired after the operation
// succeeds.
func TestMutateInvalidates(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	e := newTestEngine(t, clk, nil)

	var userCalls, listCalls atomic.Int32
	users := userSource("user", &userCalls, func(id string) (user, error) {
		return user{ID: id, Name: "Ada"}, nil
	})
	lists := userSource("user-list", &listCalls, func(id string) (user, error) {
		return user{ID: id, Name: "all"}, nil
	})
	if _, err := Fetch(ctx, e, users, "1"); err != nil {
		t.Fatalf("Fetch users: %v", err)
	}
	if _, err := Fetch(ctx, e, lists, "page-1"); err != nil {
		t.Fatalf("Fetch lists: %v", err)
	}

	_, err := Mutate(ctx, e, MutationSpec[user]{
		Operation: func(ctx context.Context) (user, error) {
			return user{ID: "1", Name: "Grace"}, nil
		},
		AdoptInto:   AdoptFor(users, "1"),
		Invalidates: []Target{TargetAll(lists)},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// the list key is force-expired; its next read refetches
	waitUntil(t, "list refetch", func() bool {
		Get(e, lists, "page-1")
		return listCalls.Load() >= 2
	})
	if snap := Get(e, users, "1"); snap.Value.Name != "Grace" {
		t.Fatalf("adopted key lost its value: %+v", snap)
	}
}
