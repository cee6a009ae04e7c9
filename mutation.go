package swr

import (
	"context"
)

// Patch is an optimistic edit of one cached key, type-erased so a mutation
// can touch keys of any source. Build one with PatchFor.
type Patch struct {
	key   Key
	cfg   entryConfig
	apply func(payload []byte, hasValue bool) ([]byte, error)
}

// PatchFor builds a Patch against (src, args). fn receives the current
// cached value (zero value and has=false when none) and returns the
// optimistic replacement. The transform runs on the encoded payload under
// the source's codec, so patched bytes round-trip exactly like fetched
// ones.
func PatchFor[A, T any](src *Source[A, T], args A, fn func(cur T, has bool) T) Patch {
	src.mustValid()
	cod := src.codec()
	return Patch{
		key: src.KeyOf(args),
		cfg: src.config(),
		apply: func(payload []byte, hasValue bool) ([]byte, error) {
			var cur T
			if hasValue {
				v, err := cod.Decode(payload)
				if err != nil {
					return nil, err
				}
				cur = v
			}
			return cod.Encode(fn(cur, hasValue))
		},
	}
}

// TargetOf selects one exact key of a source for invalidation.
func TargetOf[A, T any](src *Source[A, T], args A) Target {
	k := src.KeyOf(args)
	return Target{Source: k.Source, Args: k.Args}
}

// TargetAll selects every live key of a source.
func TargetAll[A, T any](src *Source[A, T]) Target {
	return Target{Source: src.Name, All: true}
}

// Adoption routes a mutation's result value into a cached key, saving the
// refetch when the server response already is the new canonical value.
type Adoption[T any] struct {
	key    Key
	cfg    entryConfig
	encode func(T) ([]byte, error)
}

// AdoptFor builds the adoption of a mutation result of type T into
// (src, args).
func AdoptFor[A, T any](src *Source[A, T], args A) *Adoption[T] {
	src.mustValid()
	cod := src.codec()
	return &Adoption[T]{key: src.KeyOf(args), cfg: src.config(), encode: cod.Encode}
}

// MutationSpec describes one write operation against the upstream plus its
// cache effects: optimistic patches applied before the operation runs,
// targets invalidated after it succeeds, and optionally the adoption of the
// result into a key.
type MutationSpec[T any] struct {
	// Name tags errors and log lines. Optional.
	Name string

	// Operation performs the write. Required.
	Operation func(ctx context.Context) (T, error)

	// Patches are applied optimistically before Operation runs and rolled
	// back if it fails.
	Patches []Patch

	// Invalidates are applied after Operation succeeds.
	Invalidates []Target

	// AdoptInto, when set, writes the operation's result into a key
	// instead of waiting for its refetch.
	AdoptInto *Adoption[T]
}

// appliedPatch remembers what an optimistic apply did, for rollback.
type appliedPatch struct {
	key        Key
	undo       rawSnapshot
	appliedGen uint64
}

// Mutate runs spec against e: apply patches, run the operation, then adopt
// and invalidate on success or roll the patches back on failure.
//
// Rollback is generation-gated per key: a patch is only undone while the
// key still sits at the generation the optimistic apply produced. Any write
// accepted in between (a newer mutation, an accepted fetch) wins and the
// rollback for that key is skipped. Keys whose rollback was skipped are
// invalidated instead so they reconverge by refetch.
func Mutate[T any](ctx context.Context, e *Engine, spec MutationSpec[T]) (T, error) {
	var zero T
	if spec.Operation == nil {
		panic("swr: mutation " + spec.Name + " has no operation")
	}

	applied := make([]appliedPatch, 0, len(spec.Patches))
	for _, p := range spec.Patches {
		sk := p.key.storage()
		undo := e.store.snapshot(ctx, p.key)
		payload, err := p.apply(undo.payload, undo.hasValue)
		if err != nil {
			e.log.Warn("optimistic patch skipped", Fields{"key": sk, "mutation": spec.Name, "err": err})
			continue
		}
		accepted, changed, gen := e.store.put(ctx, p.key, p.cfg, payload, true, nil, undo.gen, false)
		if !accepted {
			continue
		}
		applied = append(applied, appliedPatch{key: p.key, undo: undo, appliedGen: gen})
		if changed {
			snap := e.store.snapshot(ctx, p.key)
			e.hub.publish(Event{Key: p.key, Status: e.coord.status(snap, sk), Generation: gen, Reason: ReasonOptimistic, At: e.opts.Clock()})
		}
	}

	result, err := spec.Operation(ctx)
	if err != nil {
		for i := len(applied) - 1; i >= 0; i-- {
			a := applied[i]
			if e.store.restore(ctx, a.key, a.undo, a.appliedGen) {
				snap := e.store.snapshot(ctx, a.key)
				e.hub.publish(Event{Key: a.key, Status: e.coord.status(snap, a.key.storage()), Generation: snap.gen, Reason: ReasonRollback, At: e.opts.Clock()})
			} else {
				// a newer write owns the key now; resync it instead
				e.invalidateKey(a.key)
			}
		}
		return zero, &MutationError{Name: spec.Name, Err: err}
	}

	if ad := spec.AdoptInto; ad != nil {
		payload, encErr := ad.encode(result)
		if encErr != nil {
			e.log.Warn("adoption encode failed", Fields{"key": ad.key.storage(), "mutation": spec.Name, "err": encErr})
		} else {
			gen := e.store.currentGen(ad.key)
			if accepted, changed, newGen := e.store.put(ctx, ad.key, ad.cfg, payload, true, nil, gen, false); accepted && changed {
				sk := ad.key.storage()
				snap := e.store.snapshot(ctx, ad.key)
				e.hub.publish(Event{Key: ad.key, Status: e.coord.status(snap, sk), Generation: newGen, Reason: ReasonMutation, At: e.opts.Clock()})
			}
		}
	}
	for _, t := range spec.Invalidates {
		e.invalidateTarget(t)
	}
	return result, nil
}
