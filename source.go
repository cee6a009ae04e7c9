package swr

import (
	"context"
	"time"

	c "github.com/reactkit/swr/codec"
)

// Source describes a data source: how to fetch a T for arguments A, how to
// turn A into a cache key fragment, and the freshness windows its entries
// live under. Only Name and Fetch are required.
//
// A Source is a plain descriptor; it holds no state and may be shared
// freely across engines and goroutines.
type Source[A, T any] struct {
	// Name is the stable identity of the source. Two sources must not share
	// a name unless they are the same source.
	Name string

	// Fetch loads the value for args. It should honor ctx cancellation, but
	// correctness does not depend on it: a superseded fetch result is
	// discarded by the generation gate.
	Fetch func(ctx context.Context, args A) (T, error)

	// Keyer encodes args into a deterministic key fragment.
	// Nil => JSON encoding of args.
	Keyer func(args A) string

	// Codec serializes values for storage. Nil => codec.JSON[T].
	Codec c.Codec[T]

	// StaleAfter is the window after which a cached value is served but
	// revalidated in the background. 0 => never stale.
	StaleAfter time.Duration

	// Expiration is the window after which a cached value no longer counts
	// as usable and a request blocks behind a refetch. 0 => never expires
	// (cache until invalidated).
	Expiration time.Duration

	// RefreshInterval re-fetches the key periodically while at least one
	// subscriber holds it. 0 => no background refresh.
	RefreshInterval time.Duration
}

// KeyOf returns the cache key for args.
func (s *Source[A, T]) KeyOf(args A) Key {
	if s.Keyer != nil {
		return Key{Source: s.Name, Args: s.Keyer(args)}
	}
	return Key{Source: s.Name, Args: encodeArgs(args)}
}

func (s *Source[A, T]) codec() c.Codec[T] {
	if s.Codec != nil {
		return s.Codec
	}
	return c.JSON[T]{}
}

func (s *Source[A, T]) config() entryConfig {
	return entryConfig{staleAfter: s.StaleAfter, expiration: s.Expiration}
}

func (s *Source[A, T]) mustValid() {
	if s.Name == "" {
		panic("swr: source has no name")
	}
	if s.Fetch == nil {
		panic("swr: source " + s.Name + " has no fetch function")
	}
}

// runner adapts the typed fetch into the coordinator's untyped shape: the
// decoded value travels alongside its encoding so waiters skip a decode.
func (s *Source[A, T]) runner(args A) fetchRunner {
	codec := s.codec()
	fetch := s.Fetch
	return func(ctx context.Context) (any, []byte, error) {
		v, err := fetch(ctx, args)
		if err != nil {
			return nil, nil, err
		}
		payload, encErr := codec.Encode(v)
		if encErr != nil {
			return nil, nil, encErr
		}
		return v, payload, nil
	}
}
