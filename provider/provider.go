// Package provider defines the byte-store abstraction holding value payloads.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended
// metadata, no re-encoding, no mutation). The engine frames every payload
// with its generation; foreign bytes under engine keys are treated as
// corruption and deleted.
//
// The engine tolerates lossy providers: an entry evicted under pressure is
// observed as a cache miss and refetched, freshness metadata lives with the
// engine, not the store.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with optional TTL support.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (0 = no TTL). May ignore cost if
	// unsupported. Returns ok=false when the store rejected the write under
	// pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
