package swr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnavailable marks a fetch that settled without producing either a
// value or an error for the caller, typically because it was superseded by
// an invalidation mid-flight. Retrying observes the new generation.
var ErrUnavailable = errors.New("swr: value unavailable")

// CompositionError aggregates the failures of a composed fetch. All
// sub-fetches run to completion before it is built (collect-all, not
// fail-fast), so it names every failed sub-key.
type CompositionError struct {
	// Failures maps sub-fetch name to the error it returned.
	Failures map[string]error
	// Total is the number of sub-fetches issued, failed or not.
	Total int
}

func (e *CompositionError) Error() string {
	names := e.Failed()
	return fmt.Sprintf("swr: composition failed for %d of %d sub-fetches: %s",
		len(e.Failures), e.Total, strings.Join(names, ", "))
}

// Failed returns the failed sub-fetch names in sorted order.
func (e *CompositionError) Failed() []string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Partial reports whether at least one sub-fetch succeeded.
func (e *CompositionError) Partial() bool { return len(e.Failures) < e.Total }

func (e *CompositionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, name := range e.Failed() {
		errs = append(errs, e.Failures[name])
	}
	return errs
}

// MutationError wraps the error of a failed mutation operation. By the time
// the caller sees it, every optimistic update has either been rolled back or
// deliberately left in place because a newer generation owns the key.
type MutationError struct {
	Name string // mutation name, may be empty
	Err  error
}

func (e *MutationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("swr: mutation failed: %v", e.Err)
	}
	return fmt.Sprintf("swr: mutation %q failed: %v", e.Name, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
