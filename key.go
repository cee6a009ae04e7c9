package swr

import (
	"encoding/json"
	"fmt"

	"github.com/reactkit/swr/internal/keys"
)

// Key identifies a cached value: a source name plus the deterministic
// encoding of the arguments it was fetched with. Keys are compared by
// equality only; the store never holds two live entries for the same key.
type Key struct {
	Source string
	Args   string
}

func (k Key) String() string { return k.Source + "(" + k.Args + ")" }

// storage returns the string the entry is filed under, digest-shortened for
// oversized argument encodings.
func (k Key) storage() string { return keys.Storage(k.Source, k.Args) }

// Target selects keys for invalidation: one exact key, or every live key of
// a source when All is set.
type Target struct {
	Source string
	Args   string
	All    bool
}

func (t Target) matches(k Key) bool {
	if t.Source != k.Source {
		return false
	}
	return t.All || t.Args == k.Args
}

// encodeArgs is the default argument encoder: JSON. Deterministic and
// order-preserving for structs, slices and scalars; arguments containing
// maps need a custom Keyer on the Source for stable encoding.
func encodeArgs(args any) string {
	b, err := json.Marshal(args)
	if err != nil {
		// fall back to the verbose fmt form; still deterministic for
		// anything json chokes on (chans, funcs are misuse anyway)
		return fmt.Sprintf("%+v", args)
	}
	return string(b)
}
