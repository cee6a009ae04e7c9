package keys

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// maxArgsLen bounds the literal argument fragment embedded in a storage key.
// Longer fragments are replaced by a short digest so storage keys stay cheap
// to hash and compare regardless of argument size.
const maxArgsLen = 64

// Storage returns the storage key for a (source, encoded args) pair. The
// source name is length-prefixed so no (source, args) split is ambiguous:
// ("a:b", "c") and ("a", "b:c") map to distinct keys. Literal fragments
// follow a ':', digested ones a '#', so an argument that happens to look
// like a digest cannot collide with one either. Short argument fragments
// are embedded verbatim to keep keys debuggable.
func Storage(source, args string) string {
	p := strconv.Itoa(len(source)) + "!" + source
	if len(args) <= maxArgsLen {
		return p + ":" + args
	}
	sum := blake2b.Sum256([]byte(args))
	return p + "#" + hex.EncodeToString(sum[:8])
}
