// Package codec defines the value (de)serialization boundary of the engine.
// Values cross into the cache as bytes; the codec used at write time must be
// the codec used at read time, a mismatch is a programming error.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
