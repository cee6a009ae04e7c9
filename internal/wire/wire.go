package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("swr: corrupt entry")
	magic4     = [...]byte{'S', 'W', 'R', 'E'}
)

// Entry frame: magic(4) | ver(1) | gen(u64 be) | vlen(u32 be) | payload(vlen)
//
// The generation is embedded in the stored bytes so a payload surviving in
// the provider across an engine-side generation bump is detected on read and
// self-healed instead of being served.
func EncodeEntry(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeEntry(b []byte) (gen uint64, payload []byte, err error) {
	const hdr = 4 + 1 + 8 + 4
	if len(b) < hdr || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return 0, nil, ErrCorrupt
	}

	off := 5

	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // strict framing, no trailing bytes
		return 0, nil, ErrCorrupt
	}

	return gen, b[off : off+vlen], nil
}
