package codec

import (
	"strings"
	"testing"
)

type payload struct {
	ID   string `json:"id" msgpack:"id"`
	Tags []int  `json:"tags" msgpack:"tags"`
}

func TestLimitCodecRejectsOversized(t *testing.T) {
	lc := LimitCodec[payload]{Inner: JSON[payload]{}, MaxDecode: 8}

	big, err := lc.Encode(payload{ID: "way-over-eight-bytes"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := lc.Decode(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("Decode oversized: err=%v", err)
	}

	// disabled limit passes through
	lc.MaxDecode = 0
	if _, err := lc.Decode(big); err != nil {
		t.Fatalf("Decode with limit disabled: %v", err)
	}
}

func TestCBORDeterministicStable(t *testing.T) {
	c := MustCBOR[map[string]int](true)
	v := map[string]int{"b": 2, "a": 1, "c": 3}

	first, err := c.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := c.Encode(v)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("deterministic encode diverged on run %d", i)
		}
	}

	got, err := c.Decode(first)
	if err != nil || got["b"] != 2 {
		t.Fatalf("Decode: %v %v", got, err)
	}
}

func TestRawCodecsIdentity(t *testing.T) {
	b, err := Bytes{}.Encode([]byte{0x00, 0xff})
	if err != nil || string(b) != "\x00\xff" {
		t.Fatalf("Bytes encode: %v %v", b, err)
	}
	s, err := String{}.Decode([]byte("héllo"))
	if err != nil || s != "héllo" {
		t.Fatalf("String decode: %q %v", s, err)
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	c := Msgpack[payload]{}
	in := payload{ID: "p1", Tags: []int{3, 1}}

	raw, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID != in.ID || len(out.Tags) != 2 {
		t.Fatalf("round trip: %+v", out)
	}
}
