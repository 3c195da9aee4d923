package quicwire

import (
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, MaxVarint}
	for _, v := range values {
		enc := AppendVarint(nil, v)
		if len(enc) != VarintLen(v) {
			t.Fatalf("length mismatch for %d: got %d, want %d", v, len(enc), VarintLen(v))
		}
		got, n := ConsumeVarint(append(enc, 0xFF, 0xFF))
		if n != len(enc) {
			t.Fatalf("consumed %d bytes for %d, want %d", n, v, len(enc))
		}
		if got != v {
			t.Fatalf("decoded %d, want %d", got, v)
		}
	}
}

func TestConsumeVarintTruncated(t *testing.T) {
	enc := AppendVarint(nil, 16384)
	if _, n := ConsumeVarint(enc[:1]); n >= 0 {
		t.Fatal("expected truncated varint to fail")
	}
	if _, n := ConsumeVarint(nil); n >= 0 {
		t.Fatal("expected empty input to fail")
	}
}
