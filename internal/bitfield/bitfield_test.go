package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nBits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.nBits)
		if got := len(bf.Bytes()); got != tc.wantBytes {
			t.Fatalf("New(%d) bytes = %d; want %d", tc.nBits, got, tc.wantBytes)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10) // 2 bytes

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("Has out-of-range should be false")
	}

	idxs := []int{0, 7, 8, 9}
	for _, i := range idxs {
		bf.Set(i)
	}
	for _, i := range idxs {
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}

	bf.Clear(7)
	if bf.Has(7) {
		t.Fatalf("bit 7 should be cleared")
	}

	bf.Set(100)
	bf.Clear(-42)
	for _, i := range []int{0, 8, 9} {
		if !bf.Has(i) {
			t.Fatalf("bit %d unexpectedly cleared by OOB ops", i)
		}
	}
}

func TestFromBytesAndToBytesIndependence(t *testing.T) {
	src := []byte{0xFF, 0x00}
	bf, ok := FromBytes(src, 16)
	if !ok {
		t.Fatalf("FromBytes rejected a valid bitfield")
	}

	src[0] = 0x00
	if !bf.Has(0) {
		t.Fatalf("FromBytes must copy input, not alias it")
	}

	out := bf.Bytes()
	out[1] = 0xAA
	if bf.Has(15) {
		t.Fatalf("Bytes must return a copy, not alias")
	}
}

func TestFromBytes_RejectsSetPadBits(t *testing.T) {
	// n=10 needs 2 bytes; bits 10..15 are pad and must be zero.
	if _, ok := FromBytes([]byte{0xFF, 0xFF}, 10); ok {
		t.Fatalf("expected rejection of a bitfield with set pad bits")
	}
	if _, ok := FromBytes([]byte{0xFF, 0xC0}, 10); !ok {
		t.Fatalf("expected acceptance when only real bits are set")
	}
}

func TestFromBytes_RejectsWrongLength(t *testing.T) {
	if _, ok := FromBytes([]byte{0xFF}, 10); ok {
		t.Fatalf("expected rejection of mismatched byte length")
	}
}

func TestStringRepresentation(t *testing.T) {
	bf, ok := FromBytes([]byte{0xA5, 0x01}, 16) // 1010 0101 0000 0001
	if !ok {
		t.Fatalf("FromBytes rejected valid input")
	}
	got := bf.String()
	want := "1010010100000001"
	if got != want {
		t.Fatalf("String() = %q; want %q", got, want)
	}
}

func TestCountAndEquals(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	bf.Set(2)
	bf.Set(3)
	bf.Set(8)

	if got := bf.Count(); got != 4 {
		t.Fatalf("Count() = %d; want %d", got, 4)
	}

	same, ok := FromBytes(bf.Bytes(), 10)
	if !ok || !bf.Equals(same) {
		t.Fatalf("Equals should report identical contents")
	}

	diff, ok := FromBytes(bf.Bytes(), 10)
	if !ok {
		t.Fatalf("FromBytes rejected valid input")
	}
	diff.Set(9)
	if bf.Equals(diff) {
		t.Fatalf("Equals should detect difference")
	}
}

func TestAll_IgnoresPadBits(t *testing.T) {
	// 10 pieces -> 2 bytes, with 6 pad bits in the last byte. All() must be
	// true once bits 0..9 are set, even though the pad bits leave the byte
	// below 0xFF.
	bf := New(10)
	for i := 0; i < 10; i++ {
		bf.Set(i)
	}

	if !bf.All() {
		t.Fatalf("All() = false for a bitfield with every real bit set")
	}

	bf.Clear(5)
	if bf.All() {
		t.Fatalf("All() = true after clearing a real bit")
	}
}
