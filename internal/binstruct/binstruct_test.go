package binstruct

import "testing"

func TestUintAtDecoders(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}

	if got, want := Uint8At(b, 2), uint8(0x03); got != want {
		t.Fatalf("Uint8At = %#x, want %#x", got, want)
	}
	if got, want := Uint16At(b, 0), uint16(0x0201); got != want {
		t.Fatalf("Uint16At = %#x, want %#x", got, want)
	}
	if got, want := Uint24At(b, 0), uint32(0x030201); got != want {
		t.Fatalf("Uint24At = %#x, want %#x", got, want)
	}
	if got, want := Uint32At(b, 0), uint32(0x04030201); got != want {
		t.Fatalf("Uint32At = %#x, want %#x", got, want)
	}
	if got, want := Uint64At(b, 0), uint64(0x0807060504030201); got != want {
		t.Fatalf("Uint64At = %#x, want %#x", got, want)
	}
}

func TestPutUintAtRoundTrips(t *testing.T) {
	b := make([]byte, 8)

	PutUint16At(b, 0, 0xbeef)
	if got := Uint16At(b, 0); got != 0xbeef {
		t.Fatalf("PutUint16At round trip = %#x, want 0xbeef", got)
	}

	PutUint32At(b, 0, 0xdeadbeef)
	if got := Uint32At(b, 0); got != 0xdeadbeef {
		t.Fatalf("PutUint32At round trip = %#x, want 0xdeadbeef", got)
	}

	PutUint64At(b, 0, 0x0123456789abcdef)
	if got := Uint64At(b, 0); got != 0x0123456789abcdef {
		t.Fatalf("PutUint64At round trip = %#x, want 0x0123456789abcdef", got)
	}
}

func TestBitIsSet(t *testing.T) {
	raw := []byte{0b00000101} // bits 0 and 2 set
	cases := map[uint64]bool{0: true, 1: false, 2: true, 3: false}
	for bit, want := range cases {
		if got := BitIsSet(raw, bit); got != want {
			t.Fatalf("BitIsSet(%d) = %v, want %v", bit, got, want)
		}
	}
}

func TestNewBitSetFromBytesMatchesBytes(t *testing.T) {
	raw := []byte{0xff, 0x00}
	bs := NewBitSetFromBytes(raw)
	for i := uint(0); i < 8; i++ {
		if !bs.Test(i) {
			t.Fatalf("expected bit %d set in first byte", i)
		}
	}
	for i := uint(8); i < 16; i++ {
		if bs.Test(i) {
			t.Fatalf("expected bit %d clear in second byte", i)
		}
	}
}

func TestRequireLen(t *testing.T) {
	if err := RequireLen([]byte{1, 2, 3}, 2); err != nil {
		t.Fatalf("RequireLen with enough bytes returned %v, want nil", err)
	}
	err := RequireLen([]byte{1, 2}, 4)
	if err == nil {
		t.Fatalf("expected ErrShortBuffer for short input")
	}
	shortErr, ok := err.(*ErrShortBuffer)
	if !ok {
		t.Fatalf("expected *ErrShortBuffer, got %T", err)
	}
	if shortErr.Want != 4 || shortErr.Got != 2 {
		t.Fatalf("ErrShortBuffer = %+v, want {Want:4 Got:2}", shortErr)
	}
}
