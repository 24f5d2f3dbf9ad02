// Package binstruct provides little-endian decode/encode primitives for
// the packed, unaligned on-disk structures used by the filesystem probes
// and the index binary formats. Every field is read or written at an
// explicit byte offset so the layout never depends on Go's struct
// padding rules.
package binstruct

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Uint8At returns the byte at offset off.
func Uint8At(b []byte, off int) uint8 {
	return b[off]
}

// Uint16At decodes a little-endian uint16 at offset off.
func Uint16At(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// Uint24At decodes a little-endian 24-bit unsigned integer at offset off.
// 24-bit fields show up in FAT12 entry pairs and some exFAT timestamps;
// there is no stdlib primitive for them so we widen by hand.
func Uint24At(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16
}

// Uint32At decodes a little-endian uint32 at offset off.
func Uint32At(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// Uint64At decodes a little-endian uint64 at offset off.
func Uint64At(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// PutUint16At writes v as little-endian at offset off.
func PutUint16At(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

// PutUint32At writes v as little-endian at offset off.
func PutUint32At(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutUint64At writes v as little-endian at offset off.
func PutUint64At(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// BitIsSet treats raw as a packed bit array, byte i/8 bit i%8, and
// reports whether bit i is set. It is a thin adapter over bitset.BitSet
// so the ext group bitmap, exFAT allocation bitmap and ReiserFS block
// bitmap share one tested implementation.
func BitIsSet(raw []byte, i uint64) bool {
	bs := bitset.From(bytesToWords(raw))
	return bs.Test(uint(i))
}

// NewBitSetFromBytes wraps a raw on-disk bitmap buffer in a bitset.BitSet
// for repeated Test calls without re-wrapping on every query.
func NewBitSetFromBytes(raw []byte) *bitset.BitSet {
	return bitset.From(bytesToWords(raw))
}

func bytesToWords(raw []byte) []uint64 {
	words := make([]uint64, (len(raw)+7)/8)
	for i, b := range raw {
		words[i/8] |= uint64(b) << (8 * uint(i%8))
	}
	return words
}

// ErrShortBuffer is returned by decoders that received fewer bytes than
// the structure they were asked to decode requires.
type ErrShortBuffer struct {
	Want, Got int
}

func (e *ErrShortBuffer) Error() string {
	return fmt.Sprintf("binstruct: short buffer: want %d bytes, got %d", e.Want, e.Got)
}

// RequireLen returns an *ErrShortBuffer if len(b) < want.
func RequireLen(b []byte, want int) error {
	if len(b) < want {
		return &ErrShortBuffer{Want: want, Got: len(b)}
	}
	return nil
}
