// Package reiserfs probes a block device for a ReiserFS 3.5/3.6 (or
// 4, detected-only) filesystem and answers block_is_used queries
// against the classic bitmap-block layout. Grounded directly on
// original_source/bar/common/filesystems_reiserfs.c, since no pack
// example ships a ReiserFS reader.
package reiserfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// Version distinguishes the three magic strings spec.md §4.B names.
type Version int

const (
	Version35 Version = iota
	Version36
	Version4
)

const (
	superblockOffset = 65536
	superblockSize   = 1024

	magicOffset = 52
)

var (
	magic35  = []byte("ReIsErFs")
	magic36  = []byte("ReIsEr2Fs")
	magic36b = []byte("ReIsEr3Fs")
	magic4   = []byte("ReIsEr7")
)

// Probe reads the super-block at offset 65536 and matches one of the
// magic strings spec.md §4.B lists. Any failure is reported as "not
// this filesystem".
func Probe(device io.ReaderAt) (*Handle, Version, error) {
	raw := make([]byte, superblockSize)
	if _, err := device.ReadAt(raw, superblockOffset); err != nil {
		return nil, 0, fmt.Errorf("reiserfs: read superblock: %w", err)
	}

	version, err := classifyMagic(raw)
	if err != nil {
		return nil, 0, err
	}

	blockCount := uint64(binstruct.Uint32At(raw, 0))
	blockSize := uint64(binstruct.Uint16At(raw, 44))
	if blockCount == 0 {
		return nil, 0, fmt.Errorf("reiserfs: zero total blocks")
	}
	if blockSize == 0 || blockSize%512 != 0 {
		return nil, 0, fmt.Errorf("reiserfs: implausible block size %d", blockSize)
	}

	return &Handle{
		device:      device,
		blockSize:   blockSize,
		v4:          version == Version4,
		cachedIdx:   ^uint64(0),
		cachedBytes: nil,
	}, version, nil
}

func classifyMagic(raw []byte) (Version, error) {
	field := raw[magicOffset : magicOffset+10]
	switch {
	case bytes.HasPrefix(field, magic4):
		return Version4, nil
	case bytes.HasPrefix(field, magic36) || bytes.HasPrefix(field, magic36b):
		return Version36, nil
	case bytes.HasPrefix(field, magic35):
		return Version35, nil
	default:
		return 0, fmt.Errorf("reiserfs: no magic string matched")
	}
}

// Handle answers block_is_used queries for one open ReiserFS
// filesystem, caching a single bitmap block at a time as the ext probe
// does.
type Handle struct {
	device    io.ReaderAt
	blockSize uint64
	v4        bool

	cachedIdx   uint64
	cachedBytes []byte
}

// BlockIsUsed implements spec.md §4.B's ReiserFS contract. Per spec.md
// §9's Open Question, ReiserFS 4 is detected but has no free-space map
// available here, so it always reports "not used" (false) rather than
// the conservative "used" default every other probe uses on failure —
// this is documented behavior, not an oversight.
func (h *Handle) BlockIsUsed(byteOffset int64) bool {
	if h.v4 {
		return false
	}
	if byteOffset < 0 {
		return true
	}
	b := uint64(byteOffset) / h.blockSize
	if b < 17 {
		return true
	}

	bitsPerBitmapBlock := h.blockSize * 8
	bi := b / bitsPerBitmapBlock

	var bitmapBlock uint64
	if bi == 0 {
		bitmapBlock = 65536/h.blockSize + 1
	} else {
		bitmapBlock = bi * bitsPerBitmapBlock
	}

	if h.cachedIdx != bi {
		buf := make([]byte, h.blockSize)
		if _, err := h.device.ReadAt(buf, int64(bitmapBlock*h.blockSize)); err != nil {
			return true
		}
		h.cachedBytes = buf
		h.cachedIdx = bi
	}

	bitIndex := b - bi*bitsPerBitmapBlock
	return binstruct.BitIsSet(h.cachedBytes, bitIndex)
}

// Close releases the cached bitmap block. The device is owned by the
// caller.
func (h *Handle) Close() error {
	h.cachedBytes = nil
	return nil
}
