package ext

import (
	"bytes"
	"testing"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// buildExt4Image constructs a minimal in-memory ext4-ish image with a
// 4096-byte block size (so firstDataBlock == 0), one block group, and
// a group bitmap with the given group-relative block bits pre-set.
func buildExt4Image(t *testing.T, blocksPerGroup uint32, totalBlocks uint32, bitmapBits map[uint64]bool) []byte {
	t.Helper()
	const blockSize = 4096

	// Lay out: block 0 (boot+superblock at byte 1024) | block 1 (group
	// descriptor table) | block 2 (bitmap) | ...
	img := make([]byte, blockSize*4)

	sb := img[1024 : 1024+1024]
	binstruct.PutUint32At(sb, 0x4, totalBlocks)
	binstruct.PutUint16At(sb, 0x38, superblockMagic)
	binstruct.PutUint32At(sb, 0x18, 2) // logBlockSize=2 -> blockSize=4096
	binstruct.PutUint32At(sb, 0x20, blocksPerGroup)
	binstruct.PutUint32At(sb, 0x4c, 1) // revisionLevel (dynamic)
	binstruct.PutUint32At(sb, 0x5c, 0) // compat
	binstruct.PutUint32At(sb, 0x60, 0) // incompat
	binstruct.PutUint32At(sb, 0x64, 0) // ro_compat

	gdtBlock := 1 // firstDataBlock(0)+1
	gd := img[gdtBlock*blockSize : gdtBlock*blockSize+32]
	bitmapBlock := uint32(2)
	binstruct.PutUint32At(gd, 0, bitmapBlock)

	bitmapOff := int(bitmapBlock) * blockSize
	for bit, set := range bitmapBits {
		if set {
			byteIdx := bitmapOff + int(bit/8)
			img[byteIdx] |= 1 << (bit % 8)
		}
	}

	return img
}

func TestProbeRejectsBadMagic(t *testing.T) {
	img := make([]byte, 4096)
	r := bytes.NewReader(img)
	if _, _, err := Probe(r); err == nil {
		t.Fatalf("expected error for missing ext magic")
	}
}

func TestBlockZeroAlwaysUsed(t *testing.T) {
	img := buildExt4Image(t, 8192, 16384, map[uint64]bool{64: true})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !h.BlockIsUsed(0) {
		t.Fatalf("block 0 must always report used")
	}
}

// TestBlockIsUsedMatchesBitmap exercises spec.md scenario S4's shape:
// byte 0x40000 lands in block 64 of group 0 (4096-byte blocks); the
// group-relative bit for block 64 (firstDataBlock=0) is bit 64.
func TestBlockIsUsedMatchesBitmap(t *testing.T) {
	img := buildExt4Image(t, 8192, 16384, map[uint64]bool{64: true})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if !h.BlockIsUsed(0x40000) {
		t.Fatalf("block 64 (bit 64 set) should be reported used")
	}
}

func TestBlockIsUsedFreeBit(t *testing.T) {
	img := buildExt4Image(t, 8192, 16384, map[uint64]bool{64: false})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if h.BlockIsUsed(0x40000) {
		t.Fatalf("block 64 (bit 64 clear) should be reported free")
	}
}

func TestBlockIsUsedDegradesToUsedOnShortDevice(t *testing.T) {
	img := buildExt4Image(t, 8192, 16384, map[uint64]bool{64: true})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	// A block offset whose group has no backing bitmap block in the
	// image (group index out of range) must degrade to "used".
	if !h.BlockIsUsed(int64(1 << 40)) {
		t.Fatalf("out-of-range offset must report used")
	}
}
