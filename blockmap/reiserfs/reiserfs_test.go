package reiserfs

import (
	"bytes"
	"testing"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// buildReiserImage constructs a minimal in-memory ReiserFS 3.6 image
// with the given block size and a bitmap-block-0 buffer containing the
// given pre-set bits.
func buildReiserImage(t *testing.T, blockSize uint16, blockCount uint32, bitmapBits map[uint64]bool) []byte {
	t.Helper()

	sb := make([]byte, superblockSize)
	binstruct.PutUint32At(sb, 0, blockCount)
	binstruct.PutUint16At(sb, 44, blockSize)
	copy(sb[magicOffset:], magic36)

	bitmapBlockNum := uint64(65536)/uint64(blockSize) + 1
	bitmapByteOffset := bitmapBlockNum * uint64(blockSize)

	img := make([]byte, bitmapByteOffset+uint64(blockSize))
	copy(img[superblockOffset:], sb)

	for bit, set := range bitmapBits {
		if set {
			img[bitmapByteOffset+bit/8] |= 1 << (bit % 8)
		}
	}
	return img
}

func TestProbeRejectsBadMagic(t *testing.T) {
	img := make([]byte, superblockOffset+superblockSize)
	r := bytes.NewReader(img)
	if _, _, err := Probe(r); err == nil {
		t.Fatalf("expected error for missing ReiserFS magic")
	}
}

func TestProbeClassifiesVersion(t *testing.T) {
	img := buildReiserImage(t, 4096, 10000, nil)
	r := bytes.NewReader(img)
	_, version, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if version != Version36 {
		t.Fatalf("version = %v, want Version36", version)
	}
}

func TestBlocksBelow17AlwaysUsed(t *testing.T) {
	img := buildReiserImage(t, 4096, 10000, nil)
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !h.BlockIsUsed(16 * 4096) {
		t.Fatalf("block 16 (< 17) should be reported used")
	}
}

func TestBlockIsUsedMatchesBitmap(t *testing.T) {
	img := buildReiserImage(t, 4096, 10000, map[uint64]bool{20: true, 21: false})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	// Blocks 17-20 (bi==0, bitsPerBitmapBlock huge) map to bits 17..20
	// directly since bi=0 for small block numbers.
	if !h.BlockIsUsed(20 * 4096) {
		t.Fatalf("block 20 (bit 20 set) should be reported used")
	}
	if h.BlockIsUsed(21 * 4096) {
		t.Fatalf("block 21 (bit 21 clear) should be reported free")
	}
}

func TestReiserFSV4AlwaysReportsUnused(t *testing.T) {
	sb := make([]byte, superblockSize)
	binstruct.PutUint32At(sb, 0, 10000)
	binstruct.PutUint16At(sb, 44, 4096)
	copy(sb[magicOffset:], magic4)

	img := make([]byte, superblockOffset+superblockSize)
	copy(img[superblockOffset:], sb)

	r := bytes.NewReader(img)
	h, version, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if version != Version4 {
		t.Fatalf("version = %v, want Version4", version)
	}
	if h.BlockIsUsed(1000 * 4096) {
		t.Fatalf("ReiserFS 4 must report every offset unused (no free-space map)")
	}
}
