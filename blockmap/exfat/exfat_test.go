package exfat

import (
	"bytes"
	"testing"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// buildExFATImage constructs a minimal in-memory exFAT image: a boot
// sector pointing at a root directory cluster, a root directory
// containing one allocation-bitmap entry, and the bitmap itself with
// the given bits pre-set.
func buildExFATImage(t *testing.T, clusterCount uint32, bitmapBits map[uint64]bool) []byte {
	t.Helper()
	const bytesPerSectorShift = 9 // 512
	const sectorsPerClusterShift = 3 // 8 sectors/cluster = 4096B cluster
	const bytesPerSector = 1 << bytesPerSectorShift
	const sectorsPerCluster = 1 << sectorsPerClusterShift
	const clusterHeapOffset = 4     // sectors
	const rootDirCluster = 2

	boot := make([]byte, bootSectorSize)
	binstruct.PutUint32At(boot, 0x50, 1) // fatOffset (unused)
	binstruct.PutUint32At(boot, 0x58, clusterHeapOffset)
	binstruct.PutUint32At(boot, 0x5c, clusterCount)
	binstruct.PutUint32At(boot, 0x60, rootDirCluster)
	boot[0x6c] = bytesPerSectorShift
	boot[0x6d] = sectorsPerClusterShift
	binstruct.PutUint16At(boot, signatureOff, signature)

	rootDirByteOffset := (clusterHeapOffset + (rootDirCluster-2)*sectorsPerCluster) * bytesPerSector

	bitmapSize := (uint64(clusterCount) + 7) / 8
	bitmapStartCluster := uint32(rootDirCluster + 1)
	bitmapByteOffset := (clusterHeapOffset + uint64(bitmapStartCluster-2)*sectorsPerCluster) * bytesPerSector

	img := make([]byte, bitmapByteOffset+bitmapSize+64)
	copy(img, boot)

	entry := img[rootDirByteOffset : rootDirByteOffset+dirEntrySize]
	entry[0] = 0x81 // allocation-bitmap entry type
	binstruct.PutUint32At(entry, 20, bitmapStartCluster)
	binstruct.PutUint64At(entry, 24, bitmapSize)

	for bit, set := range bitmapBits {
		if set {
			img[bitmapByteOffset+bit/8] |= 1 << (bit % 8)
		}
	}

	return img
}

func TestProbeRejectsBadSignature(t *testing.T) {
	img := make([]byte, bootSectorSize)
	r := bytes.NewReader(img)
	if _, err := Probe(r); err == nil {
		t.Fatalf("expected error for missing boot signature")
	}
}

func TestProbeFindsAllocationBitmap(t *testing.T) {
	img := buildExFATImage(t, 1000, map[uint64]bool{5: true})
	r := bytes.NewReader(img)
	h, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(h.bitmap) == 0 {
		t.Fatalf("expected non-empty bitmap")
	}
}

func TestBlockIsUsedBeforeClusterHeapAlwaysUsed(t *testing.T) {
	img := buildExFATImage(t, 1000, map[uint64]bool{5: true})
	r := bytes.NewReader(img)
	h, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !h.BlockIsUsed(0) {
		t.Fatalf("offset before cluster heap should be reported used")
	}
}

func TestBlockIsUsedMatchesBitmap(t *testing.T) {
	img := buildExFATImage(t, 1000, map[uint64]bool{5: true, 6: false})
	r := bytes.NewReader(img)
	h, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	const bytesPerSector = 512
	const sectorsPerCluster = 8
	const clusterHeapOffset = 4

	// cluster 7 (bit index 5 = cluster-2) is set; cluster 8 (bit 6) is clear.
	cluster7Offset := int64((clusterHeapOffset + 5*sectorsPerCluster) * bytesPerSector)
	cluster8Offset := int64((clusterHeapOffset + 6*sectorsPerCluster) * bytesPerSector)

	if !h.BlockIsUsed(cluster7Offset) {
		t.Fatalf("cluster 7 (bit 5 set) should be reported used")
	}
	if h.BlockIsUsed(cluster8Offset) {
		t.Fatalf("cluster 8 (bit 6 clear) should be reported free")
	}
}
