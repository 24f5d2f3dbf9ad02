package fat

import (
	"bytes"
	"testing"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// buildFAT32Image constructs a minimal in-memory FAT32 boot sector plus
// a FAT #1 big enough to classify as FAT32 (cluster count >= 65527) and
// sets the given cluster entries to the given 32-bit FAT values.
func buildFAT32Image(t *testing.T, clusterEntries map[uint64]uint32) []byte {
	t.Helper()
	const bytesPerSector = 512
	const sectorsPerCluster = 8
	const reservedSectors = 32
	const fatCount = 2
	const sectorsPerFAT = 2048 // big enough to cover FAT32-range clusters
	const rootEntries = 0     // FAT32 has no fixed root directory region

	// dataSectorsWanted is only used in the totalSectors field math so
	// Probe classifies this as FAT32 (clusterCount >= 65527); the image
	// buffer itself only needs to physically hold the boot sector, FAT
	// #1, and the handful of data-cluster bytes the tests query.
	dataSectorsWanted := uint64(70000) * sectorsPerCluster
	totalSectors := reservedSectors + fatCount*sectorsPerFAT + dataSectorsWanted

	boot := make([]byte, bootSectorSize)
	binstruct.PutUint16At(boot, 0x0b, bytesPerSector)
	boot[0x0d] = sectorsPerCluster
	binstruct.PutUint16At(boot, 0x0e, reservedSectors)
	boot[0x10] = fatCount
	binstruct.PutUint16At(boot, 0x11, rootEntries)
	binstruct.PutUint16At(boot, 0x13, 0) // force 32-bit totalSectors field
	binstruct.PutUint32At(boot, 0x20, uint32(totalSectors))
	binstruct.PutUint16At(boot, 0x16, 0) // force 32-bit sectorsPerFAT field
	binstruct.PutUint32At(boot, 0x24, sectorsPerFAT)
	binstruct.PutUint16At(boot, signatureOff, signature)

	fat1 := make([]byte, sectorsPerFAT*bytesPerSector)
	for cluster, val := range clusterEntries {
		binstruct.PutUint32At(fat1, int(cluster)*4, val&0x0FFFFFFF)
	}

	// Only materialize a handful of data-region sectors past the FAT
	// (cluster tests only ever touch clusters 2-8 worth of offsets).
	const dataSectorsMaterialized = sectorsPerCluster * 16
	img := make([]byte, len(boot)+fatCount*len(fat1)+dataSectorsMaterialized*bytesPerSector)
	copy(img, boot)
	copy(img[reservedSectors*bytesPerSector:], fat1)
	return img
}

func TestProbeRejectsBadSignature(t *testing.T) {
	img := make([]byte, bootSectorSize)
	r := bytes.NewReader(img)
	if _, _, err := Probe(r); err == nil {
		t.Fatalf("expected error for missing boot signature")
	}
}

func TestProbeClassifiesFAT32(t *testing.T) {
	img := buildFAT32Image(t, map[uint64]uint32{5: 6, 6: 0})
	r := bytes.NewReader(img)
	_, variant, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if variant != Variant32 {
		t.Fatalf("variant = %v, want Variant32", variant)
	}
}

// TestBlockIsUsedClusterChain exercises spec.md scenario S5: cluster 5
// chained (non-zero FAT entry) reports used; cluster 6 free (zero FAT
// entry) reports free.
func TestBlockIsUsedClusterChain(t *testing.T) {
	img := buildFAT32Image(t, map[uint64]uint32{5: 6, 6: 0})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	const bytesPerSector = 512
	const sectorsPerCluster = 8
	firstDataSector := h.firstDataSector

	cluster5Offset := int64((firstDataSector+3*sectorsPerCluster)*bytesPerSector + bytesPerSector/2)
	cluster6Offset := int64((firstDataSector+4*sectorsPerCluster)*bytesPerSector + bytesPerSector/2)

	if !h.BlockIsUsed(cluster5Offset) {
		t.Fatalf("cluster 5 (chained) should be reported used")
	}
	if h.BlockIsUsed(cluster6Offset) {
		t.Fatalf("cluster 6 (free) should be reported free")
	}
}

func TestBlockIsUsedBeforeFirstDataSectorAlwaysUsed(t *testing.T) {
	img := buildFAT32Image(t, map[uint64]uint32{5: 6})
	r := bytes.NewReader(img)
	h, _, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !h.BlockIsUsed(0) {
		t.Fatalf("offset 0 (reserved region) should be reported used")
	}
}

// TestFAT12OddEntryDecodesFromHighNibble exercises spec.md §4.B/§8
// item 12: FAT12 odd-indexed entries decode from the high 12 bits of
// the shared 3-byte window, not the low.
func TestFAT12OddEntryDecodesFromHighNibble(t *testing.T) {
	const bytesPerSector = 512
	const sectorsPerCluster = 1
	const reservedSectors = 1
	const fatCount = 1
	const sectorsPerFAT = 1
	const rootEntries = 16

	// Cluster count must classify as FAT12 (< 4087).
	dataSectors := uint64(100)
	rootDirSectors := (rootEntries*32 + bytesPerSector - 1) / bytesPerSector
	totalSectors := reservedSectors + fatCount*sectorsPerFAT + rootDirSectors + dataSectors

	boot := make([]byte, bootSectorSize)
	binstruct.PutUint16At(boot, 0x0b, bytesPerSector)
	boot[0x0d] = sectorsPerCluster
	binstruct.PutUint16At(boot, 0x0e, reservedSectors)
	boot[0x10] = fatCount
	binstruct.PutUint16At(boot, 0x11, rootEntries)
	binstruct.PutUint16At(boot, 0x13, uint16(totalSectors))
	binstruct.PutUint16At(boot, 0x16, sectorsPerFAT)
	binstruct.PutUint16At(boot, signatureOff, signature)

	fat1 := make([]byte, sectorsPerFAT*bytesPerSector)
	// Entries 0 and 1 share bytes 0-2: entry0 (even) = low 12 bits,
	// entry1 (odd) = high 12 bits. Set entry1 = 0xABC, entry0 = 0.
	fat1[0] = 0x00
	fat1[1] = 0xC0
	fat1[2] = 0xAB

	img := make([]byte, len(boot)+len(fat1)+int(rootDirSectors)*bytesPerSector+int(dataSectors)*bytesPerSector)
	copy(img, boot)
	copy(img[reservedSectors*bytesPerSector:], fat1)

	r := bytes.NewReader(img)
	h, variant, err := Probe(r)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if variant != Variant12 {
		t.Fatalf("variant = %v, want Variant12", variant)
	}

	if err := h.fillWindow(0); err != nil {
		t.Fatalf("fillWindow: %v", err)
	}
	if h.window[0] {
		t.Fatalf("entry 0 (even, low nibble, value 0) should decode as free")
	}
	if !h.window[1] {
		t.Fatalf("entry 1 (odd, high nibble, value 0xABC) should decode as used")
	}
}
