// Package exfat probes a block device for an exFAT filesystem and
// answers block_is_used queries against the allocation bitmap found by
// walking the root directory. Boot-sector field layout is grounded on
// other_examples' dsoprea-go-exfat/structures.go (BootSectorHeader).
package exfat

import (
	"fmt"
	"io"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

const (
	bootSectorSize = 1024
	signatureOff   = 510
	signature      = 0xAA55

	dirEntrySize           = 32
	entryTypeAllocBitmap   = 0x81 // type 0x81: in-use allocation-bitmap directory entry
	entryTypeLowBitsMask   = 0x1F
	allocBitmapLowBitsWant = 0x01
)

// Probe reads the 1024-byte boot sector at offset 0, verifies the
// 0xAA55 signature, and walks the root directory looking for the
// allocation-bitmap entry. Any I/O failure or malformed structure is
// reported as "not this filesystem".
func Probe(device io.ReaderAt) (*Handle, error) {
	raw := make([]byte, bootSectorSize)
	if _, err := device.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("exfat: read boot sector: %w", err)
	}
	if binstruct.Uint16At(raw, signatureOff) != signature {
		return nil, fmt.Errorf("exfat: bad boot signature")
	}

	fatOffset := uint64(binstruct.Uint32At(raw, 0x50))
	clusterHeapOffset := uint64(binstruct.Uint32At(raw, 0x58))
	clusterCount := uint64(binstruct.Uint32At(raw, 0x5c))
	rootDirCluster := uint64(binstruct.Uint32At(raw, 0x60))
	bytesPerSectorShift := raw[0x6c]
	sectorsPerClusterShift := raw[0x6d]
	_ = fatOffset

	if bytesPerSectorShift == 0 || bytesPerSectorShift > 12 {
		return nil, fmt.Errorf("exfat: implausible bytesPerSectorShift %d", bytesPerSectorShift)
	}
	if sectorsPerClusterShift > 25 {
		return nil, fmt.Errorf("exfat: implausible sectorsPerClusterShift %d", sectorsPerClusterShift)
	}
	if clusterCount == 0 || rootDirCluster < 2 {
		return nil, fmt.Errorf("exfat: implausible cluster geometry")
	}

	bytesPerSector := uint64(1) << bytesPerSectorShift
	sectorsPerCluster := uint64(1) << sectorsPerClusterShift

	rootDirByteOffset := int64((clusterHeapOffset + (rootDirCluster-2)*sectorsPerCluster) * bytesPerSector)

	bitmap, err := findAllocationBitmap(device, rootDirByteOffset, clusterHeapOffset, sectorsPerCluster, bytesPerSector, clusterCount)
	if err != nil {
		return nil, err
	}

	return &Handle{
		device:            device,
		bytesPerSector:    bytesPerSector,
		sectorsPerCluster: sectorsPerCluster,
		clusterHeapOffset: clusterHeapOffset,
		bitmap:            bitmap,
	}, nil
}

// findAllocationBitmap walks 32-byte root-directory entries until it
// finds the entry whose low 5 type bits equal 0x01 (allocation bitmap)
// or a type==0 terminator, per spec.md §4.B.
func findAllocationBitmap(device io.ReaderAt, rootDirOffset int64, clusterHeapOffset, sectorsPerCluster, bytesPerSector, clusterCount uint64) ([]byte, error) {
	const maxEntries = 1 << 16 // generous bound on root-directory scan length
	entry := make([]byte, dirEntrySize)
	for i := 0; i < maxEntries; i++ {
		off := rootDirOffset + int64(i)*dirEntrySize
		if _, err := device.ReadAt(entry, off); err != nil {
			return nil, fmt.Errorf("exfat: read root directory entry %d: %w", i, err)
		}
		entryType := entry[0]
		if entryType == 0 {
			break
		}
		if entryType&entryTypeLowBitsMask == allocBitmapLowBitsWant {
			startCluster := uint64(binstruct.Uint32At(entry, 20))
			size := binstruct.Uint64At(entry, 24)
			bitmapOffset := int64((clusterHeapOffset + (startCluster-2)*sectorsPerCluster) * bytesPerSector)
			want := (clusterCount + 7) / 8
			if uint64(size) < want {
				want = uint64(size)
			}
			buf := make([]byte, want)
			if _, err := device.ReadAt(buf, bitmapOffset); err != nil {
				return nil, fmt.Errorf("exfat: read allocation bitmap: %w", err)
			}
			return buf, nil
		}
	}
	return nil, fmt.Errorf("exfat: no allocation-bitmap entry found in root directory")
}

// Handle answers block_is_used queries for one open exFAT filesystem.
type Handle struct {
	device            io.ReaderAt
	bytesPerSector    uint64
	sectorsPerCluster uint64
	clusterHeapOffset uint64
	bitmap            []byte
}

// BlockIsUsed implements spec.md §4.B's exFAT contract.
func (h *Handle) BlockIsUsed(byteOffset int64) bool {
	if byteOffset < 0 {
		return true
	}
	sector := uint64(byteOffset) / h.bytesPerSector
	if sector < h.clusterHeapOffset {
		return true
	}
	cluster := 2 + (sector-h.clusterHeapOffset)/h.sectorsPerCluster
	bit := cluster - 2
	if bit/8 >= uint64(len(h.bitmap)) {
		return true
	}
	return binstruct.BitIsSet(h.bitmap, bit)
}

// Close is a no-op: the allocation bitmap buffer is owned directly by
// the Handle and garbage collected normally. The device is owned by
// the caller.
func (h *Handle) Close() error { return nil }
