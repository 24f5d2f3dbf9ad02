// Package fat probes a block device for a FAT12/16/32 filesystem and
// answers block_is_used queries against a sliding cluster-bitmap window
// built from the first FAT. Boot-sector field layout is grounded on
// other_examples' dargueta-disko fat/common.go
// (RawFATBootSectorWithBPB) and DetermineFATVersion's cluster-count
// thresholds.
package fat

import (
	"fmt"
	"io"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// Variant identifies which FAT bit-width this device uses.
type Variant int

const (
	Variant12 Variant = iota
	Variant16
	Variant32
)

const (
	bootSectorSize = 512
	signatureOff   = 0x1fe
	signature      = 0xAA55

	// clusterWindowSize is the number of clusters kept resident in the
	// sliding bitmap window at once. Any power of two >= 64 behaves
	// identically; 4096 amortizes FAT reads well for typical cluster sizes.
	clusterWindowSize = 4096
)

// Probe reads the 512-byte boot sector, verifies the 0xAA55 signature,
// and classifies the FAT variant from the cluster count. Any failure is
// reported as "not this filesystem".
func Probe(device io.ReaderAt) (*Handle, Variant, error) {
	raw := make([]byte, bootSectorSize)
	if _, err := device.ReadAt(raw, 0); err != nil {
		return nil, 0, fmt.Errorf("fat: read boot sector: %w", err)
	}

	if binstruct.Uint16At(raw, signatureOff) != signature {
		return nil, 0, fmt.Errorf("fat: bad boot signature")
	}

	bytesPerSector := uint64(binstruct.Uint16At(raw, 0x0b))
	if bytesPerSector == 0 || bytesPerSector%512 != 0 {
		return nil, 0, fmt.Errorf("fat: implausible bytesPerSector %d", bytesPerSector)
	}
	sectorsPerCluster := uint64(raw[0x0d])
	if sectorsPerCluster == 0 {
		return nil, 0, fmt.Errorf("fat: sectorsPerCluster is zero")
	}
	reservedSectors := uint64(binstruct.Uint16At(raw, 0x0e))
	fatCount := uint64(raw[0x10])
	if fatCount == 0 {
		return nil, 0, fmt.Errorf("fat: fatCount is zero")
	}
	rootEntries := uint64(binstruct.Uint16At(raw, 0x11))

	totalSectors := uint64(binstruct.Uint16At(raw, 0x13))
	if totalSectors == 0 {
		totalSectors = uint64(binstruct.Uint32At(raw, 0x20))
	}

	sectorsPerFAT := uint64(binstruct.Uint16At(raw, 0x16))
	bits32 := false
	if sectorsPerFAT == 0 {
		sectorsPerFAT = uint64(binstruct.Uint32At(raw, 0x24))
		bits32 = true
	}
	if sectorsPerFAT == 0 {
		return nil, 0, fmt.Errorf("fat: sectorsPerFAT is zero")
	}

	rootDirSectors := (rootEntries*32 + bytesPerSector - 1) / bytesPerSector
	dataSectors := totalSectors - reservedSectors - fatCount*sectorsPerFAT - rootDirSectors
	clusterCount := uint64(2) + dataSectors/sectorsPerCluster

	var variant Variant
	var bitsPerEntry int
	switch {
	case clusterCount < 4087:
		variant = Variant12
		bitsPerEntry = 12
	case clusterCount < 65527:
		variant = Variant16
		bitsPerEntry = 16
	default:
		variant = Variant32
		bitsPerEntry = 32
	}
	_ = bits32

	firstDataSector := reservedSectors + fatCount*sectorsPerFAT + rootDirSectors

	return &Handle{
		device:            device,
		bytesPerSector:    bytesPerSector,
		sectorsPerCluster: sectorsPerCluster,
		reservedSectors:   reservedSectors,
		firstDataSector:   firstDataSector,
		bitsPerEntry:      bitsPerEntry,
		windowStart:       ^uint64(0),
		window:            nil,
	}, variant, nil
}

// Handle answers block_is_used queries for one open FAT filesystem
// using a fixed-size sliding window of decoded cluster-allocation bits,
// refilled from FAT #1 whenever the queried cluster falls outside it.
type Handle struct {
	device            io.ReaderAt
	bytesPerSector    uint64
	sectorsPerCluster uint64
	reservedSectors   uint64
	firstDataSector   uint64
	bitsPerEntry      int

	windowStart uint64 // first cluster covered by window; sentinel ^0 means empty
	window      []bool // window[i] = cluster (windowStart+i) is allocated
}

// BlockIsUsed reports whether the cluster backing byteOffset is
// allocated in FAT #1.
func (h *Handle) BlockIsUsed(byteOffset int64) bool {
	if byteOffset < 0 {
		return true
	}
	sector := uint64(byteOffset) / h.bytesPerSector
	if sector < h.firstDataSector {
		return true
	}
	cluster := 2 + (sector-h.firstDataSector)/h.sectorsPerCluster

	if !h.clusterInWindow(cluster) {
		if err := h.fillWindow(cluster); err != nil {
			return true
		}
	}
	return h.window[cluster-h.windowStart]
}

func (h *Handle) clusterInWindow(cluster uint64) bool {
	if h.windowStart == ^uint64(0) {
		return false
	}
	return cluster >= h.windowStart && cluster < h.windowStart+uint64(len(h.window))
}

// fillWindow reads enough FAT #1 sectors to decode clusterWindowSize
// entries starting at cluster, honoring FAT12's packed-nibble layout
// and FAT16/32's aligned layout.
func (h *Handle) fillWindow(cluster uint64) error {
	start := cluster
	count := uint64(clusterWindowSize)

	entryBitOffset := start * uint64(h.bitsPerEntry)
	entryByteStart := entryBitOffset / 8
	lastEntryBitOffset := (start + count) * uint64(h.bitsPerEntry)
	entryByteEnd := (lastEntryBitOffset + 7) / 8

	fatByteOffset := h.reservedSectors*h.bytesPerSector + entryByteStart
	length := entryByteEnd - entryByteStart + 4 // pad for safe trailing reads
	buf := make([]byte, length)
	if _, err := h.device.ReadAt(buf, int64(fatByteOffset)); err != nil {
		return err
	}

	window := make([]bool, count)
	for i := uint64(0); i < count; i++ {
		entryIndex := start + i
		var value uint32
		switch h.bitsPerEntry {
		case 12:
			// Each pair of 12-bit entries shares three bytes. Odd
			// entries decode from the high nibble, even from the low.
			byteOff := (entryIndex * 3) / 2
			localOff := byteOff - entryByteStart
			if int(localOff)+2 > len(buf) {
				return fmt.Errorf("fat: window read short")
			}
			pair := uint32(buf[localOff]) | uint32(buf[localOff+1])<<8
			if entryIndex%2 == 0 {
				value = pair & 0x0FFF
			} else {
				value = pair >> 4
			}
		case 16:
			byteOff := entryIndex * 2
			localOff := byteOff - entryByteStart
			value = uint32(binstruct.Uint16At(buf, int(localOff)))
		default: // 32
			byteOff := entryIndex * 4
			localOff := byteOff - entryByteStart
			value = binstruct.Uint32At(buf, int(localOff)) & 0x0FFFFFFF
		}
		window[i] = value != 0
	}

	h.windowStart = start
	h.window = window
	return nil
}

// Close releases the cached window. The device is owned by the caller.
func (h *Handle) Close() error {
	h.window = nil
	return nil
}
