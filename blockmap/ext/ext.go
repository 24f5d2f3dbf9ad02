// Package ext probes a block device for an ext2/3/4 filesystem and
// answers block_is_used queries against its group-descriptor bitmaps.
// Layout constants and decode offsets are grounded on the teacher
// repo's filesystem/ext4/superblock.go and groupdescriptors.go, trimmed
// to the fields a free-space map needs.
package ext

import (
	"fmt"
	"io"
	"math/bits"

	uuid "github.com/satori/go.uuid"

	"github.com/cirrusbackup/barindex/internal/binstruct"
)

// Revision distinguishes ext2 from ext3 from ext4 by revisionLevel
// plus the feature_compat/feature_incompat bitmasks.
type Revision int

const (
	RevisionExt2 Revision = iota
	RevisionExt3
	RevisionExt4
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	superblockMagic  = 0xEF53

	// feature_incompat bits this probe recognizes as safe to proceed
	// past. An unknown bit set in incompat means "not this ext variant".
	incompatCompression    = 0x0001
	incompatFiletype       = 0x0002
	incompatRecover        = 0x0004
	incompatJournalDev     = 0x0008
	incompatMetaBG         = 0x0010
	incompatExtents        = 0x0040
	incompat64Bit          = 0x0080
	incompatMMP            = 0x0100
	incompatFlexBG         = 0x0200
	incompatEAInode        = 0x0400
	incompatDirdata        = 0x1000
	incompatCsumSeed       = 0x2000
	incompatLargedir       = 0x4000
	incompatInlineData     = 0x8000
	incompatEncrypt        = 0x10000
	incompatSupportedKnown = incompatCompression | incompatFiletype | incompatRecover |
		incompatJournalDev | incompatMetaBG | incompatExtents | incompat64Bit | incompatMMP |
		incompatFlexBG | incompatEAInode | incompatDirdata | incompatCsumSeed | incompatLargedir |
		incompatInlineData | incompatEncrypt

	compatHasJournal = 0x0004

	roCompatHugeFile = 0x0008
)

// Probe reads the super-block at byte 1024 and, on success, the group
// descriptor table, returning a handle that answers BlockIsUsed. Any
// I/O failure or signature mismatch during probing is reported as "not
// this filesystem": the caller moves on to the next probe.
func Probe(device io.ReaderAt) (*Handle, Revision, error) {
	raw := make([]byte, superblockSize)
	if _, err := device.ReadAt(raw, superblockOffset); err != nil {
		return nil, 0, fmt.Errorf("ext: read superblock: %w", err)
	}

	magic := binstruct.Uint16At(raw, 0x38)
	if magic != superblockMagic {
		return nil, 0, fmt.Errorf("ext: bad magic %#x", magic)
	}

	logBlockSize := binstruct.Uint32At(raw, 0x18)
	blockSize := uint64(1) << (10 + logBlockSize)
	if blockSize < 1024 || blockSize > 65536 || bits.OnesCount64(blockSize) != 1 {
		return nil, 0, fmt.Errorf("ext: implausible block size %d", blockSize)
	}

	compatFlags := binstruct.Uint32At(raw, 0x5c)
	incompatFlags := binstruct.Uint32At(raw, 0x60)
	roCompatFlags := binstruct.Uint32At(raw, 0x64)
	if incompatFlags&^incompatSupportedKnown != 0 {
		return nil, 0, fmt.Errorf("ext: unknown incompat feature bits %#x", incompatFlags&^incompatSupportedKnown)
	}

	revisionLevel := binstruct.Uint32At(raw, 0x4c)
	revision := classifyRevision(revisionLevel, compatFlags, incompatFlags, roCompatFlags)

	totalBlocksLo := binstruct.Uint32At(raw, 0x4)
	totalBlocks := uint64(totalBlocksLo)
	is64Bit := incompatFlags&incompat64Bit != 0
	if is64Bit {
		totalBlocksHi := binstruct.Uint32At(raw, 0x150)
		totalBlocks |= uint64(totalBlocksHi) << 32
	}

	blocksPerGroup := uint64(binstruct.Uint32At(raw, 0x20))
	if blocksPerGroup == 0 {
		return nil, 0, fmt.Errorf("ext: blocksPerGroup is zero")
	}

	firstDataBlock := uint64(0)
	if blockSize == 1024 {
		firstDataBlock = 1
	}

	groupDescSize := uint16(32)
	if is64Bit {
		gds := binstruct.Uint16At(raw, 0xfe)
		if gds >= 64 {
			groupDescSize = gds
		} else {
			groupDescSize = 64
		}
	}

	if volUUID, err := uuid.FromBytes(raw[0x68:0x78]); err == nil {
		_ = volUUID // decoded for parity with the teacher's superblock parser; not needed for block_is_used
	}

	groupCount := (totalBlocks + blocksPerGroup - 1) / blocksPerGroup
	gdtBlock := firstDataBlock + 1
	gdtBytes := groupCount * uint64(groupDescSize)
	gdtBlockCount := (gdtBytes + blockSize - 1) / blockSize

	gdtRaw := make([]byte, gdtBlockCount*blockSize)
	if _, err := device.ReadAt(gdtRaw, int64(gdtBlock*blockSize)); err != nil {
		return nil, 0, fmt.Errorf("ext: read group descriptors: %w", err)
	}

	bitmapBlocks := make([]uint64, groupCount)
	for i := uint64(0); i < groupCount; i++ {
		start := i * uint64(groupDescSize)
		low := uint64(binstruct.Uint32At(gdtRaw, int(start)))
		high := uint64(0)
		if groupDescSize >= 64 {
			high = uint64(binstruct.Uint32At(gdtRaw, int(start)+0x20))
		}
		bitmapBlocks[i] = low | high<<32
	}

	return &Handle{
		device:          device,
		blockSize:       blockSize,
		blocksPerGroup:  blocksPerGroup,
		firstDataBlock:  firstDataBlock,
		bitmapBlocks:    bitmapBlocks,
		cachedGroup:     ^uint64(0), // sentinel: no bitmap cached
		cachedBitmapBuf: nil,
	}, revision, nil
}

func classifyRevision(revisionLevel, compat, incompat, roCompat uint32) Revision {
	if revisionLevel == 0 {
		return RevisionExt2
	}
	if incompat&incompatExtents != 0 || incompat&incompat64Bit != 0 || roCompat&roCompatHugeFile != 0 {
		return RevisionExt4
	}
	if compat&compatHasJournal != 0 {
		return RevisionExt3
	}
	return RevisionExt2
}

// Handle answers block_is_used queries for one open ext filesystem. It
// owns exactly one cached bitmap block at a time, never a set, since
// scans are overwhelmingly sequential within a group.
type Handle struct {
	device         io.ReaderAt
	blockSize      uint64
	blocksPerGroup uint64
	firstDataBlock uint64
	bitmapBlocks   []uint64

	cachedGroup     uint64
	cachedBitmapBuf []byte
}

// BlockIsUsed reports whether a block is allocated: block 0 is always
// used; otherwise the group bitmap for the owning block group is
// fetched (cached) and the corresponding bit tested. Any I/O failure
// here degrades to "used".
func (h *Handle) BlockIsUsed(byteOffset int64) bool {
	if byteOffset < 0 {
		return true
	}
	b := uint64(byteOffset) / h.blockSize
	if b == 0 {
		return true
	}
	if b < h.firstDataBlock {
		return true
	}

	group := (b - h.firstDataBlock) / h.blocksPerGroup
	if group >= uint64(len(h.bitmapBlocks)) {
		return true
	}

	if h.cachedGroup != group {
		buf := make([]byte, h.blockSize)
		off := int64(h.bitmapBlocks[group] * h.blockSize)
		if _, err := h.device.ReadAt(buf, off); err != nil {
			return true
		}
		h.cachedBitmapBuf = buf
		h.cachedGroup = group
	}

	bitIndex := (b - h.firstDataBlock) - group*h.blocksPerGroup
	return binstruct.BitIsSet(h.cachedBitmapBuf, bitIndex)
}

// Close releases the cached bitmap buffer. The device itself is owned
// by the caller.
func (h *Handle) Close() error {
	h.cachedBitmapBuf = nil
	return nil
}
