// Package blockmap unifies the filesystem probes (ext, FAT, exFAT,
// ReiserFS) behind one handle so the archiver can ask "is logical byte
// offset O part of a used block?" without caring which filesystem a
// device actually holds.
package blockmap

import (
	"fmt"
	"io"

	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"

	"github.com/cirrusbackup/barindex/blockmap/exfat"
	"github.com/cirrusbackup/barindex/blockmap/ext"
	"github.com/cirrusbackup/barindex/blockmap/fat"
	"github.com/cirrusbackup/barindex/blockmap/reiserfs"
)

// Type identifies a detected (or merely nameable) filesystem type. The
// full token table in TypeToString/ParseType is wider than the set of
// types this package can actually probe: the string table round-trips
// types this module never attempts to detect.
type Type int

const (
	TypeNone Type = iota
	TypeExt
	TypeExt2
	TypeExt3
	TypeExt4
	TypeBtrfs
	TypeISOFS
	TypeXFS
	TypeUDF
	TypeReiserFS
	TypeReiserFS35
	TypeReiserFS36
	TypeReiserFS4
	TypeMinix
	TypeMinix1
	TypeMinix2
	TypeMinix3
	TypeFAT
	TypeFAT12
	TypeFAT16
	TypeFAT32
	TypeExFAT
	TypeAFS
	TypeCODA
	TypeNFS
	TypeSMB1
	TypeSMB2
)

// prober is the common shape every filesystem probe in this package
// implements. Detection never takes ownership of the device handle;
// Close releases only probe-internal resources (bitmap buffers, cached
// windows).
type prober interface {
	BlockIsUsed(byteOffset int64) bool
	Close() error
}

// Device is the minimal read-seek contract a probe needs. Any
// *os.File opened O_RDONLY on a raw block device satisfies it.
type Device interface {
	io.ReaderAt
	io.Seeker
}

// Map is the façade handle: one device, one detected inner probe.
type Map struct {
	device Device
	typ    Type
	inner  prober
	log    *logrus.Entry
}

// Type reports the filesystem type detected by Open.
func (m *Map) Type() Type { return m.typ }

// BlockIsUsed answers whether logical byte offset off falls inside a
// block the underlying filesystem considers allocated. Any I/O failure
// after a successful probe is reported as "used" -- wrongly skipping
// free space wastes space, but wrongly skipping a used block corrupts
// a backup.
func (m *Map) BlockIsUsed(off int64) bool {
	if m.inner == nil {
		return true
	}
	return m.inner.BlockIsUsed(off)
}

// Close releases probe-internal resources. The device itself is not
// closed; callers own its lifetime.
func (m *Map) Close() error {
	if m.inner == nil {
		return nil
	}
	return m.inner.Close()
}

// Open tries each probe in a fixed detection order: ext, FAT, exFAT,
// ReiserFS. The first successful probe wins and detection stops;
// results from multiple probes are never merged.
func Open(device Device) (*Map, error) {
	log := logrus.WithField("component", "blockmap")

	if hint, err := typeHintFromXattr(device); err == nil && hint != "" {
		log.WithField("hint", hint).Debug("device carries a filesystem-type xattr hint")
	}

	if p, typ, err := ext.Probe(device); err == nil {
		return &Map{device: device, typ: extTypeToBlockmap(typ), inner: p, log: log}, nil
	}
	if p, typ, err := fat.Probe(device); err == nil {
		return &Map{device: device, typ: fatTypeToBlockmap(typ), inner: p, log: log}, nil
	}
	if p, err := exfat.Probe(device); err == nil {
		return &Map{device: device, typ: TypeExFAT, inner: p, log: log}, nil
	}
	if p, typ, err := reiserfs.Probe(device); err == nil {
		return &Map{device: device, typ: reiserTypeToBlockmap(typ), inner: p, log: log}, nil
	}

	return nil, fmt.Errorf("blockmap: no known filesystem detected")
}

// typeHintFromXattr opportunistically reads a "user.filesystem_type"
// extended attribute off the device file, when the device is backed by
// one (e.g. a loop-mounted image sitting on a filesystem that preserves
// xattrs). It is purely advisory: Open never trusts it over a real
// probe, it only logs it for diagnostics.
func typeHintFromXattr(device Device) (string, error) {
	f, ok := device.(interface{ Name() string })
	if !ok {
		return "", fmt.Errorf("blockmap: device has no Name()")
	}
	v, err := xattr.Get(f.Name(), "user.filesystem_type")
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func extTypeToBlockmap(t ext.Revision) Type {
	switch t {
	case ext.RevisionExt2:
		return TypeExt2
	case ext.RevisionExt3:
		return TypeExt3
	case ext.RevisionExt4:
		return TypeExt4
	default:
		return TypeExt
	}
}

func fatTypeToBlockmap(t fat.Variant) Type {
	switch t {
	case fat.Variant12:
		return TypeFAT12
	case fat.Variant16:
		return TypeFAT16
	case fat.Variant32:
		return TypeFAT32
	default:
		return TypeFAT
	}
}

func reiserTypeToBlockmap(t reiserfs.Version) Type {
	switch t {
	case reiserfs.Version35:
		return TypeReiserFS35
	case reiserfs.Version36:
		return TypeReiserFS36
	case reiserfs.Version4:
		return TypeReiserFS4
	default:
		return TypeReiserFS
	}
}
