// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ext probes extfs filesystems.
package ext

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/utils"
)

const (
	sbOffset = 0x400
	sbSize   = 0x400
)

// Various extfs constants.
//
//nolint:stylecheck,revive
const (
	EXT3_FEATURE_COMPAT_HAS_JOURNAL = 0x0004

	EXT2_FEATURE_INCOMPAT_FILETYPE    = 0x0002
	EXT3_FEATURE_INCOMPAT_RECOVER     = 0x0004
	EXT3_FEATURE_INCOMPAT_JOURNAL_DEV = 0x0008
	EXT2_FEATURE_INCOMPAT_META_BG     = 0x0010
	EXT4_FEATURE_INCOMPAT_64BIT       = 0x0080

	EXT2_FEATURE_RO_COMPAT_SPARSE_SUPER  = 0x0001
	EXT2_FEATURE_RO_COMPAT_LARGE_FILE    = 0x0002
	EXT2_FEATURE_RO_COMPAT_BTREE_DIR     = 0x0004
	EXT4_FEATURE_RO_COMPAT_METADATA_CSUM = 0x0400

	EXT2_FEATURE_INCOMPAT_SUPP  = EXT2_FEATURE_INCOMPAT_FILETYPE | EXT2_FEATURE_INCOMPAT_META_BG
	EXT3_FEATURE_INCOMPAT_SUPP  = EXT2_FEATURE_INCOMPAT_SUPP | EXT3_FEATURE_INCOMPAT_RECOVER
	EXT2_FEATURE_RO_COMPAT_SUPP = EXT2_FEATURE_RO_COMPAT_SPARSE_SUPER | EXT2_FEATURE_RO_COMPAT_LARGE_FILE |
		EXT2_FEATURE_RO_COMPAT_BTREE_DIR
)

// Variant is the flavor of the extfs filesystem.
type Variant int

// Variants in the order they are probed.
const (
	Ext2 Variant = iota
	Ext3
	Ext4
)

var extfsMagic = probe.Magic{
	Offset: sbOffset + 0x38,
	Value:  []byte("\123\357"),
}

// Probe for the filesystem.
//
// All variants share the same magic, the superblock features decide which one matches.
type Probe struct {
	Variant Variant
}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*probe.Magic {
	return []*probe.Magic{&extfsMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	switch p.Variant {
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	default:
		return "ext4"
	}
}

type superBlock []byte

func (sb superBlock) logBlockSize() uint32 { return binary.LittleEndian.Uint32(sb[0x18:]) }
func (sb superBlock) compat() uint32       { return binary.LittleEndian.Uint32(sb[0x5c:]) }
func (sb superBlock) incompat() uint32     { return binary.LittleEndian.Uint32(sb[0x60:]) }
func (sb superBlock) roCompat() uint32     { return binary.LittleEndian.Uint32(sb[0x64:]) }
func (sb superBlock) uuid() []byte         { return sb[0x68:0x78] }
func (sb superBlock) volumeName() []byte   { return sb[0x78:0x88] }
func (sb superBlock) checksum() uint32     { return binary.LittleEndian.Uint32(sb[0x3fc:]) }

func (sb superBlock) blockSize() uint32 {
	return 1024 << sb.logBlockSize()
}

func (sb superBlock) blocksCount() uint64 {
	count := uint64(binary.LittleEndian.Uint32(sb[0x04:]))

	if sb.incompat()&EXT4_FEATURE_INCOMPAT_64BIT != 0 {
		count |= uint64(binary.LittleEndian.Uint32(sb[0x150:])) << 32
	}

	return count
}

func (sb superBlock) variant() Variant {
	hasJournal := sb.compat()&EXT3_FEATURE_COMPAT_HAS_JOURNAL != 0
	ext2ROCompat := sb.roCompat()&^EXT2_FEATURE_RO_COMPAT_SUPP == 0

	switch {
	case !hasJournal && ext2ROCompat && sb.incompat()&^EXT2_FEATURE_INCOMPAT_SUPP == 0:
		return Ext2
	case hasJournal && ext2ROCompat && sb.incompat()&^EXT3_FEATURE_INCOMPAT_SUPP == 0:
		return Ext3
	default:
		return Ext4
	}
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ probe.Magic) (*probe.Result, error) {
	buf := make([]byte, sbSize)

	if err := utils.ReadFullAt(r, buf, sbOffset); err != nil {
		return nil, err
	}

	sb := superBlock(buf)

	// external journal device, not a filesystem
	if sb.incompat()&EXT3_FEATURE_INCOMPAT_JOURNAL_DEV != 0 {
		return nil, nil //nolint:nilnil
	}

	if sb.roCompat()&EXT4_FEATURE_RO_COMPAT_METADATA_CSUM > 0 {
		if utils.CRC32c(buf[:0x3fc]) != sb.checksum() {
			return nil, nil //nolint:nilnil
		}
	}

	if sb.logBlockSize() > 6 || sb.variant() != p.Variant {
		return nil, nil //nolint:nilnil
	}

	fsUUID, err := uuid.FromBytes(sb.uuid())
	if err != nil {
		return nil, err
	}

	res := &probe.Result{
		UUID: &fsUUID,

		BlockSize:           sb.blockSize(),
		FilesystemBlockSize: sb.blockSize(),
		ProbedSize:          sb.blocksCount() * uint64(sb.blockSize()),
	}

	if lbl, ok := utils.CString(sb.volumeName()); ok {
		res.Label = pointer.To(lbl)
	}

	return res, nil
}
