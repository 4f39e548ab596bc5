// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xfs probes XFS filesystems.
package xfs

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/utils"
)

const sbSize = 120

var xfsMagic = probe.Magic{
	Offset: 0,
	Value:  []byte{0x58, 0x46, 0x53, 0x42},
}

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*probe.Magic {
	return []*probe.Magic{&xfsMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "xfs"
}

type superBlock []byte

func (sb superBlock) blockSize() uint32  { return binary.BigEndian.Uint32(sb[4:]) }
func (sb superBlock) dataBlocks() uint64 { return binary.BigEndian.Uint64(sb[8:]) }
func (sb superBlock) uuid() []byte       { return sb[32:48] }
func (sb superBlock) sectSize() uint16   { return binary.BigEndian.Uint16(sb[102:]) }
func (sb superBlock) fname() []byte      { return sb[108:120] }

func (sb superBlock) valid() bool {
	blockSize := sb.blockSize()
	sectSize := sb.sectSize()

	return utils.IsPowerOf2(blockSize) && blockSize >= 512 && blockSize <= 65536 &&
		utils.IsPowerOf2(sectSize) && sectSize >= 512 && uint32(sectSize) <= blockSize &&
		sb.dataBlocks() > 0
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ probe.Magic) (*probe.Result, error) {
	buf := make([]byte, sbSize)

	if err := utils.ReadFullAt(r, buf, 0); err != nil {
		return nil, err
	}

	sb := superBlock(buf)
	if !sb.valid() {
		return nil, nil //nolint:nilnil
	}

	fsUUID, err := uuid.FromBytes(sb.uuid())
	if err != nil {
		return nil, err
	}

	res := &probe.Result{
		UUID: &fsUUID,

		BlockSize:           uint32(sb.sectSize()),
		FilesystemBlockSize: sb.blockSize(),
		ProbedSize:          sb.dataBlocks() * uint64(sb.blockSize()),
	}

	if lbl, ok := utils.CString(sb.fname()); ok {
		res.Label = pointer.To(lbl)
	}

	return res, nil
}
