// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vfat probes FAT12/FAT16/FAT32 filesystems.
package vfat

import (
	"bytes"
	"encoding/binary"

	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/utils"
)

const bootSectorSize = 512

var (
	fatMagic1 = probe.Magic{
		Offset: 0x52,
		Value:  []byte("MSWIN"),
	}

	fatMagic2 = probe.Magic{
		Offset: 0x52,
		Value:  []byte("FAT32   "),
	}

	fatMagic3 = probe.Magic{
		Offset: 0x36,
		Value:  []byte("MSDOS"),
	}

	fatMagic4 = probe.Magic{
		Offset: 0x36,
		Value:  []byte("FAT16   "),
	}

	fatMagic5 = probe.Magic{
		Offset: 0x36,
		Value:  []byte("FAT12   "),
	}

	fatMagic6 = probe.Magic{
		Offset: 0x36,
		Value:  []byte("FAT     "),
	}
)

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*probe.Magic {
	return []*probe.Magic{
		&fatMagic1,
		&fatMagic2,
		&fatMagic3,
		&fatMagic4,
		&fatMagic5,
		&fatMagic6,
	}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "vfat"
}

type bootSector []byte

func (bs bootSector) sectorSize() uint16   { return binary.LittleEndian.Uint16(bs[0x0b:]) }
func (bs bootSector) clusterSize() uint8   { return bs[0x0d] }
func (bs bootSector) reserved() uint16     { return binary.LittleEndian.Uint16(bs[0x0e:]) }
func (bs bootSector) fats() uint8          { return bs[0x10] }
func (bs bootSector) sectors() uint16      { return binary.LittleEndian.Uint16(bs[0x13:]) }
func (bs bootSector) media() uint8         { return bs[0x15] }
func (bs bootSector) fatLength() uint16    { return binary.LittleEndian.Uint16(bs[0x16:]) }
func (bs bootSector) totalSectors() uint32 { return binary.LittleEndian.Uint32(bs[0x20:]) }
func (bs bootSector) signature() []byte    { return bs[0x1fe:0x200] }

func (bs bootSector) label() []byte {
	// FAT32 has no fixed-size FAT length in the common header
	if bs.fatLength() == 0 {
		return bs[0x47:0x52]
	}

	return bs[0x2b:0x36]
}

func (bs bootSector) valid() bool {
	switch {
	case !bytes.Equal(bs.signature(), []byte{0x55, 0xaa}):
		return false
	case bs.fats() == 0, bs.reserved() == 0:
		return false
	case !(bs.media() >= 0xf8 || bs.media() == 0xf0):
		return false
	case !utils.IsPowerOf2(bs.clusterSize()):
		return false
	case !utils.IsPowerOf2(bs.sectorSize()), bs.sectorSize() < 512, bs.sectorSize() > 4096:
		return false
	}

	return true
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ probe.Magic) (*probe.Result, error) {
	buf := make([]byte, bootSectorSize)

	if err := utils.ReadFullAt(r, buf, 0); err != nil {
		return nil, err
	}

	bs := bootSector(buf)

	if !bs.valid() {
		return nil, nil //nolint:nilnil
	}

	sectorCount := uint32(bs.sectors())
	if sectorCount == 0 {
		sectorCount = bs.totalSectors()
	}

	sectorSize := uint32(bs.sectorSize())

	res := &probe.Result{
		BlockSize:           sectorSize,
		FilesystemBlockSize: uint32(bs.clusterSize()) * sectorSize,
		ProbedSize:          uint64(sectorCount) * uint64(sectorSize),
	}

	if lbl := string(bytes.TrimRight(bs.label(), " \x00")); lbl != "" && lbl != "NO NAME" {
		res.Label = pointer.To(lbl)
	}

	return res, nil
}
