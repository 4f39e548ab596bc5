// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package swap probes Linux swapspaces.
package swap

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/utils"
)

// Swap header follows the boot block and is stored little endian.
const (
	hdrOffset = 1024
	hdrSize   = 0x2c
)

var swapMagics = func() []*probe.Magic {
	var magics []*probe.Magic

	// magic is stored in the last 10 bytes of the first page, page size varies from 4 KiB to 64 KiB.
	for _, pageSize := range []int{0x1000, 0x2000, 0x4000, 0x8000, 0x10000} {
		magics = append(magics,
			&probe.Magic{Offset: pageSize - 10, Value: []byte("SWAP-SPACE")},
			&probe.Magic{Offset: pageSize - 10, Value: []byte("SWAPSPACE2")},
		)
	}

	return magics
}()

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*probe.Magic {
	return swapMagics
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "swap"
}

type header []byte

func (h header) version() uint32  { return binary.LittleEndian.Uint32(h[0:]) }
func (h header) lastPage() uint32 { return binary.LittleEndian.Uint32(h[4:]) }
func (h header) uuid() []byte     { return h[0x0c:0x1c] }
func (h header) volume() []byte   { return h[0x1c:0x2c] }

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, m probe.Magic) (*probe.Result, error) {
	buf := make([]byte, hdrSize)

	if err := utils.ReadFullAt(r, buf, hdrOffset); err != nil {
		return nil, err
	}

	hdr := header(buf)

	if hdr.version() != 1 || hdr.lastPage() == 0 {
		return nil, nil //nolint:nilnil
	}

	res := &probe.Result{}

	if lbl, ok := utils.CString(hdr.volume()); ok {
		res.Label = pointer.To(lbl)
	}

	fsUUID, err := uuid.FromBytes(hdr.uuid())
	if err == nil && fsUUID != uuid.Nil {
		res.UUID = &fsUUID
	}

	pageSize := m.BlockSize()
	res.BlockSize = uint32(pageSize)
	res.FilesystemBlockSize = uint32(pageSize)
	res.ProbedSize = uint64(pageSize) * uint64(hdr.lastPage())

	return res, nil
}
