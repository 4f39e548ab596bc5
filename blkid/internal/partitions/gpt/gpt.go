// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gpt probes GPT partition tables.
package gpt

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
	"golang.org/x/text/encoding/unicode"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
)

// nullMagic matches always.
var nullMagic = probe.Magic{}

// Probe for the partition table.
type Probe struct{}

// Magic returns the magic value for the partition table.
func (p *Probe) Magic() []*probe.Magic {
	return []*probe.Magic{&nullMagic}
}

// Name returns the name of the partition table.
func (p *Probe) Name() string {
	return "gpt"
}

const primaryLBA = 1

// Probe runs the further inspection and returns the result if successful.
//
// Partition indexes are 1-based positions in the entry array, so unused entries leave gaps.
func (p *Probe) Probe(r probe.Reader, _ probe.Magic) (*probe.Result, error) {
	lastLBA, ok := LastLBA(r)
	if !ok {
		return nil, nil //nolint:nilnil
	}

	// try reading primary header
	hdr, entries, err := ReadHeader(r, primaryLBA, lastLBA)
	if err != nil {
		return nil, err
	}

	if hdr == nil {
		// try reading backup header
		hdr, entries, err = ReadHeader(r, lastLBA, lastLBA)
		if err != nil {
			return nil, err
		}
	}

	if hdr == nil {
		return nil, nil //nolint:nilnil
	}

	ptUUID, err := uuid.FromBytes(GUIDToUUID(hdr.DiskGUID()))
	if err != nil {
		return nil, err
	}

	sectorSize := r.GetSectorSize()

	result := &probe.Result{
		UUID: &ptUUID,

		BlockSize:  uint32(sectorSize),
		ProbedSize: uint64(sectorSize) * (hdr.LastUsableLBA() - hdr.FirstUsableLBA() + 1),
	}

	firstUsableLBA := hdr.FirstUsableLBA()
	lastUsableLBA := hdr.LastUsableLBA()

	zeroGUID := make([]byte, 16)
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	for idx, entry := range entries {
		if bytes.Equal(entry.TypeGUID(), zeroGUID) {
			continue
		}

		if entry.StartingLBA() < firstUsableLBA || entry.EndingLBA() > lastUsableLBA || entry.EndingLBA() < entry.StartingLBA() {
			continue
		}

		partUUID, err := uuid.FromBytes(GUIDToUUID(entry.UniqueGUID()))
		if err != nil {
			return nil, err
		}

		typeUUID, err := uuid.FromBytes(GUIDToUUID(entry.TypeGUID()))
		if err != nil {
			return nil, err
		}

		name, err := utf16.NewDecoder().Bytes(entry.Name())
		if err != nil {
			return nil, err
		}

		name = bytes.TrimRight(name, "\x00")

		result.Parts = append(result.Parts, probe.Partition{
			UUID:     &partUUID,
			TypeUUID: &typeUUID,
			Label:    pointer.To(string(name)),

			Index: uint(idx) + 1,

			Offset: entry.StartingLBA() * uint64(sectorSize),
			Size:   (entry.EndingLBA() - entry.StartingLBA() + 1) * uint64(sectorSize),
		})
	}

	return result, nil
}

// LastLBA returns the last logical block address of the device.
func LastLBA(r probe.Reader) (uint64, bool) {
	sectorSize := r.GetSectorSize()
	size := r.GetSize()

	if sectorSize == 0 || uint64(sectorSize) > size {
		return 0, false
	}

	return (size / uint64(sectorSize)) - 1, true
}

// GUIDToUUID converts a mixed-endian GPT GUID to a UUID.
func GUIDToUUID(g []byte) []byte {
	return append(
		[]byte{
			g[3], g[2], g[1], g[0],
			g[5], g[4],
			g[7], g[6],
			g[8], g[9],
		},
		g[10:16]...,
	)
}
