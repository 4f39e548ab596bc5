// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"slices"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/utils"
)

// On-disk GPT constants.
const (
	HeaderSignature = 0x5452415020494645 // "EFI PART"

	HeaderSize = 92
	EntrySize  = 128

	// NumEntries is the maximum number of entries accepted in the partition entry array.
	NumEntries = 128
)

// Header is the on-disk GPT header (little endian).
type Header []byte

// Signature returns the header signature.
func (h Header) Signature() uint64 { return binary.LittleEndian.Uint64(h[0:8]) }

// Size returns the header size as recorded in the header.
func (h Header) Size() uint32 { return binary.LittleEndian.Uint32(h[12:16]) }

// CRC32 returns the recorded header checksum.
func (h Header) CRC32() uint32 { return binary.LittleEndian.Uint32(h[16:20]) }

// MyLBA returns the LBA of this header copy.
func (h Header) MyLBA() uint64 { return binary.LittleEndian.Uint64(h[24:32]) }

// FirstUsableLBA returns the first LBA usable by partitions.
func (h Header) FirstUsableLBA() uint64 { return binary.LittleEndian.Uint64(h[40:48]) }

// LastUsableLBA returns the last LBA usable by partitions.
func (h Header) LastUsableLBA() uint64 { return binary.LittleEndian.Uint64(h[48:56]) }

// DiskGUID returns the mixed-endian disk GUID.
func (h Header) DiskGUID() []byte { return h[56:72] }

// PartitionEntriesLBA returns the starting LBA of the partition entry array.
func (h Header) PartitionEntriesLBA() uint64 { return binary.LittleEndian.Uint64(h[72:80]) }

// NumPartitionEntries returns the number of entries in the partition entry array.
func (h Header) NumPartitionEntries() uint32 { return binary.LittleEndian.Uint32(h[80:84]) }

// SizeOfPartitionEntry returns the size of a single entry.
func (h Header) SizeOfPartitionEntry() uint32 { return binary.LittleEndian.Uint32(h[84:88]) }

// PartitionEntryArrayCRC32 returns the recorded checksum of the entry array.
func (h Header) PartitionEntryArrayCRC32() uint32 { return binary.LittleEndian.Uint32(h[88:92]) }

// CalculateChecksum calculates the checksum of the header.
func (h Header) CalculateChecksum() uint32 {
	b := slices.Clone(h[:HeaderSize])

	b[16] = 0
	b[17] = 0
	b[18] = 0
	b[19] = 0

	return crc32.ChecksumIEEE(b)
}

// Entry is a single on-disk GPT partition entry.
type Entry []byte

// TypeGUID returns the mixed-endian partition type GUID.
func (e Entry) TypeGUID() []byte { return e[0:16] }

// UniqueGUID returns the mixed-endian unique partition GUID.
func (e Entry) UniqueGUID() []byte { return e[16:32] }

// StartingLBA returns the first LBA of the partition.
func (e Entry) StartingLBA() uint64 { return binary.LittleEndian.Uint64(e[32:40]) }

// EndingLBA returns the last LBA of the partition (inclusive).
func (e Entry) EndingLBA() uint64 { return binary.LittleEndian.Uint64(e[40:48]) }

// Attributes returns the partition attribute flags.
func (e Entry) Attributes() uint64 { return binary.LittleEndian.Uint64(e[48:56]) }

// Name returns the raw UTF-16LE partition name.
func (e Entry) Name() []byte { return e[56:128] }

// HeaderReader is an interface for reading GPT headers.
type HeaderReader interface {
	io.ReaderAt
	GetSectorSize() uint
}

// ReadHeader reads the GPT header and partition entries.
//
// It does sanity checks on the header and partition entries, and returns nil header
// if any of the checks fail.
func ReadHeader(r HeaderReader, lba, lastLBA uint64) (Header, []Entry, error) {
	sectorSize := r.GetSectorSize()
	buf := make([]byte, sectorSize)

	if err := utils.ReadFullAt(r, buf, int64(lba)*int64(sectorSize)); err != nil {
		return nil, nil, err
	}

	hdr := Header(buf)

	// verify the header signature
	if hdr.Signature() != HeaderSignature {
		return nil, nil, nil
	}

	// sanity check the header size
	headerSize := hdr.Size()
	if headerSize < HeaderSize || uint(headerSize) > sectorSize {
		return nil, nil, nil
	}

	// verify the header checksum
	if hdr.CRC32() != hdr.CalculateChecksum() {
		return nil, nil, nil
	}

	// verify LBA
	if hdr.MyLBA() != lba {
		return nil, nil, nil
	}

	firstUsableLBA := hdr.FirstUsableLBA()
	lastUsableLBA := hdr.LastUsableLBA()

	// verify the usable LBA range
	if lastUsableLBA < firstUsableLBA || firstUsableLBA > lastLBA || lastUsableLBA > lastLBA {
		return nil, nil, nil
	}

	// header should be outside the usable range
	if firstUsableLBA < lba && lba < lastUsableLBA {
		return nil, nil, nil
	}

	if hdr.SizeOfPartitionEntry() != EntrySize {
		return nil, nil, nil
	}

	if hdr.NumPartitionEntries() == 0 || hdr.NumPartitionEntries() > NumEntries {
		return nil, nil, nil
	}

	// read partition entries, verify checksum
	entriesBuffer := make([]byte, hdr.NumPartitionEntries()*EntrySize)

	if err := utils.ReadFullAt(r, entriesBuffer, int64(hdr.PartitionEntriesLBA())*int64(sectorSize)); err != nil {
		return nil, nil, err
	}

	if crc32.ChecksumIEEE(entriesBuffer) != hdr.PartitionEntryArrayCRC32() {
		return nil, nil, nil
	}

	entries := make([]Entry, hdr.NumPartitionEntries())
	for i := range entries {
		entries[i] = Entry(entriesBuffer[i*EntrySize : (i+1)*EntrySize])
	}

	return hdr, entries, nil
}
