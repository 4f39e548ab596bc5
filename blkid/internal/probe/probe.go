// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package probe defines common probe interfaces.
package probe

import (
	"bytes"
	"io"

	"github.com/google/uuid"
)

// Reader is a context for probing filesystems and partition tables.
type Reader interface {
	io.ReaderAt

	GetSectorSize() uint
	GetSize() uint64
}

// Magic defines a filesystem/partition table magic value.
type Magic struct {
	// Value to search for.
	Value []byte

	// Offset in the device where the magic value is located.
	Offset int
}

// Matches returns true if the magic value is found at the specified offset in the buffer.
func (magic *Magic) Matches(buf []byte) bool {
	if len(buf) < magic.Offset+len(magic.Value) {
		return false
	}

	return bytes.Equal(buf[magic.Offset:magic.Offset+len(magic.Value)], magic.Value)
}

// BlockSize returns the size of the buffer that needs to be read from the device to detect the magic value.
func (magic *Magic) BlockSize() int {
	return magic.Offset + len(magic.Value)
}

// Prober is an interface for probing filesystems and partition tables.
type Prober interface {
	// Name returns the name of the filesystem or partition table.
	Name() string
	// Magic returns the magic values for the filesystem or partition table.
	Magic() []*Magic
	// Probe runs the further inspection and returns the result if successful.
	//
	// A nil result with a nil error means the magic matched, but the structure is not valid.
	Probe(Reader, Magic) (*Result, error)
}

// MagicMatch is a prober which matched the magic value.
type MagicMatch struct {
	Magic
	Prober
}

// Result is a probe result.
type Result struct {
	UUID  *uuid.UUID
	Label *string

	Parts []Partition

	BlockSize           uint32
	FilesystemBlockSize uint32
	ProbedSize          uint64
}

// Partition is a probe sub-result.
type Partition struct {
	UUID     *uuid.UUID
	TypeUUID *uuid.UUID
	Label    *string

	Index uint // 1-based index

	Offset uint64
	Size   uint64
}
