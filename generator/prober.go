// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package generator

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/siderolabs/gen/optional"
	"go.uber.org/zap"

	"github.com/siderolabs/gpt-auto-generator/blkid"
)

// Probe errors.
var (
	// ErrUnreadable is returned when the device can't be opened or read.
	ErrUnreadable = errors.New("device is unreadable")
	// ErrMalformed is returned when a GPT partition has an unparsable type or number.
	ErrMalformed = errors.New("malformed GPT partition entry")
)

// SchemeGPT is the partition table scheme of GPT partitions.
const SchemeGPT = "gpt"

// Kind is the outcome of probing a partition.
type Kind int

// Probe outcomes.
const (
	// NotGPT means the device is not a GPT partition.
	NotGPT Kind = iota
	// Ambiguous means the probe found nothing or more than one filesystem.
	Ambiguous
	// GPT means the device is a GPT partition.
	GPT
)

func (k Kind) String() string {
	switch k {
	case NotGPT:
		return "not-gpt"
	case Ambiguous:
		return "ambiguous"
	case GPT:
		return "gpt"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ProbeResult is the result of probing a partition.
//
// Type, Index and FSType are only set for GPT partitions.
type ProbeResult struct {
	Kind Kind

	Type   uuid.UUID
	Index  uint
	FSType optional.Optional[string]
}

// Tags is the key/value view of a probe.
type Tags interface {
	Lookup(name string) (string, bool)
}

// Library probes device nodes.
//
// It should return blkid.ErrNoResult or blkid.ErrAmbiguous if the probe is inconclusive.
type Library interface {
	ProbePath(node string) (Tags, error)
}

// BlkidLibrary implements Library with the blkid package.
type BlkidLibrary struct {
	logger *zap.Logger
}

// NewBlkidLibrary returns a new BlkidLibrary.
func NewBlkidLibrary(logger *zap.Logger) *BlkidLibrary {
	return &BlkidLibrary{logger: logger}
}

// ProbePath implements Library.
func (l *BlkidLibrary) ProbePath(node string) (Tags, error) {
	info, err := blkid.ProbePath(node, blkid.WithProbeLogger(l.logger))
	if err != nil {
		return nil, err
	}

	return info, nil
}

// Prober reports whether a device node is a GPT partition.
type Prober struct {
	lib Library
}

// NewProber returns a new Prober.
func NewProber(lib Library) *Prober {
	return &Prober{lib: lib}
}

// Probe the device node.
//
// Missing filesystem type is not an error, but a missing or invalid partition type or number is.
func (p *Prober) Probe(node string) (ProbeResult, error) {
	tags, err := p.lib.ProbePath(node)
	if err != nil {
		if errors.Is(err, blkid.ErrNoResult) || errors.Is(err, blkid.ErrAmbiguous) {
			return ProbeResult{Kind: Ambiguous}, nil
		}

		return ProbeResult{}, fmt.Errorf("%w: %s: %w", ErrUnreadable, node, err)
	}

	if scheme, ok := tags.Lookup(blkid.TagPartEntryScheme); !ok || scheme != SchemeGPT {
		return ProbeResult{Kind: NotGPT}, nil
	}

	typeStr, ok := tags.Lookup(blkid.TagPartEntryType)
	if !ok {
		return ProbeResult{}, fmt.Errorf("%w: %s: no partition type", ErrMalformed, node)
	}

	typeID, err := uuid.Parse(typeStr)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %s: invalid partition type %q: %w", ErrMalformed, node, typeStr, err)
	}

	numberStr, ok := tags.Lookup(blkid.TagPartEntryNumber)
	if !ok {
		return ProbeResult{}, fmt.Errorf("%w: %s: no partition number", ErrMalformed, node)
	}

	number, err := strconv.ParseUint(numberStr, 10, 32)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %s: invalid partition number %q: %w", ErrMalformed, node, numberStr, err)
	}

	if number == 0 {
		return ProbeResult{}, fmt.Errorf("%w: %s: partition number must be positive", ErrMalformed, node)
	}

	res := ProbeResult{
		Kind:  GPT,
		Type:  typeID,
		Index: uint(number),
	}

	if fsType, ok := tags.Lookup(blkid.TagType); ok {
		res.FSType = optional.Some(fsType)
	}

	return res, nil
}
