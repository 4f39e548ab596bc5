// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package generator

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/siderolabs/gen/optional"
	"go.uber.org/zap"

	"github.com/siderolabs/gpt-auto-generator/block"
)

// Well-known GPT partition types.
var (
	SwapPartitionType = uuid.MustParse("0657fd6d-a4ab-43c4-84e5-0933c84b4f4f")
	HomePartitionType = uuid.MustParse("933ac7e1-2eb4-4f13-b844-0e14e2aef915")
)

// Role is what a partition is used for.
type Role int

// Roles.
const (
	RoleSwap Role = iota + 1
	RoleHome
)

func (r Role) String() string {
	switch r {
	case RoleSwap:
		return "swap"
	case RoleHome:
		return "home"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// TypeID returns the GPT partition type of the role.
func (r Role) TypeID() uuid.UUID {
	switch r {
	case RoleSwap:
		return SwapPartitionType
	case RoleHome:
		return HomePartitionType
	default:
		return uuid.Nil
	}
}

// RoleForType returns the role of the GPT partition type.
func RoleForType(typeID uuid.UUID) (Role, bool) {
	for _, role := range []Role{RoleSwap, RoleHome} {
		if role.TypeID() == typeID {
			return role, true
		}
	}

	return 0, false
}

// Candidate is a partition selected for a role.
type Candidate struct {
	Node   string
	DevNo  block.DevNo
	Index  uint
	FSType optional.Optional[string]
}

// Selection is the result of classifying the partitions of a disk.
type Selection struct {
	// Swap contains every swap partition, ordered by partition index.
	Swap []Candidate
	// Home is the home partition with the lowest index, nil if none.
	Home *Candidate
}

func (s *Selection) add(role Role, c Candidate) {
	switch role {
	case RoleSwap:
		idx, _ := slices.BinarySearchFunc(s.Swap, c.Index, func(a Candidate, index uint) int {
			return cmp.Compare(a.Index, index)
		})

		s.Swap = slices.Insert(s.Swap, idx, c)
	case RoleHome:
		if s.Home == nil || c.Index < s.Home.Index {
			s.Home = &c
		}
	}
}

// DeviceTree is the block device metadata.
type DeviceTree interface {
	// Parent returns the disk containing the device, ok is false for whole disks.
	Parent(devNo block.DevNo) (parent block.DevNo, ok bool, err error)
	// Children returns the device and all block devices it contains.
	Children(devNo block.DevNo) ([]block.DevNo, error)
	// DevNode returns the device node path.
	DevNode(devNo block.DevNo) (string, error)
}

// PartitionProber probes a device node.
type PartitionProber interface {
	Probe(node string) (ProbeResult, error)
}

// Classifier picks swap and home partitions among the siblings of the root partition.
type Classifier struct {
	tree   DeviceTree
	prober PartitionProber
	logger *zap.Logger
}

// NewClassifier returns a new Classifier.
func NewClassifier(tree DeviceTree, prober PartitionProber, logger *zap.Logger) *Classifier {
	return &Classifier{
		tree:   tree,
		prober: prober,
		logger: logger,
	}
}

// Classify the partitions on the same disk as root.
//
// The root partition and the disk itself are never selected. Siblings which
// can't be probed are skipped, malformed GPT entries abort the classification.
func (c *Classifier) Classify(root block.DevNo) (Selection, error) {
	var sel Selection

	parent, ok, err := c.tree.Parent(root)
	if err != nil {
		return sel, fmt.Errorf("failed to find parent of %s: %w", root, err)
	}

	if !ok {
		c.logger.Debug("root device has no parent", zap.Stringer("devno", root))

		return sel, nil
	}

	siblings, err := c.tree.Children(parent)
	if err != nil {
		return sel, fmt.Errorf("failed to enumerate partitions on %s: %w", parent, err)
	}

	for _, devNo := range siblings {
		if devNo == root || devNo == parent {
			continue
		}

		node, err := c.tree.DevNode(devNo)
		if err != nil {
			return Selection{}, fmt.Errorf("failed to find device node of %s: %w", devNo, err)
		}

		logger := c.logger.With(zap.String("node", node), zap.Stringer("devno", devNo))

		res, err := c.prober.Probe(node)
		if err != nil {
			if errors.Is(err, ErrUnreadable) {
				logger.Debug("skipping unreadable partition", zap.Error(err))

				continue
			}

			return Selection{}, fmt.Errorf("failed to verify GPT partition %s: %w", node, err)
		}

		switch res.Kind {
		case Ambiguous:
			logger.Debug("skipping partition with ambiguous probe result")

			continue
		case NotGPT:
			continue
		case GPT:
		}

		role, ok := RoleForType(res.Type)
		if !ok {
			continue
		}

		logger.Debug("found partition", zap.Stringer("role", role), zap.Uint("index", res.Index), zap.String("fstype", res.FSType.ValueOr("")))

		sel.add(role, Candidate{
			Node:   node,
			DevNo:  devNo,
			Index:  res.Index,
			FSType: res.FSType,
		})
	}

	return sel, nil
}
