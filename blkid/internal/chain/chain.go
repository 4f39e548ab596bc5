// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chain provides lists of probers for filesystems and partition tables.
package chain

import (
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/filesystems/btrfs"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/filesystems/ext"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/filesystems/swap"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/filesystems/vfat"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/filesystems/xfs"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/partitions/gpt"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
)

// Chain is a list of probers.
type Chain []probe.Prober

// MaxMagicSize returns the maximum size of the magic value in the chain.
func (chain Chain) MaxMagicSize() int {
	maxSize := 0

	for _, prober := range chain {
		for _, magic := range prober.Magic() {
			maxSize = max(maxSize, magic.BlockSize())
		}
	}

	return maxSize
}

// MagicMatches returns the probers that match the magic value in the buffer.
//
// Each prober is reported at most once, with the first magic that matched.
func (chain Chain) MagicMatches(buf []byte) []probe.MagicMatch {
	var matches []probe.MagicMatch

	for _, prober := range chain {
		for _, magic := range prober.Magic() {
			if magic.Matches(buf) {
				matches = append(matches, probe.MagicMatch{Magic: *magic, Prober: prober})

				break
			}
		}
	}

	return matches
}

// Superblocks returns the probers for filesystems and swap.
func Superblocks() Chain {
	return Chain{
		&xfs.Probe{},
		&ext.Probe{Variant: ext.Ext4},
		&ext.Probe{Variant: ext.Ext3},
		&ext.Probe{Variant: ext.Ext2},
		&btrfs.Probe{},
		&vfat.Probe{},
		&swap.Probe{},
	}
}

// PartitionTables returns the probers for partition tables.
func PartitionTables() Chain {
	return Chain{
		&gpt.Probe{},
	}
}
