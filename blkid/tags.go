// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package blkid

import (
	"strconv"
)

// Tag names, compatible with libblkid.
const (
	TagType  = "TYPE"
	TagUUID  = "UUID"
	TagLabel = "LABEL"

	TagPartitionTableType = "PTTYPE"
	TagPartitionTableUUID = "PTUUID"

	TagPartEntryScheme = "PART_ENTRY_SCHEME"
	TagPartEntryType   = "PART_ENTRY_TYPE"
	TagPartEntryNumber = "PART_ENTRY_NUMBER"
	TagPartEntryName   = "PART_ENTRY_NAME"
	TagPartEntryUUID   = "PART_ENTRY_UUID"
	TagPartEntryOffset = "PART_ENTRY_OFFSET"
	TagPartEntrySize   = "PART_ENTRY_SIZE"
	TagPartEntryDisk   = "PART_ENTRY_DISK"
)

// libblkid always reports partition offsets and sizes in 512-byte sectors.
const tagSectorSize = 512

// Tags returns the probe results as a set of libblkid-style tags.
//
// Tags which were not detected are not present in the map.
func (i *Info) Tags() map[string]string {
	tags := map[string]string{}

	if i.Name != "" {
		tags[TagType] = i.Name
	}

	if i.UUID != nil {
		tags[TagUUID] = i.UUID.String()
	}

	if i.Label != nil {
		tags[TagLabel] = *i.Label
	}

	if i.PartitionTable != nil {
		tags[TagPartitionTableType] = i.PartitionTable.Name

		if i.PartitionTable.UUID != nil {
			tags[TagPartitionTableUUID] = i.PartitionTable.UUID.String()
		}
	}

	if entry := i.PartitionEntry; entry != nil {
		tags[TagPartEntryScheme] = entry.Scheme
		tags[TagPartEntryNumber] = strconv.FormatUint(uint64(entry.PartitionIndex), 10)
		tags[TagPartEntryOffset] = strconv.FormatUint(entry.PartitionOffset/tagSectorSize, 10)
		tags[TagPartEntrySize] = strconv.FormatUint(entry.PartitionSize/tagSectorSize, 10)
		tags[TagPartEntryDisk] = entry.Disk.String()

		if entry.PartitionType != nil {
			tags[TagPartEntryType] = entry.PartitionType.String()
		}

		if entry.PartitionUUID != nil {
			tags[TagPartEntryUUID] = entry.PartitionUUID.String()
		}

		if entry.PartitionLabel != nil {
			tags[TagPartEntryName] = *entry.PartitionLabel
		}
	}

	return tags
}

// Lookup returns the value of the tag, if it was detected.
func (i *Info) Lookup(tag string) (string, bool) {
	v, ok := i.Tags()[tag]

	return v, ok
}
