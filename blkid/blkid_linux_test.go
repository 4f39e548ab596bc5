// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package blkid_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/siderolabs/gen/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/gpt-auto-generator/blkid"
	"github.com/siderolabs/gpt-auto-generator/block"
	"github.com/siderolabs/gpt-auto-generator/internal/testdisk"
)

const MiB = 1024 * 1024

func writeFile(t *testing.T, contents []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "image.raw")

	require.NoError(t, os.WriteFile(path, contents, 0o600))

	return path
}

func partitionContents(t *testing.T, index uint) []byte {
	t.Helper()

	raw := testdisk.Decompress(t)

	for _, part := range testdisk.Partitions {
		if part.Index == index {
			return raw[part.Offset() : part.Offset()+part.Size()]
		}
	}

	require.Failf(t, "partition not found", "index %d", index)

	return nil
}

func assertPartitionTable(t *testing.T, table *blkid.PartitionTable) {
	t.Helper()

	require.NotNil(t, table)

	assert.Equal(t, "gpt", table.Name)
	require.NotNil(t, table.UUID)
	assert.Equal(t, testdisk.DiskGUID, *table.UUID)

	require.Len(t, table.Parts, len(testdisk.Partitions))

	assert.Equal(t,
		xslices.Map(testdisk.Partitions, func(p testdisk.Partition) uint { return p.Index }),
		xslices.Map(table.Parts, func(p blkid.NestedProbeResult) uint { return p.PartitionIndex }),
	)

	for i, part := range testdisk.Partitions {
		actual := table.Parts[i]

		assert.Equal(t, part.Type, *actual.PartitionType)
		assert.Equal(t, part.UUID, *actual.PartitionUUID)
		assert.Equal(t, part.Name, *actual.PartitionLabel)
		assert.Equal(t, part.Offset(), actual.PartitionOffset)
		assert.Equal(t, part.Size(), actual.PartitionSize)

		assert.Equal(t, part.FSType, actual.Name)

		if part.FSType != "" {
			require.NotNil(t, actual.Label)
			assert.Equal(t, part.FSLabel, *actual.Label)
			require.NotNil(t, actual.UUID)
			assert.Equal(t, part.FSUUID, *actual.UUID)
		} else {
			assert.Nil(t, actual.Label)
			assert.Nil(t, actual.UUID)
		}
	}
}

func TestProbePathImage(t *testing.T) {
	info, err := blkid.ProbePath(testdisk.WriteImage(t), blkid.WithProbeLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	assert.Nil(t, info.BlockDevice)
	assert.True(t, info.WholeDisk)
	assert.EqualValues(t, testdisk.Size, info.Size)
	assert.EqualValues(t, block.DefaultBlockSize, info.IOSize)
	assert.EqualValues(t, testdisk.SectorSize, info.SectorSize)

	assert.Empty(t, info.Name)
	assert.Nil(t, info.PartitionEntry)

	assertPartitionTable(t, info.PartitionTable)

	assert.Equal(t, map[string]string{
		blkid.TagPartitionTableType: "gpt",
		blkid.TagPartitionTableUUID: testdisk.DiskGUID.String(),
	}, info.Tags())

	_, ok := info.Lookup(blkid.TagType)
	assert.False(t, ok)
}

func TestProbePathFilesystems(t *testing.T) {
	for _, part := range testdisk.Partitions {
		if part.FSType == "" {
			continue
		}

		t.Run(part.Name, func(t *testing.T) {
			info, err := blkid.ProbePath(writeFile(t, partitionContents(t, part.Index)), blkid.WithProbeLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)

			assert.Equal(t, part.FSType, info.Name)

			require.NotNil(t, info.Label)
			assert.Equal(t, part.FSLabel, *info.Label)

			require.NotNil(t, info.UUID)
			assert.Equal(t, part.FSUUID, *info.UUID)

			assert.NotZero(t, info.BlockSize)
			assert.NotZero(t, info.FilesystemBlockSize)
			assert.LessOrEqual(t, info.ProbedSize, part.Size())

			// a filesystem image has no partition table
			assert.Nil(t, info.PartitionTable)

			fsType, ok := info.Lookup(blkid.TagType)
			require.True(t, ok)
			assert.Equal(t, part.FSType, fsType)

			label, ok := info.Lookup(blkid.TagLabel)
			require.True(t, ok)
			assert.Equal(t, part.FSLabel, label)

			fsUUID, ok := info.Lookup(blkid.TagUUID)
			require.True(t, ok)
			assert.Equal(t, part.FSUUID.String(), fsUUID)
		})
	}
}

func TestProbePathNoResult(t *testing.T) {
	for name, contents := range map[string][]byte{
		"empty":  nil,
		"zeroes": make([]byte, MiB),
		"no fs":  partitionContents(t, 4),
		"tiny":   {1, 2, 3},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := blkid.ProbePath(writeFile(t, contents))
			require.ErrorIs(t, err, blkid.ErrNoResult)
		})
	}
}

func TestProbePathAmbiguous(t *testing.T) {
	// ext4 filesystem with a btrfs superblock on top of it
	contents := partitionContents(t, 2)

	sb := contents[0x10000:]
	copy(sb[0x40:], "_BHRfS_M")
	binary.LittleEndian.PutUint32(sb[0x90:], 4096)

	_, err := blkid.ProbePath(writeFile(t, contents))
	require.ErrorIs(t, err, blkid.ErrAmbiguous)
	assert.ErrorContains(t, err, "ext4")
	assert.ErrorContains(t, err, "btrfs")
}

func TestProbePathMissing(t *testing.T) {
	_, err := blkid.ProbePath(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestProbePathUnsupported(t *testing.T) {
	_, err := blkid.ProbePath(t.TempDir())
	require.Error(t, err)
}

func TestTags(t *testing.T) {
	partUUID := uuid.MustParse("22222222-2222-4222-8222-222222222222")
	fsUUID := uuid.MustParse("0a0a0a0a-1b1b-4c2c-8d3d-4e4e4e4e4e4e")
	label := "homefs"
	name := "home"

	info := &blkid.Info{
		ProbeResult: blkid.ProbeResult{
			Name:  "ext4",
			UUID:  &fsUUID,
			Label: &label,
		},
		PartitionEntry: &blkid.PartitionEntry{
			NestedResult: blkid.NestedResult{
				PartitionUUID:   &partUUID,
				PartitionType:   &testdisk.TypeHome,
				PartitionLabel:  &name,
				PartitionIndex:  2,
				PartitionOffset: 4096 * 512,
				PartitionSize:   2048 * 512,
			},
			Scheme:    "gpt",
			TableUUID: &testdisk.DiskGUID,
			Disk:      block.NewDevNo(7, 0),
		},
	}

	assert.Equal(t, map[string]string{
		blkid.TagType:            "ext4",
		blkid.TagUUID:            "0a0a0a0a-1b1b-4c2c-8d3d-4e4e4e4e4e4e",
		blkid.TagLabel:           "homefs",
		blkid.TagPartEntryScheme: "gpt",
		blkid.TagPartEntryType:   "933ac7e1-2eb4-4f13-b844-0e14e2aef915",
		blkid.TagPartEntryNumber: "2",
		blkid.TagPartEntryName:   "home",
		blkid.TagPartEntryUUID:   "22222222-2222-4222-8222-222222222222",
		blkid.TagPartEntryOffset: "4096",
		blkid.TagPartEntrySize:   "2048",
		blkid.TagPartEntryDisk:   "7:0",
	}, info.Tags())

	v, ok := info.Lookup(blkid.TagPartEntryNumber)
	require.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = info.Lookup(blkid.TagPartitionTableType)
	assert.False(t, ok)

	_, ok = info.Lookup("NOT_A_TAG")
	assert.False(t, ok)
}

func TestProbeLoopDevice(t *testing.T) {
	devPath := testdisk.AttachLoop(t)

	logger := zaptest.NewLogger(t)

	info, err := blkid.ProbePath(devPath, blkid.WithProbeLogger(logger))
	require.NoError(t, err)

	assert.NotNil(t, info.BlockDevice)
	assert.True(t, info.WholeDisk)
	assert.False(t, info.DevNo.IsZero())
	assert.EqualValues(t, testdisk.Size, info.Size)

	assertPartitionTable(t, info.PartitionTable)
	assert.Nil(t, info.PartitionEntry)

	for _, part := range testdisk.Partitions {
		t.Run(part.Name, func(t *testing.T) {
			partInfo, err := blkid.ProbePath(testdisk.PartitionPath(devPath, part.Index), blkid.WithProbeLogger(logger))
			require.NoError(t, err)

			assert.False(t, partInfo.WholeDisk)
			assert.Nil(t, partInfo.PartitionTable)
			assert.Equal(t, part.FSType, partInfo.Name)

			require.NotNil(t, partInfo.PartitionEntry)
			assert.Equal(t, info.DevNo, partInfo.PartitionEntry.Disk)

			tags := partInfo.Tags()

			assert.Equal(t, "gpt", tags[blkid.TagPartEntryScheme])
			assert.Equal(t, part.Type.String(), tags[blkid.TagPartEntryType])
			assert.Equal(t, strconv.FormatUint(uint64(part.Index), 10), tags[blkid.TagPartEntryNumber])
			assert.Equal(t, part.UUID.String(), tags[blkid.TagPartEntryUUID])
			assert.Equal(t, part.Name, tags[blkid.TagPartEntryName])
			assert.Equal(t, strconv.FormatUint(part.FirstLBA, 10), tags[blkid.TagPartEntryOffset])
		})
	}

	t.Run("locked", func(t *testing.T) {
		dev, err := block.NewFromPath(devPath)
		require.NoError(t, err)

		t.Cleanup(func() {
			assert.NoError(t, dev.Close())
		})

		require.NoError(t, dev.Lock(true))

		t.Cleanup(func() {
			assert.NoError(t, dev.Unlock())
		})

		_, err = blkid.ProbePath(testdisk.PartitionPath(devPath, 3))
		require.ErrorIs(t, err, blkid.ErrFailedLock)

		_, err = blkid.ProbePath(testdisk.PartitionPath(devPath, 3), blkid.WithSkipLocking(true))
		require.NoError(t, err)
	})
}
