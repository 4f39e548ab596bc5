// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sysblock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/gpt-auto-generator/block"
	"github.com/siderolabs/gpt-auto-generator/internal/testdisk"
	"github.com/siderolabs/gpt-auto-generator/sysblock"
)

var (
	diskDevNo  = block.NewDevNo(8, 0)
	part1DevNo = block.NewDevNo(8, 1)
	part2DevNo = block.NewDevNo(8, 2)
	part3DevNo = block.NewDevNo(259, 0)
	otherDevNo = block.NewDevNo(8, 16)
)

const diskPath = "/sys/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda"

// fakeSysfs builds a sysfs tree with sda (three partitions, the third without a device name) and sdb.
func fakeSysfs(t *testing.T) vfs.FS {
	t.Helper()

	fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
		diskPath + "/dev":     "8:0\n",
		diskPath + "/uevent":  "MAJOR=8\nMINOR=0\nDEVNAME=sda\nDEVTYPE=disk\nDISKSEQ=9\n",
		diskPath + "/queue":   &vfst.Dir{Perm: 0o755},
		diskPath + "/holders": &vfst.Dir{Perm: 0o755},

		diskPath + "/sda1/dev":    "8:1\n",
		diskPath + "/sda1/uevent": "MAJOR=8\nMINOR=1\nDEVNAME=sda1\nDEVTYPE=partition\nPARTN=1\n",

		diskPath + "/sda2/dev":    "8:2\n",
		diskPath + "/sda2/uevent": "MAJOR=8\nMINOR=2\nDEVNAME=sda2\nDEVTYPE=partition\nPARTN=2\nPARTNAME=home\n",

		diskPath + "/sda3/dev":    "259:0\n",
		diskPath + "/sda3/uevent": "MAJOR=259\nMINOR=0\nDEVTYPE=partition\nPARTN=3\n",

		"/sys/devices/virtual/block/sdb/dev":    "8:16\n",
		"/sys/devices/virtual/block/sdb/uevent": "MAJOR=8\nMINOR=16\nDEVNAME=sdb\nDEVTYPE=disk\n",

		"/sys/dev/block":   &vfst.Dir{Perm: 0o755},
		"/sys/class/block": &vfst.Dir{Perm: 0o755},
	})
	require.NoError(t, err)

	t.Cleanup(cleanup)

	root := fs.TempDir()

	for link, target := range map[string]string{
		"/sys/dev/block/8:0":   "../.." + diskPath[len("/sys"):],
		"/sys/dev/block/8:1":   "../.." + diskPath[len("/sys"):] + "/sda1",
		"/sys/dev/block/8:2":   "../.." + diskPath[len("/sys"):] + "/sda2",
		"/sys/dev/block/259:0": "../.." + diskPath[len("/sys"):] + "/sda3",
		"/sys/dev/block/8:16":  "../../devices/virtual/block/sdb",

		diskPath + "/subsystem":      "../../../../../../../../../class/block",
		diskPath + "/sda1/subsystem": "../../../../../../../../../../class/block",
		diskPath + "/sda2/subsystem": "../../../../../../../../../../class/block",
		diskPath + "/sda3/subsystem": "../../../../../../../../../../class/block",

		"/sys/devices/virtual/block/sdb/subsystem": "../../../../class/block",
	} {
		require.NoError(t, os.Symlink(target, filepath.Join(root, link)))
	}

	return fs
}

func newService(t *testing.T) *sysblock.Service {
	t.Helper()

	return sysblock.New(
		sysblock.WithFS(fakeSysfs(t)),
		sysblock.WithLogger(zaptest.NewLogger(t)),
	)
}

func TestLookup(t *testing.T) {
	svc := newService(t)

	dev, err := svc.Lookup(part2DevNo)
	require.NoError(t, err)

	assert.Equal(t, &sysblock.Device{
		DevNo:     part2DevNo,
		SysPath:   diskPath + "/sda2",
		Name:      "sda2",
		Type:      sysblock.TypePartition,
		Partition: 2,
	}, dev)

	dev, err = svc.Lookup(diskDevNo)
	require.NoError(t, err)

	assert.Equal(t, sysblock.TypeDisk, dev.Type)
	assert.Zero(t, dev.Partition)

	_, err = svc.Lookup(block.NewDevNo(253, 7))
	require.ErrorIs(t, err, sysblock.ErrNotFound)
}

func TestParent(t *testing.T) {
	svc := newService(t)

	for _, devNo := range []block.DevNo{part1DevNo, part2DevNo, part3DevNo} {
		parent, ok, err := svc.Parent(devNo)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, diskDevNo, parent)
	}

	for _, devNo := range []block.DevNo{diskDevNo, otherDevNo} {
		_, ok, err := svc.Parent(devNo)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, _, err := svc.Parent(block.NewDevNo(253, 7))
	require.ErrorIs(t, err, sysblock.ErrNotFound)
}

func TestChildren(t *testing.T) {
	svc := newService(t)

	children, err := svc.Children(diskDevNo)
	require.NoError(t, err)

	assert.Equal(t, []block.DevNo{diskDevNo, part1DevNo, part2DevNo, part3DevNo}, children)

	children, err = svc.Children(otherDevNo)
	require.NoError(t, err)

	assert.Equal(t, []block.DevNo{otherDevNo}, children)

	children, err = svc.Children(part1DevNo)
	require.NoError(t, err)

	assert.Equal(t, []block.DevNo{part1DevNo}, children)
}

func TestDevNode(t *testing.T) {
	svc := newService(t)

	node, err := svc.DevNode(part2DevNo)
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda2", node)

	node, err = svc.DevNode(diskDevNo)
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", node)

	_, err = svc.DevNode(part3DevNo)
	require.ErrorIs(t, err, sysblock.ErrNoDevNode)

	_, err = svc.DevNode(block.NewDevNo(253, 7))
	require.ErrorIs(t, err, sysblock.ErrNotFound)

	svc = sysblock.New(sysblock.WithFS(fakeSysfs(t)), sysblock.WithDevRoot("/run/dev"))

	node, err = svc.DevNode(part1DevNo)
	require.NoError(t, err)
	assert.Equal(t, "/run/dev/sda1", node)
}

func TestLoopDevice(t *testing.T) {
	devPath := testdisk.AttachLoop(t)

	var st unix.Stat_t

	require.NoError(t, unix.Stat(devPath, &st))

	diskDevNo := block.DevNo(st.Rdev)

	svc := sysblock.New(sysblock.WithLogger(zaptest.NewLogger(t)))

	node, err := svc.DevNode(diskDevNo)
	require.NoError(t, err)
	assert.Equal(t, devPath, node)

	children, err := svc.Children(diskDevNo)
	require.NoError(t, err)

	assert.Len(t, children, len(testdisk.Partitions)+1)
	assert.Contains(t, children, diskDevNo)

	for _, part := range testdisk.Partitions {
		require.NoError(t, unix.Stat(testdisk.PartitionPath(devPath, part.Index), &st))

		partDevNo := block.DevNo(st.Rdev)

		assert.Contains(t, children, partDevNo)

		parent, ok, err := svc.Parent(partDevNo)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, diskDevNo, parent)

		dev, err := svc.Lookup(partDevNo)
		require.NoError(t, err)
		assert.Equal(t, part.Index, dev.Partition)
		assert.Equal(t, sysblock.TypePartition, dev.Type)

		node, err := svc.DevNode(partDevNo)
		require.NoError(t, err)
		assert.Equal(t, testdisk.PartitionPath(devPath, part.Index), node)
	}
}
