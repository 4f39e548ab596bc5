// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package testdisk provides a prebuilt GPT disk image for tests.
//
// The image is 8 MiB with 512-byte sectors and the following partition entries:
//
//	1  root (x86-64)   ext4 "rootfs"
//	2  home            ext4 "homefs"
//	3  swap            swap "swapspace"
//	4  home            no filesystem
//	5  linux data      no filesystem
//	7  swap            swap "swap2"
//
// Entry 6 is unused.
package testdisk

import (
	"bytes"
	_ "embed"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/freddierice/go-losetup/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/gpt.img.zst
var gptImage []byte

// Image geometry.
const (
	Size       = 8 * 1024 * 1024
	SectorSize = 512
)

// Well-known partition type GUIDs used in the image.
var (
	TypeRoot = uuid.MustParse("4f68bce3-e8cd-4db1-96e7-fbcaf984b709")
	TypeHome = uuid.MustParse("933ac7e1-2eb4-4f13-b844-0e14e2aef915")
	TypeSwap = uuid.MustParse("0657fd6d-a4ab-43c4-84e5-0933c84b4f4f")
	TypeData = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")

	DiskGUID = uuid.MustParse("b6a4a1d0-5d0b-4c55-9a40-1e2f3a4b5c6d")
)

// Partition describes a partition of the image.
type Partition struct {
	Type  uuid.UUID
	UUID  uuid.UUID
	Name  string
	Index uint

	FirstLBA, LastLBA uint64

	// Filesystem on the partition, empty if none.
	FSType  string
	FSLabel string
	// Filesystem UUID, equal to the partition UUID when FSType is set.
	FSUUID uuid.UUID
}

// Partitions of the image in entry order.
var Partitions = []Partition{
	{Index: 1, Type: TypeRoot, UUID: uuid.MustParse("11111111-1111-4111-8111-111111111111"), Name: "root", FirstLBA: 2048, LastLBA: 4095, FSType: "ext4", FSLabel: "rootfs"},
	{Index: 2, Type: TypeHome, UUID: uuid.MustParse("22222222-2222-4222-8222-222222222222"), Name: "home", FirstLBA: 4096, LastLBA: 6143, FSType: "ext4", FSLabel: "homefs"},
	{Index: 3, Type: TypeSwap, UUID: uuid.MustParse("33333333-3333-4333-8333-333333333333"), Name: "swap", FirstLBA: 6144, LastLBA: 8191, FSType: "swap", FSLabel: "swapspace"},
	{Index: 4, Type: TypeHome, UUID: uuid.MustParse("44444444-4444-4444-8444-444444444444"), Name: "home2", FirstLBA: 8192, LastLBA: 10239},
	{Index: 5, Type: TypeData, UUID: uuid.MustParse("55555555-5555-4555-8555-555555555555"), Name: "data", FirstLBA: 10240, LastLBA: 12287},
	{Index: 7, Type: TypeSwap, UUID: uuid.MustParse("77777777-7777-4777-8777-777777777777"), Name: "swap2", FirstLBA: 12288, LastLBA: 14335, FSType: "swap", FSLabel: "swap2"},
}

func init() {
	for i := range Partitions {
		if Partitions[i].FSType != "" {
			Partitions[i].FSUUID = Partitions[i].UUID
		}
	}
}

// Offset returns the partition offset in bytes.
func (p Partition) Offset() uint64 {
	return p.FirstLBA * SectorSize
}

// Size returns the partition size in bytes.
func (p Partition) Size() uint64 {
	return (p.LastLBA - p.FirstLBA + 1) * SectorSize
}

// Decompress returns the raw image contents.
func Decompress(t *testing.T) []byte {
	t.Helper()

	zr, err := zstd.NewReader(bytes.NewReader(gptImage))
	require.NoError(t, err)

	defer zr.Close()

	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Len(t, raw, Size)

	return raw
}

// WriteImage writes the raw image to a temporary file and returns its path.
func WriteImage(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gpt.img")

	require.NoError(t, os.WriteFile(path, Decompress(t), 0o600))

	return path
}

// PartitionPath returns the device node of the partition on the loop device.
func PartitionPath(disk string, index uint) string {
	if disk != "" && disk[len(disk)-1] >= '0' && disk[len(disk)-1] <= '9' {
		disk += "p"
	}

	return disk + strconv.FormatUint(uint64(index), 10)
}

// AttachLoop attaches the image to a loop device and rescans its partitions.
//
// The test is skipped unless it runs as root with partprobe available.
func AttachLoop(t *testing.T) string {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("skipping test; must be root")
	}

	if hostname, _ := os.Hostname(); hostname == "buildkitsandbox" { //nolint:errcheck
		t.Skip("test not supported under buildkit as partition devices are not propagated from /dev")
	}

	if _, err := exec.LookPath("partprobe"); err != nil {
		t.Skip("skipping test; partprobe is not available")
	}

	rawImage := WriteImage(t)

	loDev, err := losetup.Attach(rawImage, 0, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, loDev.Detach())
	})

	_, err = cmd.Run("partprobe", loDev.Path())
	require.NoError(t, err)

	return loDev.Path()
}
