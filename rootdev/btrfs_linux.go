// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package rootdev

import (
	"bytes"
	"errors"
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Btrfs ioctl numbers, _IOR(0x94, 31, fs_info_args) and _IOWR(0x94, 30, dev_info_args).
//
//nolint:stylecheck,revive
const (
	BTRFS_IOC_FS_INFO  = 0x8400941f
	BTRFS_IOC_DEV_INFO = 0xd000941e
)

// btrfsFSInfoArgs is struct btrfs_ioctl_fs_info_args.
type btrfsFSInfoArgs struct {
	MaxID      uint64
	NumDevices uint64
	FSID       [16]byte
	_          [992]byte
}

// btrfsDevInfoArgs is struct btrfs_ioctl_dev_info_args.
type btrfsDevInfoArgs struct {
	DevID      uint64
	UUID       [16]byte
	BytesUsed  uint64
	TotalBytes uint64
	_          [379]uint64
	Path       [1024]byte
}

type btrfsTopology struct {
	fd int
}

func openBtrfs(path string) (*btrfsTopology, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &btrfsTopology{fd: fd}, nil
}

func (t *btrfsTopology) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), req, uintptr(arg))

		switch errno { //nolint:exhaustive
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// Info implements Topology.
func (t *btrfsTopology) Info() (FilesystemInfo, error) {
	var args btrfsFSInfoArgs

	if err := t.ioctl(BTRFS_IOC_FS_INFO, unsafe.Pointer(&args)); err != nil {
		return FilesystemInfo{}, fmt.Errorf("BTRFS_IOC_FS_INFO: %w", err)
	}

	return FilesystemInfo{
		FSID:       uuid.UUID(args.FSID),
		MaxID:      args.MaxID,
		NumDevices: args.NumDevices,
	}, nil
}

// DeviceInfo implements Topology.
func (t *btrfsTopology) DeviceInfo(id uint64) (DeviceInfo, error) {
	args := btrfsDevInfoArgs{
		DevID: id,
	}

	if err := t.ioctl(BTRFS_IOC_DEV_INFO, unsafe.Pointer(&args)); err != nil {
		if errors.Is(err, unix.ENODEV) {
			return DeviceInfo{}, fmt.Errorf("%w: %d", ErrNoSuchDevice, id)
		}

		return DeviceInfo{}, fmt.Errorf("BTRFS_IOC_DEV_INFO: %w", err)
	}

	path := args.Path[:]

	if idx := bytes.IndexByte(path, 0); idx != -1 {
		path = path[:idx]
	}

	return DeviceInfo{
		ID:   args.DevID,
		UUID: uuid.UUID(args.UUID),
		Path: string(path),
	}, nil
}

// Close implements Topology.
func (t *btrfsTopology) Close() error {
	return unix.Close(t.fd)
}
