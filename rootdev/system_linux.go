// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package rootdev

import (
	"golang.org/x/sys/unix"

	"github.com/siderolabs/gpt-auto-generator/block"
)

// OS implements System with Linux system calls.
type OS struct{}

func defaultSystem() System {
	return OS{}
}

// DeviceOf implements System.
func (OS) DeviceOf(path string) (block.DevNo, error) {
	var st unix.Stat_t

	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}

	return block.DevNo(st.Dev), nil
}

// BlockDevice implements System.
func (OS) BlockDevice(path string) (block.DevNo, bool, error) {
	var st unix.Stat_t

	if err := unix.Stat(path, &st); err != nil {
		return 0, false, err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, false, nil
	}

	return block.DevNo(st.Rdev), true, nil
}

// FilesystemType implements System.
func (OS) FilesystemType(path string) (int64, error) {
	var sfs unix.Statfs_t

	if err := unix.Statfs(path, &sfs); err != nil {
		return 0, err
	}

	return int64(sfs.Type), nil //nolint:unconvert
}

// OpenTopology implements System.
func (OS) OpenTopology(path string) (Topology, error) {
	topology, err := openBtrfs(path)
	if err != nil {
		return nil, err
	}

	return topology, nil
}
