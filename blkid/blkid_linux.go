// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package blkid

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/gpt-auto-generator/block"
)

// ProbePath returns the probe information for the specified path.
func ProbePath(devpath string, opts ...ProbeOption) (*Info, error) {
	f, err := os.OpenFile(devpath, os.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	return Probe(f, opts...)
}

// Probe returns the probe information for the specified file.
//
// If more than one filesystem is detected, ErrAmbiguous is returned.
// If neither a filesystem nor partitioning information is detected, ErrNoResult is returned.
//
//nolint:gocyclo,cyclop
func Probe(f *os.File, opts ...ProbeOption) (*Info, error) {
	options := applyProbeOptions(opts...)

	unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM) //nolint:errcheck // best-effort: we don't care if this fails

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}

	info := &Info{}

	sysStat := st.Sys().(*syscall.Stat_t) //nolint:errcheck,forcetypeassert // we know it's a syscall.Stat_t

	switch sysStat.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		// block device, initialize full support
		info.BlockDevice = block.NewFromFile(f)

		info.DevNo, err = info.BlockDevice.GetDevNo()
		if err != nil {
			return nil, fmt.Errorf("failed to get device number: %w", err)
		}

		if info.Size, err = info.BlockDevice.GetSize(); err != nil {
			return nil, fmt.Errorf("failed to get block device size: %w", err)
		}

		if info.IOSize, err = info.BlockDevice.GetIOSize(); err != nil {
			return nil, fmt.Errorf("failed to get block device I/O size: %w", err)
		}

		info.SectorSize = info.BlockDevice.GetSectorSize()

		info.WholeDisk, err = info.BlockDevice.IsWholeDisk()
		if err != nil {
			return nil, fmt.Errorf("failed to check if block device is whole disk: %w", err)
		}
	case unix.S_IFREG:
		// regular file (an image?), so use different settings
		info.Size = uint64(st.Size())
		info.IOSize = block.DefaultBlockSize
		info.SectorSize = block.DefaultBlockSize
		info.WholeDisk = true
	default:
		return nil, fmt.Errorf("unsupported file type: %s", st.Mode().Type())
	}

	logger := options.Logger.With(zap.String("path", f.Name()))

	var wholeDisk *block.Device

	if info.BlockDevice != nil {
		// partition entries are read from the whole disk, and the whole disk is locked while probing
		wholeDisk, err = info.BlockDevice.GetWholeDisk()
		if err != nil {
			return nil, fmt.Errorf("failed to get whole disk: %w", err)
		}

		defer wholeDisk.Close() //nolint:errcheck

		if !options.SkipLocking {
			if err = wholeDisk.TryLock(false); err != nil {
				if errors.Is(err, unix.EWOULDBLOCK) {
					return nil, ErrFailedLock
				}

				return nil, fmt.Errorf("failed to lock whole disk: %w", err)
			}

			defer wholeDisk.Unlock() //nolint:errcheck
		}
	}

	r := newProbeReader(f, 0, info.Size, info.SectorSize)

	superblock, err := probeSuperblocks(r, info.IOSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to probe: %w", err)
	}

	if superblock != nil {
		info.ProbeResult = *superblock
	}

	switch {
	case info.WholeDisk:
		info.PartitionTable, err = probePartitionTable(r, info.IOSize, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to probe partition table: %w", err)
		}
	case wholeDisk != nil:
		info.PartitionEntry, err = info.probePartitionEntry(wholeDisk, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to probe partition entry: %w", err)
		}
	}

	if superblock == nil && info.PartitionTable == nil && info.PartitionEntry == nil {
		return nil, ErrNoResult
	}

	return info, nil
}

func (i *Info) probePartitionEntry(wholeDisk *block.Device, logger *zap.Logger) (*PartitionEntry, error) {
	partNo, err := i.BlockDevice.GetPartitionNumber()
	if err != nil {
		if errors.Is(err, block.ErrNotPartition) {
			return nil, nil //nolint:nilnil
		}

		return nil, err
	}

	diskDevNo, err := wholeDisk.GetDevNo()
	if err != nil {
		return nil, err
	}

	diskSize, err := wholeDisk.GetSize()
	if err != nil {
		return nil, fmt.Errorf("failed to get whole disk size: %w", err)
	}

	diskIOSize, err := wholeDisk.GetIOSize()
	if err != nil {
		return nil, fmt.Errorf("failed to get whole disk I/O size: %w", err)
	}

	table, err := probePartitionTable(newProbeReader(wholeDisk, 0, diskSize, wholeDisk.GetSectorSize()), diskIOSize, logger)
	if err != nil {
		return nil, err
	}

	if table == nil {
		logger.Debug("no partition table on the whole disk", zap.Stringer("disk", diskDevNo))

		return nil, nil //nolint:nilnil
	}

	for _, part := range table.Parts {
		if part.PartitionIndex != partNo {
			continue
		}

		return &PartitionEntry{
			NestedResult: part.NestedResult,
			Scheme:       table.Name,
			TableUUID:    table.UUID,
			Disk:         diskDevNo,
		}, nil
	}

	logger.Debug("partition not found in the partition table", zap.Uint("partition", partNo))

	return nil, nil //nolint:nilnil
}
