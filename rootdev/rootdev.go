// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rootdev finds the block device backing a mounted filesystem.
//
// Filesystems like btrfs report a synthetic device number (major 0) for
// their mounts, in that case the device is found by querying the filesystem
// topology, which is only supported for single-device filesystems.
package rootdev

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/gpt-auto-generator/block"
)

// BtrfsSuperMagic is the statfs filesystem type of btrfs.
const BtrfsSuperMagic = 0x9123683e

// Common errors.
var (
	// ErrTopology is returned when the filesystem reports a device which is not a block device.
	ErrTopology = errors.New("inconsistent filesystem topology")
	// ErrNoDevice is returned when the filesystem topology lists no usable device.
	ErrNoDevice = errors.New("no block device found in filesystem topology")
	// ErrNoSuchDevice is returned by Topology.DeviceInfo for unused device ids.
	ErrNoSuchDevice = errors.New("no such device id")
)

// FilesystemInfo is the summary of a multi-device filesystem.
type FilesystemInfo struct {
	FSID       uuid.UUID
	MaxID      uint64
	NumDevices uint64
}

// DeviceInfo describes a single device of a multi-device filesystem.
type DeviceInfo struct {
	ID   uint64
	UUID uuid.UUID
	Path string
}

// Topology queries the devices of a mounted multi-device filesystem.
type Topology interface {
	Info() (FilesystemInfo, error)
	DeviceInfo(id uint64) (DeviceInfo, error)
	Close() error
}

// System is the set of system calls used by the Resolver.
type System interface {
	// DeviceOf returns the device number of the filesystem containing path, without following symlinks.
	DeviceOf(path string) (block.DevNo, error)
	// BlockDevice returns the device number of the device node at path, ok is false if it is not a block device.
	BlockDevice(path string) (devNo block.DevNo, ok bool, err error)
	// FilesystemType returns the statfs magic of the filesystem containing path.
	FilesystemType(path string) (int64, error)
	// OpenTopology opens the topology query interface for the filesystem mounted at path.
	OpenTopology(path string) (Topology, error)
}

// Options configures the Resolver.
type Options struct {
	System System
	Logger *zap.Logger
}

// Option is an option for the Resolver.
type Option func(*Options)

// WithSystem overrides the system calls.
func WithSystem(system System) Option {
	return func(o *Options) {
		o.System = system
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Resolver finds the block device of a mounted filesystem.
type Resolver struct {
	system System
	logger *zap.Logger
}

// NewResolver returns a new Resolver.
func NewResolver(opts ...Option) *Resolver {
	options := Options{
		System: defaultSystem(),
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Resolver{
		system: options.System,
		logger: options.Logger,
	}
}

// RootDevice returns the block device of the filesystem mounted at path.
//
// If the filesystem is not backed by a single block device, ok is false.
func (r *Resolver) RootDevice(path string) (devNo block.DevNo, ok bool, err error) {
	devNo, err = r.system.DeviceOf(path)
	if err != nil {
		return 0, false, fmt.Errorf("failed to stat %q: %w", path, err)
	}

	if devNo.Major() != 0 {
		return devNo, true, nil
	}

	fsType, err := r.system.FilesystemType(path)
	if err != nil {
		return 0, false, fmt.Errorf("failed to statfs %q: %w", path, err)
	}

	if fsType != BtrfsSuperMagic {
		r.logger.Debug("filesystem has a virtual device number", zap.String("path", path), zap.Stringer("devno", devNo))

		return 0, false, nil
	}

	return r.btrfsDevice(path)
}

func (r *Resolver) btrfsDevice(path string) (block.DevNo, bool, error) {
	topology, err := r.system.OpenTopology(path)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open %q: %w", path, err)
	}

	defer topology.Close() //nolint:errcheck

	info, err := topology.Info()
	if err != nil {
		return 0, false, fmt.Errorf("failed to query filesystem info: %w", err)
	}

	if info.NumDevices != 1 {
		r.logger.Debug("multi-device filesystem is not supported", zap.String("path", path), zap.Uint64("devices", info.NumDevices))

		return 0, false, nil
	}

	for id := uint64(1); id <= info.MaxID; id++ {
		dev, err := topology.DeviceInfo(id)
		if err != nil {
			if errors.Is(err, ErrNoSuchDevice) {
				continue
			}

			return 0, false, fmt.Errorf("failed to query device %d: %w", id, err)
		}

		devNo, isBlock, err := r.system.BlockDevice(dev.Path)
		if err != nil {
			return 0, false, fmt.Errorf("failed to stat %q: %w", dev.Path, err)
		}

		if !isBlock || devNo.Major() == 0 {
			return 0, false, fmt.Errorf("%w: device %d at %q is not a block device", ErrTopology, id, dev.Path)
		}

		r.logger.Debug("found filesystem device", zap.Uint64("id", id), zap.String("node", dev.Path), zap.Stringer("devno", devNo))

		return devNo, true, nil
	}

	return 0, false, ErrNoDevice
}
