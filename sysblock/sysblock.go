// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sysblock provides block device metadata from sysfs.
//
// It answers the questions the generator asks the device manager: which
// device is the parent of a partition, which devices share that parent,
// and which device node in /dev represents a device number.
package sysblock

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/twpayne/go-vfs/v4"
	"go.uber.org/zap"

	"github.com/siderolabs/gpt-auto-generator/block"
)

// Common errors.
var (
	ErrNotFound  = errors.New("block device not found in sysfs")
	ErrNoDevNode = errors.New("block device has no device node")
)

// Device types as reported in uevent DEVTYPE.
const (
	TypeDisk      = "disk"
	TypePartition = "partition"
)

// Options configures the Service.
type Options struct {
	// FS is the filesystem sysfs and devfs are read from.
	FS vfs.FS
	// SysRoot is the sysfs mount point.
	SysRoot string
	// DevRoot is the devfs mount point.
	DevRoot string
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is an option for the Service.
type Option func(*Options)

// WithFS sets the filesystem to read from.
func WithFS(fs vfs.FS) Option {
	return func(o *Options) {
		o.FS = fs
	}
}

// WithSysRoot sets the sysfs mount point.
func WithSysRoot(path string) Option {
	return func(o *Options) {
		o.SysRoot = path
	}
}

// WithDevRoot sets the devfs mount point.
func WithDevRoot(path string) Option {
	return func(o *Options) {
		o.DevRoot = path
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Service looks up block devices in sysfs.
type Service struct {
	options Options
}

// New returns a new Service.
func New(opts ...Option) *Service {
	options := Options{
		FS:      vfs.OSFS,
		SysRoot: "/sys",
		DevRoot: "/dev",
		Logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Service{
		options: options,
	}
}

// Device is a block device as seen by sysfs.
type Device struct {
	DevNo block.DevNo

	// SysPath is the canonical device directory under /sys/devices.
	SysPath string

	// Name is the kernel name relative to /dev, empty if the kernel reports none.
	Name string
	// Type is the device type, TypeDisk or TypePartition.
	Type string
	// Partition is the partition number, zero for whole disks.
	Partition uint
}

// Lookup returns the device for the device number.
func (s *Service) Lookup(devNo block.DevNo) (*Device, error) {
	link := filepath.Join(s.options.SysRoot, "dev", "block", devNo.String())

	sysPath, err := s.resolveLink(link)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, devNo)
		}

		return nil, err
	}

	return s.load(sysPath)
}

// Parent returns the block device containing the device.
//
// Whole disks have no parent block device.
func (s *Service) Parent(devNo block.DevNo) (block.DevNo, bool, error) {
	dev, err := s.Lookup(devNo)
	if err != nil {
		return 0, false, err
	}

	parentPath := filepath.Dir(dev.SysPath)

	if !s.isBlockDevice(parentPath) {
		return 0, false, nil
	}

	parent, err := s.load(parentPath)
	if err != nil {
		return 0, false, err
	}

	return parent.DevNo, true, nil
}

// Children returns the device and all block devices it contains, sorted by device number.
func (s *Service) Children(devNo block.DevNo) ([]block.DevNo, error) {
	dev, err := s.Lookup(devNo)
	if err != nil {
		return nil, err
	}

	entries, err := s.options.FS.ReadDir(dev.SysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dev.SysPath, err)
	}

	result := []block.DevNo{dev.DevNo}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		childPath := filepath.Join(dev.SysPath, entry.Name())

		if !s.isBlockDevice(childPath) {
			continue
		}

		child, err := s.load(childPath)
		if err != nil {
			s.options.Logger.Debug("skipping unreadable child", zap.String("path", childPath), zap.Error(err))

			continue
		}

		result = append(result, child.DevNo)
	}

	slices.Sort(result)

	return result, nil
}

// DevNode returns the device node path for the device number.
func (s *Service) DevNode(devNo block.DevNo) (string, error) {
	dev, err := s.Lookup(devNo)
	if err != nil {
		return "", err
	}

	if dev.Name == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDevNode, devNo)
	}

	return filepath.Join(s.options.DevRoot, dev.Name), nil
}

func (s *Service) load(sysPath string) (*Device, error) {
	contents, err := s.options.FS.ReadFile(filepath.Join(sysPath, "dev"))
	if err != nil {
		return nil, fmt.Errorf("failed to read device number of %s: %w", sysPath, err)
	}

	devNo, err := block.ParseDevNo(string(contents))
	if err != nil {
		return nil, err
	}

	dev := &Device{
		DevNo:   devNo,
		SysPath: sysPath,
	}

	uevent, err := s.options.FS.ReadFile(filepath.Join(sysPath, "uevent"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read uevent of %s: %w", sysPath, err)
	}

	env := parseUevent(uevent)

	dev.Name = env["DEVNAME"]
	dev.Type = env["DEVTYPE"]

	if partN, ok := env["PARTN"]; ok {
		n, err := strconv.ParseUint(partN, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid partition number %q of %s: %w", partN, sysPath, err)
		}

		dev.Partition = uint(n)
	}

	return dev, nil
}

// isBlockDevice checks that the directory is a device of the block subsystem.
func (s *Service) isBlockDevice(sysPath string) bool {
	if _, err := s.options.FS.Stat(filepath.Join(sysPath, "dev")); err != nil {
		return false
	}

	target, err := s.options.FS.Readlink(filepath.Join(sysPath, "subsystem"))
	if err != nil {
		return false
	}

	return filepath.Base(target) == "block"
}

func (s *Service) resolveLink(path string) (string, error) {
	target, err := s.options.FS.Readlink(path)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}

	return filepath.Clean(target), nil
}

func parseUevent(contents []byte) map[string]string {
	env := map[string]string{}

	scanner := bufio.NewScanner(bytes.NewReader(contents))

	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}

		env[key] = value
	}

	return env
}
