// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package unit synthesizes systemd units for discovered partitions.
package unit

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	sdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/twpayne/go-vfs/v4"
)

// Header is the first line of every generated unit.
const Header = "# Automatically generated by gpt-auto-generator"

// Synchronization points units are ordered against.
const (
	UmountTarget     = "umount.target"
	SwapTarget       = "swap.target"
	LocalFSTarget    = "local-fs.target"
	LocalFSPreTarget = "local-fs-pre.target"
)

// Config is the generator configuration shared by all units.
type Config struct {
	// OutputDir is the directory units are written to.
	OutputDir string
	// HomeDir is the mount point of the home partition.
	HomeDir string
}

// Unit is a generated unit file and the symlink activating it.
type Unit struct {
	// Name is the unit name, e.g. dev-sda3.swap.
	Name string
	// Path is the absolute path of the unit file.
	Path string
	// Contents is the unit file text.
	Contents string
	// LinkPath is the activation symlink in a .wants or .requires directory.
	LinkPath string
	// LinkTarget is what LinkPath points to.
	LinkTarget string
}

// NameFromPath returns the unit name for the path, e.g. /dev/sda3 and .swap give dev-sda3.swap.
func NameFromPath(path, suffix string) string {
	return sdunit.UnitNamePathEscape(path) + suffix
}

// FsckService returns the filesystem check service instance for the device node.
func FsckService(node string) string {
	return "systemd-fsck@" + sdunit.UnitNamePathEscape(node) + ".service"
}

func newUnit(cfg Config, name, target, dependency string, options []*sdunit.UnitOption) *Unit {
	var sb strings.Builder

	sb.WriteString(Header)
	sb.WriteString("\n\n")

	io.Copy(&sb, sdunit.Serialize(options)) //nolint:errcheck

	path := filepath.Join(cfg.OutputDir, name)

	return &Unit{
		Name:       name,
		Path:       path,
		Contents:   sb.String(),
		LinkPath:   filepath.Join(cfg.OutputDir, target+"."+dependency, name),
		LinkTarget: path,
	}
}

// Swap returns the swap unit for the device node.
func Swap(cfg Config, node string) *Unit {
	return newUnit(cfg, NameFromPath(node, ".swap"), SwapTarget, "wants", []*sdunit.UnitOption{
		sdunit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		sdunit.NewUnitOption("Unit", "Conflicts", UmountTarget),
		sdunit.NewUnitOption("Unit", "Before", UmountTarget+" "+SwapTarget),
		sdunit.NewUnitOption("Swap", "What", node),
	})
}

// Home returns the mount unit for the home partition.
//
// If the mount point is missing or not empty, ok is false and no unit is returned.
func Home(fsys vfs.FS, cfg Config, node, fsType string) (u *Unit, ok bool, err error) {
	empty, err := isEmptyDir(fsys, cfg.HomeDir)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check %q: %w", cfg.HomeDir, err)
	}

	if !empty {
		return nil, false, nil
	}

	fsck := FsckService(node)

	return newUnit(cfg, NameFromPath(cfg.HomeDir, ".mount"), LocalFSTarget, "requires", []*sdunit.UnitOption{
		sdunit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		sdunit.NewUnitOption("Unit", "Requires", fsck),
		sdunit.NewUnitOption("Unit", "After", LocalFSPreTarget+" "+fsck),
		sdunit.NewUnitOption("Unit", "Conflicts", UmountTarget),
		sdunit.NewUnitOption("Unit", "Before", UmountTarget+" "+LocalFSTarget),
		sdunit.NewUnitOption("Mount", "What", node),
		sdunit.NewUnitOption("Mount", "Where", cfg.HomeDir),
		sdunit.NewUnitOption("Mount", "Type", fsType),
	}), true, nil
}

// isEmptyDir reports whether path is an existing empty directory.
//
// A missing path or a path which is not a directory is not empty.
func isEmptyDir(fsys vfs.FS, path string) (bool, error) {
	entries, err := fsys.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}

		return false, err
	}

	return len(entries) == 0, nil
}

// Write creates the unit file and the activation symlink.
//
// The unit file must not exist yet.
func (u *Unit) Write(fsys vfs.FS) error {
	f, err := fsys.OpenFile(u.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create unit file: %w", err)
	}

	if _, err = f.WriteString(u.Contents); err != nil {
		f.Close() //nolint:errcheck

		return fmt.Errorf("failed to write unit file %q: %w", u.Path, err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to write unit file %q: %w", u.Path, err)
	}

	if err = vfs.MkdirAll(fsys, filepath.Dir(u.LinkPath), 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", filepath.Dir(u.LinkPath), err)
	}

	if err = fsys.Symlink(u.LinkTarget, u.LinkPath); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}

	return nil
}
