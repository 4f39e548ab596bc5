// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package detect recognizes environments where partitions should not be auto-discovered.
package detect

import (
	"bytes"
	"strings"

	"github.com/twpayne/go-vfs/v4"
)

// Well-known paths.
const (
	InitrdRelease   = "/etc/initrd-release"
	ContainerMarker = "/run/systemd/container"
	PID1Environ     = "/proc/1/environ"
)

// InInitrd reports whether the system is running from an initrd.
func InInitrd(fsys vfs.FS) bool {
	_, err := fsys.Stat(InitrdRelease)

	return err == nil
}

// InContainer reports whether the system is running in a container, and the container manager name.
//
// The marker written by the container manager wins, PID 1 environment is the fallback.
func InContainer(fsys vfs.FS) (string, bool) {
	if contents, err := fsys.ReadFile(ContainerMarker); err == nil {
		if name := strings.TrimSpace(string(contents)); name != "" {
			return name, true
		}
	}

	environ, err := fsys.ReadFile(PID1Environ)
	if err != nil {
		return "", false
	}

	for _, kv := range bytes.Split(environ, []byte{0}) {
		if name, ok := bytes.CutPrefix(kv, []byte("container=")); ok && len(name) > 0 {
			return string(name), true
		}
	}

	return "", false
}
