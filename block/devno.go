// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package block

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DevNo is a device number in the Linux dev_t encoding.
type DevNo uint64

// NewDevNo builds a device number from its major and minor parts.
func NewDevNo(major, minor uint32) DevNo {
	return DevNo(unix.Mkdev(major, minor))
}

// Major returns the major part of the device number.
func (n DevNo) Major() uint32 {
	return unix.Major(uint64(n))
}

// Minor returns the minor part of the device number.
func (n DevNo) Minor() uint32 {
	return unix.Minor(uint64(n))
}

// IsZero returns true if the device number is unset.
func (n DevNo) IsZero() bool {
	return n == 0
}

// String returns the "major:minor" representation.
func (n DevNo) String() string {
	return fmt.Sprintf("%d:%d", n.Major(), n.Minor())
}

// ParseDevNo parses the "major:minor" representation used by sysfs.
func ParseDevNo(s string) (DevNo, error) {
	majorStr, minorStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid device number %q: expected major:minor", s)
	}

	major, err := strconv.ParseUint(majorStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid major in %q: %w", s, err)
	}

	minor, err := strconv.ParseUint(minorStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid minor in %q: %w", s, err)
	}

	return NewDevNo(uint32(major), uint32(minor)), nil
}
