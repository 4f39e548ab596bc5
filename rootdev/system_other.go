// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package rootdev

import (
	"errors"

	"github.com/siderolabs/gpt-auto-generator/block"
)

var errNotSupported = errors.New("not supported on this platform")

type unsupported struct{}

func defaultSystem() System {
	return unsupported{}
}

func (unsupported) DeviceOf(string) (block.DevNo, error) { return 0, errNotSupported }

func (unsupported) BlockDevice(string) (block.DevNo, bool, error) { return 0, false, errNotSupported }

func (unsupported) FilesystemType(string) (int64, error) { return 0, errNotSupported }

func (unsupported) OpenTopology(string) (Topology, error) { return nil, errNotSupported }
