// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package generator_test

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/siderolabs/gen/optional"

	"github.com/siderolabs/gpt-auto-generator/block"
	"github.com/siderolabs/gpt-auto-generator/generator"
	"github.com/siderolabs/gpt-auto-generator/sysblock"
)

var rootPartitionType = uuid.MustParse("4f68bce3-e8cd-4db1-96e7-fbcaf984b709")

type fakeResolver struct {
	devNo block.DevNo
	ok    bool
	err   error
}

func (r fakeResolver) RootDevice(string) (block.DevNo, bool, error) {
	return r.devNo, r.ok, r.err
}

type fakeTree struct {
	parents  map[block.DevNo]block.DevNo
	children map[block.DevNo][]block.DevNo
	nodes    map[block.DevNo]string
}

func (t *fakeTree) Parent(devNo block.DevNo) (block.DevNo, bool, error) {
	parent, ok := t.parents[devNo]

	return parent, ok, nil
}

func (t *fakeTree) Children(devNo block.DevNo) ([]block.DevNo, error) {
	return slices.Clone(t.children[devNo]), nil
}

func (t *fakeTree) DevNode(devNo block.DevNo) (string, error) {
	node, ok := t.nodes[devNo]
	if !ok {
		return "", fmt.Errorf("%w: %s", sysblock.ErrNoDevNode, devNo)
	}

	return node, nil
}

type probeOutcome struct {
	res generator.ProbeResult
	err error
}

type fakeProber struct {
	outcomes map[string]probeOutcome
	probed   []string
}

func (p *fakeProber) Probe(node string) (generator.ProbeResult, error) {
	p.probed = append(p.probed, node)

	outcome, ok := p.outcomes[node]
	if !ok {
		return generator.ProbeResult{}, fmt.Errorf("%w: %s", generator.ErrUnreadable, node)
	}

	return outcome.res, outcome.err
}

func gpt(typeID uuid.UUID, index uint, fsType string) probeOutcome {
	res := generator.ProbeResult{
		Kind:  generator.GPT,
		Type:  typeID,
		Index: index,
	}

	if fsType != "" {
		res.FSType = optional.Some(fsType)
	}

	return probeOutcome{res: res}
}

var (
	diskDevNo = block.NewDevNo(8, 0)
	rootDevNo = block.NewDevNo(8, 1)
)

func partDevNo(index uint32) block.DevNo {
	return block.NewDevNo(8, index)
}

// disk is a fake disk /dev/sda, /dev/sda1 is the root partition.
type disk struct {
	tree   *fakeTree
	prober *fakeProber
}

func newDisk() *disk {
	d := &disk{
		tree: &fakeTree{
			parents:  map[block.DevNo]block.DevNo{},
			children: map[block.DevNo][]block.DevNo{diskDevNo: {diskDevNo}},
			nodes:    map[block.DevNo]string{diskDevNo: "/dev/sda"},
		},
		prober: &fakeProber{
			outcomes: map[string]probeOutcome{
				// probing the disk itself would return the partition table
				"/dev/sda": {res: generator.ProbeResult{Kind: generator.NotGPT}},
			},
		},
	}

	d.addPartition(1, gpt(rootPartitionType, 1, "ext4"))

	return d
}

func (d *disk) addPartition(minor uint32, outcome probeOutcome) {
	devNo := partDevNo(minor)
	node := fmt.Sprintf("/dev/sda%d", minor)

	d.tree.parents[devNo] = diskDevNo
	d.tree.children[diskDevNo] = append(d.tree.children[diskDevNo], devNo)
	d.tree.children[devNo] = []block.DevNo{devNo}
	d.tree.nodes[devNo] = node

	d.prober.outcomes[node] = outcome
}

// addUnreadable adds a partition which fails to probe.
func (d *disk) addUnreadable(minor uint32) {
	d.addPartition(minor, probeOutcome{})
	delete(d.prober.outcomes, fmt.Sprintf("/dev/sda%d", minor))
}

// scenarioDisk has swap at index 3, home at indexes 2 and 4, and an unreadable partition 5.
func scenarioDisk() *disk {
	d := newDisk()

	d.addPartition(3, gpt(generator.SwapPartitionType, 3, "swap"))
	d.addPartition(2, gpt(generator.HomePartitionType, 2, "ext4"))
	d.addPartition(4, gpt(generator.HomePartitionType, 4, "xfs"))
	d.addUnreadable(5)

	return d
}
