// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package generator_test

import (
	"math/rand/v2"
	"testing"

	"github.com/siderolabs/gen/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/gpt-auto-generator/block"
	"github.com/siderolabs/gpt-auto-generator/generator"
)

func swapNodes(sel generator.Selection) []string {
	return xslices.Map(sel.Swap, func(c generator.Candidate) string { return c.Node })
}

func TestClassify(t *testing.T) {
	d := scenarioDisk()

	sel, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
	require.NoError(t, err)

	require.Len(t, sel.Swap, 1)
	assert.Equal(t, "/dev/sda3", sel.Swap[0].Node)
	assert.Equal(t, partDevNo(3), sel.Swap[0].DevNo)
	assert.EqualValues(t, 3, sel.Swap[0].Index)

	require.NotNil(t, sel.Home)
	assert.Equal(t, "/dev/sda2", sel.Home.Node)
	assert.EqualValues(t, 2, sel.Home.Index)
	assert.Equal(t, "ext4", sel.Home.FSType.ValueOr(""))

	// the root partition and the disk are never probed
	assert.NotContains(t, d.prober.probed, "/dev/sda1")
	assert.NotContains(t, d.prober.probed, "/dev/sda")
	assert.Contains(t, d.prober.probed, "/dev/sda5")
}

func TestClassifyOrderIndependent(t *testing.T) {
	d := scenarioDisk()

	d.addPartition(9, gpt(generator.SwapPartitionType, 9, "swap"))
	d.addPartition(7, gpt(generator.SwapPartitionType, 7, ""))
	d.addPartition(8, gpt(generator.HomePartitionType, 8, ""))

	rnd := rand.New(rand.NewPCG(42, 1024))

	for range 20 {
		siblings := d.tree.children[diskDevNo]

		rnd.Shuffle(len(siblings), func(i, j int) {
			siblings[i], siblings[j] = siblings[j], siblings[i]
		})

		sel, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
		require.NoError(t, err)

		assert.Equal(t, []string{"/dev/sda3", "/dev/sda7", "/dev/sda9"}, swapNodes(sel))

		require.NotNil(t, sel.Home)
		assert.Equal(t, "/dev/sda2", sel.Home.Node)
	}
}

func TestClassifyHomeWithoutFilesystem(t *testing.T) {
	d := newDisk()

	d.addPartition(4, gpt(generator.HomePartitionType, 4, "ext4"))
	d.addPartition(2, gpt(generator.HomePartitionType, 2, ""))

	sel, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
	require.NoError(t, err)

	// the lowest index wins even without a known filesystem
	require.NotNil(t, sel.Home)
	assert.Equal(t, "/dev/sda2", sel.Home.Node)
	assert.False(t, sel.Home.FSType.IsPresent())
	assert.Empty(t, sel.Swap)
}

func TestClassifySkipped(t *testing.T) {
	d := newDisk()

	d.addPartition(2, generatorResult(generator.NotGPT))
	d.addPartition(3, generatorResult(generator.Ambiguous))
	d.addPartition(4, gpt(rootPartitionType, 4, "ext4"))
	d.addUnreadable(5)

	sel, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
	require.NoError(t, err)

	assert.Empty(t, sel.Swap)
	assert.Nil(t, sel.Home)
	assert.Len(t, d.prober.probed, 4)
}

func TestClassifyRootIsSwapType(t *testing.T) {
	d := newDisk()

	// a root partition with a swap type is still never selected
	d.prober.outcomes["/dev/sda1"] = gpt(generator.SwapPartitionType, 1, "swap")

	sel, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
	require.NoError(t, err)

	assert.Empty(t, sel.Swap)
}

func TestClassifyNoParent(t *testing.T) {
	d := newDisk()

	sel, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(diskDevNo)
	require.NoError(t, err)

	assert.Empty(t, sel.Swap)
	assert.Nil(t, sel.Home)
	assert.Empty(t, d.prober.probed)
}

func TestClassifyErrors(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		d := scenarioDisk()

		d.addPartition(6, probeOutcome{err: generator.ErrMalformed})

		_, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
		require.ErrorIs(t, err, generator.ErrMalformed)
	})

	t.Run("no device node", func(t *testing.T) {
		d := scenarioDisk()

		missing := block.NewDevNo(259, 0)
		d.tree.children[diskDevNo] = append(d.tree.children[diskDevNo], missing)

		_, err := generator.NewClassifier(d.tree, d.prober, zaptest.NewLogger(t)).Classify(rootDevNo)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "259:0")
	})
}

func generatorResult(kind generator.Kind) probeOutcome {
	return probeOutcome{res: generator.ProbeResult{Kind: kind}}
}
