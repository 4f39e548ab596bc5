// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package blkid

import (
	"fmt"
	"io"
	"strings"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/gpt-auto-generator/blkid/internal/chain"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/probe"
	"github.com/siderolabs/gpt-auto-generator/blkid/internal/utils"
)

type probeReader struct {
	*io.SectionReader

	sectorSize uint
}

func newProbeReader(r io.ReaderAt, offset, length uint64, sectorSize uint) probeReader {
	return probeReader{
		SectionReader: io.NewSectionReader(r, int64(offset), int64(length)),
		sectorSize:    sectorSize,
	}
}

func (r probeReader) GetSectorSize() uint {
	return r.sectorSize
}

func (r probeReader) GetSize() uint64 {
	return uint64(r.Size())
}

func readMagicBuffer(r probeReader, c chain.Chain, ioSize uint) ([]byte, error) {
	magicReadSize := max(uint64(c.MaxMagicSize()), uint64(ioSize))
	magicReadSize = min(magicReadSize, r.GetSize())

	buf := make([]byte, magicReadSize)

	if err := utils.ReadFullAt(r, buf, 0); err != nil {
		return nil, fmt.Errorf("error reading magic buffer: %w", err)
	}

	return buf, nil
}

func newProbeResult(name string, res *probe.Result) ProbeResult {
	return ProbeResult{
		Name:                name,
		UUID:                res.UUID,
		Label:               res.Label,
		BlockSize:           res.BlockSize,
		FilesystemBlockSize: res.FilesystemBlockSize,
		ProbedSize:          res.ProbedSize,
	}
}

// probeSuperblocks runs all superblock probers, more than one match is an error.
func probeSuperblocks(r probeReader, ioSize uint, logger *zap.Logger) (*ProbeResult, error) {
	c := chain.Superblocks()

	buf, err := readMagicBuffer(r, c, ioSize)
	if err != nil {
		return nil, err
	}

	var found []ProbeResult

	for _, matched := range c.MagicMatches(buf) {
		res, err := matched.Probe(r, matched.Magic)
		if err != nil {
			logger.Debug("superblock probe failed", zap.String("name", matched.Name()), zap.Error(err))

			continue
		}

		if res == nil {
			continue
		}

		found = append(found, newProbeResult(matched.Name(), res))
	}

	switch len(found) {
	case 0:
		return nil, nil //nolint:nilnil
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(xslices.Map(found, func(res ProbeResult) string { return res.Name }), ", "))
	}
}

func probePartitionTable(r probeReader, ioSize uint, logger *zap.Logger) (*PartitionTable, error) {
	c := chain.PartitionTables()

	buf, err := readMagicBuffer(r, c, ioSize)
	if err != nil {
		return nil, err
	}

	for _, matched := range c.MagicMatches(buf) {
		res, err := matched.Probe(r, matched.Magic)
		if err != nil {
			logger.Debug("partition table probe failed", zap.String("name", matched.Name()), zap.Error(err))

			continue
		}

		if res == nil {
			continue
		}

		table := &PartitionTable{
			Name:  matched.Name(),
			UUID:  res.UUID,
			Parts: make([]NestedProbeResult, 0, len(res.Parts)),
		}

		for _, part := range res.Parts {
			table.Parts = append(table.Parts, probeNested(r, part, ioSize, logger))
		}

		return table, nil
	}

	return nil, nil //nolint:nilnil
}

func probeNested(r probeReader, part probe.Partition, ioSize uint, logger *zap.Logger) NestedProbeResult {
	nested := NestedProbeResult{
		NestedResult: NestedResult{
			PartitionUUID:   part.UUID,
			PartitionType:   part.TypeUUID,
			PartitionLabel:  part.Label,
			PartitionIndex:  part.Index,
			PartitionOffset: part.Offset,
			PartitionSize:   part.Size,
		},
	}

	if part.Offset+part.Size > r.GetSize() {
		logger.Debug("partition is out of bounds", zap.Uint("partition", part.Index))

		return nested
	}

	res, err := probeSuperblocks(newProbeReader(r, part.Offset, part.Size, r.GetSectorSize()), ioSize, logger)
	if err != nil {
		logger.Debug("failed to probe partition", zap.Uint("partition", part.Index), zap.Error(err))

		return nested
	}

	if res != nil {
		nested.ProbeResult = *res
	}

	return nested
}
