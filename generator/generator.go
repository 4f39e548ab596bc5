// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package generator discovers swap and home partitions on the root disk and generates systemd units for them.
//
// Partitions are recognized by their GPT partition type, following the
// Discoverable Partitions Specification. Only partitions on the same disk
// as the root filesystem are considered.
package generator

import (
	"fmt"

	"github.com/siderolabs/gen/xslices"
	"github.com/twpayne/go-vfs/v4"
	"go.uber.org/zap"

	"github.com/siderolabs/gpt-auto-generator/block"
	"github.com/siderolabs/gpt-auto-generator/rootdev"
	"github.com/siderolabs/gpt-auto-generator/sysblock"
	"github.com/siderolabs/gpt-auto-generator/unit"
)

// DefaultOutputDir is used when no output directory is configured.
const DefaultOutputDir = "/tmp"

// RootResolver finds the block device of the root filesystem.
type RootResolver interface {
	RootDevice(path string) (devNo block.DevNo, ok bool, err error)
}

// Options configures the Generator.
type Options struct {
	// OutputDir is where units are written.
	OutputDir string
	// Root is the root filesystem mount point.
	Root string
	// HomeDir is the home mount point.
	HomeDir string

	Logger *zap.Logger
	// FS is used to write units and check the home mount point.
	FS vfs.FS

	Resolver   RootResolver
	DeviceTree DeviceTree
	Prober     PartitionProber
}

// Option is an option for the Generator.
type Option func(*Options)

// WithOutputDir sets the output directory.
func WithOutputDir(dir string) Option {
	return func(o *Options) {
		o.OutputDir = dir
	}
}

// WithRoot sets the root filesystem mount point.
func WithRoot(path string) Option {
	return func(o *Options) {
		o.Root = path
	}
}

// WithHomeDir sets the home mount point.
func WithHomeDir(path string) Option {
	return func(o *Options) {
		o.HomeDir = path
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithFS sets the filesystem units are written to.
func WithFS(fs vfs.FS) Option {
	return func(o *Options) {
		o.FS = fs
	}
}

// WithResolver overrides the root device resolver.
func WithResolver(resolver RootResolver) Option {
	return func(o *Options) {
		o.Resolver = resolver
	}
}

// WithDeviceTree overrides the block device metadata source.
func WithDeviceTree(tree DeviceTree) Option {
	return func(o *Options) {
		o.DeviceTree = tree
	}
}

// WithProber overrides the partition prober.
func WithProber(prober PartitionProber) Option {
	return func(o *Options) {
		o.Prober = prober
	}
}

// Generator generates units for the partitions of the root disk.
//
// A Generator is not safe for concurrent runs against the same output directory.
type Generator struct {
	options Options
}

// New returns a new Generator.
func New(opts ...Option) *Generator {
	options := Options{
		OutputDir: DefaultOutputDir,
		Root:      "/",
		HomeDir:   "/home",
		Logger:    zap.NewNop(),
		FS:        vfs.OSFS,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Resolver == nil {
		options.Resolver = rootdev.NewResolver(rootdev.WithLogger(options.Logger))
	}

	if options.DeviceTree == nil {
		options.DeviceTree = sysblock.New(sysblock.WithLogger(options.Logger))
	}

	if options.Prober == nil {
		options.Prober = NewProber(NewBlkidLibrary(options.Logger))
	}

	return &Generator{
		options: options,
	}
}

// Run discovers the partitions and writes the units.
//
// If the root filesystem is not on a GPT partition, nothing is generated.
func (g *Generator) Run() ([]*unit.Unit, error) {
	logger := g.options.Logger

	devNo, ok, err := g.options.Resolver.RootDevice(g.options.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to determine block device of root file system: %w", err)
	}

	if !ok {
		logger.Debug("root file system not on a (single) block device")

		return nil, nil
	}

	node, err := g.options.DeviceTree.DevNode(devNo)
	if err != nil {
		return nil, fmt.Errorf("failed to determine block device node from major/minor: %w", err)
	}

	logger.Debug("root device", zap.String("node", node), zap.Stringer("devno", devNo))

	res, err := g.options.Prober.Probe(node)
	if err != nil {
		return nil, fmt.Errorf("failed to verify GPT partition %s: %w", node, err)
	}

	switch res.Kind {
	case NotGPT:
		logger.Debug("root device is not a GPT partition", zap.String("node", node))

		return nil, nil
	case Ambiguous:
		logger.Info("root device probe is inconclusive, skipping", zap.String("node", node))

		return nil, nil
	case GPT:
	}

	sel, err := NewClassifier(g.options.DeviceTree, g.options.Prober, logger).Classify(devNo)
	if err != nil {
		return nil, err
	}

	return g.generate(sel)
}

func (g *Generator) generate(sel Selection) ([]*unit.Unit, error) {
	logger := g.options.Logger

	cfg := unit.Config{
		OutputDir: g.options.OutputDir,
		HomeDir:   g.options.HomeDir,
	}

	units := xslices.Map(sel.Swap, func(c Candidate) *unit.Unit {
		logger.Debug("adding swap", zap.String("node", c.Node), zap.Uint("index", c.Index))

		return unit.Swap(cfg, c.Node)
	})

	if home := sel.Home; home != nil {
		if !home.FSType.IsPresent() {
			logger.Debug("home partition has no known filesystem", zap.String("node", home.Node), zap.Uint("index", home.Index))
		} else {
			u, ok, err := unit.Home(g.options.FS, cfg, home.Node, home.FSType.ValueOr(""))
			if err != nil {
				return nil, err
			}

			if ok {
				logger.Debug("adding home", zap.String("node", home.Node), zap.Uint("index", home.Index))

				units = append(units, u)
			} else {
				logger.Debug("home mount point is not an empty directory, skipping", zap.String("path", g.options.HomeDir))
			}
		}
	}

	for _, u := range units {
		if err := u.Write(g.options.FS); err != nil {
			return nil, err
		}
	}

	return units, nil
}
