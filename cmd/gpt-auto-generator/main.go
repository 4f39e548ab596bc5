// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package main is the systemd generator which creates swap and home units for discoverable GPT partitions.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/twpayne/go-vfs/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/gpt-auto-generator/generator"
	"github.com/siderolabs/gpt-auto-generator/internal/detect"
)

var errArgs = errors.New("this program takes three or no arguments")

func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gpt-auto-generator [normal-dir early-dir late-dir]",
		Short: "Generate swap and home units for GPT partitions on the root disk",
		Long: `gpt-auto-generator discovers swap and home partitions by their GPT partition type
on the disk containing the root file system, and generates systemd units for them.

When invoked by systemd, the units are written to the late generator directory.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return errArgs
			}

			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
}

func run(_ *cobra.Command, args []string) error {
	logger := newLogger(os.Getenv("SYSTEMD_LOG_LEVEL"))

	defer logger.Sync() //nolint:errcheck

	outputDir := generator.DefaultOutputDir
	if len(args) == 3 {
		outputDir = args[2]
	}

	if detect.InInitrd(vfs.OSFS) {
		logger.Debug("in initrd, exiting")

		return nil
	}

	if name, ok := detect.InContainer(vfs.OSFS); ok {
		logger.Debug("in a container, exiting", zap.String("container", name))

		return nil
	}

	unix.Umask(0o022)

	units, err := generator.New(
		generator.WithOutputDir(outputDir),
		generator.WithLogger(logger),
	).Run()
	if err != nil {
		logger.Error("failed to generate units", zap.Error(err))

		return err
	}

	for _, u := range units {
		logger.Debug("generated unit", zap.String("unit", u.Name), zap.String("path", u.Path), zap.String("link", u.LinkPath))
	}

	return nil
}

// parseLevel maps systemd log level names to zap levels.
func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info", "notice":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "err", "error", "crit", "alert", "emerg":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
}

// newLogger builds a console logger on stderr, an invalid level name falls back to info.
func newLogger(levelName string) *zap.Logger {
	level, levelErr := parseLevel(levelName)

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level)

	logger := zap.New(core)

	if levelErr != nil {
		logger.Warn("ignoring SYSTEMD_LOG_LEVEL", zap.Error(levelErr))
	}

	return logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
