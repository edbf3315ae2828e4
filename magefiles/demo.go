//go:build mage

// Copyright (c) 2026 Petar Djukic. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Demo builds larder and runs the tutorial pipeline in a temporary
// directory: seed, populate every computed entity, then preview and apply a
// cascading delete.
func Demo() error {
	mg.Deps(Build)
	dir, err := os.MkdirTemp("", "larder-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	bin, err := filepath.Abs(filepath.Join(binaryDir, binaryName))
	if err != nil {
		return err
	}
	larder := func(args ...string) error {
		return sh.RunV(bin, append([]string{"--config-dir", filepath.Join(dir, ".larder")}, args...)...)
	}

	steps := [][]string{
		{"init"},
		{"schema"},
		{"seed", "--sample-data"},
		{"populate", "Neuron"},
		{"populate", "ActivityStatistics", "--workers", "4"},
		{"populate", "Spikes", "--workers", "4"},
		{"populate", "AverageFrame"},
		{"progress"},
		{"fetch", "Spikes", "--where", "sdp_id=1", "--order", "-count", "--limit", "5"},
		{"delete", "SpikeDetectionParam", "--where", "sdp_id=0", "--cascade", "--dry-run"},
		{"delete", "SpikeDetectionParam", "--where", "sdp_id=0", "--cascade"},
		{"progress", "Spikes"},
	}
	for _, s := range steps {
		fmt.Printf("\n$ larder %v\n", s)
		if err := larder(s...); err != nil {
			return err
		}
	}
	return nil
}
