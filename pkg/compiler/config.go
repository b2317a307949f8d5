// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Optimizer selects how kernels are optimized before linearization.
type Optimizer int

const (
	// OptimizerNone linearizes kernels as they are.
	OptimizerNone Optimizer = iota

	// OptimizerHandCoded applies the target's tensor cores if possible, or the hand-coded heuristics.
	OptimizerHandCoded

	// OptimizerBeam searches the fastest optimizations on the device, see package search.
	OptimizerBeam
)

var optimizerNames = map[string]Optimizer{
	"none": OptimizerNone,
	"hand": OptimizerHandCoded,
	"beam": OptimizerBeam,
}

func (o Optimizer) String() string {
	for name, opt := range optimizerNames {
		if opt == o {
			return name
		}
	}
	return fmt.Sprintf("Optimizer(%d)", int(o))
}

// Config of the compiler.
type Config struct {
	Optimizer Optimizer

	// BeamWidth of the search, if Optimizer is OptimizerBeam.
	BeamWidth int

	// CacheDir is where search results are stored. Empty disables the cache.
	CacheDir string

	// Parallelism is the maximum number of kernels compiled concurrently by CompileAll, and of
	// candidates compiled concurrently by the search.
	Parallelism int

	// ShowProgress displays the progress of searches.
	ShowProgress bool

	// TensorCores enables the use of the device's tensor cores.
	TensorCores bool
}

// DefaultConfig returns the default configuration: hand-coded optimizations with tensor cores, and no
// cache.
func DefaultConfig() Config {
	return Config{
		Optimizer:   OptimizerHandCoded,
		BeamWidth:   4,
		Parallelism: runtime.NumCPU(),
		TensorCores: true,
	}
}

// KERNELS_CONFIG is the environment variable with the compiler configuration, see ParseConfig.
const KERNELS_CONFIG = "KERNELS_CONFIG"

// ConfigFromEnv returns the default configuration updated with the one in $KERNELS_CONFIG, if set.
func ConfigFromEnv() (Config, error) {
	config, found := os.LookupEnv(KERNELS_CONFIG)
	if !found {
		return DefaultConfig(), nil
	}
	cfg, err := DefaultConfig().Parse(config)
	if err != nil {
		return cfg, errors.WithMessagef(err, "parsing $%s", KERNELS_CONFIG)
	}
	return cfg, nil
}

// Parse returns the configuration c updated by a configuration string formatted as
// "key=value,key=value,...". Keys:
//
//   - opt: the optimizer, one of "none", "hand" or "beam".
//   - beam: the beam width. It implies opt=beam.
//   - cache: the directory of the search cache. A leading "~" is the user's home directory.
//   - parallel: the number of kernels compiled concurrently.
//   - progress: whether to display the progress of searches. A key without value is true.
//   - tc: whether to use tensor cores. A key without value is true.
func (c Config) Parse(config string) (Config, error) {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		var err error
		switch key {
		case "opt":
			var found bool
			c.Optimizer, found = optimizerNames[value]
			if !found {
				err = errors.Errorf("unknown optimizer %q", value)
			}
		case "beam":
			c.Optimizer = OptimizerBeam
			c.BeamWidth, err = strconv.Atoi(value)
			if err == nil && c.BeamWidth <= 0 {
				err = errors.Errorf("beam width must be positive")
			}
		case "cache":
			c.CacheDir = value
		case "parallel":
			c.Parallelism, err = strconv.Atoi(value)
		case "progress":
			c.ShowProgress, err = parseBool(value, hasValue)
		case "tc":
			c.TensorCores, err = parseBool(value, hasValue)
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return c, errors.WithMessagef(err, "compiler configuration %q", part)
		}
	}
	return c, nil
}

func parseBool(value string, hasValue bool) (bool, error) {
	if !hasValue {
		return true, nil
	}
	b, err := strconv.ParseBool(value)
	return b, errors.WithStack(err)
}
