// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// DefaultMaxUpcast is the default bound on the product of the upcasted dimensions.
	DefaultMaxUpcast = 256

	// DefaultMaxLocal is the default bound on the product of the local and grouped dimensions.
	DefaultMaxLocal = 256
)

// Options describe the target a kernel is optimized and linearized for. They are supplied by the device.
type Options struct {
	// HasLocal is true if the target has local (thread group) dimensions. Otherwise, every axis of the
	// kernel is a loop.
	HasLocal bool

	// HasShared is true if the target has memory shared within a thread group, required for
	// grouped reductions.
	HasShared bool

	// SupportsFloat4 is true if the target can load and store 2 and 4 wide vectors of floats.
	SupportsFloat4 bool

	// AlignedVectorStores is set by targets that require the output to be written as aligned
	// 4-wide vectors (e.g. image-backed buffers).
	AlignedVectorStores bool

	// GlobalMax and LocalMax are the maximum sizes of each launch dimension. Empty means no limit.
	GlobalMax, LocalMax []int

	// MaxUpcast is the bound on the product of the upcasted dimensions. Defaults to DefaultMaxUpcast.
	MaxUpcast int

	// MaxLocal is the bound on the product of the local and grouped dimensions. Defaults to DefaultMaxLocal.
	MaxLocal int

	// TensorCores available in the target.
	TensorCores []TensorCore
}

func (o Options) withDefaults() Options {
	if o.MaxUpcast <= 0 {
		o.MaxUpcast = DefaultMaxUpcast
	}
	if o.MaxLocal <= 0 {
		o.MaxLocal = DefaultMaxLocal
	}
	return o
}

// TensorCore is a target instruction that multiplies register tiles: an (M, K) tile of A by a (K, N)
// tile of B, accumulating into an (M, N) tile.
type TensorCore struct {
	Name    string
	M, N, K int

	// DTypeIn is the dtype of A and B, DTypeOut the dtype of the accumulator.
	DTypeIn, DTypeOut dtypes.DType
}

func (tc TensorCore) String() string {
	return fmt.Sprintf("%s(%dx%dx%d, %s->%s)", tc.Name, tc.M, tc.N, tc.K, tc.DTypeIn, tc.DTypeOut)
}
