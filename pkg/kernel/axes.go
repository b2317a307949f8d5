// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/symbolic"
)

// ShapeLen is the rank of the iteration space.
func (k *Kernel) ShapeLen() int { return k.sts[0].Rank() }

// FullShape is the shape of the iteration space.
func (k *Kernel) FullShape() []symbolic.Node { return k.sts[k.fullBufIndex].Shape() }

// OutputShape is the shape of the output buffer: the full shape with reduced axes set to 1.
func (k *Kernel) OutputShape() []symbolic.Node { return k.sts[0].Shape() }

// FullUnupcastedShape is the full shape without the upcasted axes.
func (k *Kernel) FullUnupcastedShape() []symbolic.Node {
	return k.FullShape()[:k.ShapeLen()-k.upcasted]
}

// FirstReduce returns the first axis that is reduced (or grouped for reduction), or the
// number of non-upcasted axes if there is none.
func (k *Kernel) FirstReduce() int {
	out, full := k.OutputShape(), k.FullShape()
	limit := k.ShapeLen() - k.upcasted
	for i := range limit {
		if !symbolic.Equal(out[i], full[i]) {
			return i
		}
	}
	return limit
}

// GlobalDims is the number of global axes.
func (k *Kernel) GlobalDims() int { return k.FirstReduce() - k.localDims }

// LocalDims is the number of local axes.
func (k *Kernel) LocalDims() int { return k.localDims }

// Upcasted is the number of upcasted axes, always the last ones.
func (k *Kernel) Upcasted() int { return k.upcasted }

// GroupForReduce returns the sizes of the axes grouped for a two-stage reduction, placed right
// at FirstReduce.
func (k *Kernel) GroupForReduce() []int { return slices.Clone(k.groupForReduce) }

// UpcastAxis describes an upcasted axis, as seen by one buffer.
type UpcastAxis struct {
	Size symbolic.Node

	// Stride of the buffer along the axis, nil if it isn't a fixed stride.
	Stride symbolic.Node

	// Reduce is true if the axis is reduced.
	Reduce bool
}

// UpcastedAxis returns the upcasted axes, as seen by buffer i.
func (k *Kernel) UpcastedAxis(i int) []UpcastAxis {
	start := k.ShapeLen() - k.upcasted
	shape, strides := k.sts[i].Shape(), k.sts[i].RealStrides(false)
	out, full := k.OutputShape(), k.FullShape()
	result := make([]UpcastAxis, 0, k.upcasted)
	for ax := start; ax < k.ShapeLen(); ax++ {
		result = append(result, UpcastAxis{
			Size:   shape[ax],
			Stride: strides[ax],
			Reduce: !symbolic.Equal(out[ax], full[ax]),
		})
	}
	return result
}

// AccOffsets returns, for each combination of upcasted lanes of buffer i (first axis changing
// fastest), the accumulator it reduces into. Lanes that only differ on reduced axes share their
// accumulator.
func (k *Kernel) AccOffsets(i int) []int {
	if k.upcasted == 0 {
		return []int{0}
	}
	axes := k.UpcastedAxis(i)
	sizes := make([]int, len(axes))
	accStrides := make([]int, len(axes))
	acc := 1
	for j, ax := range axes {
		sizes[j], _ = symbolic.IsInt(ax.Size)
		if !ax.Reduce {
			accStrides[j] = acc
			acc *= sizes[j]
		}
	}
	offsets := []int{0}
	for j := range axes {
		next := make([]int, 0, len(offsets)*sizes[j])
		for lane := range sizes[j] {
			for _, o := range offsets {
				next = append(next, o+lane*accStrides[j])
			}
		}
		offsets = next
	}
	return offsets
}

// ShapeOffsets enumerates the lane coordinates of the upcasted axes of buffer i, first axis changing
// fastest.
func (k *Kernel) ShapeOffsets(i int) [][]int {
	shape := k.sts[i].Shape()[k.ShapeLen()-k.upcasted:]
	sizes := make([]int, len(shape))
	for j, s := range shape {
		sizes[j] = s.Max()
	}
	return iterLanes(sizes)
}

// iterLanes enumerates all coordinates of an array of the given sizes, first axis changing fastest.
func iterLanes(sizes []int) [][]int {
	result := [][]int{make([]int, len(sizes))}
	for j, size := range sizes {
		next := make([][]int, 0, len(result)*size)
		for lane := range size {
			for _, c := range result {
				nc := slices.Clone(c)
				nc[j] = lane
				next = append(next, nc)
			}
		}
		result = next
	}
	return result
}

// UpcastDims returns the upcasted axes along which buffer i is contiguous, and that can thus be
// accessed with vector loads and stores (only if the target supports them).
func (k *Kernel) UpcastDims(i int) []int {
	dtype := k.bufs[i].DType()
	if !k.opts.SupportsFloat4 || (dtype != dtypes.Float32 && dtype != dtypes.Float16) {
		return nil
	}
	var result []int
	shape := k.sts[i].Shape()
	for _, ax := range k.sts[i].UnitStrideAxes(false) {
		if ax >= k.ShapeLen()-k.upcasted && shape[ax].Max() > 1 {
			result = append(result, ax)
		}
	}
	return result
}

// Float4Axis returns the upcasted axes (counted from the first upcasted axis) along which buffer i is
// contiguous and whose size is a multiple of 4.
func (k *Kernel) Float4Axis(i int) []int {
	var result []int
	start := k.ShapeLen() - k.upcasted
	shape := k.sts[i].Shape()
	for _, ax := range k.sts[i].UnitStrideAxes(false) {
		if size, ok := symbolic.IsInt(shape[ax]); ok && ax >= start && size%4 == 0 {
			result = append(result, ax-start)
		}
	}
	return result
}

// UpcastInMidReduceAxes returns the axes grouped for reduction that aren't reduced in the output.
func (k *Kernel) UpcastInMidReduceAxes() []int {
	var result []int
	firstReduce := k.FirstReduce()
	out, full := k.OutputShape(), k.FullShape()
	for j := firstReduce; j < firstReduce+len(k.groupForReduce); j++ {
		if symbolic.Equal(full[j], out[j]) {
			result = append(result, j)
		}
	}
	return result
}
