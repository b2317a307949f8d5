// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testkernels builds the op trees of small kernels used across the tests of the compilation
// pipeline. All buffers are float32 and contiguous unless stated otherwise.
package testkernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/janpfeifer/must"
)

// Matmul returns C[m, n] = sum_k A[m, k] * B[k, n], with the iteration space (m, n, k).
// A is buffer 1 (shape (m, k)), B is buffer 2 (shape (k, n)).
func Matmul(m, n, k int) *ops.Node {
	a := ops.Load(1, dtypes.Float32, must.M1(shapetracker.FromInts(m, 1, k).ExpandInts(m, n, k)))
	bST := must.M1(shapetracker.FromInts(k, n).Permute(1, 0))
	bST = must.M1(bST.ReshapeInts(1, n, k))
	b := ops.Load(2, dtypes.Float32, must.M1(bST.ExpandInts(m, n, k)))
	sum := ops.Reduce(ops.OpTypeSum, ops.Binary(ops.OpTypeMul, a, b), symbolic.Ints(m, n, 1))
	return ops.Store(sum, 0, dtypes.Float32, shapetracker.FromInts(m, n, 1))
}

// Add returns out = A + B, with all buffers of the given shape.
func Add(shape ...int) *ops.Node {
	st := shapetracker.FromInts(shape...)
	a := ops.Load(1, dtypes.Float32, st)
	b := ops.Load(2, dtypes.Float32, st)
	return ops.Store(ops.Binary(ops.OpTypeAdd, a, b), 0, dtypes.Float32, st)
}

// Dot returns out[0] = sum_i A[i] * B[i] over all elements of A and B, of the given shape.
func Dot(shape ...int) *ops.Node {
	st := shapetracker.FromInts(shape...)
	a := ops.Load(1, dtypes.Float32, st)
	b := ops.Load(2, dtypes.Float32, st)
	ones := make([]int, len(shape))
	for i := range ones {
		ones[i] = 1
	}
	sum := ops.Reduce(ops.OpTypeSum, ops.Binary(ops.OpTypeMul, a, b), symbolic.Ints(ones...))
	return ops.Store(sum, 0, dtypes.Float32, shapetracker.FromInts(ones...))
}

// RowReduce returns out[r] = op_c A[r, c], for a reduce op (Sum or ReduceMax).
func RowReduce(op ops.OpType, rows, cols int) *ops.Node {
	a := ops.Load(1, dtypes.Float32, shapetracker.FromInts(rows, cols))
	reduced := ops.Reduce(op, a, symbolic.Ints(rows, 1))
	return ops.Store(reduced, 0, dtypes.Float32, shapetracker.FromInts(rows, 1))
}

// PaddedAdd returns out = pad(A) + B, where A has size n and is zero padded with pad elements at the
// end, and B and out have size n+pad.
func PaddedAdd(n, pad int) *ops.Node {
	a := ops.Load(1, dtypes.Float32, must.M1(shapetracker.FromInts(n).Pad(shapetracker.Pads(0, pad))))
	st := shapetracker.FromInts(n + pad)
	b := ops.Load(2, dtypes.Float32, st)
	return ops.Store(ops.Binary(ops.OpTypeAdd, a, b), 0, dtypes.Float32, st)
}

// ShiftedAdd returns out[i] = A[i+1] + B[i], where A has size n+1 and B and out have size n.
func ShiftedAdd(n int) *ops.Node {
	a := ops.Load(1, dtypes.Float32, must.M1(shapetracker.FromInts(n+1).Shrink(shapetracker.Span(1, n+1))))
	st := shapetracker.FromInts(n)
	b := ops.Load(2, dtypes.Float32, st)
	return ops.Store(ops.Binary(ops.OpTypeAdd, a, b), 0, dtypes.Float32, st)
}

// ScaledExp returns out = exp2(A * c), for a constant c.
func ScaledExp(c float64, shape ...int) *ops.Node {
	st := shapetracker.FromInts(shape...)
	a := ops.Load(1, dtypes.Float32, st)
	scale := ops.Const(c, dtypes.Float32, st)
	return ops.Store(ops.Unary(ops.OpTypeExp2, ops.Binary(ops.OpTypeMul, a, scale)), 0, dtypes.Float32, st)
}
