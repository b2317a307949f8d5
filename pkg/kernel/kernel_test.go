// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matmul returns the op tree of C[m, n] = sum_k A[m, k] * B[k, n], with the iteration space (m, n, k).
func matmul(m, n, k int) *ops.Node {
	a := ops.Load(1, dtypes.Float32, must.M1(shapetracker.FromInts(m, 1, k).ExpandInts(m, n, k)))
	bST := must.M1(shapetracker.FromInts(k, n).Permute(1, 0))
	bST = must.M1(bST.ReshapeInts(1, n, k))
	b := ops.Load(2, dtypes.Float32, must.M1(bST.ExpandInts(m, n, k)))
	sum := ops.Reduce(ops.OpTypeSum, ops.Binary(ops.OpTypeMul, a, b), symbolic.Ints(m, n, 1))
	return ops.Store(sum, 0, dtypes.Float32, shapetracker.FromInts(m, n, 1))
}

func elementwise(shape ...int) *ops.Node {
	st := shapetracker.FromInts(shape...)
	a := ops.Load(1, dtypes.Float32, st)
	b := ops.Load(2, dtypes.Float32, st)
	return ops.Store(ops.Binary(ops.OpTypeAdd, a, b), 0, dtypes.Float32, st)
}

func intShape(t *testing.T, shape []symbolic.Node) []int {
	values, ok := symbolic.ToInts(shape)
	require.True(t, ok)
	return values
}

func TestNew(t *testing.T) {
	k := must.M1(New(matmul(4, 6, 8), Options{}))
	assert.Equal(t, []int{4, 6, 8}, intShape(t, k.FullShape()))
	assert.Equal(t, []int{4, 6, 1}, intShape(t, k.OutputShape()))
	assert.Equal(t, 2, k.FirstReduce())
	assert.Equal(t, 2, k.GlobalDims())
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorReduce}, k.Colors())
	require.Len(t, k.Bufs(), 3)
	assert.Equal(t, 1, k.FullBufIndex())
	assert.False(t, k.IsEarlyBuf(0))
	assert.True(t, k.IsEarlyBuf(1))
	assert.True(t, k.IsEarlyBuf(2))
	assert.Equal(t, "r_4_6_8", k.Name())
	assert.Equal(t, []int{0}, k.AccOffsets(0))

	// Contiguous elementwise kernels collapse to a single axis.
	e := must.M1(New(elementwise(4, 5), Options{}))
	assert.Equal(t, []int{20}, intShape(t, e.FullShape()))
	assert.Equal(t, "E_20", e.Name())

	// Axes of size 1 are dropped, reduce axes go last.
	a := ops.Load(1, dtypes.Float32, shapetracker.FromInts(3, 1, 5))
	sum := ops.Reduce(ops.OpTypeSum, a, symbolic.Ints(1, 1, 5))
	r := must.M1(New(ops.Store(sum, 0, dtypes.Float32, shapetracker.FromInts(1, 1, 5)), Options{}))
	assert.Equal(t, []int{5, 3}, intShape(t, r.FullShape()))
	assert.Equal(t, 1, r.FirstReduce())

	// Two reductions can't share a kernel.
	twice := ops.Reduce(ops.OpTypeSum, ops.Binary(ops.OpTypeAdd, sum, sum), symbolic.Ints(1, 1, 1))
	_, err := New(ops.Store(twice, 0, dtypes.Float32, shapetracker.FromInts(1, 1, 1)), Options{})
	require.Error(t, err)
}

func TestApplyOpt(t *testing.T) {
	k := must.M1(New(matmul(4, 6, 8), Options{}))
	key, sts := k.Key(), k.STs()

	// An amount that doesn't divide the axis is rejected, and the kernel is untouched.
	_, err := k.ApplyOpt(Opt{Op: OptOpUpcast, Axis: 0, Amount: 3})
	require.True(t, errors.Is(err, ErrOptimizerRejected))
	assert.Equal(t, key, k.Key())
	assert.Equal(t, sts, k.STs())
	assert.Equal(t, 0, k.Upcasted())
	assert.Empty(t, k.AppliedOpts())

	up := must.M1(k.ApplyOpt(Opt{Op: OptOpUpcast, Axis: 0, Amount: 2}))
	assert.Equal(t, []int{2, 6, 8, 2}, intShape(t, up.FullShape()))
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorReduce, ColorUpcast}, up.Colors())
	assert.Equal(t, []int{0, 1}, up.AccOffsets(0))
	assert.NotEqual(t, key, up.Key())
	assert.Equal(t, 3, k.ShapeLen(), "receiver must not be modified")

	unrolled := must.M1(up.ApplyOpt(Opt{Op: OptOpUnroll, Axis: 0, Amount: 4}))
	assert.Equal(t, []int{2, 6, 2, 2, 4}, intShape(t, unrolled.FullShape()))
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorReduce, ColorUpcast, ColorUpcastReduce}, unrolled.Colors())
	// Reduced lanes share the accumulator.
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1, 0, 1}, unrolled.AccOffsets(1))
	assert.Len(t, unrolled.ShapeOffsets(1), 8)
	assert.Equal(t, []Opt{{OptOpUpcast, 0, 2}, {OptOpUnroll, 0, 4}}, unrolled.AppliedOpts())

	// Upcasting a reduce axis, unrolling a non-reduce axis and invalid axes are rejected.
	for _, opt := range []Opt{
		{OptOpUpcast, 2, 2},
		{OptOpUnroll, 5, 2},
		{OptOpUpcast, -1, 2},
		{OptOpUpcast, 0, 1},
		{OptOpLocal, 0, 2}, // No local dimensions in the target.
	} {
		_, err := k.ApplyOpt(opt)
		require.Truef(t, errors.Is(err, ErrOptimizerRejected), "%s should be rejected", opt)
	}

	// Limits on the upcasted volume.
	small := must.M1(New(matmul(4, 6, 8), Options{MaxUpcast: 4}))
	small = must.M1(small.ApplyOpt(Opt{Op: OptOpUpcast, Axis: 0, Amount: 2}))
	_, err = small.ApplyOpt(Opt{Op: OptOpUnroll, Axis: 0, Amount: 4})
	require.True(t, errors.Is(err, ErrOptimizerRejected))
}

func TestLocalAndGroup(t *testing.T) {
	opts := Options{HasLocal: true, HasShared: true}
	k := must.M1(New(matmul(4, 6, 8), opts))

	local := must.M1(k.ApplyOpt(Opt{Op: OptOpLocal, Axis: 0, Amount: 2}))
	assert.Equal(t, []int{2, 6, 2, 8}, intShape(t, local.FullShape()))
	assert.Equal(t, 1, local.LocalDims())
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorLocal, ColorReduce}, local.Colors())

	grouped := must.M1(k.ApplyOpt(Opt{Op: OptOpGroupTop, Axis: 0, Amount: 4}))
	assert.Equal(t, []int{4, 6, 4, 2}, intShape(t, grouped.FullShape()))
	assert.Equal(t, []int{4}, grouped.GroupForReduce())
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorGroup, ColorReduce}, grouped.Colors())
	assert.Empty(t, grouped.UpcastInMidReduceAxes())

	// A whole-axis local removes the global axis.
	whole := must.M1(k.ApplyOpt(Opt{Op: OptOpLocal, Axis: 1, Amount: 0}))
	assert.Equal(t, []int{4, 6, 8}, intShape(t, whole.FullShape()))
	assert.Equal(t, []string{ColorGlobal, ColorLocal, ColorReduce}, whole.Colors())
}

func TestPadTo(t *testing.T) {
	k := must.M1(New(elementwise(4, 5), Options{}))
	padded := must.M1(k.ApplyOpt(Opt{Op: OptOpPadTo, Axis: 0, Amount: 32}))
	assert.Equal(t, []int{32}, intShape(t, padded.FullShape()))
	assert.True(t, padded.ST(0).NeedsValid())
	assert.Equal(t, 20, padded.ST(0).Size(), "padding is not addressed")

	// Padding more than doubling the work is rejected.
	_, err := k.ApplyOpt(Opt{Op: OptOpPadTo, Axis: 0, Amount: 64})
	require.True(t, errors.Is(err, ErrOptimizerRejected))

	a := ops.Load(1, dtypes.Float32, shapetracker.FromInts(4, 5))
	maxOp := ops.Reduce(ops.OpTypeReduceMax, a, symbolic.Ints(4, 1))
	m := must.M1(New(ops.Store(maxOp, 0, dtypes.Float32, shapetracker.FromInts(4, 1)), Options{}))
	_, err = m.ApplyOpt(Opt{Op: OptOpPadTo, Axis: 0, Amount: 8})
	require.True(t, errors.Is(err, ErrOptimizerRejected))
}

func TestHandCodedOptimizations(t *testing.T) {
	k := must.M1(New(matmul(4, 6, 8), Options{}))
	opt := k.HandCodedOptimizations()
	assert.Empty(t, k.AppliedOpts())
	require.NotEmpty(t, opt.AppliedOpts())
	assert.Equal(t, Opt{OptOpUnroll, 0, 0}, opt.AppliedOpts()[0])
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorUpcastReduce}, opt.Colors())

	e := must.M1(New(elementwise(4, 5), Options{})).HandCodedOptimizations()
	assert.Equal(t, []Opt{{OptOpUpcast, 0, 4}}, e.AppliedOpts())
	assert.Equal(t, []int{5, 4}, intShape(t, e.FullShape()))

	// With local dimensions the remaining global axes are assigned to locals.
	l := must.M1(New(elementwise(64, 64), Options{HasLocal: true, HasShared: true})).HandCodedOptimizations()
	assert.Equal(t, 1, l.LocalDims())

	// Small outputs with a long reduction are grouped.
	a := ops.Load(1, dtypes.Float32, shapetracker.FromInts(4, 1024))
	sum := ops.Reduce(ops.OpTypeSum, a, symbolic.Ints(4, 1))
	g := must.M1(New(ops.Store(sum, 0, dtypes.Float32, shapetracker.FromInts(4, 1)), Options{HasLocal: true, HasShared: true}))
	g = g.HandCodedOptimizations()
	assert.Equal(t, []int{256}, g.GroupForReduce())
}

func TestTensorCores(t *testing.T) {
	tc := TensorCore{Name: "wmma", M: 4, N: 4, K: 4, DTypeIn: dtypes.Float32, DTypeOut: dtypes.Float32}
	k := must.M1(New(matmul(8, 8, 8), Options{TensorCores: []TensorCore{tc}}))
	withTC := must.M1(k.ApplyTensorCores(tc))
	assert.Equal(t, []int{2, 2, 2, 4, 4, 4}, intShape(t, withTC.FullShape()))
	assert.Equal(t, 3, withTC.Upcasted())
	assert.Equal(t, []string{ColorGlobal, ColorGlobal, ColorReduce, ColorUpcast, ColorUpcast, ColorUpcastReduce}, withTC.Colors())
	require.NotNil(t, withTC.TensorCore())
	assert.Contains(t, withTC.Key(), "tc=wmma")

	_, err := withTC.ApplyOpt(Opt{Op: OptOpUpcast, Axis: 0, Amount: 2})
	require.True(t, errors.Is(err, ErrOptimizerRejected))

	_, err = must.M1(New(elementwise(8, 8), Options{})).ApplyTensorCores(tc)
	require.True(t, errors.Is(err, ErrOptimizerRejected))

	half := tc
	half.DTypeIn = dtypes.Float16
	_, err = k.ApplyTensorCores(half)
	require.True(t, errors.Is(err, ErrOptimizerRejected))
}

func TestColoredShape(t *testing.T) {
	k := must.M1(New(matmul(4, 6, 8), Options{}))
	k = must.M1(k.ApplyOpt(Opt{Op: OptOpUpcast, Axis: 0, Amount: 2}))
	colored := k.ColoredShape()
	for _, size := range []string{"2", "6", "8"} {
		assert.True(t, strings.Contains(colored, size))
	}
}
