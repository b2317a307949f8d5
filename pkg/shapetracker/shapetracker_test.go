// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapetracker

import (
	"testing"

	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachIndex calls fn for every index of the static shape.
func forEachIndex(shape []int, fn func(idx []int)) {
	for _, s := range shape {
		if s == 0 {
			return
		}
	}
	idx := make([]int, len(shape))
	for {
		fn(idx)
		axis := len(shape) - 1
		for ; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

func ints(t *testing.T, nodes []symbolic.Node) []int {
	values, ok := symbolic.ToInts(nodes)
	require.True(t, ok, "expected static values, got %v", nodes)
	return values
}

// referenceEval resolves a static index through the views one at a time, without using the
// symbolic expressions.
func referenceEval(t *testing.T, views []*View, idx []int) (offset int, valid bool) {
	for i := len(views) - 1; i >= 0; i-- {
		v := views[i]
		strides := ints(t, v.Strides())
		offset = ints(t, []symbolic.Node{v.Offset()})[0]
		for axis, x := range idx {
			if v.Mask() != nil {
				m := ints(t, []symbolic.Node{v.Mask()[axis].Lo, v.Mask()[axis].Hi})
				if x < m[0] || x >= m[1] {
					return 0, false
				}
			}
			offset += x * strides[axis]
		}
		if i == 0 {
			break
		}
		prevShape := ints(t, views[i-1].Shape())
		idx = make([]int, len(prevShape))
		flat := offset
		for axis := len(prevShape) - 1; axis >= 0; axis-- {
			idx[axis] = ((flat % prevShape[axis]) + prevShape[axis]) % prevShape[axis]
			flat = (flat - idx[axis]) / prevShape[axis]
		}
	}
	return offset, true
}

// evalAt evaluates the symbolic expressions of the tracker at a static index.
func evalAt(t *testing.T, st *ShapeTracker, idx []int) (offset int, valid bool) {
	o, v := st.ExprIdxs(symbolic.Ints(idx...))
	validInt, ok := symbolic.IsInt(v)
	require.True(t, ok, "validity not static: %s", v)
	if validInt == 0 {
		return 0, false
	}
	offset, ok = symbolic.IsInt(o)
	require.True(t, ok, "offset not static: %s", o)
	return offset, true
}

// requireEquivalent checks that both trackers map every index of their (equal) shape to the same offset
// and validity.
func requireEquivalent(t *testing.T, want, got *ShapeTracker) {
	shape := ints(t, want.Shape())
	require.Equal(t, shape, ints(t, got.Shape()))
	forEachIndex(shape, func(idx []int) {
		wantOffset, wantValid := evalAt(t, want, idx)
		gotOffset, gotValid := evalAt(t, got, idx)
		require.Equal(t, wantValid, gotValid, "validity at %v: want %s, got %s", idx, want, got)
		if wantValid {
			require.Equal(t, wantOffset, gotOffset, "offset at %v: want %s, got %s", idx, want, got)
		}
	})
}

func TestReshapeRoundTrip(t *testing.T) {
	st := FromInts(4, 5)
	flat := must.M1(st.ReshapeInts(20))
	back := must.M1(flat.ReshapeInts(4, 5))
	require.Len(t, back.Views(), 1)
	require.True(t, back.Contiguous())
	require.Same(t, st.Views()[0], back.Views()[0])
}

func TestPadShrink(t *testing.T) {
	st := FromInts(3, 4)
	padded := must.M1(st.Pad(Pads(1, 1), Pads(0, 0)))
	require.True(t, padded.NeedsValid())
	require.Equal(t, []int{5, 4}, ints(t, padded.Shape()))
	require.Equal(t, -4, ints(t, []symbolic.Node{padded.Views()[0].Offset()})[0])

	shrunk := must.M1(padded.Shrink(Span(1, 4), Span(0, 4)))
	require.Same(t, st.Views()[0], shrunk.Views()[0])
	wantIdx, wantValid := st.ExprIdxs(nil)
	gotIdx, gotValid := shrunk.ExprIdxs(nil)
	require.Equal(t, wantIdx.Key(), gotIdx.Key())
	require.Equal(t, wantValid.Key(), gotValid.Key())

	_, err := st.Shrink(Span(0, 5), Span(0, 4))
	require.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = st.Pad(Pads(0, 0))
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestExpand(t *testing.T) {
	v := NewView(symbolic.Ints(1, 5), symbolic.Ints(0, 1), nil, nil)
	st := must.M1(New(v))
	expanded := must.M1(st.ExpandInts(3, 5))
	require.Equal(t, []int{0, 1}, ints(t, expanded.Views()[0].Strides()))
	require.Equal(t, []int{3, 5}, ints(t, expanded.Shape()))
	require.Equal(t, 5, expanded.Size())

	_, err := st.ExpandInts(3, 6)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = FromInts(2, 5).ExpandInts(4, 5)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPermuteAndStride(t *testing.T) {
	st := FromInts(3, 4)
	permuted := must.M1(st.Permute(1, 0))
	require.Equal(t, []int{4, 3}, ints(t, permuted.Shape()))
	require.Equal(t, []int{1, 4}, ints(t, permuted.RealStrides(false)))
	_, err := st.Permute(0, 0)
	require.True(t, errors.Is(err, ErrShapeMismatch))

	strided := must.M1(FromInts(4, 6).Stride(-1, 2))
	require.Equal(t, []int{4, 3}, ints(t, strided.Shape()))
	require.Equal(t, []int{-6, 2}, ints(t, strided.Views()[0].Strides()))
	offset, valid := evalAt(t, strided, []int{0, 1})
	require.True(t, valid)
	require.Equal(t, 20, offset)
	_, err = st.Stride(1, 0)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestReshapeOnes(t *testing.T) {
	padded := must.M1(FromInts(3, 4).Pad(Pads(1, 1), Pads(0, 0)))
	reshaped := must.M1(padded.ReshapeInts(5, 1, 4))
	require.Len(t, reshaped.Views(), 1)
	v := reshaped.Views()[0]
	require.Equal(t, []int{4, 0, 1}, ints(t, v.Strides()))
	require.Len(t, v.Mask(), 3)
	assert.True(t, v.Mask()[0].Equal(Span(1, 4)))
	assert.True(t, v.Mask()[1].Equal(Span(0, 1)))
	assert.True(t, v.Mask()[2].Equal(Span(0, 4)))

	_, err := FromInts(3, 4).ReshapeInts(5, 2)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestMultiViewAndSimplify(t *testing.T) {
	permuted := must.M1(FromInts(3, 4).Permute(1, 0))
	flat := must.M1(permuted.ReshapeInts(12))
	require.Len(t, flat.Views(), 2)
	require.Nil(t, flat.RealStrides(false)[0])

	// Expressions resolve through both views.
	forEachIndex([]int{12}, func(idx []int) {
		want, _ := referenceEval(t, flat.Views(), idx)
		got, valid := evalAt(t, flat, idx)
		require.True(t, valid)
		require.Equal(t, want, got, "at %v", idx)
	})

	simplified := flat.Simplify()
	require.Len(t, simplified.Views(), 2)
	require.Len(t, simplified.Simplify().Views(), len(simplified.Views()))

	// Reshaping back yields views that merge into the original permutation.
	back := must.M1(flat.ReshapeInts(4, 3))
	require.Len(t, back.Views(), 2)
	merged := back.Simplify()
	require.Len(t, merged.Views(), 1)
	require.Same(t, permuted.Views()[0], merged.Views()[0])
	require.Len(t, merged.Simplify().Views(), 1)
}

func TestMergeViews(t *testing.T) {
	vm2 := NewView(symbolic.Ints(4, 3), symbolic.Ints(1, 4), nil, nil)
	testCases := []struct {
		name      string
		vm1       *View
		vm2       *View
		mergeable bool
	}{
		{"factorization", NewView(symbolic.Ints(2, 2, 3), nil, nil, nil), vm2, true},
		{"flatten", NewView(symbolic.Ints(12), nil, nil, nil), vm2, false},
		{"contiguous-outer", NewView(symbolic.Ints(3, 4), symbolic.Ints(1, 3), nil, nil),
			NewView(symbolic.Ints(12), nil, nil, nil), true},
		{"masked-outer", NewView(symbolic.Ints(2, 6), nil, nil, nil),
			NewView(symbolic.Ints(4, 3), symbolic.Ints(1, 4), nil, []Interval{Span(0, 3), Span(0, 3)}), false},
		{"offset-inner", NewView(symbolic.Ints(2, 3), nil, symbolic.Num(2), nil), vm2, false},
		{"offset-inner-row", NewView(symbolic.Ints(3), nil, symbolic.Num(3), nil), vm2, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			merged := MergeViews(tc.vm2, tc.vm1)
			if !tc.mergeable {
				require.Nil(t, merged)
				return
			}
			require.NotNil(t, merged)
			forEachIndex(ints(t, tc.vm1.Shape()), func(idx []int) {
				want, wantValid := referenceEval(t, []*View{tc.vm2, tc.vm1}, idx)
				got, gotValid := referenceEval(t, []*View{merged}, idx)
				require.Equal(t, wantValid, gotValid)
				if wantValid {
					require.Equal(t, want, got, "at %v", idx)
				}
			})
		})
	}
	require.Equal(t, []int{2, 1, 4},
		ints(t, MergeViews(vm2, NewView(symbolic.Ints(2, 2, 3), nil, nil, nil)).Strides()))
}

func TestToMovementOps(t *testing.T) {
	testCases := []struct {
		name  string
		base  []int
		build func(st *ShapeTracker) (*ShapeTracker, error)
	}{
		{"pad", []int{3, 4}, func(st *ShapeTracker) (*ShapeTracker, error) {
			return st.Pad(Pads(1, 1), Pads(0, 0))
		}},
		{"permute", []int{3, 4}, func(st *ShapeTracker) (*ShapeTracker, error) { return st.Permute(1, 0) }},
		{"expand", []int{1, 5}, func(st *ShapeTracker) (*ShapeTracker, error) { return st.ExpandInts(3, 5) }},
		{"expand-pad", []int{1, 5}, func(st *ShapeTracker) (*ShapeTracker, error) {
			st, err := st.ExpandInts(3, 5)
			if err != nil {
				return nil, err
			}
			return st.Pad(Pads(1, 0), Pads(0, 2))
		}},
		{"shrink", []int{4, 6}, func(st *ShapeTracker) (*ShapeTracker, error) {
			return st.Shrink(Span(1, 3), Span(2, 6))
		}},
		{"stride", []int{4, 6}, func(st *ShapeTracker) (*ShapeTracker, error) { return st.Stride(-1, 2) }},
		{"pad-permute", []int{2, 3}, func(st *ShapeTracker) (*ShapeTracker, error) {
			st, err := st.Pad(Pads(0, 0), Pads(1, 1))
			if err != nil {
				return nil, err
			}
			return st.Permute(1, 0)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st := must.M1(tc.build(FromInts(tc.base...)))
			require.Len(t, st.Views(), 1)
			size := 1
			for _, s := range tc.base {
				size *= s
			}
			replayed := must.M1(FromInts(size).Replay(st.ToMovementOps()))
			requireEquivalent(t, st, replayed)
		})
	}
}

func TestQueries(t *testing.T) {
	padded := must.M1(FromInts(3, 4).Pad(Pads(1, 1), Pads(0, 0)))
	strides := padded.RealStrides(false)
	require.Nil(t, strides[0])
	require.Equal(t, 1, ints(t, strides[1:])[0])
	require.Equal(t, []int{4, 1}, ints(t, padded.RealStrides(true)))
	require.Equal(t, []int{1}, padded.UnitStrideAxes(false))
	require.True(t, padded.AxisIsMasked(0))
	require.False(t, padded.AxisIsMasked(1))
	require.Equal(t, -4, ints(t, []symbolic.Node{padded.RealOffset()})[0])
	require.Equal(t, 12, FromInts(3, 4).Size())

	n := symbolic.NewVariable("n", 1, 8)
	dynamic := FromShape(n, symbolic.Num(4))
	require.Len(t, dynamic.Vars(), 1)
	require.Equal(t, "n", dynamic.Vars()[0].Name())
	idx, valid := dynamic.ExprIdxs(nil)
	require.Equal(t, "((idx0*4)+idx1)", idx.String())
	require.Equal(t, "1", valid.Key())
	require.True(t, must.M1(dynamic.Reshape(symbolic.MulInt(n, 4))).Contiguous())
}

func TestMaskedSize(t *testing.T) {
	require.Equal(t, 3, must.M1(FromInts(3).Pad(Pads(0, 1))).Size())
	require.Equal(t, 12, must.M1(FromInts(3, 4).Pad(Pads(1, 1), Pads(0, 0))).Size())
	require.Equal(t, 12, must.M1(FromInts(3, 4).Pad(Pads(2, 2), Pads(1, 3))).Size())

	// Only padding is left.
	empty := must.M1(must.M1(FromInts(3).Pad(Pads(0, 2))).Shrink(Span(3, 5)))
	require.Equal(t, 0, empty.Size())

	// The mask of an inner view also bounds the size.
	stacked := must.M1(must.M1(FromInts(3).Pad(Pads(1, 0))).ReshapeInts(2, 2))
	require.Len(t, stacked.Views(), 2)
	require.Equal(t, 3, stacked.Size())

	// Shifted: the largest valid offset is still the last element.
	shifted := must.M1(must.M1(FromInts(6).Shrink(Span(2, 6))).Pad(Pads(2, 0)))
	require.Equal(t, 6, shifted.Size())
}

func TestSymbolicStack(t *testing.T) {
	n := symbolic.NewVariable("n", 1, 8)
	permuted := must.M1(FromShape(n, symbolic.Num(4)).Permute(1, 0))
	_, err := permuted.Reshape(symbolic.MulInt(n, 4))
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = New(NewView([]symbolic.Node{n, symbolic.Num(4)}, nil, nil, nil), NewView(symbolic.Ints(4), nil, nil, nil))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestGetContraction(t *testing.T) {
	require.Equal(t, [][]int{{0, 1}, {2}}, GetContraction([]int{2, 3, 4}, []int{6, 4}))
	require.Equal(t, [][]int{{}, {0, 1}, {2}}, GetContraction([]int{2, 3, 4}, []int{1, 6, 4}))
	require.Nil(t, GetContraction([]int{2, 3, 4}, []int{4, 6}))
}
