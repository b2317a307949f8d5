// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapetracker

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShapeTracker is a non-empty stack of Views, composed outer-to-inner: the last view defines the logical
// shape, and the flat offset it produces is resolved through the previous views.
type ShapeTracker struct {
	views []*View
}

// New creates a ShapeTracker from the given views.
//
// Only the last view can have a symbolic shape: indices are resolved through the inner views by
// division and modulo of their dimensions.
func New(views ...*View) (*ShapeTracker, error) {
	if len(views) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "ShapeTracker requires at least one view")
	}
	for _, v := range views[:len(views)-1] {
		if !symbolic.AllInt(v.shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "ShapeTracker: inner view %s has a symbolic shape", v)
		}
	}
	return &ShapeTracker{views: slices.Clone(views)}, nil
}

// FromShape creates a ShapeTracker with a single contiguous view of the given shape.
func FromShape(shape ...symbolic.Node) *ShapeTracker {
	return &ShapeTracker{views: []*View{NewView(shape, nil, nil, nil)}}
}

// FromInts creates a ShapeTracker with a single contiguous view of the given static shape.
func FromInts(shape ...int) *ShapeTracker {
	return FromShape(symbolic.Ints(shape...)...)
}

// Views returns the stack of views. The returned slice must not be modified.
func (st *ShapeTracker) Views() []*View { return st.views }

func (st *ShapeTracker) last() *View { return st.views[len(st.views)-1] }

// Shape is the logical shape: the shape of the last view. The returned slice must not be modified.
func (st *ShapeTracker) Shape() []symbolic.Node { return st.last().shape }

// Rank is the number of axes of the logical shape.
func (st *ShapeTracker) Rank() int { return len(st.last().shape) }

// IntShape returns the shape as ints, if it is static.
func (st *ShapeTracker) IntShape() ([]int, bool) { return symbolic.ToInts(st.Shape()) }

// Contiguous returns whether the tracker is the identity mapping of its shape.
func (st *ShapeTracker) Contiguous() bool { return len(st.views) == 1 && st.views[0].contiguous }

// NeedsValid returns whether some index may be invalid (masked out).
func (st *ShapeTracker) NeedsValid() bool {
	return slices.ContainsFunc(st.views, func(v *View) bool { return v.mask != nil })
}

// Key is a canonical rendering of the tracker, stable across runs.
func (st *ShapeTracker) Key() string {
	parts := make([]string, len(st.views))
	for i, v := range st.views {
		parts[i] = v.key
	}
	return "ShapeTracker(" + strings.Join(parts, ", ") + ")"
}

// String implements fmt.Stringer.
func (st *ShapeTracker) String() string {
	parts := make([]string, len(st.views))
	for i, v := range st.views {
		parts[i] = v.String()
	}
	return "ShapeTracker(" + strings.Join(parts, ", ") + ")"
}

// Vars returns the symbolic variables used by the views.
func (st *ShapeTracker) Vars() []*symbolic.Variable {
	var nodes []symbolic.Node
	for _, v := range st.views {
		nodes = append(nodes, v.shape...)
		nodes = append(nodes, v.strides...)
		nodes = append(nodes, v.offset)
		for _, m := range v.mask {
			nodes = append(nodes, m.Lo, m.Hi)
		}
	}
	return symbolic.Vars(nodes...)
}

func (st *ShapeTracker) replaceLast(v *View) *ShapeTracker {
	views := slices.Clone(st.views)
	views[len(views)-1] = v
	return &ShapeTracker{views: views}
}

// appendView stacks v over the tracker. The current last view becomes an inner view, so its shape must be
// static.
func (st *ShapeTracker) appendView(v *View) (*ShapeTracker, error) {
	if !symbolic.AllInt(st.Shape()) {
		return nil, errors.Wrapf(ErrShapeMismatch, "can't stack %s over the symbolic shape %s",
			v, nodesString(st.Shape()))
	}
	views := make([]*View, len(st.views), len(st.views)+1)
	copy(views, st.views)
	return &ShapeTracker{views: append(views, v)}, nil
}

// Size returns the number of elements of the flat buffer addressed by the tracker: the largest offset of a
// valid index + 1. Indices masked out (e.g. padding) don't address the buffer, so they don't count.
//
// Masks only narrow the index ranges axis by axis, so the size may still be an upper bound.
func (st *ShapeTracker) Size() int {
	last := st.last()
	idxs := make([]symbolic.Node, len(last.shape))
	for i, s := range last.shape {
		idx, ok := maskedIdx(fmt.Sprintf("idx%d", i), 0, s.Max()-1, last.mask, i)
		if !ok {
			return 0
		}
		idxs[i] = idx
	}
	idx, valid := last.exprIdxs(idxs, nil)
	for i := len(st.views) - 2; i >= 0; i-- {
		if valid.Max() == 0 {
			return 0
		}
		view := st.views[i].minify()
		viewIdxs := unravel(idx, view.shape)
		for axis, x := range viewIdxs {
			var ok bool
			viewIdxs[axis], ok = maskedIdx(fmt.Sprintf("_view%d_idx%d", i, axis), x.Min(), x.Max(), view.mask, axis)
			if !ok {
				return 0
			}
		}
		idx, valid = view.exprIdxs(viewIdxs, valid)
	}
	if valid.Max() == 0 {
		return 0
	}
	return idx.Max() + 1
}

// maskedIdx returns a variable for the index range [lo, hi] of an axis, narrowed to the axis mask if
// there is one. It returns false if no index of the range is valid.
func maskedIdx(name string, lo, hi int, mask []Interval, axis int) (symbolic.Node, bool) {
	if mask != nil {
		lo, hi = max(lo, mask[axis].Lo.Min()), min(hi, mask[axis].Hi.Max()-1)
	}
	if hi < lo {
		return nil, false
	}
	return symbolic.NewVariable(name, lo, hi), true
}

func zeroIdxs(rank int) []symbolic.Node {
	idxs := make([]symbolic.Node, rank)
	for i := range idxs {
		idxs[i] = symbolic.Num(0)
	}
	return idxs
}

// unravel splits a flat index over the static shape into per-axis indices.
func unravel(idx symbolic.Node, shape []symbolic.Node) []symbolic.Node {
	idxs := make([]symbolic.Node, len(shape))
	var acc symbolic.Node = symbolic.Num(1)
	for axis := len(shape) - 1; axis >= 0; axis-- {
		idxs[axis] = symbolic.Mod(symbolic.FloorDiv(idx, acc), shape[axis])
		acc = symbolic.Mul(acc, shape[axis])
	}
	return idxs
}

// defaultIdxs returns one variable per axis, named "idx<axis>".
func (st *ShapeTracker) defaultIdxs() []symbolic.Node {
	idxs := make([]symbolic.Node, st.Rank())
	for i, s := range st.Shape() {
		if s.Max() <= 1 {
			idxs[i] = symbolic.Num(0)
		} else {
			idxs[i] = symbolic.NewVariable(fmt.Sprintf("idx%d", i), 0, s.Max()-1)
		}
	}
	return idxs
}

// ExprIdxs returns the flat offset expression and the validity expression for the given per-axis
// indices. If idxs is nil, variables "idx0", "idx1", ... are used.
//
// If the index is statically invalid, the offset returned is -1.
func (st *ShapeTracker) ExprIdxs(idxs []symbolic.Node) (idx, valid symbolic.Node) {
	if idxs == nil {
		idxs = st.defaultIdxs()
	}
	idx, valid = st.last().exprIdxs(idxs, nil)
	for i := len(st.views) - 2; i >= 0; i-- {
		if valid.Max() == 0 {
			return symbolic.Num(-1), valid
		}
		view := st.views[i].minify()
		idx, valid = view.exprIdxs(unravel(idx, view.shape), valid)
	}
	return idx, valid
}

// ExprNode is like ExprIdxs, but for a single index over the flattened logical shape, which must be
// static. If idx is nil, a variable "idx" is used.
func (st *ShapeTracker) ExprNode(idx symbolic.Node) (symbolic.Node, symbolic.Node) {
	shape := st.Shape()
	if idx == nil {
		size := symbolic.Prod(shape...)
		if size.Max() <= 1 {
			idx = symbolic.Num(0)
		} else {
			idx = symbolic.NewVariable("idx", 0, size.Max()-1)
		}
	}
	return st.ExprIdxs(unravel(idx, shape))
}

// RealOffset returns the flat offset of the first element.
func (st *ShapeTracker) RealOffset() symbolic.Node {
	offset, _ := st.ExprIdxs(zeroIdxs(st.Rank()))
	return offset
}

// RealStrides returns for each axis the stride with which it moves the flat offset, or nil if the axis
// doesn't move the offset by a fixed stride (it's mixed with other axes, or in a non-affine expression).
//
// Unless ignoreValid is set, axes that take part in the validity expression also have a nil stride.
func (st *ShapeTracker) RealStrides(ignoreValid bool) []symbolic.Node {
	last := st.last()
	if len(st.views) == 1 && last.mask == nil {
		return slices.Clone(last.strides)
	}
	idxs := st.defaultIdxs()
	idx, valid := st.ExprIdxs(idxs)
	strides := make([]symbolic.Node, len(idxs))
	badVars := make(map[string]bool)
	terms := []symbolic.Node{idx}
	if sum, ok := idx.(*symbolic.SumNode); ok {
		terms = sum.Nodes()
	}
	for _, term := range terms {
		var base, stride symbolic.Node = term, symbolic.Num(1)
		if mul, ok := term.(*symbolic.MulNode); ok {
			base, stride = mul.A(), mul.B()
		}
		axis := slices.IndexFunc(idxs, func(x symbolic.Node) bool {
			_, isVar := x.(*symbolic.Variable)
			return isVar && symbolic.Equal(x, base)
		})
		if axis >= 0 {
			strides[axis] = stride
			continue
		}
		for _, v := range symbolic.Vars(base) {
			badVars[v.Key()] = true
		}
	}
	idxVars := varKeys(idx)
	validVars := varKeys(valid)
	for i, x := range idxs {
		if _, isVar := x.(*symbolic.Variable); !isVar {
			strides[i] = symbolic.Num(0)
			continue
		}
		key := x.Key()
		switch {
		case badVars[key] || (validVars[key] && !ignoreValid):
			strides[i] = nil
		case !idxVars[key]:
			strides[i] = symbolic.Num(0)
		}
	}
	return strides
}

func varKeys(n symbolic.Node) map[string]bool {
	keys := make(map[string]bool)
	for _, v := range symbolic.Vars(n) {
		keys[v.Key()] = true
	}
	return keys
}

// UnitStrideAxes returns the axes whose real stride is 1.
func (st *ShapeTracker) UnitStrideAxes(ignoreValid bool) []int {
	var axes []int
	for i, s := range st.RealStrides(ignoreValid) {
		if s != nil && isIntEq(s, 1) {
			axes = append(axes, i)
		}
	}
	return axes
}

// AxisIsMasked returns whether the validity of an index depends on the given axis.
func (st *ShapeTracker) AxisIsMasked(axis int) bool {
	_, valid := st.ExprIdxs(nil)
	return symbolic.HasVar(valid, fmt.Sprintf("idx%d", axis))
}

// MergeViews returns a single view equivalent to resolving an index through vm1 and then through vm2,
// or nil if there isn't one that can be safely derived.
//
// Merging is rejected if vm2 has a mask or a symbolic shape, or if some stride of the composition is
// ambiguous. An offset in vm1 is carried into the merged offset.
func MergeViews(vm2, vm1 *View) *View {
	if vm2.contiguous {
		return vm1
	}
	if vm2.mask != nil || !symbolic.AllInt(vm2.shape) {
		return nil
	}
	composed := &ShapeTracker{views: []*View{vm2, vm1}}
	strides := composed.RealStrides(false)
	if slices.Contains(strides, nil) {
		return nil
	}
	offset, _ := composed.ExprIdxs(zeroIdxs(len(vm1.shape)))
	return NewView(vm1.shape, strides, offset, vm1.mask)
}

// Simplify merges the last two views for as long as possible.
func (st *ShapeTracker) Simplify() *ShapeTracker {
	for len(st.views) >= 2 {
		merged := MergeViews(st.views[len(st.views)-2], st.views[len(st.views)-1])
		if merged == nil {
			break
		}
		if klog.V(3).Enabled() {
			klog.Infof("shapetracker: merged %s and %s into %s", st.views[len(st.views)-2], st.last(), merged)
		}
		views := slices.Clone(st.views[:len(st.views)-2])
		st = &ShapeTracker{views: append(views, merged)}
	}
	return st
}

// Pad the logical shape: see View.Pad.
func (st *ShapeTracker) Pad(arg ...Padding) (*ShapeTracker, error) {
	v, err := st.last().Pad(arg)
	if err != nil {
		return nil, err
	}
	return st.replaceLast(v), nil
}

// Shrink the logical shape: see View.Shrink.
func (st *ShapeTracker) Shrink(arg ...Interval) (*ShapeTracker, error) {
	v, err := st.last().Shrink(arg)
	if err != nil {
		return nil, err
	}
	return st.replaceLast(v), nil
}

// Expand broadcasts axes of dimension 1: see View.Expand.
func (st *ShapeTracker) Expand(newShape ...symbolic.Node) (*ShapeTracker, error) {
	v, err := st.last().Expand(newShape)
	if err != nil {
		return nil, err
	}
	return st.replaceLast(v), nil
}

// Permute the axes: see View.Permute.
func (st *ShapeTracker) Permute(axes ...int) (*ShapeTracker, error) {
	v, err := st.last().Permute(axes)
	if err != nil {
		return nil, err
	}
	return st.replaceLast(v), nil
}

// Stride resamples the axes: see View.Stride.
func (st *ShapeTracker) Stride(mul ...int) (*ShapeTracker, error) {
	v, err := st.last().Stride(mul)
	if err != nil {
		return nil, err
	}
	return st.replaceLast(v), nil
}

// Reshape to a new shape of the same size.
//
// If the tracker is contiguous, or the reshape only adds or removes axes of dimension 1, the last view
// is replaced. Otherwise, a new view is appended, and merged with the previous one if possible.
func (st *ShapeTracker) Reshape(newShape ...symbolic.Node) (*ShapeTracker, error) {
	last := st.last()
	if symbolic.EqualSlices(last.shape, newShape) {
		return st, nil
	}
	for _, s := range newShape {
		if s.Min() < 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "Reshape: negative dimension in %s", nodesString(newShape))
		}
	}
	oldSize, ok1 := symbolic.ToInts([]symbolic.Node{symbolic.Prod(last.shape...)})
	newSize, ok2 := symbolic.ToInts([]symbolic.Node{symbolic.Prod(newShape...)})
	if ok1 && ok2 && oldSize[0] != newSize[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "Reshape: can't reshape %s (size %d) to %s (size %d)",
			nodesString(last.shape), oldSize[0], nodesString(newShape), newSize[0])
	}
	newView := NewView(newShape, nil, nil, nil)
	if last.contiguous {
		return st.replaceLast(newView), nil
	}
	if v, ok := last.reshapeOnes(newShape); ok {
		return st.replaceLast(v), nil
	}
	if merged := MergeViews(last, newView); merged != nil {
		return st.replaceLast(merged), nil
	}
	if klog.V(3).Enabled() {
		klog.Infof("shapetracker: reshape %s -> %s appends a new view", last, nodesString(newShape))
	}
	return st.appendView(newView)
}

// ReshapeInts is Reshape for a static shape.
func (st *ShapeTracker) ReshapeInts(newShape ...int) (*ShapeTracker, error) {
	return st.Reshape(symbolic.Ints(newShape...)...)
}

// ExpandInts is Expand for a static shape.
func (st *ShapeTracker) ExpandInts(newShape ...int) (*ShapeTracker, error) {
	return st.Expand(symbolic.Ints(newShape...)...)
}

// AsStrided replaces the layout by the given affine view over the flat buffer addressed by the tracker.
func (st *ShapeTracker) AsStrided(shape, strides []symbolic.Node, offset symbolic.Node) (*ShapeTracker, error) {
	flat, err := st.Reshape(symbolic.Prod(st.Shape()...))
	if err != nil {
		return nil, err
	}
	v := NewView(shape, strides, offset, nil)
	if flat.last().contiguous {
		return flat.replaceLast(v), nil
	}
	return flat.appendView(v)
}

// GetContraction returns, for each axis of newShape, the axes of oldShape that were merged into it,
// or nil if newShape is not a contraction of oldShape.
func GetContraction(oldShape, newShape []int) [][]int {
	accOld := make([]int, len(oldShape))
	acc := 1
	for i, s := range oldShape {
		acc *= s
		accOld[i] = acc
	}
	split := make([]int, len(newShape))
	acc = 1
	for i, s := range newShape {
		acc *= s
		if acc == 1 {
			continue
		}
		pos := slices.Index(accOld, acc)
		if pos < 0 {
			return nil
		}
		split[i] = pos + 1
	}
	axes := make([][]int, len(newShape))
	start := 0
	for i := range newShape {
		end := len(oldShape)
		if i < len(newShape)-1 {
			end = split[i]
		}
		axes[i] = make([]int, 0, max(end-start, 0))
		for a := start; a < end; a++ {
			axes[i] = append(axes[i], a)
		}
		start = end
	}
	return axes
}
