// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapetracker represents how a logical N-dimensional array maps onto a flat buffer, through a
// stack of affine Views (shape, strides, offset and an optional validity mask).
//
// Movement operations (Reshape, Permute, Expand, Pad, Shrink, Stride) transform the last View of a
// ShapeTracker, and return a new ShapeTracker: trackers and views are immutable values.
//
// Views are interned: two views created with the same fields are the same pointer.
package shapetracker

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/pkg/errors"
)

// ErrShapeMismatch is wrapped by errors returned when a movement op is applied to an incompatible shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// Interval is a half-open range [Lo, Hi) of indices of an axis, used for masks and shrinks.
type Interval struct {
	Lo, Hi symbolic.Node
}

// Span returns the interval [lo, hi).
func Span(lo, hi int) Interval { return Interval{symbolic.Num(lo), symbolic.Num(hi)} }

// Len returns Hi - Lo.
func (r Interval) Len() symbolic.Node { return symbolic.Sub(r.Hi, r.Lo) }

// Equal compares the intervals structurally.
func (r Interval) Equal(o Interval) bool {
	return symbolic.Equal(r.Lo, o.Lo) && symbolic.Equal(r.Hi, o.Hi)
}

func (r Interval) String() string { return fmt.Sprintf("(%s, %s)", r.Lo, r.Hi) }

// Padding is the number of elements added before and after an axis.
type Padding struct {
	Before, After symbolic.Node
}

// Pads returns the padding with the given number of elements before and after an axis.
func Pads(before, after int) Padding { return Padding{symbolic.Num(before), symbolic.Num(after)} }

// View is one affine layer mapping indices of its shape to a flat offset:
// offset + sum(idx[i]*strides[i]), valid if every idx[i] is within mask[i] (if there is a mask).
type View struct {
	shape, strides []symbolic.Node
	offset         symbolic.Node
	mask           []Interval
	contiguous     bool
	key            string
}

// viewCache interns views by their key.
var viewCache sync.Map

// NewView returns the (interned) view with the given fields.
//
// If strides is nil, the row-major strides for the shape are used. A nil offset means 0, and a nil mask
// means all indices are valid. Strides of axes of dimension 1 are canonicalized to 0.
func NewView(shape, strides []symbolic.Node, offset symbolic.Node, mask []Interval) *View {
	if strides == nil {
		strides = stridesForShape(shape)
	} else {
		if len(strides) != len(shape) {
			exceptions.Panicf("shapetracker.NewView: shape %s and strides %s have different ranks",
				nodesString(shape), nodesString(strides))
		}
		strides = canonicalizeStrides(shape, strides)
	}
	if offset == nil {
		offset = symbolic.Num(0)
	}
	if len(mask) == 0 {
		mask = nil
	} else if len(mask) != len(shape) {
		exceptions.Panicf("shapetracker.NewView: shape %s and mask %v have different ranks", nodesString(shape), mask)
	}
	key := viewKey(shape, strides, offset, mask)
	if v, found := viewCache.Load(key); found {
		return v.(*View)
	}
	v := &View{
		shape:   slices.Clone(shape),
		strides: strides,
		offset:  offset,
		mask:    slices.Clone(mask),
		key:     key,
	}
	v.contiguous = isIntEq(offset, 0) && mask == nil && symbolic.EqualSlices(strides, stridesForShape(shape))
	actual, _ := viewCache.LoadOrStore(key, v)
	return actual.(*View)
}

func viewKey(shape, strides []symbolic.Node, offset symbolic.Node, mask []Interval) string {
	var sb strings.Builder
	sb.WriteString("View(")
	writeKeys(&sb, shape)
	sb.WriteString(", ")
	writeKeys(&sb, strides)
	sb.WriteString(", ")
	sb.WriteString(offset.Key())
	if mask != nil {
		sb.WriteString(", (")
		for i, m := range mask {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "(%s, %s)", m.Lo.Key(), m.Hi.Key())
		}
		sb.WriteString(")")
	}
	sb.WriteString(")")
	return sb.String()
}

func writeKeys(sb *strings.Builder, nodes []symbolic.Node) {
	sb.WriteString("(")
	for i, n := range nodes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(n.Key())
	}
	sb.WriteString(")")
}

// nodesString renders a list of nodes as a tuple.
func nodesString(nodes []symbolic.Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Shape of the view. The returned slice must not be modified.
func (v *View) Shape() []symbolic.Node { return v.shape }

// Strides of the view. The returned slice must not be modified.
func (v *View) Strides() []symbolic.Node { return v.strides }

// Offset of the view.
func (v *View) Offset() symbolic.Node { return v.offset }

// Mask of the view, nil if all indices are valid. The returned slice must not be modified.
func (v *View) Mask() []Interval { return v.mask }

// Contiguous returns whether the view is the identity row-major mapping of its shape.
func (v *View) Contiguous() bool { return v.contiguous }

// Key is a canonical rendering of the view, stable across runs.
func (v *View) Key() string { return v.key }

// String implements fmt.Stringer.
func (v *View) String() string {
	if v.mask == nil {
		return fmt.Sprintf("View(shape=%s, strides=%s, offset=%s)", nodesString(v.shape), nodesString(v.strides), v.offset)
	}
	return fmt.Sprintf("View(shape=%s, strides=%s, offset=%s, mask=%v)",
		nodesString(v.shape), nodesString(v.strides), v.offset, v.mask)
}

func isIntEq(n symbolic.Node, value int) bool {
	v, ok := symbolic.IsInt(n)
	return ok && v == value
}

// stridesForShape returns the row-major strides of shape.
func stridesForShape(shape []symbolic.Node) []symbolic.Node {
	strides := make([]symbolic.Node, len(shape))
	var acc symbolic.Node = symbolic.Num(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc = symbolic.Mul(acc, shape[i])
	}
	return canonicalizeStrides(shape, strides)
}

func canonicalizeStrides(shape, strides []symbolic.Node) []symbolic.Node {
	canonical := make([]symbolic.Node, len(strides))
	for i, st := range strides {
		if isIntEq(shape[i], 1) {
			canonical[i] = symbolic.Num(0)
		} else {
			canonical[i] = st
		}
	}
	return canonical
}

type mergedDim struct {
	size, stride symbolic.Node
}

// mergeDims merges adjacent axes that can be addressed as one: contiguous parts and runs of broadcast axes.
// It ignores the mask.
func mergeDims(shape, strides []symbolic.Node) []mergedDim {
	if len(shape) == 0 {
		return nil
	}
	dims := []mergedDim{{shape[0], strides[0]}}
	merging := isIntEq(strides[0], 0) && isIntEq(shape[0], 1)
	for i := 1; i < len(shape); i++ {
		sh, st := shape[i], strides[i]
		if isIntEq(sh, 1) {
			continue
		}
		last := &dims[len(dims)-1]
		if merging || symbolic.Equal(last.stride, symbolic.Mul(sh, st)) {
			*last = mergedDim{symbolic.Mul(last.size, sh), st}
		} else {
			dims = append(dims, mergedDim{sh, st})
		}
		merging = false
	}
	return dims
}

// minify returns an equivalent view with adjacent axes merged, if the view has no mask.
func (v *View) minify() *View {
	if v.mask != nil {
		return v
	}
	dims := mergeDims(v.shape, v.strides)
	if len(dims) == len(v.shape) {
		return v
	}
	shape := make([]symbolic.Node, len(dims))
	strides := make([]symbolic.Node, len(dims))
	for i, d := range dims {
		shape[i], strides[i] = d.size, d.stride
	}
	return NewView(shape, strides, v.offset, nil)
}

// smin returns the smaller of a and b, if it can be decided from their bounds.
func smin(a, b symbolic.Node) (symbolic.Node, error) {
	switch {
	case a.Max() <= b.Min():
		return a, nil
	case b.Max() <= a.Min():
		return b, nil
	}
	return nil, errors.Wrapf(ErrShapeMismatch, "can't decide min(%s, %s)", a, b)
}

// smax returns the larger of a and b, if it can be decided from their bounds.
func smax(a, b symbolic.Node) (symbolic.Node, error) {
	switch {
	case a.Min() >= b.Max():
		return a, nil
	case b.Min() >= a.Max():
		return b, nil
	}
	return nil, errors.Wrapf(ErrShapeMismatch, "can't decide max(%s, %s)", a, b)
}

// clamp returns max(0, min(x, hi)).
func clamp(x, hi symbolic.Node) (symbolic.Node, error) {
	m, err := smin(x, hi)
	if err != nil {
		return nil, err
	}
	return smax(symbolic.Num(0), m)
}

// resize moves the view to the ranges given by arg (which can extend beyond the current shape),
// combining the current mask with the new one.
func (v *View) resize(arg []Interval, mask []Interval) (*View, error) {
	offset := v.offset
	for i, r := range arg {
		offset = symbolic.Add(offset, symbolic.Mul(v.strides[i], r.Lo))
	}
	if v.mask != nil {
		moved := make([]Interval, len(v.mask))
		for i, m := range v.mask {
			size := arg[i].Len()
			lo, err := clamp(symbolic.Sub(m.Lo, arg[i].Lo), size)
			if err != nil {
				return nil, err
			}
			hi, err := clamp(symbolic.Sub(m.Hi, arg[i].Lo), size)
			if err != nil {
				return nil, err
			}
			moved[i] = Interval{lo, hi}
		}
		if mask != nil {
			for i := range mask {
				lo, err := smax(moved[i].Lo, mask[i].Lo)
				if err != nil {
					return nil, err
				}
				hi, err := smin(moved[i].Hi, mask[i].Hi)
				if err != nil {
					return nil, err
				}
				mask[i] = Interval{lo, hi}
			}
		} else {
			mask = moved
		}
	}
	shape := make([]symbolic.Node, len(arg))
	for i, r := range arg {
		shape[i] = r.Len()
	}
	if mask != nil {
		full := true
		for i, m := range mask {
			if !isIntEq(m.Lo, 0) || !symbolic.Equal(m.Hi, shape[i]) {
				full = false
				break
			}
		}
		if full {
			mask = nil
		}
	}
	return NewView(shape, v.strides, offset, mask), nil
}

// Pad adds the given padding to each axis: padded elements are masked out.
func (v *View) Pad(arg []Padding) (*View, error) {
	if len(arg) != len(v.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "Pad: %d paddings given for shape %s", len(arg), nodesString(v.shape))
	}
	changed := false
	for _, p := range arg {
		if p.Before.Min() < 0 || p.After.Min() < 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "Pad: negative padding %v for shape %s", arg, nodesString(v.shape))
		}
		if !isIntEq(p.Before, 0) || !isIntEq(p.After, 0) {
			changed = true
		}
	}
	if !changed {
		return v, nil
	}
	ranges := make([]Interval, len(arg))
	mask := make([]Interval, len(arg))
	for i, p := range arg {
		ranges[i] = Interval{symbolic.Neg(p.Before), symbolic.Add(v.shape[i], p.After)}
		mask[i] = Interval{p.Before, symbolic.Add(v.shape[i], p.Before)}
	}
	return v.resize(ranges, mask)
}

// Shrink restricts each axis to the given range.
func (v *View) Shrink(arg []Interval) (*View, error) {
	if len(arg) != len(v.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "Shrink: %d ranges given for shape %s", len(arg), nodesString(v.shape))
	}
	for i, r := range arg {
		if r.Lo.Min() < 0 || symbolic.Sub(v.shape[i], r.Hi).Min() < 0 || r.Len().Min() < 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "Shrink: range %s out of bounds for axis %d of shape %s",
				r, i, nodesString(v.shape))
		}
	}
	return v.resize(slices.Clone(arg), nil)
}

// Expand broadcasts axes of dimension 1 (and stride 0) to the new shape.
func (v *View) Expand(newShape []symbolic.Node) (*View, error) {
	if len(newShape) != len(v.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "Expand: can't expand %s into %s", nodesString(v.shape), nodesString(newShape))
	}
	if slices.ContainsFunc(v.shape, func(s symbolic.Node) bool { return isIntEq(s, 0) }) {
		for i, s := range v.shape {
			sInt, ok1 := symbolic.IsInt(s)
			xInt, ok2 := symbolic.IsInt(newShape[i])
			if !ok1 || !ok2 || !((sInt == 0 && xInt == 0) || (sInt > 0 && xInt%sInt == 0)) {
				return nil, errors.Wrapf(ErrShapeMismatch, "Expand: can't expand %s into %s",
					nodesString(v.shape), nodesString(newShape))
			}
		}
		return NewView(newShape, nil, nil, nil), nil
	}
	for i, s := range v.shape {
		if symbolic.Equal(s, newShape[i]) {
			continue
		}
		if !isIntEq(s, 1) || !isIntEq(v.strides[i], 0) {
			return nil, errors.Wrapf(ErrShapeMismatch, "Expand: can't expand %s into %s: axis %d is not broadcastable",
				nodesString(v.shape), nodesString(newShape), i)
		}
	}
	var mask []Interval
	if v.mask != nil {
		mask = make([]Interval, len(v.mask))
		for i, m := range v.mask {
			switch {
			case symbolic.Equal(v.shape[i], newShape[i]):
				mask[i] = m
			case m.Equal(Span(0, 1)):
				mask[i] = Interval{symbolic.Num(0), newShape[i]}
			default:
				mask[i] = Span(0, 0)
			}
		}
	}
	return NewView(newShape, v.strides, v.offset, mask), nil
}

// Permute reorders the axes: axis i of the result is axis axes[i] of v.
func (v *View) Permute(axes []int) (*View, error) {
	if err := checkPermutation(axes, len(v.shape)); err != nil {
		return nil, err
	}
	shape := make([]symbolic.Node, len(axes))
	strides := make([]symbolic.Node, len(axes))
	var mask []Interval
	if v.mask != nil {
		mask = make([]Interval, len(axes))
	}
	for i, a := range axes {
		shape[i], strides[i] = v.shape[a], v.strides[a]
		if mask != nil {
			mask[i] = v.mask[a]
		}
	}
	return NewView(shape, strides, v.offset, mask), nil
}

func checkPermutation(axes []int, rank int) error {
	if len(axes) != rank {
		return errors.Wrapf(ErrShapeMismatch, "Permute: permutation %v given for rank %d", axes, rank)
	}
	seen := make([]bool, rank)
	for _, a := range axes {
		if a < 0 || a >= rank || seen[a] {
			return errors.Wrapf(ErrShapeMismatch, "Permute: invalid permutation %v for rank %d", axes, rank)
		}
		seen[a] = true
	}
	return nil
}

// Stride resamples each axis taking every mul[i]-th element. A negative multiplier also flips the axis.
func (v *View) Stride(mul []int) (*View, error) {
	if len(mul) != len(v.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "Stride: %d multipliers given for shape %s", len(mul), nodesString(v.shape))
	}
	shape := make([]symbolic.Node, len(mul))
	strides := make([]symbolic.Node, len(mul))
	offset := v.offset
	for i, m := range mul {
		if m == 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "Stride: invalid multipliers %v", mul)
		}
		absM := max(m, -m)
		strides[i] = symbolic.MulInt(v.strides[i], m)
		shape[i] = symbolic.FloorDivInt(symbolic.AddInt(v.shape[i], absM-1), absM)
		if m < 0 {
			offset = symbolic.Add(offset, symbolic.Mul(symbolic.SubInt(v.shape[i], 1), v.strides[i]))
		}
	}
	var mask []Interval
	if v.mask != nil {
		mask = make([]Interval, len(mul))
		for i, m := range mul {
			lo, hi := v.mask[i].Lo, v.mask[i].Hi
			if m < 0 {
				lo, hi = symbolic.Sub(v.shape[i], hi), symbolic.Sub(v.shape[i], lo)
			}
			absM := max(m, -m)
			mask[i] = Interval{
				symbolic.FloorDivInt(symbolic.AddInt(lo, absM-1), absM),
				symbolic.FloorDivInt(symbolic.AddInt(hi, absM-1), absM),
			}
		}
	}
	return NewView(shape, strides, offset, mask), nil
}

func withoutOnes(shape []symbolic.Node) []symbolic.Node {
	var out []symbolic.Node
	for _, s := range shape {
		if !isIntEq(s, 1) {
			out = append(out, s)
		}
	}
	return out
}

// reshapeOnes handles reshapes that only insert or remove axes of dimension 1, by redistributing strides
// and mask. It returns false if the reshape is not of that kind.
func (v *View) reshapeOnes(newShape []symbolic.Node) (*View, bool) {
	if !symbolic.EqualSlices(withoutOnes(v.shape), withoutOnes(newShape)) {
		return nil, false
	}
	var newMask []Interval
	if v.mask != nil {
		var kept []Interval
		invalid := false
		for i, s := range v.shape {
			if !isIntEq(s, 1) {
				kept = append(kept, v.mask[i])
			} else if !v.mask[i].Equal(Span(0, 1)) {
				invalid = true
				break
			}
		}
		newMask = make([]Interval, len(newShape))
		for i, s := range newShape {
			switch {
			case invalid:
				newMask[i] = Span(0, 0)
			case isIntEq(s, 1):
				newMask[i] = Span(0, 1)
			default:
				newMask[i] = kept[0]
				kept = kept[1:]
			}
		}
	}
	var kept []symbolic.Node
	for i, s := range v.shape {
		if !isIntEq(s, 1) {
			kept = append(kept, v.strides[i])
		}
	}
	newStrides := make([]symbolic.Node, len(newShape))
	for i, s := range newShape {
		if isIntEq(s, 1) {
			newStrides[i] = symbolic.Num(0)
		} else {
			newStrides[i] = kept[0]
			kept = kept[1:]
		}
	}
	return NewView(newShape, newStrides, v.offset, newMask), true
}

// exprIdxs returns the flat offset expression for the given per-axis indices, and the validity expression
// (combined with valid, if not nil).
func (v *View) exprIdxs(idxs []symbolic.Node, valid symbolic.Node) (idx, newValid symbolic.Node) {
	terms := []symbolic.Node{v.offset}
	var conds []symbolic.Node
	if valid != nil {
		conds = append(conds, valid)
	}
	for i, x := range idxs {
		if !isIntEq(v.shape[i], 1) && !isIntEq(v.strides[i], 0) {
			terms = append(terms, symbolic.Mul(x, v.strides[i]))
		}
		if v.mask != nil {
			conds = append(conds, symbolic.Ge(x, v.mask[i].Lo), symbolic.Lt(x, v.mask[i].Hi))
		}
	}
	return symbolic.Sum(terms...), symbolic.Ands(conds...)
}
