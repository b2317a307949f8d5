// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines the operation tree that a kernel computes, its buffer leaves and the logical
// Buffer handle used by the scheduling layer.
//
// An op tree is built bottom-up and is immutable: each Node owns its sources. The root of a kernel's
// tree is a Store, and its leaves are Load and Const buffer ops, each carrying the ShapeTracker that
// maps the kernel's iteration space to the buffer.
package ops

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/pkg/errors"
)

// MemBuffer is the argument of Load and Store: the buffer with the given index in the kernel's buffer
// list (0 is the output), accessed through ST.
type MemBuffer struct {
	Index int
	DType dtypes.DType
	ST    *shapetracker.ShapeTracker
}

func (b *MemBuffer) String() string {
	return fmt.Sprintf("MemBuffer(%d, %s, %s)", b.Index, b.DType, b.ST.Key())
}

// ConstBuffer is the argument of Const: a scalar broadcast through ST (ST may have a mask, in which
// case masked out elements are 0).
type ConstBuffer struct {
	Value float64
	DType dtypes.DType
	ST    *shapetracker.ShapeTracker
}

func (b *ConstBuffer) String() string {
	return fmt.Sprintf("ConstBuffer(%g, %s, %s)", b.Value, b.DType, b.ST.Key())
}

// Node of an op tree.
//
// Arg depends on Op: *MemBuffer for Load and Store, *ConstBuffer for Const, dtypes.DType for Cast,
// the reduced shape ([]symbolic.Node) for reduce ops, a shapetracker.MovementOp for movement ops, and
// nil for everything else.
type Node struct {
	Op  OpType
	Src []*Node
	Arg any

	key string
}

func newNode(op OpType, arg any, src ...*Node) *Node {
	n := &Node{Op: op, Src: src, Arg: arg}
	n.key = n.render()
	return n
}

// Load reads buffer idx through st.
func Load(idx int, dtype dtypes.DType, st *shapetracker.ShapeTracker) *Node {
	return newNode(OpTypeLoad, &MemBuffer{Index: idx, DType: dtype, ST: st})
}

// Const is a scalar value with the shape of st.
func Const(value float64, dtype dtypes.DType, st *shapetracker.ShapeTracker) *Node {
	return newNode(OpTypeConst, &ConstBuffer{Value: value, DType: dtype, ST: st})
}

// Store writes x to buffer idx through st.
func Store(x *Node, idx int, dtype dtypes.DType, st *shapetracker.ShapeTracker) *Node {
	return newNode(OpTypeStore, &MemBuffer{Index: idx, DType: dtype, ST: st}, x)
}

// Unary returns the elementwise unary op applied to x.
func Unary(op OpType, x *Node) *Node {
	if !op.IsUnary() || op == OpTypeCast {
		exceptions.Panicf("ops.Unary: %s is not a unary op (use Cast for casts)", op)
	}
	return newNode(op, nil, x)
}

// Cast converts x to dtype.
func Cast(x *Node, dtype dtypes.DType) *Node {
	return newNode(OpTypeCast, dtype, x)
}

// Binary returns the elementwise binary op applied to a and b.
func Binary(op OpType, a, b *Node) *Node {
	if !op.IsBinary() {
		exceptions.Panicf("ops.Binary: %s is not a binary op", op)
	}
	return newNode(op, nil, a, b)
}

// Ternary returns the elementwise ternary op applied to a, b and c.
// MulAcc is a*b+c, Where is (a ? b : c).
func Ternary(op OpType, a, b, c *Node) *Node {
	if !op.IsTernary() {
		exceptions.Panicf("ops.Ternary: %s is not a ternary op", op)
	}
	return newNode(op, nil, a, b, c)
}

// Reduce reduces x to newShape: axes where newShape is 1 and x's shape isn't are reduced.
func Reduce(op OpType, x *Node, newShape []symbolic.Node) *Node {
	if !op.IsReduce() {
		exceptions.Panicf("ops.Reduce: %s is not a reduce op", op)
	}
	return newNode(op, slices.Clone(newShape), x)
}

// Movement applies a movement op to x.
func Movement(x *Node, mop shapetracker.MovementOp) *Node {
	var op OpType
	switch mop.(type) {
	case shapetracker.ReshapeOp:
		op = OpTypeReshape
	case shapetracker.PermuteOp:
		op = OpTypePermute
	case shapetracker.ExpandOp:
		op = OpTypeExpand
	case shapetracker.PadOp:
		op = OpTypePad
	case shapetracker.ShrinkOp:
		op = OpTypeShrink
	case shapetracker.StrideOp:
		op = OpTypeStride
	default:
		exceptions.Panicf("ops.Movement: unsupported movement op %s", mop)
	}
	return newNode(op, mop, x)
}

// Key is the canonical rendering of the tree, stable across runs.
func (n *Node) Key() string { return n.key }

// String implements fmt.Stringer.
func (n *Node) String() string { return n.key }

func (n *Node) render() string {
	var sb strings.Builder
	sb.WriteString(n.Op.String())
	sb.WriteString("(")
	for i, src := range n.Src {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(src.key)
	}
	if n.Arg != nil {
		if len(n.Src) > 0 {
			sb.WriteString(", ")
		}
		switch arg := n.Arg.(type) {
		case []symbolic.Node:
			parts := make([]string, len(arg))
			for i, s := range arg {
				parts[i] = s.Key()
			}
			sb.WriteString("(" + strings.Join(parts, ", ") + ")")
		case dtypes.DType:
			sb.WriteString(arg.String())
		default:
			fmt.Fprintf(&sb, "%v", arg)
		}
	}
	sb.WriteString(")")
	return sb.String()
}

// Tree renders the op tree indented, one node per line, for error reports.
func (n *Node) Tree() string {
	var sb strings.Builder
	var visit func(x *Node, depth int)
	visit = func(x *Node, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(x.Op.String())
		if x.Arg != nil {
			if x.Op.IsReduce() {
				sb.WriteString(" " + shapeString(x.ReduceShape()))
			} else {
				fmt.Fprintf(&sb, " %v", x.Arg)
			}
		}
		sb.WriteString("\n")
		for _, src := range x.Src {
			visit(src, depth+1)
		}
	}
	visit(n, 0)
	return sb.String()
}

func shapeString(shape []symbolic.Node) string {
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = s.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// MemBuffer returns the argument of a Load or Store.
func (n *Node) MemBuffer() *MemBuffer {
	b, _ := n.Arg.(*MemBuffer)
	return b
}

// ConstBuffer returns the argument of a Const.
func (n *Node) ConstBuffer() *ConstBuffer {
	b, _ := n.Arg.(*ConstBuffer)
	return b
}

// ReduceShape returns the argument of a reduce op.
func (n *Node) ReduceShape() []symbolic.Node {
	s, _ := n.Arg.([]symbolic.Node)
	return s
}

// ST returns the ShapeTracker of a buffer op, or nil.
func (n *Node) ST() *shapetracker.ShapeTracker {
	switch arg := n.Arg.(type) {
	case *MemBuffer:
		return arg.ST
	case *ConstBuffer:
		return arg.ST
	}
	return nil
}

// DType returns the dtype of the values produced by the node.
func (n *Node) DType() dtypes.DType {
	switch n.Op {
	case OpTypeLoad, OpTypeStore:
		return n.MemBuffer().DType
	case OpTypeConst:
		return n.ConstBuffer().DType
	case OpTypeCast:
		return n.Arg.(dtypes.DType)
	case OpTypeCmpLt:
		return dtypes.Bool
	case OpTypeWhere:
		return n.Src[1].DType()
	}
	return n.Src[0].DType()
}

// LazyOps returns all nodes of the tree in depth-first pre-order, including n, without duplicates.
func (n *Node) LazyOps() []*Node {
	var result []*Node
	seen := make(map[*Node]bool)
	var visit func(x *Node)
	visit = func(x *Node) {
		if seen[x] {
			return
		}
		seen[x] = true
		result = append(result, x)
		for _, src := range x.Src {
			visit(src)
		}
	}
	visit(n)
	return result
}

// BufferOps returns the buffer ops (Load, Const and Store) of the tree, in LazyOps order.
func (n *Node) BufferOps() []*Node {
	var result []*Node
	for _, x := range n.LazyOps() {
		if x.Op.IsBuffer() {
			result = append(result, x)
		}
	}
	return result
}

// ReduceOps returns the reduce ops of the tree, in LazyOps order.
func (n *Node) ReduceOps() []*Node {
	var result []*Node
	for _, x := range n.LazyOps() {
		if x.Op.IsReduce() {
			result = append(result, x)
		}
	}
	return result
}

// Shape returns the shape of the values produced by the node.
func (n *Node) Shape() ([]symbolic.Node, error) {
	switch {
	case n.Op.IsBuffer():
		return n.ST().Shape(), nil
	case n.Op.IsReduce():
		return n.ReduceShape(), nil
	case n.Op.IsMovement():
		srcShape, err := n.Src[0].Shape()
		if err != nil {
			return nil, err
		}
		st, err := n.Arg.(shapetracker.MovementOp).Apply(shapetracker.FromShape(srcShape...))
		if err != nil {
			return nil, err
		}
		return st.Shape(), nil
	}
	shape, err := n.Src[0].Shape()
	if err != nil {
		return nil, err
	}
	for _, src := range n.Src[1:] {
		other, err := src.Shape()
		if err != nil {
			return nil, err
		}
		if !symbolic.EqualSlices(shape, other) {
			return nil, errors.Wrapf(shapetracker.ErrShapeMismatch, "%s: operands have different shapes", n.Op)
		}
	}
	return shape, nil
}

// Replace returns a copy of the tree where every node for which fn returns a non-nil node is replaced
// by it. Nodes that don't change are reused.
func (n *Node) Replace(fn func(x *Node) *Node) *Node {
	memo := make(map[*Node]*Node)
	var visit func(x *Node) *Node
	visit = func(x *Node) *Node {
		if r, found := memo[x]; found {
			return r
		}
		if r := fn(x); r != nil {
			memo[x] = r
			return r
		}
		changed := false
		src := make([]*Node, len(x.Src))
		for i, s := range x.Src {
			src[i] = visit(s)
			changed = changed || src[i] != s
		}
		r := x
		if changed {
			r = newNode(x.Op, x.Arg, src...)
		}
		memo[x] = r
		return r
	}
	return visit(n)
}
