// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel holds the pre-linearized state of one fused op tree: its buffers, one ShapeTracker
// per buffer over a common iteration space, and the axis plan that the optimizer rewrites.
//
// The iteration space (FullShape) is laid out as:
//
//	[global dims][local dims][group-for-reduce dims][reduce dims][upcasted dims]
//
// A Kernel is an immutable value: optimizations (ApplyOpt, HandCodedOptimizations, ApplyTensorCores)
// return a new Kernel and never modify the receiver.
package kernel

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/pkg/errors"
)

// Kernel is the axis plan of one op tree. See package documentation.
type Kernel struct {
	opts     Options
	ast      *ops.Node
	reduceOp *ops.Node

	// bufs are the distinct buffer ops of the tree, the output (Store) first.
	bufs      []*ops.Node
	bufIndex  map[string]int
	earlyBufs map[int]bool

	// fullBufIndex is the buffer whose shape is the full iteration space: the first input of the
	// reduce op if there is one, or the output.
	fullBufIndex int

	// sts is one ShapeTracker per buffer, all of the same rank.
	sts []*shapetracker.ShapeTracker

	localDims      int
	upcasted       int
	groupForReduce []int
	tensorCore     *TensorCore
	appliedOpts    []Opt
}

func bufKey(n *ops.Node) string { return fmt.Sprint(n.Arg) }

// New creates the Kernel for the op tree ast, whose root must be a Store.
//
// Movement ops in the tree are first pushed into the buffers' ShapeTrackers. Reduce axes are moved
// to the end of the iteration space, axes of size 1 are dropped and adjacent axes that are
// contiguous in every buffer are merged.
func New(ast *ops.Node, opts Options) (*Kernel, error) {
	if ast.Op != ops.OpTypeStore {
		return nil, errors.Errorf("kernel.New: root of the op tree must be a Store, got %s", ast.Op)
	}
	for _, x := range ast.LazyOps() {
		if x.Op.IsMovement() {
			var err error
			ast, err = ops.PushMovementOps(ast)
			if err != nil {
				return nil, errors.WithMessage(err, "kernel.New")
			}
			break
		}
	}
	k := &Kernel{opts: opts.withDefaults(), ast: ast, bufIndex: make(map[string]int), earlyBufs: make(map[int]bool)}

	reduceOps := ast.ReduceOps()
	if len(reduceOps) > 1 {
		return nil, errors.Errorf("kernel.New: at most one reduce op per kernel, got %d", len(reduceOps))
	}
	if len(reduceOps) == 1 {
		k.reduceOp = reduceOps[0]
	}
	for _, b := range ast.BufferOps() {
		key := bufKey(b)
		if _, found := k.bufIndex[key]; found {
			continue
		}
		k.bufIndex[key] = len(k.bufs)
		k.bufs = append(k.bufs, b)
		k.sts = append(k.sts, b.ST())
	}
	if k.reduceOp != nil {
		first := true
		for _, b := range k.reduceOp.BufferOps() {
			idx := k.bufIndex[bufKey(b)]
			k.earlyBufs[idx] = true
			if first {
				k.fullBufIndex = idx
				first = false
			}
		}
	}

	rank := k.sts[0].Rank()
	for i, st := range k.sts {
		if st.Rank() != rank {
			return nil, errors.Wrapf(shapetracker.ErrShapeMismatch,
				"kernel.New: buffer %d has rank %d, output has rank %d", i, st.Rank(), rank)
		}
	}

	// Reduce axes go last.
	var kept, reduced []int
	for i := range rank {
		if symbolic.Equal(k.FullShape()[i], k.OutputShape()[i]) {
			kept = append(kept, i)
		} else {
			reduced = append(reduced, i)
		}
	}
	if err := k.reshapeAndPermute(nil, append(kept, reduced...)); err != nil {
		return nil, errors.WithMessage(err, "kernel.New")
	}
	if _, err := k.simplifyOnes(); err != nil {
		return nil, errors.WithMessage(err, "kernel.New")
	}
	if err := k.simplifyMergeAdjacent(); err != nil {
		return nil, errors.WithMessage(err, "kernel.New")
	}
	return k, nil
}

// clone returns a copy that can be modified without affecting k.
func (k *Kernel) clone() *Kernel {
	nk := *k
	nk.sts = slices.Clone(k.sts)
	nk.groupForReduce = slices.Clone(k.groupForReduce)
	nk.appliedOpts = slices.Clone(k.appliedOpts)
	return &nk
}

// Options of the target the kernel is optimized for.
func (k *Kernel) Options() Options { return k.opts }

// AST returns the op tree of the kernel, after movement ops were pushed to the buffers.
func (k *Kernel) AST() *ops.Node { return k.ast }

// ReduceOp returns the reduce op of the tree, or nil.
func (k *Kernel) ReduceOp() *ops.Node { return k.reduceOp }

// Bufs returns the buffer ops of the kernel, output first. Don't modify the returned slice.
func (k *Kernel) Bufs() []*ops.Node { return k.bufs }

// BufIndex returns the position in Bufs of the given Load, Const or Store node, or -1.
func (k *Kernel) BufIndex(n *ops.Node) int {
	if idx, found := k.bufIndex[bufKey(n)]; found {
		return idx
	}
	return -1
}

// IsEarlyBuf returns whether buffer i is read by the reduce op.
func (k *Kernel) IsEarlyBuf(i int) bool { return k.earlyBufs[i] }

// FullBufIndex returns the index of the buffer whose shape is the full iteration space.
func (k *Kernel) FullBufIndex() int { return k.fullBufIndex }

// STs returns a copy of the ShapeTrackers of the buffers, in Bufs order.
func (k *Kernel) STs() []*shapetracker.ShapeTracker { return slices.Clone(k.sts) }

// ST returns the ShapeTracker of buffer i.
func (k *Kernel) ST(i int) *shapetracker.ShapeTracker { return k.sts[i] }

// TensorCore returns the tensor core applied with ApplyTensorCores, or nil.
func (k *Kernel) TensorCore() *TensorCore { return k.tensorCore }

// AppliedOpts returns the history of optimizations applied to the kernel.
func (k *Kernel) AppliedOpts() []Opt { return slices.Clone(k.appliedOpts) }

// Vars returns the symbolic variables used by the shapes of the kernel.
func (k *Kernel) Vars() []*symbolic.Variable {
	var nodes []symbolic.Node
	for _, st := range k.sts {
		for _, v := range st.Vars() {
			nodes = append(nodes, v)
		}
	}
	return symbolic.Vars(nodes...)
}

// Key identifies the op tree and the optimizations applied to it. It is stable across runs.
func (k *Kernel) Key() string {
	var sb strings.Builder
	sb.WriteString(k.ast.Key())
	sb.WriteString(" opts=[")
	for i, opt := range k.appliedOpts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(opt.String())
	}
	sb.WriteString("]")
	if k.tensorCore != nil {
		sb.WriteString(" tc=" + k.tensorCore.Name)
	}
	return sb.String()
}

// Name of the kernel: "r_" for kernels with a reduction, "E_" otherwise, followed by the full shape.
func (k *Kernel) Name() string {
	prefix := "E_"
	if k.reduceOp != nil {
		prefix = "r_"
	}
	parts := make([]string, k.ShapeLen())
	for i, s := range k.FullShape() {
		parts[i] = s.String()
	}
	return prefix + strings.Join(parts, "_")
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("%s %s", k.Name(), k.AppliedOpts())
}

// reshapeAndPermute reshapes (if newShapeFn is not nil) and then permutes (if axes is not nil) every
// ShapeTracker.
func (k *Kernel) reshapeAndPermute(newShapeFn func(shape []symbolic.Node) []symbolic.Node, axes []int) error {
	for i, st := range k.sts {
		var err error
		if newShapeFn != nil {
			st, err = st.Reshape(newShapeFn(st.Shape())...)
			if err != nil {
				return err
			}
		}
		if axes != nil {
			st, err = st.Permute(axes...)
			if err != nil {
				return err
			}
		}
		k.sts[i] = st
	}
	return nil
}

// simplifyOnes removes the axes where the full shape is 1. It returns whether any was removed.
func (k *Kernel) simplifyOnes() (bool, error) {
	if k.ShapeLen() == 0 {
		return false, nil
	}
	full := k.FullShape()
	allOnes := make([]bool, len(full))
	anyOnes := false
	for i, s := range full {
		allOnes[i] = isIntEq(s, 1)
		anyOnes = anyOnes || allOnes[i]
	}
	if !anyOnes {
		return false, nil
	}
	firstReduce := k.FirstReduce()
	for i := firstReduce - k.localDims; i < firstReduce; i++ {
		if allOnes[i] {
			k.localDims--
		}
	}
	for i := k.ShapeLen() - k.upcasted; i < k.ShapeLen(); i++ {
		if allOnes[i] {
			k.upcasted--
		}
	}
	err := k.reshapeAndPermute(func(shape []symbolic.Node) []symbolic.Node {
		var kept []symbolic.Node
		for i, s := range shape {
			if !allOnes[i] {
				kept = append(kept, s)
			}
		}
		return kept
	}, nil)
	return true, err
}

// simplifyMergeAdjacent merges neighbouring axes that are contiguous with each other in every buffer.
// The first reduce axis is never merged with the axis before it.
func (k *Kernel) simplifyMergeAdjacent() error {
	if k.ShapeLen() == 0 {
		return nil
	}
	type dim struct {
		size, stride symbolic.Node
	}
	firstReduce := k.FirstReduce()
	shapes := make([][]symbolic.Node, len(k.sts))
	strides := make([][]symbolic.Node, len(k.sts))
	merged := make([][]dim, len(k.sts))
	for j, st := range k.sts {
		shapes[j], strides[j] = st.Shape(), st.RealStrides(false)
		merged[j] = []dim{{shapes[j][0], strides[j][0]}}
	}
	for i := 1; i < k.ShapeLen(); i++ {
		mergeable := i != firstReduce
		for j := range k.sts {
			if !mergeable {
				break
			}
			last, stride := merged[j][len(merged[j])-1], strides[j][i]
			switch {
			case stride == nil || last.stride == nil:
				mergeable = false
			case isIntEq(stride, 0):
				mergeable = isIntEq(last.stride, 0)
			default:
				mergeable = symbolic.Equal(last.stride, symbolic.Mul(shapes[j][i], stride))
			}
		}
		for j := range k.sts {
			if mergeable {
				last := &merged[j][len(merged[j])-1]
				last.size, last.stride = symbolic.Mul(last.size, shapes[j][i]), strides[j][i]
			} else {
				merged[j] = append(merged[j], dim{shapes[j][i], strides[j][i]})
			}
		}
	}
	for j, st := range k.sts {
		newShape := make([]symbolic.Node, len(merged[j]))
		for i, d := range merged[j] {
			newShape[i] = d.size
		}
		var err error
		k.sts[j], err = st.Reshape(newShape...)
		if err != nil {
			return err
		}
	}
	return nil
}

func isIntEq(n symbolic.Node, value int) bool {
	v, ok := symbolic.IsInt(n)
	return ok && v == value
}
