// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"

	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrOptimizerRejected is wrapped by the errors returned by ApplyOpt when an optimization isn't valid
// for the kernel. It is recoverable: the kernel is left unchanged.
var ErrOptimizerRejected = errors.New("optimization rejected")

const (
	// MaxUnroll is the largest amount accepted by an Unroll.
	MaxUnroll = 32

	// MaxUpcastAmount is the largest amount accepted by an Upcast.
	MaxUpcastAmount = 8
)

// OptOp enumerates the axis transformations of the optimizer.
type OptOp int

const (
	// OptOpUpcast splits Amount out of a non-reduce axis and moves it to the upcasted axes.
	OptOpUpcast OptOp = iota

	// OptOpUnroll splits Amount out of a reduce axis and moves it to the upcasted axes.
	// The axis is counted from FirstReduce.
	OptOpUnroll

	// OptOpLocal splits Amount out of a global axis and moves it to the local axes.
	OptOpLocal

	// OptOpGroup splits Amount (the inner part) out of a reduce axis to reduce it in two stages through
	// local memory. The axis is counted from the first non-grouped reduce axis.
	OptOpGroup

	// OptOpGroupTop is like OptOpGroup, but splits the outer part of the axis.
	OptOpGroupTop

	// OptOpPadTo pads an axis up to a multiple of Amount.
	OptOpPadTo
)

var optOpNames = [...]string{
	OptOpUpcast:   "Upcast",
	OptOpUnroll:   "Unroll",
	OptOpLocal:    "Local",
	OptOpGroup:    "Group",
	OptOpGroupTop: "GroupTop",
	OptOpPadTo:    "PadTo",
}

func (op OptOp) String() string {
	if op < 0 || int(op) >= len(optOpNames) {
		return fmt.Sprintf("OptOp(%d)", int(op))
	}
	return optOpNames[op]
}

// Opt is one optimization step. Amount 0 means the whole axis.
type Opt struct {
	Op     OptOp
	Axis   int
	Amount int
}

func (o Opt) String() string {
	return fmt.Sprintf("%s(axis=%d, amount=%d)", o.Op, o.Axis, o.Amount)
}

// ApplyOpt returns a new Kernel with opt applied. If opt is not valid for the kernel it returns an
// error wrapping ErrOptimizerRejected. The receiver is never modified.
func (k *Kernel) ApplyOpt(opt Opt) (*Kernel, error) {
	nk := k.clone()
	if err := nk.applyOpt(opt); err != nil {
		if klog.V(2).Enabled() {
			klog.Infof("%s: %s rejected: %v", k.Name(), opt, err)
		}
		return nil, err
	}
	return nk, nil
}

// ApplyOpts applies each of the opts in order, stopping at the first error.
func (k *Kernel) ApplyOpts(opts ...Opt) (*Kernel, error) {
	for _, opt := range opts {
		var err error
		k, err = k.ApplyOpt(opt)
		if err != nil {
			return nil, err
		}
	}
	return k, nil
}

func reject(format string, args ...any) error {
	return errors.Wrapf(ErrOptimizerRejected, format, args...)
}

func (k *Kernel) applyOpt(opt Opt) error {
	if k.tensorCore != nil {
		return reject("%s: no optimizations after tensor cores", opt)
	}
	if !k.opts.HasLocal && (opt.Op == OptOpLocal || opt.Op == OptOpGroup || opt.Op == OptOpGroupTop) {
		return reject("%s: target has no local dimensions", opt)
	}
	if (opt.Op == OptOpGroup || opt.Op == OptOpGroupTop) && !k.opts.HasShared {
		return reject("%s: target has no shared memory", opt)
	}
	firstReduce := k.FirstReduce()
	axis := opt.Axis
	switch opt.Op {
	case OptOpUnroll:
		axis += firstReduce
	case OptOpGroup, OptOpGroupTop:
		axis += firstReduce + len(k.groupForReduce)
	}
	if opt.Axis < 0 || axis >= k.ShapeLen() {
		return reject("%s: invalid axis for kernel of rank %d", opt, k.ShapeLen())
	}
	size, isInt := symbolic.IsInt(k.FullShape()[axis])
	if !isInt {
		return reject("%s: axis %d has symbolic size %s", opt, axis, k.FullShape()[axis])
	}
	amt := opt.Amount
	if amt == 0 {
		amt = size
	}
	if amt <= 1 {
		return reject("%s: amount %d is meaningless", opt, amt)
	}
	if opt.Op != OptOpPadTo && size%amt != 0 {
		return reject("%s: amount doesn't divide axis %d of size %d", opt, axis, size)
	}

	switch opt.Op {
	case OptOpLocal:
		if axis >= firstReduce {
			return reject("%s: can't local a reduce axis", opt)
		}
		if err := k.shiftTo(axis, amt, false, firstReduce); err != nil {
			return err
		}
		k.localDims++

	case OptOpGroup, OptOpGroupTop:
		if axis >= k.ShapeLen()-k.upcasted {
			return reject("%s: must be a reduce axis to group", opt)
		}
		if err := k.shiftTo(axis, amt, opt.Op == OptOpGroupTop, firstReduce+len(k.groupForReduce)); err != nil {
			return err
		}
		k.groupForReduce = append(k.groupForReduce, amt)

	case OptOpUnroll:
		if axis >= k.ShapeLen()-k.upcasted {
			return reject("%s: axis is already upcasted", opt)
		}
		if amt > MaxUnroll {
			return reject("%s: don't unroll more than %d", opt, MaxUnroll)
		}
		if err := k.shiftTo(axis, amt, false, k.ShapeLen()); err != nil {
			return err
		}
		k.upcasted++

	case OptOpUpcast:
		if axis >= firstReduce {
			return reject("%s: upcast is for non-reduce axes", opt)
		}
		if amt > MaxUpcastAmount {
			return reject("%s: don't upcast more than %d", opt, MaxUpcastAmount)
		}
		if err := k.shiftTo(axis, amt, false, k.ShapeLen()); err != nil {
			return err
		}
		k.upcasted++

	case OptOpPadTo:
		if err := k.padTo(opt, axis, amt); err != nil {
			return err
		}

	default:
		return reject("%s: unknown optimization", opt)
	}

	if _, err := k.simplifyOnes(); err != nil {
		return err
	}
	k.appliedOpts = append(k.appliedOpts, opt)
	return k.checkLimits(opt)
}

// checkLimits rejects plans whose upcasted or local volume is above the target limits.
func (k *Kernel) checkLimits(opt Opt) error {
	upcast, local := 1, 1
	full := k.FullShape()
	for i, color := range k.Colors() {
		size := full[i].Max()
		switch color {
		case ColorUpcast, ColorUpcastReduce:
			upcast *= size
		case ColorLocal, ColorGroup, ColorUpcastMid:
			local *= size
		}
	}
	if upcast > k.opts.MaxUpcast {
		return reject("%s: upcasted volume %d above limit %d", opt, upcast, k.opts.MaxUpcast)
	}
	if local > k.opts.MaxLocal {
		return reject("%s: local volume %d above limit %d", opt, local, k.opts.MaxLocal)
	}
	return nil
}

// shiftTo splits amount out of axis and moves the new axis before insertBefore. If top is false the
// new axis takes the inner (fastest) part of the axis, otherwise the outer part.
func (k *Kernel) shiftTo(axis, amount int, top bool, insertBefore int) error {
	moveAxis := axis + 1
	if top {
		moveAxis = axis
	}
	if moveAxis < insertBefore {
		insertBefore++
	}
	err := k.reshapeAndPermute(func(shape []symbolic.Node) []symbolic.Node {
		newShape := slices.Clone(shape[:axis])
		if shape[axis].Max() > 1 {
			rest := symbolic.FloorDivInt(shape[axis], amount)
			if top {
				newShape = append(newShape, symbolic.Num(amount), rest)
			} else {
				newShape = append(newShape, rest, symbolic.Num(amount))
			}
		} else {
			newShape = append(newShape, symbolic.Num(1), symbolic.Num(1))
		}
		return append(newShape, shape[axis+1:]...)
	}, moveOrder(k.ShapeLen()+1, moveAxis, insertBefore))
	if err != nil {
		return errors.WithMessagef(err, "kernel.shiftTo(axis=%d, amount=%d)", axis, amount)
	}
	return nil
}

// moveOrder returns the permutation of rank axes that moves axis moveAxis right before insertBefore.
func moveOrder(rank, moveAxis, insertBefore int) []int {
	order := make([]int, 0, rank)
	for i := range insertBefore {
		if i != moveAxis {
			order = append(order, i)
		}
	}
	order = append(order, moveAxis)
	for i := insertBefore; i < rank; i++ {
		if i != moveAxis {
			order = append(order, i)
		}
	}
	return order
}

// padTo pads axis of every buffer that isn't reduced on it up to a multiple of amount.
// Padding a reduce axis is only valid if the padded zeros don't change the result.
func (k *Kernel) padTo(opt Opt, axis, amount int) error {
	if len(k.Vars()) > 0 {
		return reject("%s: doesn't work with symbolic shapes", opt)
	}
	firstReduce := k.FirstReduce()
	for _, x := range k.ast.LazyOps() {
		if x.Op == ops.OpTypeReduceMax {
			return reject("%s: can't pad a max reduction", opt)
		}
		if axis >= firstReduce && axis < k.ShapeLen()-k.upcasted {
			switch {
			case x.Op.IsBuffer(), x.Op.IsReduce(), x.Op == ops.OpTypeNeg, x.Op == ops.OpTypeAdd,
				x.Op == ops.OpTypeSub, x.Op == ops.OpTypeMul, x.Op == ops.OpTypeMulAcc, x.Op == ops.OpTypeCast:
			default:
				return reject("%s: can't pad a reduction of %s", opt, x.Op)
			}
		}
	}
	padded := false
	for i, st := range k.sts {
		size := st.Shape()[axis].Max()
		if size == 1 {
			continue
		}
		if size <= amount/2 {
			return reject("%s: padding more than doubles the work", opt)
		}
		extra := (size+amount-1)/amount*amount - size
		if extra == 0 {
			continue
		}
		padding := make([]shapetracker.Padding, st.Rank())
		for j := range padding {
			padding[j] = shapetracker.Pads(0, 0)
		}
		padding[axis] = shapetracker.Pads(0, extra)
		var err error
		k.sts[i], err = st.Pad(padding...)
		if err != nil {
			return errors.WithMessagef(err, "kernel.padTo(axis=%d)", axis)
		}
		padded = true
	}
	if !padded {
		return reject("%s: nothing was padded", opt)
	}
	return nil
}
