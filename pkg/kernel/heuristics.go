// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"slices"
	"sort"

	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/support/xslices"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tryOpt applies opt if it is accepted, otherwise it returns k unchanged.
func (k *Kernel) tryOpt(opt Opt) (*Kernel, bool) {
	nk, err := k.ApplyOpt(opt)
	if err != nil {
		if !errors.Is(err, ErrOptimizerRejected) {
			klog.Warningf("%s: unexpected error applying %s: %+v", k.Name(), opt, err)
		}
		return k, false
	}
	return nk, true
}

// HandCodedOptimizations returns the kernel optimized with a fixed list of heuristics:
//
//  1. If the target requires aligned vector stores, upcast a unit stride axis of the output by 4.
//  2. Group the first reduce axis into a two-stage reduction if the output is small.
//  3. Upcast small masked axes, and non-reduce axes broadcast (stride 0) in some buffer.
//  4. Unroll the last reduce axis if small.
//  5. Assign the remaining global axes to up to 3 local dimensions.
//
// Optimizations that are rejected are skipped.
func (k *Kernel) HandCodedOptimizations() *Kernel {
	k = k.requiredOptimizations()

	if k.opts.HasLocal && k.opts.HasShared && k.reduceOp != nil {
		k = k.groupSmallOutputs()
	}
	if len(k.groupForReduce) > 0 {
		return k.logged()
	}
	k = k.upcastMaskedAxes()
	k = k.upcastBroadcastAxes()
	k = k.unrollReduce()
	if k.opts.HasLocal {
		k = k.assignLocals()
	}
	return k.logged()
}

func (k *Kernel) logged() *Kernel {
	if klog.V(2).Enabled() {
		klog.Infof("hand-coded optimizations of %s: %v", k.Name(), k.appliedOpts)
	}
	return k
}

func prodInts(nodes []symbolic.Node) (int, bool) {
	values, ok := symbolic.ToInts(nodes)
	if !ok {
		return 0, false
	}
	p := 1
	for _, v := range values {
		p *= v
	}
	return p, true
}

// requiredOptimizations upcasts a unit stride axis of the output by 4 for targets that require aligned
// vector stores.
func (k *Kernel) requiredOptimizations() *Kernel {
	if !k.opts.AlignedVectorStores {
		return k
	}
	var candidates []int
	shape := k.sts[0].Shape()
	for _, ax := range k.sts[0].UnitStrideAxes(true) {
		if size, ok := symbolic.IsInt(shape[ax]); ok && size%4 == 0 {
			candidates = append(candidates, ax)
		}
	}
	if len(candidates) == 0 || candidates[len(candidates)-1] >= k.ShapeLen()-k.upcasted {
		return k
	}
	if slices.Contains(k.UpcastInMidReduceAxes(), candidates[0]) {
		return k
	}
	firstReduce := k.FirstReduce()
	if candidates[0] < firstReduce {
		k, _ = k.tryOpt(Opt{Op: OptOpUpcast, Axis: candidates[0], Amount: 4})
	} else {
		k, _ = k.tryOpt(Opt{Op: OptOpUnroll, Axis: candidates[0] - firstReduce, Amount: 4})
	}
	return k
}

// groupSmallOutputs reduces the first reduce axis in two stages if the output is small.
func (k *Kernel) groupSmallOutputs() *Kernel {
	firstReduce := k.FirstReduce()
	outputSize, ok := prodInts(k.sts[0].Shape()[:firstReduce])
	if !ok || len(k.Float4Axis(0)) > 0 || firstReduce > 2 || firstReduce+1 > k.ShapeLen() || outputSize > 2048 {
		return k
	}
	sizes := []int{16}
	if outputSize <= 32 {
		sizes = []int{256, 16}
	}
	for _, sz := range sizes {
		divides := true
		for _, st := range k.sts {
			s := st.Shape()[firstReduce].Max()
			if s%sz != 0 && s != 1 {
				divides = false
				break
			}
		}
		if !divides {
			continue
		}
		if nk, ok := k.tryOpt(Opt{Op: OptOpGroupTop, Axis: 0, Amount: sz}); ok {
			return nk
		}
	}
	return k
}

// upcastMaskedAxes upcasts small non-reduce axes that are masked in some buffer (e.g. from a
// concatenation).
func (k *Kernel) upcastMaskedAxes() *Kernel {
	full := k.FullShape()
	upcastVolume, _ := prodInts(full[k.ShapeLen()-k.upcasted:])
	var toUpcast []int
	volume := upcastVolume
	for ax := range k.FirstReduce() {
		size, ok := symbolic.IsInt(full[ax])
		if !ok || size > 7 || volume*size > 7*7 {
			continue
		}
		masked := false
		for _, st := range k.sts {
			masked = masked || st.AxisIsMasked(ax)
		}
		if masked {
			toUpcast = append(toUpcast, ax)
			volume *= size
		}
	}
	for _, ax := range slices.Backward(toUpcast) {
		k, _ = k.tryOpt(Opt{Op: OptOpUpcast, Axis: ax, Amount: 0})
	}
	return k
}

// upcastBroadcastAxes upcasts non-reduce axes that some buffer reads with stride 0, while the output
// is large.
func (k *Kernel) upcastBroadcastAxes() *Kernel {
	type choice struct {
		numStrided, strideSum, axis, amount int
	}
	upcasted := make(map[int]bool)
	for {
		outputSize, ok := prodInts(k.sts[0].Shape()[:k.FirstReduce()])
		if !ok || outputSize < 1024 {
			return k
		}
		var choices []choice
		for ax := range k.FirstReduce() {
			size, isInt := symbolic.IsInt(k.FullShape()[ax])
			if upcasted[ax] || !isInt {
				continue
			}
			for _, amount := range []int{3, 4} {
				if size%amount != 0 || !k.hasBroadcastCandidate(ax) {
					continue
				}
				c := choice{axis: ax, amount: amount}
				for _, st := range k.sts {
					stride := xslices.Last(st.Views()).Strides()[ax]
					if stride.Min() > 0 {
						c.numStrided++
					}
					c.strideSum += stride.Max()
				}
				choices = append(choices, c)
			}
		}
		if len(choices) == 0 {
			return k
		}
		sort.Slice(choices, func(i, j int) bool {
			a, b := choices[i], choices[j]
			if a.numStrided != b.numStrided {
				return a.numStrided < b.numStrided
			}
			if a.strideSum != b.strideSum {
				return a.strideSum < b.strideSum
			}
			if a.axis != b.axis {
				return a.axis < b.axis
			}
			return a.amount < b.amount
		})
		nk, ok := k.tryOpt(Opt{Op: OptOpUpcast, Axis: choices[0].axis, Amount: choices[0].amount})
		if !ok {
			return k
		}
		k = nk
		upcasted[choices[0].axis] = true
	}
}

// hasBroadcastCandidate returns whether some buffer has stride 0 on axis and no stride 0 on the
// already upcasted axes.
func (k *Kernel) hasBroadcastCandidate(axis int) bool {
	for i, st := range k.sts {
		stride := xslices.Last(st.Views()).Strides()[axis]
		if !isIntEq(stride, 0) {
			continue
		}
		upcastHasZero := false
		for _, ax := range k.UpcastedAxis(i) {
			upcastHasZero = upcastHasZero || (ax.Stride != nil && isIntEq(ax.Stride, 0))
		}
		if !upcastHasZero {
			return true
		}
	}
	return false
}

// unrollReduce unrolls the last reduce axis if it is small, or by 4 otherwise. If nothing is
// upcasted afterwards, the last non-reduce axis is upcast by 4.
func (k *Kernel) unrollReduce() *Kernel {
	fullUpcastVolume := func(k *Kernel) int {
		v, _ := prodInts(k.FullShape()[k.ShapeLen()-k.upcasted:])
		return v
	}
	hasReduceUpcast := false
	for _, ax := range k.UpcastedAxis(k.fullBufIndex) {
		hasReduceUpcast = hasReduceUpcast || ax.Reduce
	}
	if k.FirstReduce() < k.ShapeLen()-k.upcasted &&
		(len(k.ShapeOffsets(k.fullBufIndex)) <= 4 || !hasReduceUpcast) &&
		(k.upcasted == 0 || fullUpcastVolume(k) < 64) {
		unupcasted := k.FullUnupcastedShape()
		lastAxis := len(unupcasted) - 1 - k.FirstReduce()
		if s, ok := symbolic.IsInt(unupcasted[len(unupcasted)-1]); ok && s <= 32 {
			var applied bool
			k, applied = k.tryOpt(Opt{Op: OptOpUnroll, Axis: lastAxis, Amount: 0})
			unupcasted = k.FullUnupcastedShape()
			if applied && s <= 3 && k.FirstReduce() < k.ShapeLen()-k.upcasted {
				if s2, ok := symbolic.IsInt(unupcasted[len(unupcasted)-1]); ok && s2 <= 3 {
					k, _ = k.tryOpt(Opt{Op: OptOpUnroll, Axis: len(unupcasted) - 1 - k.FirstReduce(), Amount: 0})
				}
			}
		} else if ok && s%4 == 0 {
			k, _ = k.tryOpt(Opt{Op: OptOpUnroll, Axis: lastAxis, Amount: 4})
		}
	}

	if k.upcasted == 0 {
		unupcasted := k.FullUnupcastedShape()
		if last := len(unupcasted) - 1; last >= 0 && last < k.FirstReduce() && unupcasted[last].Max()%4 == 0 {
			k, _ = k.tryOpt(Opt{Op: OptOpUpcast, Axis: last, Amount: 4})
		}
	}
	return k
}

// assignLocals assigns up to 3 global axes to local dimensions, preferring broadcast axes (stride 0
// in some buffer) and, among them, the last ones.
func (k *Kernel) assignLocals() *Kernel {
	type ranked struct {
		broadcast bool
		axis      int
	}
	var ranking []ranked
	for ax := range k.FirstReduce() {
		r := ranked{axis: ax}
		for _, st := range k.sts {
			r.broadcast = r.broadcast || isIntEq(xslices.Last(st.Views()).Strides()[ax], 0)
		}
		ranking = append(ranking, r)
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].broadcast != ranking[j].broadcast {
			return ranking[i].broadcast
		}
		return ranking[i].axis > ranking[j].axis
	})

	type local struct{ axis, size int }
	var toLocal []local
	localSize := 1
	for _, r := range ranking {
		size, ok := symbolic.IsInt(k.FullShape()[r.axis])
		if !ok {
			continue
		}
		candidates := []int{16, 8, 4, 3, 2}
		if r.axis == 0 {
			candidates = append([]int{32}, candidates...)
		}
		for _, c := range candidates {
			if size%c == 0 && localSize*c <= 128 {
				toLocal = append(toLocal, local{r.axis, c})
				localSize *= c
				break
			}
		}
	}
	if len(toLocal) > 3 {
		toLocal = toLocal[:3]
	}
	sort.Slice(toLocal, func(i, j int) bool { return toLocal[i].axis < toLocal[j].axis })
	deleted := 0
	for _, l := range toLocal {
		axis := l.axis - deleted
		willDelete := isIntEq(k.FullShape()[axis], l.size)
		var applied bool
		k, applied = k.tryOpt(Opt{Op: OptOpLocal, Axis: axis, Amount: l.size})
		if applied && willDelete {
			deleted++
		}
	}
	return k
}

// isMatmul returns the two loads multiplied by a Sum reduction (possibly through a cast), if the
// kernel is a reduction of that form.
func (k *Kernel) isMatmul() (a, b *ops.Node, ok bool) {
	if k.reduceOp == nil || k.reduceOp.Op != ops.OpTypeSum {
		return nil, nil, false
	}
	mul := k.reduceOp.Src[0]
	if mul.Op == ops.OpTypeCast {
		mul = mul.Src[0]
	}
	if mul.Op != ops.OpTypeMul || mul.Src[0].Op != ops.OpTypeLoad || mul.Src[1].Op != ops.OpTypeLoad {
		return nil, nil, false
	}
	return mul.Src[0], mul.Src[1], true
}
