// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linearizer

import (
	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/gomlx/kernels/pkg/uops"
)

// astParse emits the op tree x for every upcasted lane. Buffers are taken from loaded (indexed like
// the kernel buffers) and the reduce op, if reached, evaluates to acc.
func (l *linearizer) astParse(x *ops.Node, acc []*uops.UOp, loaded map[int][]*uops.UOp) []*uops.UOp {
	switch {
	case x.Op.IsBuffer():
		values, found := loaded[l.k.BufIndex(x)]
		if !found {
			failf("buffer %s was not loaded", x)
		}
		return values
	case x.Op.IsReduce():
		if acc == nil {
			failf("reduce op %s reached before its accumulators were defined", x.Op)
		}
		return acc
	case x.Op == ops.OpTypeNoop:
		return l.astParse(x.Src[0], acc, loaded)
	case x.Op == ops.OpTypeCast:
		values := l.astParse(x.Src[0], acc, loaded)
		t := uops.Scalar(x.DType())
		result := make([]*uops.UOp, len(values))
		for lane, v := range values {
			result[lane] = l.g.Add(uops.KindCast, t, []*uops.UOp{v}, nil)
		}
		return result
	case !x.Op.IsElementwise():
		failf("unexpected op %s in the op tree", x.Op)
	}

	srcValues := make([][]*uops.UOp, len(x.Src))
	for j, src := range x.Src {
		srcValues[j] = l.astParse(src, acc, loaded)
	}
	numLanes := len(srcValues[0])
	result := make([]*uops.UOp, numLanes)
	for lane := range numLanes {
		operands := make([]*uops.UOp, len(srcValues))
		for j, values := range srcValues {
			if len(values) != numLanes {
				failf("%s: operands have %d and %d lanes", x.Op, numLanes, len(values))
			}
			operands[j] = values[lane]
		}
		result[lane] = l.g.ALU(x.Op, operands...)
	}
	return result
}

// mulOperands returns the operands of a Sum(Mul(a, b)) or Sum(Cast(Mul(a, b))) reduction, to be fused
// into a multiply-accumulate. In the latter, the operands are cast.
func mulOperands(reduceOp *ops.Node) (a, b *ops.Node, ok bool) {
	if reduceOp.Op != ops.OpTypeSum {
		return nil, nil, false
	}
	x := reduceOp.Src[0]
	switch {
	case x.Op == ops.OpTypeMul:
		return x.Src[0], x.Src[1], true
	case x.Op == ops.OpTypeCast && x.Src[0].Op == ops.OpTypeMul:
		mul := x.Src[0]
		return ops.Cast(mul.Src[0], x.DType()), ops.Cast(mul.Src[1], x.DType()), true
	}
	return nil, nil, false
}

// emitReduce accumulates the operand of reduceOp into acc: lane i goes into acc[offs[i]].
func (l *linearizer) emitReduce(reduceOp *ops.Node, acc []*uops.UOp, offs []int, loaded map[int][]*uops.UOp) {
	if tc := l.k.TensorCore(); tc != nil {
		l.emitWMMA(*tc, reduceOp, acc, loaded)
		return
	}
	op := reduceALU(reduceOp.Op)
	var operands [][]*uops.UOp
	if a, b, ok := mulOperands(reduceOp); ok {
		op = ops.OpTypeMulAcc
		operands = [][]*uops.UOp{l.astParse(a, nil, loaded), l.astParse(b, nil, loaded)}
	} else {
		operands = [][]*uops.UOp{l.astParse(reduceOp.Src[0], nil, loaded)}
	}
	l.accumulate(op, acc, offs, operands)
}

func reduceALU(op ops.OpType) ops.OpType {
	if op == ops.OpTypeReduceMax {
		return ops.OpTypeMax
	}
	return ops.OpTypeAdd
}

// accumulate emits, for each lane, the update of its accumulator with the lane's operands.
func (l *linearizer) accumulate(op ops.OpType, acc []*uops.UOp, offs []int, operands [][]*uops.UOp) {
	for _, values := range operands {
		if len(values) != len(offs) {
			failf("reducing %d lanes into %d accumulator offsets", len(values), len(offs))
		}
	}
	for lane, off := range offs {
		src := make([]*uops.UOp, 0, len(operands)+1)
		for _, values := range operands {
			src = append(src, values[lane])
		}
		src = append(src, acc[off])
		acc[off] = l.g.Add(uops.KindALU, acc[off].Type, src, uops.ALUArg{Op: op, Accumulate: true})
	}
}

// emitWMMA accumulates a matmul reduction with one tensor core instruction per iteration.
//
// The last 3 axes are the M, N and K tiles, so lane m + M*n + M*N*k of the operands holds A[m, k] and
// B[k, n], and the accumulator of C[m, n] is acc[m + M*n].
func (l *linearizer) emitWMMA(tc kernel.TensorCore, reduceOp *ops.Node, acc []*uops.UOp, loaded map[int][]*uops.UOp) {
	mul := reduceOp.Src[0]
	if mul.Op == ops.OpTypeCast {
		mul = mul.Src[0]
	}
	if reduceOp.Op != ops.OpTypeSum || mul.Op != ops.OpTypeMul {
		failf("tensor core %s applied to a %s reduction that is not a matmul", tc, reduceOp.Op)
	}
	aValues, bValues := l.astParse(mul.Src[0], nil, loaded), l.astParse(mul.Src[1], nil, loaded)
	M, N, K := tc.M, tc.N, tc.K
	if len(aValues) != M*N*K || len(bValues) != M*N*K || len(acc) != M*N {
		failf("tensor core %s: got %d, %d operand lanes and %d accumulators", tc, len(aValues), len(bValues), len(acc))
	}
	lane := func(m, n, k int) int { return m + M*n + M*N*k }
	aTile := make([]*uops.UOp, 0, M*K)
	for m := range M {
		for k := range K {
			aTile = append(aTile, aValues[lane(m, 0, k)])
		}
	}
	bTile := make([]*uops.UOp, 0, K*N)
	for k := range K {
		for n := range N {
			bTile = append(bTile, bValues[lane(0, n, k)])
		}
	}
	cTile := make([]*uops.UOp, 0, M*N)
	for m := range M {
		for n := range N {
			cTile = append(cTile, acc[m+M*n])
		}
	}
	pack := func(values []*uops.UOp) *uops.UOp {
		return l.g.Add(uops.KindCast, uops.Vector(values[0].Type.DType, len(values)), values, nil)
	}
	wmma := l.g.Add(uops.KindWMMA, uops.Vector(tc.DTypeOut, M*N),
		[]*uops.UOp{pack(aTile), pack(bTile), pack(cTile)},
		uops.WMMAArg{Name: tc.Name, M: M, N: N, K: K})
	for m := range M {
		for n := range N {
			off := m + M*n
			value := l.g.Add(uops.KindGEP, acc[off].Type, []*uops.UOp{wmma}, m*N+n)
			acc[off] = l.g.Add(uops.KindALU, acc[off].Type, []*uops.UOp{value, acc[off]},
				uops.ALUArg{Op: ops.OpTypeNoop, Accumulate: true})
		}
	}
}

// groupedReduce emits the second stage of a grouped reduction: the partial accumulators of every
// thread of the group are stored to local memory, and the first thread of the group reduces them
// into new accumulators, iterating over the grouped axes with fresh variables.
//
// It returns the new accumulators and the local indices to use from now on, with the grouped axes
// fixed to 0.
func (l *linearizer) groupedReduce(reduceOp *ops.Node, acc []*uops.UOp, globalIdxs, localIdxs, fakeReduceIdxs, upcastIdxs []symbolic.Node) ([]*uops.UOp, []symbolic.Node) {
	k := l.k
	temp := len(l.bufs) - 1
	localDims, globalDims, firstReduce := k.LocalDims(), k.GlobalDims(), k.FirstReduce()
	fakeGlobalIdxs := zeroIdxs(len(globalIdxs))

	l.g.Add(uops.KindBarrier, uops.NoType, nil, nil)
	stores := l.globalStore(temp, concatIdxs(fakeGlobalIdxs, localIdxs, fakeReduceIdxs, upcastIdxs), acc)
	barrier := l.g.Add(uops.KindBarrier, uops.NoType, stores, nil)

	// Only the first thread of each group continues.
	firstIdxs := zeroIdxs(l.sts[temp].Rank())
	copy(firstIdxs[globalDims+localDims:], localIdxs[localDims:])
	firstIdx, _ := l.sts[temp].ExprIdxs(firstIdxs)
	cond := l.renderNode(symbolic.LtInt(firstIdx, 1))
	gate := l.g.Add(uops.KindIf, uops.NoType, []*uops.UOp{cond, barrier}, nil)

	full := k.FullShape()
	groupIdxs := make([]symbolic.Node, len(k.GroupForReduce()))
	for j := range groupIdxs {
		groupIdxs[j] = symbolic.NewVariable(tidxName(firstReduce+j), 0, full[firstReduce+j].Max()-1)
	}
	idxs := concatIdxs(fakeGlobalIdxs, localIdxs[:localDims], groupIdxs, fakeReduceIdxs, upcastIdxs)
	init := accumulatorInit(reduceOp.Op)
	lateAcc := l.globalLoad(temp, idxs, &init, nil)
	loops := l.renderLoops(groupIdxs)
	partials := l.globalLoad(temp, idxs, nil, gate)
	offs := make([]int, len(lateAcc))
	for i := range offs {
		offs[i] = i
	}
	l.accumulate(reduceALU(reduceOp.Op), lateAcc, offs, [][]*uops.UOp{partials})
	l.closeLoops(loops)
	clear(l.loadCache)

	// The output isn't indexed by the grouped axes.
	return lateAcc, concatIdxs(localIdxs[:localDims], zeroIdxs(len(groupIdxs)))
}
