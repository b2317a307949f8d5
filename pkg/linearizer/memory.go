// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linearizer

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/gomlx/kernels/pkg/uops"
)

// upcastPrefix is the prefix of the variables of upcasted axes: they are expanded into one value per
// lane instead of being rendered.
const upcastPrefix = "_uidx"

// expandVars returns, for each index, its upcast variable or 0 if it isn't one.
func expandVars(idxs []symbolic.Node) []symbolic.Node {
	vars := make([]symbolic.Node, len(idxs))
	for j, idx := range idxs {
		vars[j] = symbolic.Num(0)
		if v, ok := idx.(*symbolic.Variable); ok && strings.HasPrefix(v.Name(), upcastPrefix) {
			vars[j] = v
		}
	}
	return vars
}

// laneIdxs returns idxs with the upcast variables replaced by the values of one lane.
func laneIdxs(idxs, vars []symbolic.Node, lane []int) []symbolic.Node {
	result := slices.Clone(idxs)
	for j, v := range vars {
		if _, ok := v.(*symbolic.Variable); ok {
			result[j] = symbolic.Num(lane[j])
		}
	}
	return result
}

// vectorAxis returns the axis along which buffer i can be accessed with vectors, and their width.
// It returns -1 if there is none.
func (l *linearizer) vectorAxis(i int, idxs []symbolic.Node) (axis, width int) {
	if !l.isMem(i) {
		return -1, 1
	}
	dims := l.k.UpcastDims(i)
	if len(dims) != 1 {
		return -1, 1
	}
	v, ok := idxs[dims[0]].(*symbolic.Variable)
	if !ok || !strings.HasPrefix(v.Name(), upcastPrefix) {
		return -1, 1
	}
	if width = v.Max() + 1; width != 2 && width != 4 {
		return -1, 1
	}
	return dims[0], width
}

// isAligned returns whether idx is a multiple of width for all values of its variables.
func isAligned(idx symbolic.Node, width int) bool {
	if idx.Min() < 0 {
		return false
	}
	return symbolic.MulInt(symbolic.FloorDivInt(idx, width), width).Key() == idx.Key()
}

// addTempBuffer adds the local buffer holding the partial results of a grouped reduction: its shape
// covers the local and grouped axes, and the upcasted axes of the output.
func (l *linearizer) addTempBuffer() {
	k := l.k
	full, out := k.FullShape(), k.OutputShape()
	upcastStart := k.ShapeLen() - k.Upcasted()
	groupEnd := k.FirstReduce() + len(k.GroupForReduce())
	shape := make([]symbolic.Node, 0, k.ShapeLen())
	for range k.GlobalDims() {
		shape = append(shape, symbolic.Num(1))
	}
	shape = append(shape, full[k.GlobalDims():groupEnd]...)
	for range upcastStart - groupEnd {
		shape = append(shape, symbolic.Num(1))
	}
	shape = append(shape, out[upcastStart:]...)
	st := shapetracker.FromShape(shape...)

	dtype := k.ReduceOp().DType()
	l.bufs = append(l.bufs, nil)
	l.sts = append(l.sts, st)
	l.bufDTypes = append(l.bufDTypes, dtype)
	l.bufUOps = append(l.bufUOps, l.g.Add(uops.KindDefineLocal, uops.Pointer(dtype), nil,
		uops.LocalArg{Name: "temp", Size: st.Size()}))
}

// globalLoad returns the values of buffer i for every upcasted lane of idxs.
//
// If init is given, accumulators initialized with it are defined instead of reading the buffer.
// If barrier is given, the loads are ordered after it.
func (l *linearizer) globalLoad(i int, idxs []symbolic.Node, init *float64, barrier *uops.UOp) []*uops.UOp {
	dtype := l.bufDTypes[i]
	vars := expandVars(idxs)
	axis, width := -1, 1
	if init == nil && barrier == nil {
		axis, width = l.vectorAxis(i, idxs)
	}

	gIdx, gValid := l.sts[i].ExprIdxs(idxs)
	if axis >= 0 {
		name := idxs[axis].(*symbolic.Variable).Name()
		vecIdxs := slices.Clone(idxs)
		vecIdxs[axis] = symbolic.Num(0)
		vIdx, vValid := l.sts[i].ExprIdxs(vecIdxs)
		if symbolic.HasVar(gValid, name) || !isAligned(vIdx, width) {
			// Scalar fallback.
			axis, width = -1, 1
		} else {
			gIdx, gValid = vIdx, vValid
		}
	}
	loadType := uops.Vector(dtype, width)
	if width == 1 {
		loadType = uops.Scalar(dtype)
	}

	eIdxs, eValids := symbolic.Expand(gIdx, vars), symbolic.Expand(gValid, vars)
	lanes := symbolic.IterIdxs(vars)
	result := make([]*uops.UOp, len(lanes))
	for lane, combo := range lanes {
		idx, valid := eIdxs[lane], eValids[lane]
		if init != nil {
			key := fmt.Sprintf("acc|%d|%g|%s", i, *init, idx.Key())
			if _, found := l.loadCache[key]; !found {
				l.loadCache[key] = l.g.Add(uops.KindDefineAcc, loadType, nil, *init)
			}
			result[lane] = l.loadCache[key]
			continue
		}
		key := fmt.Sprintf("%d|%s|%s|%s", i, loadType, idx.Key(), valid.Key())
		if _, found := l.loadCache[key]; !found {
			l.loadCache[key] = l.load(i, loadType, idx, valid, barrier)
		}
		u := l.loadCache[key]
		if axis >= 0 {
			u = l.g.Add(uops.KindGEP, uops.Scalar(dtype), []*uops.UOp{u}, combo[axis])
		}
		result[lane] = u
	}
	return result
}

// load emits the read of one (possibly vector) element of buffer i. Statically invalid reads are
// replaced by 0.
func (l *linearizer) load(i int, t uops.Type, idx, valid symbolic.Node, barrier *uops.UOp) *uops.UOp {
	zero := l.g.Const(0, t)
	if valid.Max() == 0 {
		return zero
	}
	if !l.isMem(i) && l.bufs[i] != nil {
		// Constant buffer.
		value := l.g.Const(l.bufs[i].ConstBuffer().Value, t)
		if valid.Min() == 0 {
			return l.g.ALU(ops.OpTypeWhere, l.renderNode(valid), value, zero)
		}
		return value
	}
	src := []*uops.UOp{l.bufUOps[i], l.renderNode(idx)}
	if valid.Min() == 0 {
		src = append(src, l.renderNode(valid), zero)
	}
	if barrier != nil {
		src = append(src, barrier)
	}
	return l.g.Add(uops.KindLoad, t, src, nil)
}

// globalStore writes values, one per upcasted lane of idxs, to buffer i. It returns the stores emitted.
func (l *linearizer) globalStore(i int, idxs []symbolic.Node, values []*uops.UOp) []*uops.UOp {
	vars := expandVars(idxs)
	lanes := symbolic.IterIdxs(vars)
	if len(lanes) != len(values) {
		failf("storing %d values to %d lanes of buffer %d", len(values), len(lanes), i)
	}
	var stores []*uops.UOp
	axis, width := l.vectorAxis(i, idxs)
	if axis < 0 {
		for lane, combo := range lanes {
			stores = l.appendStore(stores, i, laneIdxs(idxs, vars, combo), values[lane])
		}
		return stores
	}

	// Lanes are grouped by their coordinates outside the vector axis, in order of first appearance.
	type group struct {
		idxs  []symbolic.Node
		lanes []int
	}
	var groups []*group
	groupOf := make(map[string]*group)
	for lane, combo := range lanes {
		base := slices.Clone(combo)
		base[axis] = 0
		key := fmt.Sprint(base)
		g, found := groupOf[key]
		if !found {
			g = &group{idxs: laneIdxs(idxs, vars, base)}
			groupOf[key] = g
			groups = append(groups, g)
		}
		g.lanes = append(g.lanes, lane)
	}
	for _, g := range groups {
		idx, valid := l.sts[i].ExprIdxs(g.idxs)
		sameValid := true
		for _, lane := range g.lanes[1:] {
			_, laneValid := l.sts[i].ExprIdxs(laneIdxs(idxs, vars, lanes[lane]))
			sameValid = sameValid && laneValid.Key() == valid.Key()
		}
		if len(g.lanes) != width || !sameValid || !isAligned(idx, width) {
			for _, lane := range g.lanes {
				stores = l.appendStore(stores, i, laneIdxs(idxs, vars, lanes[lane]), values[lane])
			}
			continue
		}
		laneValues := make([]*uops.UOp, width)
		for j, lane := range g.lanes {
			laneValues[j] = values[lane]
		}
		stores = l.appendStore(stores, i, g.idxs, l.vectorize(laneValues))
	}
	return stores
}

// vectorize packs scalar values into a vector. If they are the lanes of one vector in order, that
// vector is used directly.
func (l *linearizer) vectorize(values []*uops.UOp) *uops.UOp {
	first := values[0]
	if first.Kind == uops.KindGEP && first.Src[0].Type.Lanes == len(values) {
		vec := first.Src[0]
		same := true
		for j, v := range values {
			same = same && v.Kind == uops.KindGEP && v.Src[0] == vec && v.Arg == j
		}
		if same {
			return vec
		}
	}
	return l.g.Add(uops.KindCast, uops.Vector(first.Type.DType, len(values)), values, nil)
}

func (l *linearizer) appendStore(stores []*uops.UOp, i int, idxs []symbolic.Node, value *uops.UOp) []*uops.UOp {
	idx, valid := l.sts[i].ExprIdxs(idxs)
	if valid.Max() == 0 {
		return stores
	}
	src := []*uops.UOp{l.bufUOps[i], l.renderNode(idx), value}
	if valid.Min() == 0 {
		src = append(src, l.renderNode(valid))
	}
	return append(stores, l.g.Add(uops.KindStore, uops.NoType, src, nil))
}

// renderNode emits the UOps computing a symbolic expression.
func (l *linearizer) renderNode(n symbolic.Node) *uops.UOp {
	if u, found := l.renderCache[n.Key()]; found {
		return u
	}
	var u *uops.UOp
	switch n := n.(type) {
	case *symbolic.NumNode:
		u = l.constIdx(n.Value())
	case *symbolic.Variable:
		var found bool
		u, found = l.varUOps[n.Name()]
		if !found {
			failf("variable %s is not defined", n.Name())
		}
	case *symbolic.MulNode:
		u = l.g.ALU(ops.OpTypeMul, l.renderNode(n.A()), l.renderNode(n.B()))
	case *symbolic.DivNode:
		u = l.g.ALU(ops.OpTypeDiv, l.renderNode(n.A()), l.constIdx(n.B()))
	case *symbolic.ModNode:
		u = l.g.ALU(ops.OpTypeMod, l.renderNode(n.A()), l.constIdx(n.B()))
	case *symbolic.LtNode:
		u = l.g.ALU(ops.OpTypeCmpLt, l.renderNode(n.A()), l.renderNode(n.B()))
	case *symbolic.SumNode:
		for _, x := range n.Nodes() {
			if u == nil {
				u = l.renderNode(x)
			} else {
				u = l.g.ALU(ops.OpTypeAdd, u, l.renderNode(x))
			}
		}
	case *symbolic.AndNode:
		// Conditions are bools, multiplying them is their logical and.
		for _, x := range n.Nodes() {
			c := l.renderNode(x)
			if c.Type.DType != dtypes.Bool {
				c = l.g.ALU(ops.OpTypeCmpLt, l.constIdx(0), c)
			}
			if u == nil {
				u = c
			} else {
				u = l.g.ALU(ops.OpTypeMul, u, c)
			}
		}
	default:
		failf("can't render %T %s", n, n)
	}
	l.renderCache[n.Key()] = u
	return u
}
