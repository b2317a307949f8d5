// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package uops

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/ops"
)

// Graph emits UOps in order, de-duplicating structurally identical ones (same kind, type, operands and
// argument) and applying peephole simplifications before the lookup.
//
// A Graph is not safe for concurrent use.
type Graph struct {
	uops   []*UOp
	cache  map[string]*UOp
	nextID int
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{cache: make(map[string]*UOp)}
}

// UOps returns the emitted UOps in order. Don't modify the returned slice.
func (g *Graph) UOps() []*UOp { return g.uops }

// Len returns the number of UOps emitted.
func (g *Graph) Len() int { return len(g.uops) }

// cacheable returns whether UOps of the kind can be shared: loops, definitions, barriers and
// side effects must be emitted every time they are requested.
func cacheable(kind Kind) bool {
	switch kind {
	case KindConst, KindALU, KindCast, KindGEP, KindLoad, KindSpecial:
		return true
	}
	return false
}

func key(kind Kind, t Type, src []*UOp, arg any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|%s|", kind, t)
	for _, s := range src {
		fmt.Fprintf(&sb, "%d,", s.id)
	}
	fmt.Fprintf(&sb, "|%#v", arg)
	return sb.String()
}

// Add emits a UOp, or returns an existing one equivalent to it.
func (g *Graph) Add(kind Kind, t Type, src []*UOp, arg any) *UOp {
	if u := g.simplify(kind, t, src, arg); u != nil {
		return u
	}
	if a, ok := arg.(ALUArg); ok && a.Accumulate {
		return g.append(kind, t, src, arg)
	}
	if !cacheable(kind) {
		return g.append(kind, t, src, arg)
	}
	k := key(kind, t, src, arg)
	if u, found := g.cache[k]; found {
		return u
	}
	u := g.append(kind, t, src, arg)
	g.cache[k] = u
	return u
}

func (g *Graph) append(kind Kind, t Type, src []*UOp, arg any) *UOp {
	u := &UOp{Kind: kind, Type: t, Src: src, Arg: arg, id: g.nextID}
	g.nextID++
	g.uops = append(g.uops, u)
	return u
}

// Const emits a constant.
func (g *Graph) Const(value float64, t Type) *UOp {
	return g.Add(KindConst, t, nil, value)
}

// ALU emits an elementwise op. CmpLt results are bool, Where results have the type of its branches, and
// other ops have the type of their first operand.
func (g *Graph) ALU(op ops.OpType, src ...*UOp) *UOp {
	t := src[0].Type
	if op == ops.OpTypeCmpLt {
		t = Vector(dtypes.Bool, t.Lanes)
	} else if op == ops.OpTypeWhere {
		t = src[1].Type
	}
	return g.Add(KindALU, t, src, ALUArg{Op: op})
}

// simplify implements the peephole rewrites. It returns nil if none applies.
func (g *Graph) simplify(kind Kind, t Type, src []*UOp, arg any) *UOp {
	switch kind {
	case KindGEP:
		if src[0].Kind == KindConst {
			return g.Const(src[0].Arg.(float64), t)
		}
	case KindCast:
		if len(src) > 0 && src[0].Kind == KindConst {
			allSame := true
			for _, s := range src[1:] {
				allSame = allSame && s.Kind == KindConst && s.Arg == src[0].Arg
			}
			if v := src[0].Arg.(float64); allSame && exactCast(v, src[0].Type.DType, t.DType) {
				return g.Const(v, t)
			}
		}
	case KindALU:
		a := arg.(ALUArg)
		if a.Accumulate {
			return nil
		}
		switch a.Op {
		case ops.OpTypeAdd:
			if src[1].Kind == KindALU {
				if neg, _ := src[1].ALU(); neg.Op == ops.OpTypeNeg && !neg.Accumulate {
					return g.ALU(ops.OpTypeSub, src[0], src[1].Src[0])
				}
			}
			for x := range 2 {
				if src[x].IsConst(0) {
					return src[1-x]
				}
			}
		case ops.OpTypeMul:
			for x := range 2 {
				if src[x].IsConst(1) {
					return src[1-x]
				}
				if src[x].IsConst(0) && src[x].Type == t {
					return src[x]
				}
			}
		case ops.OpTypeSub:
			if src[1].IsConst(0) {
				return src[0]
			}
		case ops.OpTypeDiv:
			if src[1].IsConst(1) {
				return src[0]
			}
		case ops.OpTypeNeg:
			if src[0].Kind == KindConst {
				return g.Const(-src[0].Arg.(float64), t)
			}
		case ops.OpTypeWhere:
			if src[1] == src[2] {
				return src[1]
			}
		}
	}
	return nil
}

// exactCast returns whether casting v from one dtype to another preserves its value.
func exactCast(v float64, from, to dtypes.DType) bool {
	switch {
	case from == to:
		return true
	case to == dtypes.Bool:
		return v == 0 || v == 1
	case to.IsFloat():
		return true
	}
	return v == math.Trunc(v) && !math.IsInf(v, 0)
}
