// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package uops

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	f32 = Scalar(dtypes.Float32)
	i32 = Scalar(dtypes.Int32)
)

func TestKinds(t *testing.T) {
	kinds := AllKinds()
	require.Len(t, kinds, int(kindLast)-1)
	for _, k := range kinds {
		assert.NotEmpty(t, k.String())
	}
	assert.Equal(t, "Kind(100)", Kind(100).String())
	assert.Equal(t, "float32x4", Vector(dtypes.Float32, 4).String())
	assert.Equal(t, "*float32", Pointer(dtypes.Float32).String())
	assert.Equal(t, "void", NoType.String())
}

func TestGraphCSE(t *testing.T) {
	g := NewGraph()
	buf := g.Add(KindDefineGlobal, Pointer(dtypes.Float32), nil, GlobalArg{Name: "data0", Buffer: 0})
	buf2 := g.Add(KindDefineGlobal, Pointer(dtypes.Float32), nil, GlobalArg{Name: "data0", Buffer: 0})
	assert.NotSame(t, buf, buf2, "definitions are never shared")

	c1 := g.Const(1, i32)
	assert.Same(t, c1, g.Const(1, i32))
	assert.NotSame(t, c1, g.Const(1, f32), "different types")

	idx := g.Const(4, i32)
	ld := g.Add(KindLoad, f32, []*UOp{buf, idx}, nil)
	assert.Same(t, ld, g.Add(KindLoad, f32, []*UOp{buf, idx}, nil))
	x := g.ALU(ops.OpTypeExp2, ld)
	assert.Same(t, x, g.ALU(ops.OpTypeExp2, ld))
	assert.NotSame(t, x, g.ALU(ops.OpTypeLog2, ld))

	acc := g.Add(KindDefineAcc, f32, nil, 0.0)
	upd := g.Add(KindALU, f32, []*UOp{x, acc}, ALUArg{Op: ops.OpTypeAdd, Accumulate: true})
	upd2 := g.Add(KindALU, f32, []*UOp{x, acc}, ALUArg{Op: ops.OpTypeAdd, Accumulate: true})
	assert.NotSame(t, upd, upd2, "accumulator updates are never shared")
	assert.Same(t, acc, upd2.AccRoot())
	assert.Nil(t, x.AccRoot())
	assert.True(t, upd.IsAccumulate())
	assert.Equal(t, ld.ID()+1, x.ID())
}

func TestGraphPeepholes(t *testing.T) {
	g := NewGraph()
	buf := g.Add(KindDefineGlobal, Pointer(dtypes.Float32), nil, GlobalArg{Name: "data1", Buffer: 1})
	a := g.Add(KindLoad, f32, []*UOp{buf, g.Const(0, i32)}, nil)
	b := g.Add(KindLoad, f32, []*UOp{buf, g.Const(1, i32)}, nil)
	zero, one := g.Const(0, f32), g.Const(1, f32)

	assert.Same(t, a, g.ALU(ops.OpTypeAdd, a, zero))
	assert.Same(t, a, g.ALU(ops.OpTypeAdd, zero, a))
	assert.Same(t, a, g.ALU(ops.OpTypeMul, one, a))
	assert.Same(t, zero, g.ALU(ops.OpTypeMul, a, zero))
	assert.Same(t, a, g.ALU(ops.OpTypeSub, a, zero))
	assert.Same(t, a, g.ALU(ops.OpTypeDiv, a, one))
	assert.Same(t, b, g.ALU(ops.OpTypeWhere, g.ALU(ops.OpTypeCmpLt, a, b), b, b))

	sub := g.ALU(ops.OpTypeAdd, a, g.ALU(ops.OpTypeNeg, b))
	alu, ok := sub.ALU()
	require.True(t, ok)
	assert.Equal(t, ops.OpTypeSub, alu.Op)
	assert.Equal(t, []*UOp{a, b}, sub.Src)

	negOne := g.ALU(ops.OpTypeNeg, one)
	assert.True(t, negOne.IsConst(-1))
	assert.True(t, g.Add(KindGEP, f32, []*UOp{one}, 2).IsConst(1))
	assert.True(t, g.Add(KindCast, Vector(dtypes.Float32, 2), []*UOp{one, one}, nil).IsConst(1))
	assert.Equal(t, KindCast, g.Add(KindCast, Vector(dtypes.Float32, 2), []*UOp{one, zero}, nil).Kind)

	lt := g.ALU(ops.OpTypeCmpLt, a, b)
	assert.Equal(t, Scalar(dtypes.Bool), lt.Type)
}

// loopSum emits: for i in [0,16): acc += data1[i]; data0[0] = acc.
func loopSum(g *Graph) {
	out := g.Add(KindDefineGlobal, Pointer(dtypes.Float32), nil, GlobalArg{Name: "data0", Buffer: 0})
	in := g.Add(KindDefineGlobal, Pointer(dtypes.Float32), nil, GlobalArg{Name: "data1", Buffer: 1})
	acc := g.Add(KindDefineAcc, f32, nil, 0.0)
	loop := g.Add(KindLoop, i32, []*UOp{g.Const(0, i32), g.Const(16, i32)}, "ridx0")
	scale := g.ALU(ops.OpTypeMul, g.Const(2, f32), g.Const(3, f32))
	ld := g.Add(KindLoad, f32, []*UOp{in, loop}, nil)
	x := g.ALU(ops.OpTypeMul, ld, scale)
	upd := g.Add(KindALU, f32, []*UOp{x, acc}, ALUArg{Op: ops.OpTypeAdd, Accumulate: true})
	g.Add(KindEndLoop, NoType, []*UOp{loop}, nil)
	_ = g.ALU(ops.OpTypeExp2, ld) // Unused.
	g.Add(KindStore, NoType, []*UOp{out, g.Const(0, i32), upd}, nil)
}

func TestHoistAndDCE(t *testing.T) {
	g := NewGraph()
	loopSum(g)
	list := DCE(Hoist(g.UOps()))
	want := []string{
		"   0 DefineGlobal *float32   [] {data0 0}",
		"   1 DefineGlobal *float32   [] {data1 1}",
		"   2 Const        int32      [] 0",
		"   3 Const        int32      [] 16",
		"   4 Const        float32    [] 2",
		"   5 Const        float32    [] 3",
		"   6 ALU          float32    [4, 5] Mul",
		"   7 DefineAcc    float32    [] 0",
		"   8 Loop         int32      [2, 3] ridx0",
		"   9 Load         float32    [1, 8]",
		"  10 ALU          float32    [9, 6] Mul",
		"  11 ALU          float32    [10, 7] Add=>acc",
		"  12 EndLoop      void       [8]",
		"  13 Store        void       [0, 2, 11]",
	}
	if diff := cmp.Diff(want, Listing(list)); diff != "" {
		t.Errorf("unexpected listing (-want +got):\n%s", diff)
	}

	// Deterministic.
	g2 := NewGraph()
	loopSum(g2)
	assert.Equal(t, Listing(list), Listing(DCE(Hoist(g2.UOps()))))
}

func TestHoistKeepsOperandsFirst(t *testing.T) {
	g := NewGraph()
	loopSum(g)
	list := Hoist(g.UOps())
	pos := make(map[*UOp]int)
	for i, u := range list {
		pos[u] = i
	}
	require.Len(t, pos, g.Len())
	for i, u := range list {
		for _, s := range u.Src {
			assert.Less(t, pos[s], i, "operand of %s", u.Kind)
		}
	}
}

func TestConstKeys(t *testing.T) {
	g := NewGraph()
	inf := g.Const(math.Inf(-1), f32)
	assert.Same(t, inf, g.Const(math.Inf(-1), f32))
	assert.NotSame(t, inf, g.Const(math.Inf(1), f32))
}
