// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symbolic

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	x := NewVariable("x", 0, 7)
	require.Equal(t, "x[0-7]", x.Key())
	require.Equal(t, "x", x.String())

	// Degenerate variables collapse to constants.
	three := NewVariable("a", 3, 3)
	v, ok := IsInt(three)
	require.True(t, ok)
	require.Equal(t, 3, v)

	// Identity and zero folding.
	require.Equal(t, "0", MulInt(x, 0).Key())
	require.True(t, MulInt(x, 1) == x)
	require.True(t, Add(x, Num(0)) == x)
	require.True(t, SubInt(x, 0) == x)
	require.Equal(t, "0", Sub(x, x).Key())

	// Factoring of common terms.
	require.Equal(t, "(x[0-7]*5)", Sum(MulInt(x, 2), MulInt(x, 3)).Key())

	// Distribution into sums.
	y := NewVariable("y", 0, 3)
	s := MulInt(Add(x, y), 2)
	require.Equal(t, Sum(MulInt(x, 2), MulInt(y, 2)).Key(), s.Key())
	require.Equal(t, 0, s.Min())
	require.Equal(t, 20, s.Max())

	// Order of terms doesn't matter for the key.
	require.Equal(t, Add(x, y).Key(), Add(y, x).Key())
	require.True(t, Equal(Add(x, y), Add(y, x)))
}

func TestDivModSimplification(t *testing.T) {
	x := NewVariable("x", 0, 7)
	y := NewVariable("y", 0, 3)
	e := Add(MulInt(x, 4), y)

	require.Equal(t, x.Key(), FloorDivInt(e, 4).Key())
	require.Equal(t, y.Key(), ModInt(e, 4).Key())
	require.Equal(t, "(x[0-7]//2)", FloorDivInt(x, 2).Key())
	z := NewVariable("z", 0, 63)
	require.Equal(t, "(z[0-63]//8)", FloorDivInt(FloorDivInt(z, 2), 4).Key())
	require.Equal(t, "0", FloorDivInt(y, 4).Key())
	require.True(t, ModInt(y, 4) == y)

	// Negative numerators are shifted into the non-negative range.
	shifted := FloorDivInt(SubInt(x, 4), 4)
	require.Equal(t, -1, shifted.Min())
	require.Equal(t, 0, shifted.Max())
	for xv := 0; xv <= 7; xv++ {
		got, err := Evaluate(shifted, map[string]int{"x": xv})
		require.NoError(t, err)
		require.Equal(t, floorDiv(xv-4, 4), got, "x=%d", xv)
	}
}

func TestLtRewrite(t *testing.T) {
	x := NewVariable("x", 0, 7)
	y := NewVariable("y", 0, 3)
	require.Equal(t, "(x[0-7]<2)", LtInt(Add(MulInt(x, 4), y), 8).Key())
	require.Equal(t, "(x[0-7]<3)", LtInt(MulInt(x, 4), 9).Key())
	require.Equal(t, "1", LtInt(y, 4).Key())
	require.Equal(t, "0", LtInt(y, 0).Key())
}

func TestAnds(t *testing.T) {
	x := NewVariable("x", 0, 7)
	lt := LtInt(x, 3)
	require.Equal(t, "1", Ands().Key())
	require.True(t, Ands(Num(1), lt) == lt)
	require.Equal(t, "0", Ands(Num(0), lt).Key())
	both := Ands(lt, GeInt(x, 1))
	require.IsType(t, &AndNode{}, both)
	require.Equal(t, 0, both.Min())
	require.Equal(t, 1, both.Max())
}

func TestInvalidArithmetic(t *testing.T) {
	x := NewVariable("x", 0, 7)
	for name, fn := range map[string]func(){
		"div-by-zero":       func() { FloorDivInt(x, 0) },
		"mod-by-zero":       func() { ModInt(x, 0) },
		"mod-by-negative":   func() { ModInt(x, -2) },
		"negative-variable": func() { NewVariable("n", -1, 3) },
		"symbolic-divisor":  func() { FloorDiv(Num(10), x) },
	} {
		err := exceptions.TryCatch[error](fn)
		require.Error(t, err, name)
		require.True(t, errors.Is(err, ErrInvalidArithmetic), "%s: %v", name, err)
	}
}

// TestBoundsSoundness checks for every value of the variables that the result of each operation is
// exact (matches the integer floor semantics) and within the computed bounds.
func TestBoundsSoundness(t *testing.T) {
	x := NewVariable("x", 0, 5)
	y := NewVariable("y", 0, 3)
	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	testCases := []struct {
		name string
		node Node
		want func(x, y int) int
	}{
		{"x+y", Add(x, y), func(x, y int) int { return x + y }},
		{"x-y", Sub(x, y), func(x, y int) int { return x - y }},
		{"x*3", MulInt(x, 3), func(x, y int) int { return x * 3 }},
		{"x*y", Mul(x, y), func(x, y int) int { return x * y }},
		{"-x*y", Mul(Neg(x), y), func(x, y int) int { return -x * y }},
		{"x//2", FloorDivInt(x, 2), func(x, y int) int { return x / 2 }},
		{"(x-y)//3", FloorDivInt(Sub(x, y), 3), func(x, y int) int { return floorDiv(x-y, 3) }},
		{"(6x+4y)//8", FloorDivInt(Add(MulInt(x, 6), MulInt(y, 4)), 8), func(x, y int) int { return (6*x + 4*y) / 8 }},
		{"(x+y)//-2", FloorDivInt(Add(x, y), -2), func(x, y int) int { return floorDiv(x+y, -2) }},
		{"(3x+y)%4", ModInt(Add(MulInt(x, 3), y), 4), func(x, y int) int { return (3*x + y) % 4 }},
		{"(y-x)%3", ModInt(Sub(y, x), 3), func(x, y int) int { return floorMod(y-x, 3) }},
		{"(-x*y)%4", ModInt(Mul(Neg(x), y), 4), func(x, y int) int { return floorMod(-x*y, 4) }},
		{"(-x*y+2)%4", ModInt(AddInt(Mul(Neg(x), y), 2), 4), func(x, y int) int { return floorMod(-x*y+2, 4) }},
		{"(x%4)%2", ModInt(ModInt(x, 4), 2), func(x, y int) int { return x % 2 }},
		{"(x%4)//2", FloorDivInt(ModInt(x, 4), 2), func(x, y int) int { return (x % 4) / 2 }},
		{"x<y", Lt(x, y), func(x, y int) int { return b2i(x < y) }},
		{"4x+y<9", LtInt(Add(MulInt(x, 4), y), 9), func(x, y int) int { return b2i(4*x+y < 9) }},
		{"4x+y<8", LtInt(Add(MulInt(x, 4), y), 8), func(x, y int) int { return b2i(4*x+y < 8) }},
		{"-2x<-3", LtInt(MulInt(x, -2), -3), func(x, y int) int { return b2i(-2*x < -3) }},
		{"x>=y", Ge(x, y), func(x, y int) int { return b2i(x >= y) }},
		{"x<=2", LeInt(x, 2), func(x, y int) int { return b2i(x <= 2) }},
		{"x>2", GtInt(x, 2), func(x, y int) int { return b2i(x > 2) }},
		{"x<3 and y>=1", Ands(LtInt(x, 3), GeInt(y, 1)), func(x, y int) int { return b2i(x < 3 && y >= 1) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for xv := x.Min(); xv <= x.Max(); xv++ {
				for yv := y.Min(); yv <= y.Max(); yv++ {
					got, err := Evaluate(tc.node, map[string]int{"x": xv, "y": yv})
					require.NoError(t, err)
					require.Equal(t, tc.want(xv, yv), got, "%s with x=%d, y=%d", tc.node, xv, yv)
					require.GreaterOrEqual(t, got, tc.node.Min(), "%s with x=%d, y=%d", tc.node.Key(), xv, yv)
					require.LessOrEqual(t, got, tc.node.Max(), "%s with x=%d, y=%d", tc.node.Key(), xv, yv)
				}
			}
		})
	}
}

func TestSubstituteAndExpand(t *testing.T) {
	x := NewVariable("x", 0, 7)
	u := NewVariable("_uidx0", 0, 3)
	e := Add(MulInt(x, 4), u)
	require.Equal(t, MulInt(x, 4).Key(), Substitute(e, map[string]Node{"_uidx0": Num(0)}).Key())

	expanded := Expand(e, []Node{u})
	require.Len(t, expanded, 4)
	for i, n := range expanded {
		require.Equal(t, AddInt(MulInt(x, 4), i).Key(), n.Key())
	}

	require.Equal(t, [][]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0, 2}, {1, 2}},
		IterIdxs([]Node{NewVariable("a", 0, 1), NewVariable("b", 0, 2)}))
	require.Equal(t, [][]int{{0, 5}}, IterIdxs([]Node{Num(0), Num(5)}))
}

func TestVarsAndBind(t *testing.T) {
	n := NewVariable("n", 1, 16).(*Variable)
	i := NewVariable("i", 0, 15)
	e := Add(Mul(i, n), Num(3))
	vars := Vars(e)
	require.Len(t, vars, 2)
	assert.Equal(t, "i", vars[0].Name())
	assert.Equal(t, "n", vars[1].Name())
	require.True(t, HasVar(e, "n"))

	bound, err := n.Bind(4)
	require.NoError(t, err)
	val, ok := bound.Value()
	require.True(t, ok)
	require.Equal(t, 4, val)
	require.Equal(t, n.Key(), bound.Key())
	_, ok = bound.Unbind().Value()
	require.False(t, ok)

	_, err = n.Bind(17)
	require.True(t, errors.Is(err, ErrInvalidArithmetic))

	got, err := Evaluate(Mul(i, bound), map[string]int{"i": 2})
	require.NoError(t, err)
	require.Equal(t, 8, got)

	_, err = Evaluate(e, nil)
	require.Error(t, err)
	require.Equal(t, "((i*n)+3)", e.String())
}
