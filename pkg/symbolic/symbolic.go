// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package symbolic implements bounded integer expressions used for shapes, strides and
// indices that may depend on variables (e.g.: a dynamic batch size or sequence length).
//
// Every Node carries tight [Min, Max] bounds. The constructors (Add, Mul, FloorDiv, Mod, Lt, Sum, Ands, ...)
// fold constants and canonicalize expressions eagerly, so two expressions built the same way
// render to the same Key and compare equal.
//
// Equality is structural (by Key), not semantic: two expressions that always evaluate to the same
// value but were built differently may compare unequal. Users are expected to be conservative in
// that case.
//
// Invalid operations (division or modulo by zero, a modulo by a negative number, or a bound
// violation) are bugs in the caller: they panic with an error wrapping ErrInvalidArithmetic,
// following the github.com/gomlx/exceptions convention. Use exceptions.TryCatch[error] to
// convert them back to errors at an API boundary.
package symbolic

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrInvalidArithmetic is wrapped by all panics raised by an invalid symbolic operation.
var ErrInvalidArithmetic = errors.New("invalid symbolic arithmetic")

// panicf panics with an error wrapping ErrInvalidArithmetic.
func panicf(format string, args ...any) {
	panic(errors.Wrapf(ErrInvalidArithmetic, format, args...))
}

// Node is a bounded integer expression. It is a closed set of types:
// *NumNode, *Variable, *MulNode, *DivNode, *ModNode, *LtNode, *SumNode and *AndNode.
//
// Nodes are immutable.
type Node interface {
	// Min returns the smallest value the expression can take.
	Min() int

	// Max returns the largest value the expression can take.
	Max() int

	// Key is the canonical rendering of the expression, including variable bounds.
	// It is stable across runs and is used for equality and caching.
	Key() string

	// String renders the expression using only the variable names.
	String() string

	isNode()
}

// NumNode is an integer constant.
type NumNode struct {
	b int
}

// Variable is a named integer with an inclusive [min, max] bound and an optional bound value.
type Variable struct {
	name     string
	min, max int
	val      int
	hasVal   bool
	key      string
}

// MulNode is the product of A and B. B is either a constant or another (non-constant) Node.
type MulNode struct {
	a, b     Node
	min, max int
	key, str string
}

// DivNode is the floor division of A (with A.Min() >= 0) by the positive integer B.
type DivNode struct {
	a        Node
	b        int
	min, max int
	key, str string
}

// ModNode is A modulo the positive integer B, with A.Min() >= 0.
type ModNode struct {
	a        Node
	b        int
	min, max int
	key, str string
}

// LtNode is 1 if A < B, 0 otherwise.
type LtNode struct {
	a, b     Node
	min, max int
	key, str string
}

// SumNode is the sum of its nodes.
type SumNode struct {
	nodes    []Node
	min, max int
	key, str string
}

// AndNode is the logical-and of its nodes: it is 0 if any of them is 0.
type AndNode struct {
	nodes    []Node
	min, max int
	key, str string
}

func (*NumNode) isNode()  {}
func (*Variable) isNode() {}
func (*MulNode) isNode()  {}
func (*DivNode) isNode()  {}
func (*ModNode) isNode()  {}
func (*LtNode) isNode()   {}
func (*SumNode) isNode()  {}
func (*AndNode) isNode()  {}

// Num returns a constant node.
func Num(b int) Node { return &NumNode{b: b} }

// Value of the constant.
func (n *NumNode) Value() int     { return n.b }
func (n *NumNode) Min() int       { return n.b }
func (n *NumNode) Max() int       { return n.b }
func (n *NumNode) Key() string    { return fmt.Sprint(n.b) }
func (n *NumNode) String() string { return n.Key() }

// NewVariable creates a variable bounded to [min, max].
// If min == max, the variable is degenerate and a constant is returned instead.
//
// It panics (with ErrInvalidArithmetic) if min < 0 or min > max.
func NewVariable(name string, min, max int) Node {
	if min < 0 || min > max {
		panicf("NewVariable(%q, %d, %d): bounds must satisfy 0 <= min <= max", name, min, max)
	}
	if min == max {
		return Num(min)
	}
	return newVariable(name, min, max)
}

func newVariable(name string, min, max int) *Variable {
	return &Variable{name: name, min: min, max: max, key: fmt.Sprintf("%s[%d-%d]", name, min, max)}
}

// Name of the variable.
func (v *Variable) Name() string { return v.name }
func (v *Variable) Min() int     { return v.min }
func (v *Variable) Max() int     { return v.max }

// Key includes the name and bounds, but not the bound value.
func (v *Variable) Key() string    { return v.key }
func (v *Variable) String() string { return v.name }

// Bind returns a copy of the variable bound to the given runtime value.
func (v *Variable) Bind(val int) (*Variable, error) {
	if val < v.min || val > v.max {
		return nil, errors.Wrapf(ErrInvalidArithmetic, "cannot bind %s to %d: out of bounds", v.key, val)
	}
	bound := *v
	bound.val, bound.hasVal = val, true
	return &bound, nil
}

// Unbind returns a copy of the variable without a bound value.
func (v *Variable) Unbind() *Variable {
	unbound := *v
	unbound.val, unbound.hasVal = 0, false
	return &unbound
}

// Value returns the bound value of the variable, if any.
func (v *Variable) Value() (int, bool) { return v.val, v.hasVal }

// createNode collapses nodes with degenerate bounds to a constant.
func createNode(n Node) Node {
	if n.Min() > n.Max() {
		panicf("min greater than max (%d > %d) when creating %s", n.Min(), n.Max(), n.Key())
	}
	if n.Min() == n.Max() {
		return Num(n.Min())
	}
	return n
}

func newMulNode(a, b Node) Node {
	corners := []int{a.Min() * b.Min(), a.Min() * b.Max(), a.Max() * b.Min(), a.Max() * b.Max()}
	m := &MulNode{a: a, b: b, min: slices.Min(corners), max: slices.Max(corners)}
	m.key = fmt.Sprintf("(%s*%s)", a.Key(), b.Key())
	m.str = fmt.Sprintf("(%s*%s)", a, b)
	return createNode(m)
}

func (n *MulNode) A() Node { return n.a }
func (n *MulNode) B() Node { return n.b }

// IntB returns the constant factor B, if it is a constant.
func (n *MulNode) IntB() (int, bool) { return IsInt(n.b) }
func (n *MulNode) Min() int          { return n.min }
func (n *MulNode) Max() int          { return n.max }
func (n *MulNode) Key() string       { return n.key }
func (n *MulNode) String() string    { return n.str }

func newDivNode(a Node, b int) Node {
	if a.Min() < 0 {
		panicf("floor division of %s (min=%d) by %d: numerator must be non-negative", a.Key(), a.Min(), b)
	}
	if b <= 0 {
		panicf("floor division of %s by %d", a.Key(), b)
	}
	d := &DivNode{a: a, b: b, min: a.Min() / b, max: a.Max() / b}
	d.key = fmt.Sprintf("(%s//%d)", a.Key(), b)
	d.str = fmt.Sprintf("(%s//%d)", a, b)
	return createNode(d)
}

func (n *DivNode) A() Node        { return n.a }
func (n *DivNode) B() int         { return n.b }
func (n *DivNode) Min() int       { return n.min }
func (n *DivNode) Max() int       { return n.max }
func (n *DivNode) Key() string    { return n.key }
func (n *DivNode) String() string { return n.str }

func newModNode(a Node, b int) Node {
	if a.Min() < 0 {
		panicf("modulo of %s (min=%d) by %d: numerator must be non-negative", a.Key(), a.Min(), b)
	}
	if b <= 0 {
		panicf("modulo of %s by %d", a.Key(), b)
	}
	m := &ModNode{a: a, b: b}
	if a.Max()-a.Min() >= b || (a.Min() != a.Max() && a.Min()%b >= a.Max()%b) {
		m.min, m.max = 0, b-1
	} else {
		m.min, m.max = a.Min()%b, a.Max()%b
	}
	m.key = fmt.Sprintf("(%s%%%d)", a.Key(), b)
	m.str = fmt.Sprintf("(%s%%%d)", a, b)
	return createNode(m)
}

func (n *ModNode) A() Node        { return n.a }
func (n *ModNode) B() int         { return n.b }
func (n *ModNode) Min() int       { return n.min }
func (n *ModNode) Max() int       { return n.max }
func (n *ModNode) Key() string    { return n.key }
func (n *ModNode) String() string { return n.str }

func newLtNode(a, b Node) Node {
	l := &LtNode{a: a, b: b}
	switch {
	case a.Max() < b.Min():
		l.min, l.max = 1, 1
	case a.Min() >= b.Max():
		l.min, l.max = 0, 0
	default:
		l.min, l.max = 0, 1
	}
	l.key = fmt.Sprintf("(%s<%s)", a.Key(), b.Key())
	l.str = fmt.Sprintf("(%s<%s)", a, b)
	return createNode(l)
}

func (n *LtNode) A() Node        { return n.a }
func (n *LtNode) B() Node        { return n.b }
func (n *LtNode) Min() int       { return n.min }
func (n *LtNode) Max() int       { return n.max }
func (n *LtNode) Key() string    { return n.key }
func (n *LtNode) String() string { return n.str }

// renderSorted joins the renderings of nodes sorted, so the result doesn't depend on the order of the terms.
func renderSorted(nodes []Node, sep string, render func(Node) string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = render(n)
	}
	sort.Strings(parts)
	return "(" + strings.Join(parts, sep) + ")"
}

func newSumNode(nodes []Node) Node {
	s := &SumNode{nodes: nodes}
	for _, n := range nodes {
		s.min += n.Min()
		s.max += n.Max()
	}
	s.key = renderSorted(nodes, "+", Node.Key)
	s.str = renderSorted(nodes, "+", Node.String)
	return createNode(s)
}

// Nodes returns the terms of the sum. The returned slice must not be modified.
func (n *SumNode) Nodes() []Node  { return n.nodes }
func (n *SumNode) Min() int       { return n.min }
func (n *SumNode) Max() int       { return n.max }
func (n *SumNode) Key() string    { return n.key }
func (n *SumNode) String() string { return n.str }

// flatComponents recursively expands nested sums.
func (n *SumNode) flatComponents() []Node {
	var flat []Node
	for _, x := range n.nodes {
		if sub, ok := x.(*SumNode); ok {
			flat = append(flat, sub.flatComponents()...)
		} else {
			flat = append(flat, x)
		}
	}
	return flat
}

func newAndNode(nodes []Node) Node {
	a := &AndNode{nodes: nodes, min: nodes[0].Min(), max: nodes[0].Max()}
	for _, n := range nodes[1:] {
		a.min = min(a.min, n.Min())
		a.max = max(a.max, n.Max())
	}
	a.key = renderSorted(nodes, " and ", Node.Key)
	a.str = renderSorted(nodes, " and ", Node.String)
	return createNode(a)
}

// Nodes returns the operands of the logical-and. The returned slice must not be modified.
func (n *AndNode) Nodes() []Node  { return n.nodes }
func (n *AndNode) Min() int       { return n.min }
func (n *AndNode) Max() int       { return n.max }
func (n *AndNode) Key() string    { return n.key }
func (n *AndNode) String() string { return n.str }

// IsInt returns the value of n if it is a constant.
func IsInt(n Node) (int, bool) {
	if num, ok := n.(*NumNode); ok {
		return num.b, true
	}
	return 0, false
}

// Equal compares two nodes structurally.
func Equal(a, b Node) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Key() == b.Key()
}

// floorDiv returns the floor of a/b, with b != 0.
func floorDiv[T constraints.Integer](a, b T) T {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// floorMod returns a - b*floorDiv(a, b): for b > 0 it is always in [0, b).
func floorMod[T constraints.Integer](a, b T) T {
	return a - b*floorDiv(a, b)
}

func abs[T constraints.Signed](a T) T {
	if a < 0 {
		return -a
	}
	return a
}

func gcd[T constraints.Signed](a, b T) T {
	a, b = abs(a), abs(b)
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
