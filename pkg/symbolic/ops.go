// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symbolic

// Add returns a + b.
func Add(a, b Node) Node { return Sum(a, b) }

// AddInt returns a + b.
func AddInt(a Node, b int) Node { return Sum(a, Num(b)) }

// Sub returns a - b.
func Sub(a, b Node) Node { return Sum(a, Neg(b)) }

// SubInt returns a - b.
func SubInt(a Node, b int) Node { return Sum(a, Num(-b)) }

// Neg returns -a.
func Neg(a Node) Node { return MulInt(a, -1) }

// Sum returns the sum of the nodes, with constants folded and repeated terms factored:
// x*2 + x*3 + 1 + 2 becomes x*5 + 3.
func Sum(nodes ...Node) Node {
	var nonZero []Node
	for _, n := range nodes {
		if n.Min() != 0 || n.Max() != 0 {
			nonZero = append(nonZero, n)
		}
	}
	if len(nonZero) == 0 {
		return Num(0)
	}
	if len(nonZero) == 1 {
		return nonZero[0]
	}

	// Group multiplicative terms by their non-constant factor, keeping insertion order.
	type group struct {
		a     Node
		coeff int
	}
	var order []string
	groups := make(map[string]*group)
	addTerm := func(a Node, coeff int) {
		key := a.Key()
		g, found := groups[key]
		if !found {
			g = &group{a: a}
			groups[key] = g
			order = append(order, key)
		}
		g.coeff += coeff
	}
	numSum := 0
	for _, n := range flatten(nonZero) {
		switch n := n.(type) {
		case *NumNode:
			numSum += n.b
		case *MulNode:
			if c, ok := n.IntB(); ok {
				addTerm(n.a, c)
			} else {
				addTerm(n, 1)
			}
		default:
			addTerm(n, 1)
		}
	}
	newNodes := make([]Node, 0, len(order)+1)
	for _, key := range order {
		g := groups[key]
		switch g.coeff {
		case 0:
			continue
		case 1:
			newNodes = append(newNodes, g.a)
		default:
			newNodes = append(newNodes, newMulNode(g.a, Num(g.coeff)))
		}
	}
	if numSum != 0 {
		newNodes = append(newNodes, Num(numSum))
	}
	switch len(newNodes) {
	case 0:
		return Num(0)
	case 1:
		return newNodes[0]
	}
	return newSumNode(newNodes)
}

// flatten expands nested sums into their components.
func flatten(nodes []Node) []Node {
	flat := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if s, ok := n.(*SumNode); ok {
			flat = append(flat, s.flatComponents()...)
		} else {
			flat = append(flat, n)
		}
	}
	return flat
}

// Mul returns a * b.
func Mul(a, b Node) Node {
	if bInt, ok := IsInt(b); ok {
		return MulInt(a, bInt)
	}
	if aInt, ok := IsInt(a); ok {
		return MulInt(b, aInt)
	}
	return newMulNode(a, b)
}

// MulInt returns a * b. Multiplications are distributed into sums and merged with other multiplications.
func MulInt(a Node, b int) Node {
	if b == 0 {
		return Num(0)
	}
	if b == 1 {
		return a
	}
	switch a := a.(type) {
	case *NumNode:
		return Num(a.b * b)
	case *MulNode:
		if c, ok := a.IntB(); ok {
			return MulInt(a.a, c*b)
		}
		return Mul(a.a, MulInt(a.b, b))
	case *SumNode:
		terms := make([]Node, len(a.nodes))
		for i, x := range a.nodes {
			terms[i] = MulInt(x, b)
		}
		return Sum(terms...)
	}
	return newMulNode(a, Num(b))
}

// FloorDiv returns floor(a / b).
//
// Division by a non-constant b is only supported in the trivial cases (a == b, or 0 <= a < b),
// otherwise it panics with ErrInvalidArithmetic.
func FloorDiv(a, b Node) Node {
	if bInt, ok := IsInt(b); ok {
		return FloorDivInt(a, bInt)
	}
	if Equal(a, b) {
		return Num(1)
	}
	if Sub(b, a).Min() > 0 && a.Min() >= 0 {
		return Num(0)
	}
	panicf("not supported: %s // %s", a.Key(), b.Key())
	return nil
}

// FloorDivInt returns floor(a / b). It panics with ErrInvalidArithmetic if b == 0.
//
// Numerators that can be negative are first shifted into the non-negative range by factoring out a
// constant offset, so the generated DivNode always has a non-negative numerator.
func FloorDivInt(a Node, b int) Node {
	return floorDivInt(a, b, true)
}

func floorDivInt(a Node, b int, factoringAllowed bool) Node {
	if b == 0 {
		panicf("division of %s by zero", a.Key())
	}
	if b < 0 {
		// floor(a / -b) == floor(-a / b).
		return floorDivInt(Neg(a), -b, factoringAllowed)
	}
	if b == 1 {
		return a
	}
	switch a := a.(type) {
	case *NumNode:
		return Num(floorDiv(a.b, b))
	case *MulNode:
		if c, ok := a.IntB(); ok {
			if c%b == 0 {
				return MulInt(a.a, c/b)
			}
			if c > 0 && b%c == 0 {
				return FloorDivInt(a.a, b/c)
			}
		}
	case *DivNode:
		return FloorDivInt(a.a, a.b*b)
	case *ModNode:
		if a.b%b == 0 {
			return ModInt(FloorDivInt(a.a, b), a.b/b)
		}
	case *SumNode:
		if factoringAllowed {
			return sumFloorDiv(a, b)
		}
	}
	return genericFloorDiv(a, b)
}

// sumFloorDiv splits off the terms that b divides exactly, and uses the greatest common divisor of
// the remaining coefficients to simplify the rest.
func sumFloorDiv(s *SumNode, b int) Node {
	var fullyDivided, rest []Node
	g := b
	divisor := 1
	for _, x := range s.flatComponents() {
		var coeff int
		isMul := false
		switch x := x.(type) {
		case *NumNode:
			coeff = x.b
		case *MulNode:
			c, ok := x.IntB()
			if !ok {
				rest = append(rest, x)
				g = 1
				continue
			}
			coeff, isMul = c, true
		default:
			rest = append(rest, x)
			g = 1
			continue
		}
		if coeff%b == 0 {
			fullyDivided = append(fullyDivided, FloorDivInt(x, b))
			continue
		}
		rest = append(rest, x)
		g = gcd(g, coeff)
		if isMul && divisor == 1 && coeff > 0 && b%coeff == 0 {
			divisor = coeff
		}
	}
	if g > 1 {
		return Add(Sum(fullyDivided...), FloorDivInt(FloorDivInt(Sum(rest...), g), b/g))
	}
	if divisor > 1 {
		return Add(Sum(fullyDivided...), FloorDivInt(FloorDivInt(Sum(rest...), divisor), b/divisor))
	}
	return Add(Sum(fullyDivided...), genericFloorDiv(Sum(rest...), b))
}

func genericFloorDiv(a Node, b int) Node {
	if a.Min() < 0 {
		offset := floorDiv(a.Min(), b)
		return Add(floorDivInt(AddInt(a, -offset*b), b, false), Num(offset))
	}
	return newDivNode(a, b)
}

// Mod returns a modulo b.
//
// A non-constant b is only supported in the trivial cases (a == b, or 0 <= a < b),
// otherwise it panics with ErrInvalidArithmetic.
func Mod(a, b Node) Node {
	if bInt, ok := IsInt(b); ok {
		return ModInt(a, bInt)
	}
	if Equal(a, b) {
		return Num(0)
	}
	if Sub(b, a).Min() > 0 && a.Min() >= 0 {
		return a
	}
	panicf("not supported: %s %% %s", a.Key(), b.Key())
	return nil
}

// ModInt returns a modulo b, with floor semantics: the result is always in [0, b).
// It panics with ErrInvalidArithmetic if b <= 0.
func ModInt(a Node, b int) Node {
	if b <= 0 {
		panicf("modulo of %s by %d", a.Key(), b)
	}
	if b == 1 {
		return Num(0)
	}
	switch a := a.(type) {
	case *NumNode:
		return Num(floorMod(a.b, b))
	case *MulNode:
		if c, ok := a.IntB(); ok {
			return genericMod(MulInt(a.a, floorMod(c, b)), b)
		}
	case *ModNode:
		if a.b%b == 0 {
			return ModInt(a.a, b)
		}
	case *SumNode:
		terms := make([]Node, 0, len(a.nodes))
		for _, x := range a.nodes {
			switch x := x.(type) {
			case *NumNode:
				terms = append(terms, Num(floorMod(x.b, b)))
			case *MulNode:
				if c, ok := x.IntB(); ok {
					terms = append(terms, MulInt(x.a, floorMod(c, b)))
				} else {
					terms = append(terms, x)
				}
			default:
				terms = append(terms, x)
			}
		}
		return genericMod(Sum(terms...), b)
	}
	return genericMod(a, b)
}

// genericMod builds a % b without further simplification of a. Negative ranges are shifted by a
// multiple of b first: the shifted sum must not go back through ModInt, which would fold the shift.
func genericMod(a Node, b int) Node {
	if a.Min() < 0 {
		a = AddInt(a, -floorDiv(a.Min(), b)*b)
	}
	if a.Min() >= 0 && a.Max() < b {
		return a
	}
	return newModNode(a, b)
}

// Lt returns a node that is 1 if a < b, 0 otherwise.
func Lt(a, b Node) Node {
	if bInt, ok := IsInt(b); ok {
		return LtInt(a, bInt)
	}
	return newLtNode(a, b)
}

// LtInt returns a node that is 1 if a < b, 0 otherwise.
//
// Constant multipliers are divided out, and for sums, when the non-multiplicative terms are
// bounded by the greatest common divisor of the multipliers, the comparison is rewritten
// over the divided terms. Both rewrites preserve the truth value for every value of the variables.
func LtInt(a Node, b int) Node {
	switch a := a.(type) {
	case *MulNode:
		c, ok := a.IntB()
		if !ok || c == -1 {
			break
		}
		sgn := 1
		if c < 0 {
			sgn = -1
		}
		return newLtNode(MulInt(a.a, sgn), Num(floorDiv(b+abs(c)-1, abs(c))))
	case *SumNode:
		return sumLt(a, b)
	}
	return newLtNode(a, Num(b))
}

func sumLt(s *SumNode, b int) Node {
	var nonConst []Node
	for _, x := range s.nodes {
		if num, ok := x.(*NumNode); ok {
			b -= num.b
		} else {
			nonConst = append(nonConst, x)
		}
	}
	lhs := Sum(nonConst...)
	nodes := []Node{lhs}
	if lhsSum, ok := lhs.(*SumNode); ok {
		nodes = lhsSum.nodes
	}
	var muls, others []Node
	g := b
	symbolicFactor := false
	for _, x := range nodes {
		m, ok := x.(*MulNode)
		if !ok {
			others = append(others, x)
			continue
		}
		c, isInt := m.IntB()
		if !isInt {
			symbolicFactor = true
			break
		}
		if c > 0 && m.Max() >= b {
			muls = append(muls, x)
			g = gcd(g, c)
		} else {
			others = append(others, x)
		}
	}
	if !symbolicFactor && len(muls) > 0 && g > 0 {
		allOthers := Sum(others...)
		if allOthers.Min() >= 0 && allOthers.Max() < g {
			divided := make([]Node, len(muls))
			for i, m := range muls {
				divided[i] = FloorDivInt(m, g)
			}
			lhs, b = Sum(divided...), b/g
		}
	}
	if _, ok := lhs.(*SumNode); ok {
		return newLtNode(lhs, Num(b))
	}
	return LtInt(lhs, b)
}

// Le returns a node that is 1 if a <= b.
func Le(a, b Node) Node { return Lt(a, AddInt(b, 1)) }

// LeInt returns a node that is 1 if a <= b.
func LeInt(a Node, b int) Node { return LtInt(a, b+1) }

// Gt returns a node that is 1 if a > b.
func Gt(a, b Node) Node { return Lt(Neg(a), Neg(b)) }

// GtInt returns a node that is 1 if a > b.
func GtInt(a Node, b int) Node { return LtInt(Neg(a), -b) }

// Ge returns a node that is 1 if a >= b.
func Ge(a, b Node) Node { return Lt(Neg(a), AddInt(Neg(b), 1)) }

// GeInt returns a node that is 1 if a >= b.
func GeInt(a Node, b int) Node { return LtInt(Neg(a), -b+1) }

// Ands returns the logical-and of the nodes. Nodes that are always true are dropped, and if any node is
// always false the result is the constant 0.
func Ands(nodes ...Node) Node {
	switch len(nodes) {
	case 0:
		return Num(1)
	case 1:
		return nodes[0]
	}
	var undecided []Node
	for _, n := range nodes {
		if n.Max() == 0 && n.Min() == 0 {
			return Num(0)
		}
		if n.Min() != n.Max() {
			undecided = append(undecided, n)
		}
	}
	switch len(undecided) {
	case 0:
		return Num(1)
	case 1:
		return undecided[0]
	}
	return newAndNode(undecided)
}

// Prod returns the product of the nodes, 1 if empty.
func Prod(nodes ...Node) Node {
	var p Node = Num(1)
	for _, n := range nodes {
		p = Mul(p, n)
	}
	return p
}

// Ints converts a list of ints to constant nodes.
func Ints(values ...int) []Node {
	nodes := make([]Node, len(values))
	for i, v := range values {
		nodes[i] = Num(v)
	}
	return nodes
}

// ToInts converts nodes to ints, if they are all constants.
func ToInts(nodes []Node) ([]int, bool) {
	values := make([]int, len(nodes))
	for i, n := range nodes {
		v, ok := IsInt(n)
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

// AllInt returns whether all nodes are constants.
func AllInt(nodes []Node) bool {
	_, ok := ToInts(nodes)
	return ok
}

// EqualSlices compares two lists of nodes structurally.
func EqualSlices(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
