// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symbolic

import (
	"sort"

	"github.com/pkg/errors"
)

// Vars returns the distinct variables used in the expression, sorted by their Key.
func Vars(nodes ...Node) []*Variable {
	found := make(map[string]*Variable)
	var visit func(n Node)
	visit = func(n Node) {
		switch n := n.(type) {
		case *Variable:
			found[n.key] = n
		case *MulNode:
			visit(n.a)
			visit(n.b)
		case *DivNode:
			visit(n.a)
		case *ModNode:
			visit(n.a)
		case *LtNode:
			visit(n.a)
			visit(n.b)
		case *SumNode:
			for _, x := range n.nodes {
				visit(x)
			}
		case *AndNode:
			for _, x := range n.nodes {
				visit(x)
			}
		}
	}
	for _, n := range nodes {
		visit(n)
	}
	vars := make([]*Variable, 0, len(found))
	for _, v := range found {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].key < vars[j].key })
	return vars
}

// HasVar returns whether the variable with the given name is used in the expression.
func HasVar(n Node, name string) bool {
	for _, v := range Vars(n) {
		if v.name == name {
			return true
		}
	}
	return false
}

// Substitute replaces variables (by name) with the given nodes, and re-simplifies the expression.
func Substitute(n Node, replacements map[string]Node) Node {
	if len(replacements) == 0 {
		return n
	}
	switch n := n.(type) {
	case *NumNode:
		return n
	case *Variable:
		if r, found := replacements[n.name]; found {
			return r
		}
		return n
	case *MulNode:
		return Mul(Substitute(n.a, replacements), Substitute(n.b, replacements))
	case *DivNode:
		return FloorDivInt(Substitute(n.a, replacements), n.b)
	case *ModNode:
		return ModInt(Substitute(n.a, replacements), n.b)
	case *LtNode:
		return Lt(Substitute(n.a, replacements), Substitute(n.b, replacements))
	case *SumNode:
		terms := make([]Node, len(n.nodes))
		for i, x := range n.nodes {
			terms[i] = Substitute(x, replacements)
		}
		return Sum(terms...)
	case *AndNode:
		terms := make([]Node, len(n.nodes))
		for i, x := range n.nodes {
			terms[i] = Substitute(x, replacements)
		}
		return Ands(terms...)
	}
	panicf("Substitute: unknown node type %T", n)
	return nil
}

// Evaluate computes the value of the expression. Variables are looked up by name in env, and if not
// there, their bound value (see Variable.Bind) is used.
//
// Division and modulo use floor semantics.
func Evaluate(n Node, env map[string]int) (int, error) {
	switch n := n.(type) {
	case *NumNode:
		return n.b, nil
	case *Variable:
		if v, found := env[n.name]; found {
			return v, nil
		}
		if n.hasVal {
			return n.val, nil
		}
		return 0, errors.Errorf("Evaluate: no value for variable %s", n.key)
	case *MulNode:
		a, err := Evaluate(n.a, env)
		if err != nil {
			return 0, err
		}
		b, err := Evaluate(n.b, env)
		if err != nil {
			return 0, err
		}
		return a * b, nil
	case *DivNode:
		a, err := Evaluate(n.a, env)
		if err != nil {
			return 0, err
		}
		return floorDiv(a, n.b), nil
	case *ModNode:
		a, err := Evaluate(n.a, env)
		if err != nil {
			return 0, err
		}
		return floorMod(a, n.b), nil
	case *LtNode:
		a, err := Evaluate(n.a, env)
		if err != nil {
			return 0, err
		}
		b, err := Evaluate(n.b, env)
		if err != nil {
			return 0, err
		}
		if a < b {
			return 1, nil
		}
		return 0, nil
	case *SumNode:
		total := 0
		for _, x := range n.nodes {
			v, err := Evaluate(x, env)
			if err != nil {
				return 0, err
			}
			total += v
		}
		return total, nil
	case *AndNode:
		for _, x := range n.nodes {
			v, err := Evaluate(x, env)
			if err != nil {
				return 0, err
			}
			if v == 0 {
				return 0, nil
			}
		}
		return 1, nil
	}
	return 0, errors.Errorf("Evaluate: unknown node type %T", n)
}

// IterIdxs enumerates all combinations of values of the given nodes, each in its [Min, Max] range.
// The first node changes fastest.
func IterIdxs(idxs []Node) [][]int {
	combos := [][]int{make([]int, len(idxs))}
	for i, idx := range idxs {
		combos[0][i] = idx.Min()
	}
	for i, idx := range idxs {
		if idx.Min() == idx.Max() {
			continue
		}
		next := make([][]int, 0, len(combos)*(idx.Max()-idx.Min()+1))
		for v := idx.Min(); v <= idx.Max(); v++ {
			for _, c := range combos {
				nc := append([]int(nil), c...)
				nc[i] = v
				next = append(next, nc)
			}
		}
		combos = next
	}
	// Reorder so that the first index changes fastest.
	sort.SliceStable(combos, func(a, b int) bool {
		for i := len(idxs) - 1; i >= 0; i-- {
			if combos[a][i] != combos[b][i] {
				return combos[a][i] < combos[b][i]
			}
		}
		return false
	})
	return combos
}

// Expand enumerates n for all values of the variables in idxs (see IterIdxs for the order).
// Entries of idxs that are constants are kept fixed.
func Expand(n Node, idxs []Node) []Node {
	combos := IterIdxs(idxs)
	result := make([]Node, len(combos))
	for i, combo := range combos {
		replacements := make(map[string]Node, len(idxs))
		for j, idx := range idxs {
			if v, ok := idx.(*Variable); ok {
				replacements[v.name] = Num(combo[j])
			}
		}
		result[i] = Substitute(n, replacements)
	}
	return result
}
