// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package uops

// hoistable returns whether u is a pure value that can be moved right after its last operand.
//
// Accumulator reads are pinned: their value depends on where they are in the loop nest, not only on
// their operands.
func hoistable(u *UOp) bool {
	switch u.Kind {
	case KindConst, KindCast, KindGEP:
	case KindALU:
		if u.IsAccumulate() {
			return false
		}
	case KindLoad:
		if u.Src[0].Kind != KindDefineGlobal {
			return false
		}
	default:
		return false
	}
	for _, s := range u.Src {
		if s.Kind == KindDefineAcc || s.IsAccumulate() || s.Kind == KindBarrier {
			return false
		}
	}
	return true
}

func isPreamble(u *UOp) bool {
	return u.Kind == KindDefineGlobal || u.Kind == KindDefineLocal || u.Kind == KindSpecial
}

// Hoist moves loop invariant values out of the loops (and If blocks) they were emitted in: each pure
// UOp is moved right after the last of its operands, after values already hoisted there.
// Operands always precede their users in the result.
func Hoist(list []*UOp) []*UOp {
	result := make([]*UOp, 0, len(list))
	moved := make(map[*UOp]bool)
	for _, u := range list {
		if !hoistable(u) {
			result = append(result, u)
			continue
		}
		// Find the insertion point: after the last operand, or after the preamble.
		pos := 0
		for pos < len(result) && isPreamble(result[pos]) {
			pos++
		}
		for i := len(result) - 1; i >= pos; i-- {
			if isOperandOf(result[i], u) {
				pos = i + 1
				break
			}
		}
		for pos < len(result) && moved[result[pos]] {
			pos++
		}
		moved[u] = true
		result = append(result, nil)
		copy(result[pos+1:], result[pos:])
		result[pos] = u
	}
	return result
}

func isOperandOf(s, u *UOp) bool {
	for _, x := range u.Src {
		if x == s {
			return true
		}
	}
	return false
}

// hasEffect returns whether u must be kept even if nothing uses its value.
func hasEffect(u *UOp) bool {
	switch u.Kind {
	case KindStore, KindBarrier, KindLoop, KindEndLoop, KindIf, KindEndIf, KindDefineGlobal, KindWMMA:
		return true
	}
	return false
}

// DCE removes UOps whose values are not used, directly or transitively, by a UOp with side effects.
func DCE(list []*UOp) []*UOp {
	live := make(map[*UOp]bool, len(list))
	var mark func(u *UOp)
	mark = func(u *UOp) {
		if live[u] {
			return
		}
		live[u] = true
		for _, s := range u.Src {
			mark(s)
		}
	}
	for _, u := range list {
		if hasEffect(u) {
			mark(u)
		}
	}
	result := make([]*UOp, 0, len(live))
	for _, u := range list {
		if live[u] {
			result = append(result, u)
		}
	}
	return result
}
