// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package uops defines the micro-operations (UOps) of a linearized kernel, and the Graph used to emit
// them with common-subexpression elimination.
//
// A kernel is an ordered list of UOps. Each UOp references the UOps it depends on (Src), which always
// come before it in the list.
package uops

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/ops"
)

// Kind of UOp. It is a closed set: renderers must handle every kind or fail with an unsupported op error.
type Kind int

const (
	KindInvalid Kind = iota

	// KindLoop opens a loop over [Src[0], Src[1]). Arg is the name of the index variable. Its value is the
	// current index.
	KindLoop

	// KindEndLoop closes the loop Src[0].
	KindEndLoop

	// KindIf opens a block executed only if Src[0] is true.
	KindIf

	// KindEndIf closes the block Src[0].
	KindEndIf

	// KindSpecial is a hardware index (group or thread id). Arg is a SpecialArg.
	KindSpecial

	// KindDefineGlobal is a kernel parameter. Arg is a GlobalArg.
	KindDefineGlobal

	// KindDefineLocal is a buffer in memory shared within a thread group. Arg is a LocalArg.
	KindDefineLocal

	// KindDefineAcc is an accumulator register, initialized with Arg (float64).
	KindDefineAcc

	// KindLoad reads Src[0] (a buffer) at index Src[1]. If gated, Src[2] is the condition and Src[3]
	// the value used when it is false. A trailing Barrier or If operand orders the load after it.
	KindLoad

	// KindStore writes Src[2] to Src[0] at index Src[1], if the optional Src[3] is true.
	KindStore

	// KindConst is a constant. Arg is its value (float64).
	KindConst

	// KindBarrier synchronizes the thread group. Src are the stores it waits for.
	KindBarrier

	// KindALU applies an elementwise op. Arg is an ALUArg.
	KindALU

	// KindCast converts Src[0] to Type. With more than one operand, it packs them into a vector.
	KindCast

	// KindGEP extracts lane Arg (int) of the vector Src[0].
	KindGEP

	// KindWMMA multiplies register tiles (see WMMAArg). Src is the A tile (M*K values, row-major), the
	// B tile (K*N values, row-major) and the accumulator tile (M*N values, row-major). Its value is
	// the updated accumulator tile, a vector of M*N lanes.
	KindWMMA

	kindLast
)

var kindNames = [...]string{
	KindInvalid:      "Invalid",
	KindLoop:         "Loop",
	KindEndLoop:      "EndLoop",
	KindIf:           "If",
	KindEndIf:        "EndIf",
	KindSpecial:      "Special",
	KindDefineGlobal: "DefineGlobal",
	KindDefineLocal:  "DefineLocal",
	KindDefineAcc:    "DefineAcc",
	KindLoad:         "Load",
	KindStore:        "Store",
	KindConst:        "Const",
	KindBarrier:      "Barrier",
	KindALU:          "ALU",
	KindCast:         "Cast",
	KindGEP:          "GEP",
	KindWMMA:         "WMMA",
}

func (k Kind) String() string {
	if k < 0 || k >= kindLast {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// AllKinds returns all valid kinds.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, kindLast-1)
	for k := KindInvalid + 1; k < kindLast; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Type of the value of a UOp. The zero value means the UOp has no value.
type Type struct {
	DType dtypes.DType

	// Lanes is the vector width, 1 for scalars.
	Lanes int

	// Pointer is set for buffers.
	Pointer bool
}

// NoType is the Type of UOps without a value.
var NoType = Type{}

// Scalar returns the type of a scalar of the given dtype.
func Scalar(dtype dtypes.DType) Type { return Type{DType: dtype, Lanes: 1} }

// Vector returns the type of a vector of the given dtype.
func Vector(dtype dtypes.DType, lanes int) Type { return Type{DType: dtype, Lanes: lanes} }

// Pointer returns the type of a buffer of the given dtype.
func Pointer(dtype dtypes.DType) Type { return Type{DType: dtype, Lanes: 1, Pointer: true} }

// IsValid returns whether the type describes a value.
func (t Type) IsValid() bool { return t.Lanes > 0 }

// ScalarType returns the type of one lane.
func (t Type) ScalarType() Type { return Type{DType: t.DType, Lanes: 1} }

func (t Type) String() string {
	switch {
	case !t.IsValid():
		return "void"
	case t.Pointer:
		return "*" + t.DType.String()
	case t.Lanes > 1:
		return fmt.Sprintf("%sx%d", t.DType, t.Lanes)
	}
	return t.DType.String()
}

// ALUArg is the argument of KindALU.
type ALUArg struct {
	Op ops.OpType

	// Accumulate marks the update of an accumulator: the last operand is the current value of the
	// accumulator (its DefineAcc, or a previous update), and the result is written back to it.
	// With Op == ops.OpTypeNoop the accumulator is set to the first operand.
	Accumulate bool
}

func (a ALUArg) String() string {
	if a.Accumulate {
		return a.Op.String() + "=>acc"
	}
	return a.Op.String()
}

// SpecialArg is the argument of KindSpecial.
type SpecialArg struct {
	// Local is set for thread ids within a group, otherwise it is a group id.
	Local bool

	// Dim is the hardware dimension (0, 1 or 2).
	Dim  int
	Name string
	Size int
}

// GlobalArg is the argument of KindDefineGlobal.
type GlobalArg struct {
	Name string

	// Buffer is the index of the buffer in the kernel, or -1 for a symbolic variable (an int32 scalar).
	Buffer int
}

// LocalArg is the argument of KindDefineLocal.
type LocalArg struct {
	Name string
	Size int
}

// WMMAArg is the argument of KindWMMA.
type WMMAArg struct {
	Name    string
	M, N, K int
}

// UOp is one micro-operation. UOps are created by a Graph.
type UOp struct {
	Kind Kind
	Type Type
	Src  []*UOp
	Arg  any

	id int
}

// ID is the creation order of the UOp in its Graph. It is stable across runs.
func (u *UOp) ID() int { return u.id }

// IsConst returns whether u is a constant with the given value.
func (u *UOp) IsConst(value float64) bool {
	v, ok := u.Arg.(float64)
	return u.Kind == KindConst && ok && v == value
}

// ALU returns the argument of an ALU UOp.
func (u *UOp) ALU() (ALUArg, bool) {
	a, ok := u.Arg.(ALUArg)
	return a, ok && u.Kind == KindALU
}

// IsAccumulate returns whether u is an accumulator update.
func (u *UOp) IsAccumulate() bool {
	a, ok := u.ALU()
	return ok && a.Accumulate
}

// AccRoot returns the DefineAcc updated by u, following previous updates. It returns nil if u is not
// an accumulator or an accumulator update.
func (u *UOp) AccRoot() *UOp {
	for u.IsAccumulate() {
		u = u.Src[len(u.Src)-1]
	}
	if u.Kind != KindDefineAcc {
		return nil
	}
	return u
}

// Listing renders uops one per line, referencing operands by their position in the list.
// It is stable across runs and is used to compare linearizations.
func Listing(list []*UOp) []string {
	pos := make(map[*UOp]int, len(list))
	lines := make([]string, len(list))
	for i, u := range list {
		pos[u] = i
		src := make([]string, len(u.Src))
		for j, s := range u.Src {
			if p, found := pos[s]; found {
				src[j] = fmt.Sprint(p)
			} else {
				src[j] = "?"
			}
		}
		line := fmt.Sprintf("%4d %-12s %-10s [%s]", i, u.Kind, u.Type, strings.Join(src, ", "))
		if u.Arg != nil {
			line += fmt.Sprintf(" %v", u.Arg)
		}
		lines[i] = line
	}
	return lines
}
