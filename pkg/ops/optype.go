// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import "fmt"

// OpType enumerates the operations of an op tree. It is a closed set: consumers (kernel, linearizer)
// switch exhaustively over the groups below.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// Unary ops.
	OpTypeNeg
	OpTypeExp2
	OpTypeLog2
	OpTypeSin
	OpTypeSqrt
	OpTypeCast
	OpTypeNoop

	// Binary ops.
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeDiv
	OpTypeMax
	OpTypeCmpLt
	OpTypeMod

	// Ternary ops.
	OpTypeMulAcc
	OpTypeWhere

	// Reduce ops: Arg is the reduced shape ([]symbolic.Node).
	OpTypeSum
	OpTypeReduceMax

	// Buffer ops: Arg is a *MemBuffer (Load, Store) or a *ConstBuffer (Const).
	OpTypeLoad
	OpTypeConst
	OpTypeStore

	// Movement ops: Arg is a shapetracker.MovementOp.
	OpTypeReshape
	OpTypePermute
	OpTypeExpand
	OpTypePad
	OpTypeShrink
	OpTypeStride

	opTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:   "Invalid",
	OpTypeNeg:       "Neg",
	OpTypeExp2:      "Exp2",
	OpTypeLog2:      "Log2",
	OpTypeSin:       "Sin",
	OpTypeSqrt:      "Sqrt",
	OpTypeCast:      "Cast",
	OpTypeNoop:      "Noop",
	OpTypeAdd:       "Add",
	OpTypeSub:       "Sub",
	OpTypeMul:       "Mul",
	OpTypeDiv:       "Div",
	OpTypeMax:       "Max",
	OpTypeCmpLt:     "CmpLt",
	OpTypeMod:       "Mod",
	OpTypeMulAcc:    "MulAcc",
	OpTypeWhere:     "Where",
	OpTypeSum:       "Sum",
	OpTypeReduceMax: "ReduceMax",
	OpTypeLoad:      "Load",
	OpTypeConst:     "Const",
	OpTypeStore:     "Store",
	OpTypeReshape:   "Reshape",
	OpTypePermute:   "Permute",
	OpTypeExpand:    "Expand",
	OpTypePad:       "Pad",
	OpTypeShrink:    "Shrink",
	OpTypeStride:    "Stride",
}

func (op OpType) String() string {
	if op < 0 || op >= opTypeLast {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// IsUnary returns whether op takes one operand and is applied elementwise.
func (op OpType) IsUnary() bool { return op >= OpTypeNeg && op <= OpTypeNoop }

// IsBinary returns whether op takes two operands and is applied elementwise.
func (op OpType) IsBinary() bool { return op >= OpTypeAdd && op <= OpTypeMod }

// IsTernary returns whether op takes three operands and is applied elementwise.
func (op OpType) IsTernary() bool { return op == OpTypeMulAcc || op == OpTypeWhere }

// IsElementwise returns whether op is a unary, binary or ternary op.
func (op OpType) IsElementwise() bool { return op.IsUnary() || op.IsBinary() || op.IsTernary() }

// IsReduce returns whether op is a reduction.
func (op OpType) IsReduce() bool { return op == OpTypeSum || op == OpTypeReduceMax }

// IsBuffer returns whether op reads or writes a buffer.
func (op OpType) IsBuffer() bool { return op >= OpTypeLoad && op <= OpTypeStore }

// IsMovement returns whether op is a movement op.
func (op OpType) IsMovement() bool { return op >= OpTypeReshape && op <= OpTypeStride }
