// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapetracker

import (
	"fmt"

	"github.com/gomlx/kernels/pkg/symbolic"
)

// MovementOp is one recorded movement operation. It is a closed set of types:
// ReshapeOp, PermuteOp, ExpandOp, PadOp, ShrinkOp, StrideOp and AsStridedOp.
type MovementOp interface {
	// Apply the movement op to the tracker.
	Apply(st *ShapeTracker) (*ShapeTracker, error)

	fmt.Stringer
	isMovementOp()
}

type (
	// ReshapeOp reshapes to Shape.
	ReshapeOp struct{ Shape []symbolic.Node }

	// PermuteOp permutes the axes.
	PermuteOp struct{ Axes []int }

	// ExpandOp broadcasts to Shape.
	ExpandOp struct{ Shape []symbolic.Node }

	// PadOp pads each axis.
	PadOp struct{ Padding []Padding }

	// ShrinkOp restricts each axis to a range.
	ShrinkOp struct{ Ranges []Interval }

	// StrideOp resamples each axis.
	StrideOp struct{ Multipliers []int }

	// AsStridedOp replaces the layout by an affine view over the flat buffer.
	AsStridedOp struct {
		Shape, Strides []symbolic.Node
		Offset         symbolic.Node
	}
)

func (ReshapeOp) isMovementOp()   {}
func (PermuteOp) isMovementOp()   {}
func (ExpandOp) isMovementOp()    {}
func (PadOp) isMovementOp()       {}
func (ShrinkOp) isMovementOp()    {}
func (StrideOp) isMovementOp()    {}
func (AsStridedOp) isMovementOp() {}

func (op ReshapeOp) Apply(st *ShapeTracker) (*ShapeTracker, error)   { return st.Reshape(op.Shape...) }
func (op PermuteOp) Apply(st *ShapeTracker) (*ShapeTracker, error)   { return st.Permute(op.Axes...) }
func (op ExpandOp) Apply(st *ShapeTracker) (*ShapeTracker, error)    { return st.Expand(op.Shape...) }
func (op PadOp) Apply(st *ShapeTracker) (*ShapeTracker, error)       { return st.Pad(op.Padding...) }
func (op ShrinkOp) Apply(st *ShapeTracker) (*ShapeTracker, error)    { return st.Shrink(op.Ranges...) }
func (op StrideOp) Apply(st *ShapeTracker) (*ShapeTracker, error)    { return st.Stride(op.Multipliers...) }
func (op AsStridedOp) Apply(st *ShapeTracker) (*ShapeTracker, error) { return st.AsStrided(op.Shape, op.Strides, op.Offset) }

func (op ReshapeOp) String() string { return "Reshape" + nodesString(op.Shape) }
func (op PermuteOp) String() string { return fmt.Sprintf("Permute%v", op.Axes) }
func (op ExpandOp) String() string  { return "Expand" + nodesString(op.Shape) }
func (op PadOp) String() string     { return fmt.Sprintf("Pad%v", op.Padding) }
func (op ShrinkOp) String() string  { return fmt.Sprintf("Shrink%v", op.Ranges) }
func (op StrideOp) String() string  { return fmt.Sprintf("Stride%v", op.Multipliers) }
func (op AsStridedOp) String() string {
	return fmt.Sprintf("AsStrided(%s, %s, %s)", nodesString(op.Shape), nodesString(op.Strides), op.Offset)
}

// Replay applies the movement ops in order.
func (st *ShapeTracker) Replay(ops []MovementOp) (*ShapeTracker, error) {
	var err error
	for _, op := range ops {
		st, err = op.Apply(st)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

// ToMovementOps returns a sequence of movement ops that, applied to a contiguous flat tracker of the
// underlying buffer, reproduces this tracker.
//
// For each view, the sequence is: an AsStridedOp with the offset and the valid (unmasked) extent,
// then the pads of the non-broadcast axes, then the expansion of the broadcast axes, and lastly the pads
// of the broadcast axes.
func (st *ShapeTracker) ToMovementOps() []MovementOp {
	var ops []MovementOp
	for _, v := range st.views {
		rank := len(v.shape)
		realShape := make([]symbolic.Node, rank)
		realOffset := v.offset
		for i := range rank {
			if v.mask != nil {
				realShape[i] = v.mask[i].Len()
				realOffset = symbolic.Add(realOffset, symbolic.Mul(v.mask[i].Lo, v.strides[i]))
			} else {
				realShape[i] = v.shape[i]
			}
		}
		stridedShape := make([]symbolic.Node, rank)
		for i, s := range realShape {
			if isIntEq(v.strides[i], 0) {
				stridedShape[i] = symbolic.Num(1)
			} else {
				stridedShape[i] = s
			}
		}
		ops = append(ops, AsStridedOp{Shape: stridedShape, Strides: v.strides, Offset: realOffset})

		var postPads []Padding
		if v.mask != nil {
			prePads := make([]Padding, rank)
			postPads = make([]Padding, rank)
			var hasPre bool
			for i, m := range v.mask {
				pad := Padding{m.Lo, symbolic.Sub(v.shape[i], m.Hi)}
				if isIntEq(v.strides[i], 0) {
					prePads[i], postPads[i] = Pads(0, 0), pad
				} else {
					prePads[i], postPads[i] = pad, Pads(0, 0)
					hasPre = hasPre || !isZeroPadding(pad)
				}
			}
			if hasPre {
				ops = append(ops, PadOp{Padding: prePads})
				for i, p := range prePads {
					realShape[i] = symbolic.Sum(realShape[i], p.Before, p.After)
				}
			}
		}
		for i, s := range realShape {
			if !isIntEq(s, 1) && isIntEq(v.strides[i], 0) {
				ops = append(ops, ExpandOp{Shape: realShape})
				break
			}
		}
		for _, p := range postPads {
			if !isZeroPadding(p) {
				ops = append(ops, PadOp{Padding: postPads})
				break
			}
		}
	}
	return ops
}

func isZeroPadding(p Padding) bool { return isIntEq(p.Before, 0) && isIntEq(p.After, 0) }
