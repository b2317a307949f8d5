// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/pkg/errors"
)

// ErrNotPushable is returned by PushMovementOps when a movement op can't be moved to the leaves without
// changing the result of the tree.
var ErrNotPushable = errors.New("movement op can't be pushed to the buffers")

// PushMovementOps returns an equivalent tree without movement ops: each movement op is applied to the
// ShapeTrackers of the buffer ops below it.
//
// Movement ops can't be pushed through reduce ops, and pads can only be pushed directly into buffer ops
// (padding an elementwise op would evaluate it on the padded zeros).
func PushMovementOps(n *Node) (*Node, error) {
	var firstErr error
	result := n.Replace(func(x *Node) *Node {
		if firstErr != nil || !x.Op.IsMovement() {
			return nil
		}
		src, err := PushMovementOps(x.Src[0])
		if err != nil {
			firstErr = err
			return x
		}
		pushed, err := applyMovement(src, x.Arg.(shapetracker.MovementOp))
		if err != nil {
			firstErr = err
			return x
		}
		return pushed
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

func applyMovement(x *Node, mop shapetracker.MovementOp) (*Node, error) {
	switch {
	case x.Op == OpTypeLoad:
		b := x.MemBuffer()
		st, err := mop.Apply(b.ST)
		if err != nil {
			return nil, err
		}
		return Load(b.Index, b.DType, st), nil
	case x.Op == OpTypeConst:
		b := x.ConstBuffer()
		st, err := mop.Apply(b.ST)
		if err != nil {
			return nil, err
		}
		return Const(b.Value, b.DType, st), nil
	case x.Op.IsElementwise():
		if _, isPad := mop.(shapetracker.PadOp); isPad {
			return nil, errors.Wrapf(ErrNotPushable, "%s through %s", mop, x.Op)
		}
		src := make([]*Node, len(x.Src))
		for i, s := range x.Src {
			var err error
			src[i], err = applyMovement(s, mop)
			if err != nil {
				return nil, err
			}
		}
		return newNode(x.Op, x.Arg, src...), nil
	}
	return nil, errors.Wrapf(ErrNotPushable, "%s through %s", mop, x.Op)
}
