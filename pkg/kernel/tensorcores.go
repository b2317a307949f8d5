// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"github.com/gomlx/kernels/pkg/symbolic"
	"k8s.io/klog/v2"
)

type tcRole int

const (
	tcRoleM tcRole = iota
	tcRoleN
	tcRoleK
)

// ApplyTensorCores returns the kernel rewritten to use the tensor core tc for its reduction.
//
// It only applies to unoptimized kernels computing Sum(Mul(A, B)) (possibly with a cast between the
// Mul and the Sum) with A and B of dtype tc.DTypeIn and a result of dtype tc.DTypeOut. The M, N and K
// axes are upcasted (K is unrolled) by the tile sizes, and become the last 3 axes of the kernel, in
// this order. No further optimizations can be applied afterwards.
func (k *Kernel) ApplyTensorCores(tc TensorCore) (*Kernel, error) {
	if len(k.appliedOpts) > 0 || k.tensorCore != nil {
		return nil, reject("tensor cores must be applied to an unoptimized kernel")
	}
	a, b, ok := k.isMatmul()
	if !ok {
		return nil, reject("tensor cores: kernel is not a Sum(Mul(load, load))")
	}
	if a.DType() != tc.DTypeIn || b.DType() != tc.DTypeIn || k.reduceOp.DType() != tc.DTypeOut {
		return nil, reject("tensor cores: %s doesn't match dtypes %s * %s -> %s", tc, a.DType(), b.DType(), k.reduceOp.DType())
	}
	ia, ib := k.BufIndex(a), k.BufIndex(b)
	if ia == ib {
		return nil, reject("tensor cores: both operands are the same buffer")
	}

	nk := k.clone()
	steps := []struct {
		role   tcRole
		amount int
	}{{tcRoleM, tc.M}, {tcRoleN, tc.N}, {tcRoleK, tc.K}}
	for _, step := range steps {
		axis := nk.tensorCoreAxis(ia, ib, step.role, step.amount)
		if axis < 0 {
			return nil, reject("tensor cores: no axis for role %d divisible by %d", step.role, step.amount)
		}
		opt := Opt{Op: OptOpUpcast, Axis: axis, Amount: step.amount}
		if step.role == tcRoleK {
			opt = Opt{Op: OptOpUnroll, Axis: axis - nk.FirstReduce(), Amount: step.amount}
		}
		if err := nk.applyOpt(opt); err != nil {
			return nil, err
		}
	}
	nk.tensorCore = &tc
	if klog.V(2).Enabled() {
		klog.Infof("%s: applied tensor core %s", nk.Name(), tc)
	}
	return nk, nil
}

// tensorCoreAxis finds a non-upcasted axis playing the given role in the matmul of buffers ia and ib,
// whose size is divisible by amount. It returns -1 if there is none.
func (k *Kernel) tensorCoreAxis(ia, ib int, role tcRole, amount int) int {
	stridesA, stridesB := k.sts[ia].RealStrides(false), k.sts[ib].RealStrides(false)
	firstReduce := k.FirstReduce()
	start, end := 0, firstReduce
	if role == tcRoleK {
		start, end = firstReduce, k.ShapeLen()-k.upcasted
	}
	isZero := func(s symbolic.Node) bool { return s != nil && isIntEq(s, 0) }
	isStrided := func(s symbolic.Node) bool { return s != nil && !isIntEq(s, 0) }
	for ax := start; ax < end; ax++ {
		size, ok := symbolic.IsInt(k.FullShape()[ax])
		if !ok || size%amount != 0 {
			continue
		}
		sa, sb := stridesA[ax], stridesB[ax]
		switch role {
		case tcRoleM:
			ok = isStrided(sa) && isZero(sb)
		case tcRoleN:
			ok = isZero(sa) && isStrided(sb)
		case tcRoleK:
			ok = isStrided(sa) && isStrided(sb)
		}
		if ok {
			return ax
		}
	}
	return -1
}
