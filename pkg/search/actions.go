// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"github.com/gomlx/kernels/pkg/kernel"
)

// Actions are the optimizations tried on each kernel of the beam at every round of the search.
// Amount 0 means the whole axis.
var Actions = buildActions()

func buildActions() []kernel.Opt {
	var actions []kernel.Opt
	add := func(op kernel.OptOp, axes int, amounts ...int) {
		for _, amount := range amounts {
			for axis := range axes {
				actions = append(actions, kernel.Opt{Op: op, Axis: axis, Amount: amount})
			}
		}
	}
	add(kernel.OptOpUpcast, 6, 0, 2, 3, 4, 5, 7)
	add(kernel.OptOpUnroll, 5, 0, 4, 7)
	add(kernel.OptOpLocal, 6, 2, 3, 4, 8, 13, 16, 29)
	add(kernel.OptOpGroupTop, 3, 13, 16, 28, 29, 32, 49, 64, 256)
	add(kernel.OptOpGroup, 3, 0, 4, 8, 16)
	add(kernel.OptOpPadTo, 7, 32)
	return actions
}

// MaxVolume bounds the upcasted and local volumes of the candidates, regardless of the target limits.
const MaxVolume = 256

// Candidate is a kernel derived from another by one optimization.
type Candidate struct {
	// Opt applied. For tensor cores, it is the zero Opt and Kernel.TensorCore() is set.
	Opt    kernel.Opt
	Kernel *kernel.Kernel
}

// KernelActions returns the valid kernels derived from k by one of the Actions, in the order of
// Actions. Kernels without optimizations are also offered each of the target's tensor cores.
func KernelActions(k *kernel.Kernel) []Candidate {
	var candidates []Candidate
	if len(k.AppliedOpts()) == 0 && k.TensorCore() == nil {
		for _, tc := range k.Options().TensorCores {
			if nk, err := k.ApplyTensorCores(tc); err == nil {
				candidates = append(candidates, Candidate{Kernel: nk})
			}
		}
	}
	for _, opt := range Actions {
		nk, err := k.ApplyOpt(opt)
		if err != nil {
			continue
		}
		upcast, local := volumes(nk)
		if upcast > MaxVolume || local > MaxVolume {
			continue
		}
		candidates = append(candidates, Candidate{Opt: opt, Kernel: nk})
	}
	return candidates
}

// volumes returns the products of the upcasted axes and of the local and grouped axes.
func volumes(k *kernel.Kernel) (upcast, local int) {
	upcast, local = 1, 1
	full := k.FullShape()
	for i, color := range k.Colors() {
		switch color {
		case kernel.ColorUpcast, kernel.ColorUpcastReduce:
			upcast *= full[i].Max()
		case kernel.ColorLocal, kernel.ColorGroup, kernel.ColorUpcastMid:
			local *= full[i].Max()
		}
	}
	return
}
