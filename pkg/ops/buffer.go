// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/pkg/errors"
)

// Allocation is a realized device allocation backing a Buffer.
type Allocation interface {
	// Size in number of elements.
	Size() int

	// DType of the elements.
	DType() dtypes.DType
}

// Source of a Buffer's contents: either *Pending or *Realized.
type Source interface {
	isSource()
}

// Pending is the Source of a Buffer that hasn't been computed yet.
//
// Op is the op tree computing the buffer. Its Load ops with index i >= 1 read Inputs[i-1].
type Pending struct {
	Op     *Node
	Inputs []*Buffer
}

// Realized is the Source of a Buffer that has a device allocation.
type Realized struct {
	Raw Allocation
}

func (*Pending) isSource()  {}
func (*Realized) isSource() {}

// Buffer is the logical tensor handle of the scheduling layer: a device, a dtype, a ShapeTracker, and
// the Source of its contents.
//
// Buffers also keep the set of buffers whose pending ops read them. This is a non-owning observer set,
// used to decide whether an intermediate result is shared. Buffers are not safe for concurrent mutation.
type Buffer struct {
	Device string
	DType  dtypes.DType
	ST     *shapetracker.ShapeTracker

	source    Source
	consumers map[*Buffer]struct{}
}

// NewRealized returns a buffer backed by the given allocation.
func NewRealized(device string, dtype dtypes.DType, st *shapetracker.ShapeTracker, raw Allocation) *Buffer {
	return &Buffer{Device: device, DType: dtype, ST: st, source: &Realized{Raw: raw}}
}

// NewPending returns a buffer computed by op from inputs, and registers it as a consumer of each input.
func NewPending(device string, dtype dtypes.DType, st *shapetracker.ShapeTracker, op *Node, inputs ...*Buffer) *Buffer {
	b := &Buffer{Device: device, DType: dtype, ST: st, source: &Pending{Op: op, Inputs: inputs}}
	for _, in := range inputs {
		in.addConsumer(b)
	}
	return b
}

// Source returns the current source of the buffer contents.
func (b *Buffer) Source() Source { return b.source }

// IsRealized returns whether the buffer has a device allocation.
func (b *Buffer) IsRealized() bool {
	_, ok := b.source.(*Realized)
	return ok
}

// Realize replaces the pending op by its computed allocation, and unregisters the buffer as a consumer of
// its inputs.
func (b *Buffer) Realize(raw Allocation) error {
	pending, ok := b.source.(*Pending)
	if !ok {
		return errors.New("Buffer.Realize: buffer is already realized")
	}
	if raw.Size() < b.ST.Size() {
		return errors.Errorf("Buffer.Realize: allocation has %d elements, buffer needs %d", raw.Size(), b.ST.Size())
	}
	for _, in := range pending.Inputs {
		in.removeConsumer(b)
	}
	b.source = &Realized{Raw: raw}
	return nil
}

func (b *Buffer) addConsumer(c *Buffer) {
	if b.consumers == nil {
		b.consumers = make(map[*Buffer]struct{})
	}
	b.consumers[c] = struct{}{}
}

func (b *Buffer) removeConsumer(c *Buffer) { delete(b.consumers, c) }

// NumConsumers returns the number of pending buffers that read this one.
func (b *Buffer) NumConsumers() int { return len(b.consumers) }

// IsShared returns whether more than one pending buffer reads this one, in which case it can't be
// rewritten in place or fused into a single consumer.
func (b *Buffer) IsShared() bool { return len(b.consumers) > 1 }
