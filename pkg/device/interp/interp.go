// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package interp implements a device that interprets linearized programs in Go.
//
// It is slow, but it executes every UOp kind a kernel without shared memory can produce, and it is
// used to check the numerical results of the optimized kernels. Values of every dtype are held as
// float64 and rounded to the dtype when cast or stored.
//
// It registers itself as device "interp". Its configuration is a comma separated list of:
//
//   - "local": launch dimensions are enabled (thread groups are executed sequentially).
//   - "nofloat4": disable vector loads and stores.
//   - "tc": expose a 4x4x4 float32 tensor core.
package interp

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/device"
	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the device.
const Name = "interp"

func init() {
	device.Register(Name, func(config string) (device.Device, error) { return NewWithConfig(config) })
}

// TensorCore exposed by the device with the "tc" configuration.
var TensorCore = kernel.TensorCore{Name: "wmma_4x4x4", M: 4, N: 4, K: 4, DTypeIn: dtypes.Float32, DTypeOut: dtypes.Float32}

// Device interprets programs. It is safe for concurrent use.
type Device struct {
	opts linearizer.Options
}

// Compile-time check.
var _ device.Device = (*Device)(nil)

// New returns an interpreter with the default configuration.
func New() *Device {
	return &Device{opts: linearizer.Options{SupportsFloat4: true}}
}

// NewWithConfig returns an interpreter configured by config, see package documentation.
func NewWithConfig(config string) (*Device, error) {
	d := New()
	for _, part := range strings.Split(config, ",") {
		switch strings.TrimSpace(part) {
		case "":
		case "local":
			d.opts.HasLocal = true
		case "nofloat4":
			d.opts.SupportsFloat4 = false
		case "tc":
			d.opts.TensorCores = []kernel.TensorCore{TensorCore}
		default:
			return nil, errors.Errorf("unknown %s device configuration %q", Name, part)
		}
	}
	return d, nil
}

// Name implements device.Device.
func (d *Device) Name() string { return Name }

// Options implements device.Device. The interpreter has no shared memory.
func (d *Device) Options() linearizer.Options { return d.opts }

// Allocate implements device.Device.
func (d *Device) Allocate(size int, dtype dtypes.DType) (device.RawBuffer, error) {
	return NewBuffer(size, dtype)
}

// Buffer is the interpreter's device.RawBuffer.
type Buffer struct {
	dtype dtypes.DType
	data  []float64
}

// Compile-time check.
var _ device.RawBuffer = (*Buffer)(nil)

// NewBuffer allocates a zero initialized buffer.
func NewBuffer(size int, dtype dtypes.DType) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("invalid buffer size %d", size)
	}
	if dtype == dtypes.InvalidDType {
		return nil, errors.New("invalid dtype for buffer")
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: allocating %s buffer of %s elements (%s)", Name, dtype, humanize.Comma(int64(size)),
			humanize.Bytes(uint64(size*dtype.Size())))
	}
	return &Buffer{dtype: dtype, data: make([]float64, size)}, nil
}

// FromValues returns a buffer holding values, rounded to dtype.
func FromValues(dtype dtypes.DType, values ...float64) *Buffer {
	b := &Buffer{dtype: dtype, data: make([]float64, len(values))}
	for i, v := range values {
		b.data[i] = round(v, dtype)
	}
	return b
}

// DType implements device.RawBuffer.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Size implements device.RawBuffer.
func (b *Buffer) Size() int { return len(b.data) }

// Release implements device.RawBuffer.
func (b *Buffer) Release() { b.data = nil }

// Values returns a copy of the contents of the buffer.
func (b *Buffer) Values() []float64 {
	values := make([]float64, len(b.data))
	copy(values, b.data)
	return values
}
