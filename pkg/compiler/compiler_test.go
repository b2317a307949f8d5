// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/internal/testkernels"
	"github.com/gomlx/kernels/pkg/device"
	"github.com/gomlx/kernels/pkg/device/interp"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// limitedDevice is an interpreter with launch dimension limits.
type limitedDevice struct {
	*interp.Device
	globalMax, localMax []int
}

func (d *limitedDevice) Options() linearizer.Options {
	opts := d.Device.Options()
	opts.GlobalMax, opts.LocalMax = d.globalMax, d.localMax
	return opts
}

// matmulInputs returns the inputs of an M x K by K x N matmul and the expected result.
func matmulInputs(M, N, K int) (a, b, want []float64) {
	a, b, want = make([]float64, M*K), make([]float64, K*N), make([]float64, M*N)
	for i := range a {
		a[i] = float64(i%5 - 2)
	}
	for i := range b {
		b[i] = float64(i%3 - 1)
	}
	for m := range M {
		for n := range N {
			for k := range K {
				want[m*N+n] += a[m*K+k] * b[k*N+n]
			}
		}
	}
	return
}

// runMatmul runs a compiled matmul and returns its output.
func runMatmul(t *testing.T, compiled *Compiled, a, b []float64) []float64 {
	prog := compiled.Program
	out := must.M1(interp.NewBuffer(prog.Buffers[0].Size, prog.Buffers[0].DType))
	bufs := []device.RawBuffer{out, interp.FromValues(dtypes.Float32, a...), interp.FromValues(dtypes.Float32, b...)}
	defer device.Release(bufs...)
	_, err := compiled.Run(context.Background(), bufs)
	require.NoError(t, err)
	return out.Values()
}

func TestCompile(t *testing.T) {
	const M, N, K = 8, 8, 8
	a, b, want := matmulInputs(M, N, K)
	tcDev := must.M1(interp.NewWithConfig("tc"))
	for _, tc := range []struct {
		name   string
		dev    device.Device
		config string
	}{
		{"none", interp.New(), "opt=none"},
		{"hand", interp.New(), "opt=hand"},
		{"hand-local", must.M1(interp.NewWithConfig("local")), "opt=hand"},
		{"tensor-cores", tcDev, "opt=hand"},
		{"no-tensor-cores", tcDev, "opt=hand,tc=false"},
		{"beam", interp.New(), "beam=2,parallel=2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := must.M1(DefaultConfig().Parse(tc.config))
			c := must.M1(New(tc.dev, cfg))
			compiled, err := c.Compile(context.Background(), Request{AST: testkernels.Matmul(M, N, K)})
			require.NoError(t, err)
			assert.False(t, compiled.Unoptimized)
			switch tc.name {
			case "none":
				assert.Empty(t, compiled.Kernel.AppliedOpts())
			case "tensor-cores":
				require.NotNil(t, compiled.Kernel.TensorCore())
				assert.Equal(t, interp.TensorCore.Name, compiled.Kernel.TensorCore().Name)
			case "no-tensor-cores":
				assert.Nil(t, compiled.Kernel.TensorCore())
			}
			assert.Equal(t, want, runMatmul(t, compiled, a, b))
		})
	}
}

func TestCompileFallback(t *testing.T) {
	// Hand-coded optimizations use local dimensions that exceed the limit, so the unoptimized kernel is
	// used.
	dev := &limitedDevice{Device: must.M1(interp.NewWithConfig("local")), localMax: []int{1, 1, 1}}
	c := must.M1(New(dev, DefaultConfig()))
	compiled, err := c.Compile(context.Background(), Request{AST: testkernels.Add(64)})
	require.NoError(t, err)
	assert.True(t, compiled.Unoptimized)
	assert.Empty(t, compiled.Kernel.AppliedOpts())
	assert.Empty(t, compiled.Program.LocalSize)

	// If the unoptimized kernel also fails, the error reports the op tree.
	dev.globalMax = []int{1}
	c = must.M1(New(dev, DefaultConfig()))
	_, err = c.Compile(context.Background(), Request{AST: testkernels.Add(64)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCompilation))
	assert.True(t, errors.Is(err, linearizer.ErrLinearization))
	var compErr *CompilationError
	require.True(t, errors.As(err, &compErr))
	assert.Equal(t, testkernels.Add(64).Tree(), compErr.Tree)
	assert.NotEmpty(t, compErr.Opts)
	assert.Contains(t, err.Error(), "op tree:")
}

func TestCompileAll(t *testing.T) {
	c := must.M1(New(interp.New(), DefaultConfig()))
	reqs := []Request{
		{AST: testkernels.Matmul(4, 4, 4)},
		{AST: nil},
		{AST: testkernels.Add(16)},
		{AST: testkernels.RowReduce(ops.OpTypeReduceMax, 4, 8)},
	}
	compiled, err := c.CompileAll(context.Background(), reqs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request 1")
	require.Len(t, compiled, len(reqs))
	for i, k := range compiled {
		if i == 1 {
			assert.Nil(t, k)
			continue
		}
		require.NotNil(t, k, "request %d", i)
		assert.Same(t, reqs[i].AST, k.Request.AST)
	}
}

func TestRealize(t *testing.T) {
	const n = 16
	dev := interp.New()
	c := must.M1(New(dev, DefaultConfig()))
	st := shapetracker.FromInts(n)
	values := func(offset float64) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = float64(i) + offset
		}
		return v
	}
	a := ops.NewRealized(dev.Name(), dtypes.Float32, st, interp.FromValues(dtypes.Float32, values(0)...))
	b := ops.NewRealized(dev.Name(), dtypes.Float32, st, interp.FromValues(dtypes.Float32, values(0.5)...))
	sum := ops.Binary(ops.OpTypeAdd, ops.Load(1, dtypes.Float32, st), ops.Load(2, dtypes.Float32, st))
	out := ops.NewPending(dev.Name(), dtypes.Float32, st, sum, a, b)
	assert.Equal(t, 1, a.NumConsumers())

	require.NoError(t, c.Realize(context.Background(), out, nil))
	require.True(t, out.IsRealized())
	assert.Equal(t, 0, a.NumConsumers())
	got := out.Source().(*ops.Realized).Raw.(*interp.Buffer).Values()
	for i := range n {
		assert.Equal(t, 2*float64(i)+0.5, got[i])
	}

	// Realized buffers and buffers with pending inputs can't be realized.
	assert.Error(t, c.Realize(context.Background(), out, nil))
	pending := ops.NewPending(dev.Name(), dtypes.Float32, st, sum, out, ops.NewPending(dev.Name(), dtypes.Float32, st, sum, a, b))
	assert.Error(t, c.Realize(context.Background(), pending, nil))

	// Inputs must be on the compiler's device.
	other := ops.NewRealized("gpu", dtypes.Float32, st, interp.FromValues(dtypes.Float32, values(0)...))
	pending = ops.NewPending(dev.Name(), dtypes.Float32, st, sum, a, other)
	assert.Error(t, c.Realize(context.Background(), pending, nil))
}

func TestRealizePadded(t *testing.T) {
	const n, pad = 3, 5
	dev := interp.New()
	for _, config := range []string{"opt=none", "opt=hand", "beam=2"} {
		t.Run(config, func(t *testing.T) {
			c := must.M1(New(dev, must.M1(DefaultConfig().Parse(config))))
			aValues := []float64{1, 2, 3}
			bValues := make([]float64, n+pad)
			for i := range bValues {
				bValues[i] = float64(10 * i)
			}
			a := ops.NewRealized(dev.Name(), dtypes.Float32, shapetracker.FromInts(n), interp.FromValues(dtypes.Float32, aValues...))
			st := shapetracker.FromInts(n + pad)
			b := ops.NewRealized(dev.Name(), dtypes.Float32, st, interp.FromValues(dtypes.Float32, bValues...))
			padded := must.M1(shapetracker.FromInts(n).Pad(shapetracker.Pads(0, pad)))
			sum := ops.Binary(ops.OpTypeAdd, ops.Load(1, dtypes.Float32, padded), ops.Load(2, dtypes.Float32, st))
			out := ops.NewPending(dev.Name(), dtypes.Float32, st, sum, a, b)

			require.NoError(t, c.Realize(context.Background(), out, nil))
			got := out.Source().(*ops.Realized).Raw.(*interp.Buffer).Values()
			want := make([]float64, n+pad)
			for i := range want {
				want[i] = bValues[i]
				if i < n {
					want[i] += aValues[i]
				}
			}
			assert.Equal(t, want, got[:n+pad])
		})
	}
}
