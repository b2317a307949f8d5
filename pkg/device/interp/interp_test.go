// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/internal/testkernels"
	"github.com/gomlx/kernels/pkg/device"
	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/uops"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// input returns the value of element i of input buffer b.
func input(b, i int) float64 {
	return float64((i*(b+2))%7 - 3)
}

// run linearizes and executes k, with inputs given by the input function. It returns the output.
func run(t *testing.T, dev *Device, k *kernel.Kernel) []float64 {
	prog, err := linearizer.Linearize(k)
	require.NoError(t, err)
	runner, err := dev.Compile(prog)
	require.NoError(t, err)
	bufs := make([]device.RawBuffer, len(prog.Buffers))
	for i, param := range prog.Buffers {
		if param.Index == 0 {
			bufs[i] = must.M1(NewBuffer(param.Size, param.DType))
			continue
		}
		values := make([]float64, param.Size)
		for j := range values {
			values[j] = input(param.Index, j)
		}
		bufs[i] = FromValues(param.DType, values...)
	}
	defer device.Release(bufs...)
	_, err = runner.Execute(context.Background(), bufs, nil)
	require.NoError(t, err)
	return bufs[0].(*Buffer).Values()
}

func TestMatmul(t *testing.T) {
	const M, N, K = 8, 8, 8
	want := make([]float64, M*N)
	for m := range M {
		for n := range N {
			for k := range K {
				want[m*N+n] += input(1, m*K+k) * input(2, k*N+n)
			}
		}
	}

	dev := New()
	local := must.M1(NewWithConfig("local"))
	tcDev := must.M1(NewWithConfig("tc"))
	testCases := []struct {
		name string
		dev  *Device
		opts []kernel.Opt
	}{
		{"unoptimized", dev, nil},
		{"upcast+unroll", dev, []kernel.Opt{{Op: kernel.OptOpUpcast, Axis: 0, Amount: 4}, {Op: kernel.OptOpUnroll, Axis: 0, Amount: 4}}},
		{"float4", dev, []kernel.Opt{{Op: kernel.OptOpUpcast, Axis: 1, Amount: 4}}},
		{"local", local, []kernel.Opt{{Op: kernel.OptOpLocal, Axis: 1, Amount: 4}, {Op: kernel.OptOpUpcast, Axis: 0, Amount: 2}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			k := must.M1(kernel.New(testkernels.Matmul(M, N, K), tc.dev.Options()))
			k = must.M1(k.ApplyOpts(tc.opts...))
			assert.Equal(t, want, run(t, tc.dev, k))
		})
	}

	t.Run("hand-coded", func(t *testing.T) {
		for _, d := range []*Device{dev, local} {
			k := must.M1(kernel.New(testkernels.Matmul(M, N, K), d.Options())).HandCodedOptimizations()
			assert.Equal(t, want, run(t, d, k), "optimizations %v", k.AppliedOpts())
		}
	})

	t.Run("tensor-cores", func(t *testing.T) {
		k := must.M1(kernel.New(testkernels.Matmul(M, N, K), tcDev.Options()))
		k = must.M1(k.ApplyTensorCores(TensorCore))
		assert.Equal(t, want, run(t, tcDev, k))
	})
}

func TestElementwise(t *testing.T) {
	dev := New()
	upcast := kernel.Opt{Op: kernel.OptOpUpcast, Axis: 0, Amount: 4}

	t.Run("add", func(t *testing.T) {
		want := make([]float64, 16)
		for i := range want {
			want[i] = input(1, i) + input(2, i)
		}
		for _, opts := range [][]kernel.Opt{nil, {upcast}} {
			k := must.M1(must.M1(kernel.New(testkernels.Add(16), dev.Options())).ApplyOpts(opts...))
			assert.Equal(t, want, run(t, dev, k))
		}
	})

	t.Run("shifted", func(t *testing.T) {
		want := make([]float64, 16)
		for i := range want {
			want[i] = input(1, i+1) + input(2, i)
		}
		k := must.M1(must.M1(kernel.New(testkernels.ShiftedAdd(16), dev.Options())).ApplyOpts(upcast))
		assert.Equal(t, want, run(t, dev, k))
	})

	t.Run("padded", func(t *testing.T) {
		want := make([]float64, 8)
		for i := range want {
			want[i] = input(2, i)
			if i < 4 {
				want[i] += input(1, i)
			}
		}
		for _, opts := range [][]kernel.Opt{nil, {upcast}, {{Op: kernel.OptOpUpcast, Axis: 0, Amount: 8}}} {
			k := must.M1(must.M1(kernel.New(testkernels.PaddedAdd(4, 4), dev.Options())).ApplyOpts(opts...))
			// run allocates A with its 4 elements only.
			for _, param := range must.M1(linearizer.Linearize(k)).Buffers {
				if param.Index == 1 {
					require.Equal(t, 4, param.Size)
				}
			}
			assert.Equal(t, want, run(t, dev, k), "optimizations %v", opts)
		}
	})

	t.Run("scaled-exp", func(t *testing.T) {
		want := make([]float64, 8)
		for i := range want {
			want[i] = float64(float32(math.Exp2(float64(float32(input(1, i) * 0.5)))))
		}
		k := must.M1(kernel.New(testkernels.ScaledExp(0.5, 8), dev.Options()))
		assert.InDeltaSlice(t, want, run(t, dev, k), 1e-6)
	})
}

func TestReductions(t *testing.T) {
	const rows, cols = 4, 16
	dev := New()
	for _, op := range []ops.OpType{ops.OpTypeSum, ops.OpTypeReduceMax} {
		want := make([]float64, rows)
		for r := range rows {
			want[r] = math.Inf(-1)
			if op == ops.OpTypeSum {
				want[r] = 0
			}
			for c := range cols {
				v := input(1, r*cols+c)
				if op == ops.OpTypeSum {
					want[r] += v
				} else {
					want[r] = math.Max(want[r], v)
				}
			}
		}
		for _, opts := range [][]kernel.Opt{
			nil,
			{{Op: kernel.OptOpUnroll, Axis: 0, Amount: 4}},
			{{Op: kernel.OptOpUpcast, Axis: 0, Amount: 2}, {Op: kernel.OptOpUnroll, Axis: 0, Amount: 0}},
		} {
			t.Run(fmt.Sprintf("%s%v", op, opts), func(t *testing.T) {
				k := must.M1(kernel.New(testkernels.RowReduce(op, rows, cols), dev.Options()))
				k = must.M1(k.ApplyOpts(opts...))
				assert.Equal(t, want, run(t, dev, k))
			})
		}
	}
}

func TestUnsupported(t *testing.T) {
	// Grouped reductions need shared memory.
	local := must.M1(NewWithConfig("local"))
	opts := local.Options()
	opts.HasShared = true
	k := must.M1(kernel.New(testkernels.RowReduce(ops.OpTypeSum, 4, 1024), opts))
	k = must.M1(k.ApplyOpts(kernel.Opt{Op: kernel.OptOpGroupTop, Axis: 0, Amount: 16}))
	prog := must.M1(linearizer.Linearize(k))
	_, err := local.Compile(prog)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrUnsupportedOp))

	// Launch dimensions are disabled by default.
	k = must.M1(kernel.New(testkernels.Add(16), local.Options()))
	prog = must.M1(linearizer.Linearize(k))
	_, err = New().Compile(prog)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrUnsupportedOp))
}

func TestExecuteErrors(t *testing.T) {
	dev := New()
	prog := must.M1(linearizer.Linearize(must.M1(kernel.New(testkernels.Add(16), dev.Options()))))
	runner := must.M1(dev.Compile(prog))
	ctx := context.Background()

	out := must.M1(NewBuffer(16, dtypes.Float32))
	small := must.M1(NewBuffer(8, dtypes.Float32))
	wrongDType := must.M1(NewBuffer(16, dtypes.Int32))
	_, err := runner.Execute(ctx, []device.RawBuffer{out, out}, nil)
	assert.Error(t, err, "missing buffer")
	_, err = runner.Execute(ctx, []device.RawBuffer{out, out, small}, nil)
	assert.Error(t, err, "buffer too small")
	_, err = runner.Execute(ctx, []device.RawBuffer{out, out, wrongDType}, nil)
	assert.Error(t, err, "wrong dtype")
	_, err = runner.Execute(ctx, []device.RawBuffer{out, out, out}, nil)
	assert.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = runner.Execute(cancelled, []device.RawBuffer{out, out, out}, nil)
	assert.ErrorIs(t, err, context.Canceled)

	// A malformed program: a load out of the bounds of its buffer.
	g := uops.NewGraph()
	buf := g.Add(uops.KindDefineGlobal, uops.Pointer(dtypes.Float32), nil, uops.GlobalArg{Name: "data0", Buffer: 0})
	value := g.Add(uops.KindLoad, uops.Scalar(dtypes.Float32), []*uops.UOp{buf, g.Const(4, uops.Scalar(dtypes.Int32))}, nil)
	g.Add(uops.KindStore, uops.NoType, []*uops.UOp{buf, g.Const(0, uops.Scalar(dtypes.Int32)), value}, nil)
	bad := &linearizer.Program{Name: "bad", UOps: g.UOps(), Buffers: []linearizer.Buffer{{Name: "data0", DType: dtypes.Float32, Size: 4}}}
	runner = must.M1(dev.Compile(bad))
	_, err = runner.Execute(ctx, []device.RawBuffer{must.M1(NewBuffer(4, dtypes.Float32))}, nil)
	assert.ErrorContains(t, err, "out of bounds")
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.0, round(1.0001, dtypes.Float16))
	assert.Equal(t, float64(float32(0.1)), round(0.1, dtypes.Float32))
	assert.Equal(t, -2.0, round(-2.7, dtypes.Int32))
	assert.Equal(t, 255.0, round(-1, dtypes.Uint8))
	assert.Equal(t, 1.0, round(-3, dtypes.Bool))
	assert.Equal(t, 0.0, round(math.NaN(), dtypes.Int64))
}

func TestRegistration(t *testing.T) {
	assert.Contains(t, device.Registered(), Name)
	dev, err := device.NewWithConfig("interp:tc,nofloat4")
	require.NoError(t, err)
	assert.Equal(t, Name, dev.Name())
	assert.False(t, dev.Options().SupportsFloat4)
	assert.Equal(t, []kernel.TensorCore{TensorCore}, dev.Options().TensorCores)

	_, err = device.NewWithConfig("interp:bogus")
	assert.Error(t, err)
	_, err = device.NewWithConfig("gpu")
	assert.Error(t, err)
}
