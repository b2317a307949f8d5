// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler turns op trees scheduled for execution into programs compiled for a device.
//
// For each request it builds the kernel, optimizes it as configured (see Config), linearizes it and
// compiles it on the device. If the optimized kernel can't be linearized, the unoptimized one is
// used. Independent requests can be compiled concurrently with CompileAll.
package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernels/pkg/device"
	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/search"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrCompilation is wrapped by the errors of kernels that couldn't be compiled, see CompilationError.
var ErrCompilation = errors.New("kernel compilation failed")

// CompilationError reports the op tree and the optimizations of a kernel that failed to compile,
// so the failure can be reproduced.
type CompilationError struct {
	// Name of the kernel, if it was created.
	Name string

	// Tree is the rendering of the op tree.
	Tree string

	// Opts applied to the kernel, and the tensor core used, if any.
	Opts       []kernel.Opt
	TensorCore string

	// Err is the cause.
	Err error
}

func (e *CompilationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s %s: %v", ErrCompilation, e.Name, e.Opts, e.Err)
	if e.TensorCore != "" {
		fmt.Fprintf(&sb, " (tensor core %s)", e.TensorCore)
	}
	sb.WriteString("\nop tree:\n")
	sb.WriteString(e.Tree)
	return sb.String()
}

// Unwrap returns ErrCompilation and the cause.
func (e *CompilationError) Unwrap() []error { return []error{ErrCompilation, e.Err} }

// Request to compile one kernel.
type Request struct {
	// AST is the op tree, rooted at the Store of buffer 0 (the output).
	AST *ops.Node

	// VarVals are the values of the symbolic variables of the op tree.
	VarVals map[string]int

	// Inputs are the buffers read by the Load ops with index i >= 1, in Inputs[i-1]. They are only
	// needed by Realize.
	Inputs []*ops.Buffer
}

// RequestFromBuffer returns the request computing a pending buffer. All its inputs must be realized.
func RequestFromBuffer(b *ops.Buffer, varVals map[string]int) (Request, error) {
	pending, ok := b.Source().(*ops.Pending)
	if !ok {
		return Request{}, errors.New("compiler.RequestFromBuffer: buffer is already realized")
	}
	for i, in := range pending.Inputs {
		if !in.IsRealized() {
			return Request{}, errors.Errorf("compiler.RequestFromBuffer: input %d is not realized", i+1)
		}
	}
	return Request{
		AST:     ops.Store(pending.Op, 0, b.DType, b.ST),
		VarVals: varVals,
		Inputs:  pending.Inputs,
	}, nil
}

// Compiled kernel, ready to run.
type Compiled struct {
	Request Request
	Kernel  *kernel.Kernel
	Program *linearizer.Program
	Runner  device.Runner

	// Unoptimized is set if the optimized kernel failed to linearize, and the unoptimized one is used.
	Unoptimized bool
}

// Run executes the kernel with the given buffers, indexed like Program.Buffers.
func (c *Compiled) Run(ctx context.Context, bufs []device.RawBuffer) (time.Duration, error) {
	return c.Runner.Execute(ctx, bufs, c.Request.VarVals)
}

// Compiler compiles kernels for one device. It is safe for concurrent use.
type Compiler struct {
	dev   device.Device
	cfg   Config
	opts  kernel.Options
	cache *search.Cache
}

// New returns a compiler for dev.
func New(dev device.Device, cfg Config) (*Compiler, error) {
	c := &Compiler{dev: dev, cfg: cfg, opts: dev.Options()}
	if !cfg.TensorCores {
		c.opts.TensorCores = nil
	}
	if cfg.CacheDir != "" && cfg.Optimizer == OptimizerBeam {
		var err error
		c.cache, err = search.NewCache(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Device returns the device the compiler targets.
func (c *Compiler) Device() device.Device { return c.dev }

// Compile the request.
//
// If the optimized kernel fails to linearize, the unoptimized kernel is compiled instead. If that also
// fails, or the device can't compile the program, a *CompilationError is returned.
func (c *Compiler) Compile(ctx context.Context, req Request) (compiled *Compiled, err error) {
	if req.AST == nil {
		return nil, errors.New("compiler.Compile: request has no op tree")
	}
	fail := func(k *kernel.Kernel, cause error) error {
		e := &CompilationError{Tree: req.AST.Tree(), Err: cause}
		if k != nil {
			e.Name, e.Opts = k.Name(), k.AppliedOpts()
			if tc := k.TensorCore(); tc != nil {
				e.TensorCore = tc.Name
			}
		}
		return e
	}
	err = exceptions.TryCatch[error](func() {
		k, err := kernel.New(req.AST, c.opts)
		if err != nil {
			panic(fail(nil, err))
		}
		optimized, err := c.optimize(ctx, k)
		if err != nil {
			panic(fail(k, err))
		}
		compiled = &Compiled{Request: req, Kernel: optimized}
		compiled.Program, err = linearizer.Linearize(optimized)
		if err != nil && errors.Is(err, linearizer.ErrLinearization) && optimized != k {
			klog.Warningf("compiler: %s, falling back to the unoptimized kernel", err)
			compiled.Kernel, compiled.Unoptimized = k, true
			compiled.Program, err = linearizer.Linearize(k)
		}
		if err != nil {
			panic(fail(optimized, err))
		}
		compiled.Runner, err = c.dev.Compile(compiled.Program)
		if err != nil {
			panic(fail(compiled.Kernel, err))
		}
	})
	if err != nil {
		if !errors.Is(err, ErrCompilation) {
			err = &CompilationError{Tree: req.AST.Tree(), Err: err}
		}
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("compiler: %s with %v on %s", compiled.Kernel.Name(), compiled.Kernel.AppliedOpts(), c.dev.Name())
	}
	return compiled, nil
}

// optimize k as configured.
func (c *Compiler) optimize(ctx context.Context, k *kernel.Kernel) (*kernel.Kernel, error) {
	switch c.cfg.Optimizer {
	case OptimizerNone:
		return k, nil
	case OptimizerBeam:
		result, err := search.BeamSearch(ctx, k, c.dev, search.Config{
			BeamWidth:    c.cfg.BeamWidth,
			Parallelism:  c.cfg.Parallelism,
			ShowProgress: c.cfg.ShowProgress,
			Cache:        c.cache,
		})
		if err == nil {
			return result.Kernel, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		klog.Warningf("compiler: search of %s failed, using hand-coded optimizations: %v", k.Name(), err)
	}
	for _, tc := range c.opts.TensorCores {
		if withTC, err := k.ApplyTensorCores(tc); err == nil {
			return withTC, nil
		}
	}
	return k.HandCodedOptimizations(), nil
}

// CompileAll compiles the requests concurrently, up to Config.Parallelism at a time.
//
// It returns the compiled kernels in the order of the requests. Requests that failed have a nil
// entry, and their errors are combined in the returned error.
func (c *Compiler) CompileAll(ctx context.Context, reqs []Request) ([]*Compiled, error) {
	results := make([]*Compiled, len(reqs))
	errs := make([]error, len(reqs))
	var g errgroup.Group
	if c.cfg.Parallelism > 0 {
		g.SetLimit(c.cfg.Parallelism)
	}
	for i, req := range reqs {
		g.Go(func() error {
			results[i], errs[i] = c.Compile(ctx, req)
			if errs[i] != nil {
				errs[i] = errors.WithMessagef(errs[i], "request %d", i)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, multierr.Combine(errs...)
}

// Realize computes a pending buffer on the compiler's device: it compiles the request for it,
// allocates its output, runs it, and replaces the buffer's pending op by the allocation.
//
// The inputs of the buffer must be realized on the same device.
func (c *Compiler) Realize(ctx context.Context, b *ops.Buffer, varVals map[string]int) error {
	req, err := RequestFromBuffer(b, varVals)
	if err != nil {
		return err
	}
	compiled, err := c.Compile(ctx, req)
	if err != nil {
		return err
	}
	prog := compiled.Program
	bufs := make([]device.RawBuffer, len(prog.Buffers))
	var out device.RawBuffer
	for i, param := range prog.Buffers {
		if param.Index == 0 {
			out, err = c.dev.Allocate(max(param.Size, b.ST.Size()), param.DType)
			if err != nil {
				return errors.WithMessagef(err, "compiler.Realize: allocating output of %s", prog.Name)
			}
			bufs[i] = out
			continue
		}
		in := req.Inputs[param.Index-1]
		raw, ok := in.Source().(*ops.Realized).Raw.(device.RawBuffer)
		if !ok || in.Device != c.dev.Name() {
			device.Release(out)
			return errors.Errorf("compiler.Realize: input %d of %s is not on device %s", param.Index, prog.Name, c.dev.Name())
		}
		bufs[i] = raw
	}
	if _, err := compiled.Run(ctx, bufs); err != nil {
		device.Release(out)
		return err
	}
	if err := b.Realize(out); err != nil {
		device.Release(out)
		return err
	}
	return nil
}
