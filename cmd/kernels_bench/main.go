// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernels_bench compiles one of the sample kernels with the configured optimizer, runs it a few times
// on a device and reports how it was optimized and how long it took.
//
// Example:
//
//	kernels_bench -kernel=matmul -size=64,64,64 -config=beam=4,progress
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernels/internal/testkernels"
	"github.com/gomlx/kernels/pkg/compiler"
	"github.com/gomlx/kernels/pkg/device"
	_ "github.com/gomlx/kernels/pkg/device/interp"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/search"
	"github.com/gomlx/kernels/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", fmt.Sprintf("Device to use, formatted as \"name:config\". "+
		"Defaults to $%s or the first registered device.", device.KERNELS_DEVICE))
	flagKernel = flag.String("kernel", "matmul", "Sample kernel to compile: matmul, dot, add, sum or max.")
	flagSize   = flag.String("size", "32,32,32", "Comma-separated dimensions of the sample kernel: "+
		"M,N,K for matmul, rows,cols for sum and max, and any shape for dot and add.")
	flagConfig = flag.String("config", "", fmt.Sprintf("Compiler configuration (see compiler.Config.Parse), "+
		"applied on top of $%s.", compiler.KERNELS_CONFIG))
	flagRuns    = flag.Int("runs", 5, "Number of times the kernel is executed.")
	flagListing = flag.Bool("listing", false, "Print the UOps of the compiled kernel.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(context.Background()); err != nil {
		klog.Errorf("kernels_bench: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var dev device.Device
	var err error
	if *flagDevice != "" {
		dev, err = device.NewWithConfig(*flagDevice)
	} else {
		dev, err = device.New()
	}
	if err != nil {
		return err
	}
	cfg, err := compiler.ConfigFromEnv()
	if err != nil {
		return err
	}
	if cfg, err = cfg.Parse(*flagConfig); err != nil {
		return err
	}
	ast, err := sampleKernel(*flagKernel, *flagSize)
	if err != nil {
		return err
	}
	c, err := compiler.New(dev, cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	compiled, err := c.Compile(ctx, compiler.Request{AST: ast})
	if err != nil {
		return err
	}
	compileTime := time.Since(start)

	bufs, err := search.BufsFromKernel(compiled.Kernel, dev)
	if err != nil {
		return err
	}
	defer device.Release(bufs...)
	bufBytes := 0
	for _, buf := range bufs {
		bufBytes += buf.Size() * buf.DType().Size()
	}
	times := make([]time.Duration, 0, *flagRuns)
	for range *flagRuns {
		elapsed, err := compiled.Run(ctx, bufs)
		if err != nil {
			return err
		}
		times = append(times, elapsed)
	}

	if *flagListing {
		for _, line := range compiled.Program.Listing() {
			fmt.Println(line)
		}
	}
	fmt.Println(report(dev, cfg, compiled, compileTime, bufBytes, times))
	return nil
}

// sampleKernel returns the op tree of the named sample kernel.
func sampleKernel(name, size string) (*ops.Node, error) {
	var dims []int
	for _, part := range strings.Split(size, ",") {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || dim <= 0 {
			return nil, errors.Errorf("invalid -size=%q", size)
		}
		dims = append(dims, dim)
	}
	switch name {
	case "matmul":
		if len(dims) != 3 {
			return nil, errors.Errorf("matmul requires -size=M,N,K, got %q", size)
		}
		return testkernels.Matmul(dims[0], dims[1], dims[2]), nil
	case "dot":
		return testkernels.Dot(dims...), nil
	case "add":
		return testkernels.Add(dims...), nil
	case "sum", "max":
		if len(dims) != 2 {
			return nil, errors.Errorf("%s requires -size=rows,cols, got %q", name, size)
		}
		op := ops.OpTypeSum
		if name == "max" {
			op = ops.OpTypeReduceMax
		}
		return testkernels.RowReduce(op, dims[0], dims[1]), nil
	}
	return nil, errors.Errorf("unknown -kernel=%q", name)
}

var (
	keyStyle   = lipgloss.NewStyle().Bold(true).Align(lipgloss.Right).PaddingLeft(1).PaddingRight(1)
	valueStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func report(dev device.Device, cfg compiler.Config, compiled *compiler.Compiled, compileTime time.Duration,
	bufBytes int, times []time.Duration) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		})
	k, prog := compiled.Kernel, compiled.Program
	table.Row("Device", dev.Name())
	table.Row("Kernel", k.ColoredShape())
	optimizer := cfg.Optimizer.String()
	if compiled.Unoptimized {
		optimizer += " (failed, unoptimized)"
	}
	table.Row("Optimizer", optimizer)
	table.Row("Optimizations", fmt.Sprint(k.AppliedOpts()))
	if tc := k.TensorCore(); tc != nil {
		table.Row("Tensor core", tc.Name)
	}
	table.Row("UOps", humanize.Comma(int64(len(prog.UOps))))
	if len(prog.GlobalSize) > 0 {
		table.Row("Launch", fmt.Sprintf("global=%v local=%v", prog.GlobalSize, prog.LocalSize))
	}
	table.Row("Buffers", humanize.Bytes(uint64(bufBytes)))
	table.Row("Compilation", compileTime.String())
	if len(times) > 0 {
		var total time.Duration
		for _, t := range times {
			total += t
		}
		best := times[0]
		for _, t := range times {
			best = min(best, t)
		}
		table.Row("Execution", fmt.Sprintf("best %s, mean %s, last %s over %d runs",
			best, total/time.Duration(len(times)), xslices.Last(times), len(times)))
	}
	return table.String()
}
