// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package search optimizes kernels by measuring them: a beam search over the optimizer actions,
// where candidates are timed on a device.
//
// Results can be stored in an on-disk Cache, keyed by the kernel, so later runs skip the search.
package search

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernels/internal/workerspool"
	"github.com/gomlx/kernels/pkg/device"
	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/gomlx/kernels/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCandidateFailure is wrapped by the errors of candidates that failed to linearize, compile or
// execute. They are logged and scored as infinitely slow, never returned by BeamSearch.
var ErrCandidateFailure = errors.New("search candidate failed")

// Config of the beam search.
type Config struct {
	// BeamWidth is the number of kernels kept at each round. Defaults to DefaultBeamWidth.
	BeamWidth int

	// Parallelism is the number of candidates linearized and compiled concurrently. 0 means one
	// per CPU. Timing is always sequential.
	Parallelism int

	// Runs is the number of timed executions per candidate, the fastest is used. Defaults to DefaultRuns.
	Runs int

	// MaxRounds bounds the number of rounds. 0 means no bound: the search stops when a round brings
	// no improvement.
	MaxRounds int

	// ShowProgress displays a progress bar for each round, and a report at the end.
	ShowProgress bool

	// Cache of results, optional.
	Cache *Cache
}

const (
	DefaultBeamWidth = 4
	DefaultRuns      = 3
)

func (c Config) withDefaults() Config {
	if c.BeamWidth <= 0 {
		c.BeamWidth = DefaultBeamWidth
	}
	if c.Runs <= 0 {
		c.Runs = DefaultRuns
	}
	return c
}

// Result of a search.
type Result struct {
	// Kernel is the fastest kernel found.
	Kernel *kernel.Kernel

	// Time of the fastest execution of Kernel. It is 0 if the result came from the cache.
	Time time.Duration

	// Baseline is the time of the unoptimized kernel.
	Baseline time.Duration

	// Rounds of the search and number of distinct candidates Evaluated.
	Rounds, Evaluated int

	// Cached is set if the result came from the cache.
	Cached bool
}

type timed struct {
	k    *kernel.Kernel
	time time.Duration
}

// BeamSearch returns the fastest variant of k found by a beam search on dev.
//
// Starting with the unoptimized kernel, each round derives new candidates by applying one of the
// Actions to each kernel of the beam, times them, and keeps the cfg.BeamWidth fastest. The search
// stops when a round brings no improvement. Candidates that fail are scored as infinitely slow.
//
// Scratch buffers are allocated once, sized for the largest view of each buffer, and released at
// the end. An error is returned only if the unoptimized kernel can't be executed, or the context
// is cancelled.
func BeamSearch(ctx context.Context, k *kernel.Kernel, dev device.Device, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if cfg.Cache != nil {
		if opts, tc, found := cfg.Cache.Get(dev.Name(), k.Key()); found {
			cached, err := replay(k, opts, tc)
			if err == nil {
				if klog.V(1).Enabled() {
					klog.Infof("search: %s found in cache: %v", k.Name(), cached.AppliedOpts())
				}
				return &Result{Kernel: cached, Cached: true}, nil
			}
			klog.Warningf("search: ignoring cached optimizations of %s: %v", k.Name(), err)
		}
	}

	bufs, err := BufsFromKernel(k, dev)
	if err != nil {
		return nil, err
	}
	defer device.Release(bufs...)
	vars := make(map[string]int)
	for _, v := range k.Vars() {
		vars[v.Name()] = v.Max()
	}
	s := &searcher{ctx: ctx, dev: dev, cfg: cfg, bufs: bufs, vars: vars, pool: workerspool.New(cfg.Parallelism)}
	if cfg.Parallelism == 0 {
		s.pool = workerspool.NewDefault()
	}

	baseline := s.evaluate([]*kernel.Kernel{k})[0]
	if math.IsInf(baseline, 1) {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		return nil, errors.Wrapf(ErrCandidateFailure, "search: unoptimized kernel %s can't be executed", k.Name())
	}
	result := &Result{Kernel: k, Time: seconds(baseline), Baseline: seconds(baseline), Evaluated: 1}
	beam := []timed{{k, result.Time}}
	seen := sets.Make(k.Key())
	for cfg.MaxRounds == 0 || result.Rounds < cfg.MaxRounds {
		var candidates []*kernel.Kernel
		for _, b := range beam {
			for _, c := range KernelActions(b.k) {
				if seen.InsertNew(c.Kernel.Key()) {
					candidates = append(candidates, c.Kernel)
				}
			}
		}
		if len(candidates) == 0 {
			break
		}
		result.Rounds++
		s.round = result.Rounds
		times := s.evaluate(candidates)
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		result.Evaluated += len(candidates)

		var next []timed
		for i, c := range candidates {
			if !math.IsInf(times[i], 1) {
				next = append(next, timed{c, seconds(times[i])})
			}
		}
		slices.SortStableFunc(next, func(a, b timed) int { return cmp.Compare(a.time, b.time) })
		if len(next) == 0 || next[0].time >= result.Time {
			break
		}
		beam = next[:min(len(next), cfg.BeamWidth)]
		result.Kernel, result.Time = beam[0].k, beam[0].time
		if klog.V(2).Enabled() {
			klog.Infof("search: round %d of %s: %d candidates, best %s in %s", result.Rounds, k.Name(),
				len(candidates), result.Kernel.AppliedOpts(), formatDuration(result.Time))
		}
	}

	if klog.V(1).Enabled() {
		klog.Infof("search: %s: %s -> %s (%s candidates, %d rounds) with %v", k.Name(), formatDuration(result.Baseline),
			formatDuration(result.Time), humanize.Comma(int64(result.Evaluated)), result.Rounds, result.Kernel.AppliedOpts())
	}
	if cfg.ShowProgress {
		printReport(result)
	}
	if cfg.Cache != nil {
		if err := cfg.Cache.Put(dev.Name(), k.Key(), result.Kernel); err != nil {
			klog.Warningf("search: failed to cache the result for %s: %v", k.Name(), err)
		}
	}
	return result, nil
}

// replay applies the tensor core (if tc is not empty) and the opts to k.
func replay(k *kernel.Kernel, opts []kernel.Opt, tc string) (*kernel.Kernel, error) {
	if tc != "" {
		idx := slices.IndexFunc(k.Options().TensorCores, func(t kernel.TensorCore) bool { return t.Name == tc })
		if idx < 0 {
			return nil, errors.Errorf("tensor core %q not available", tc)
		}
		var err error
		k, err = k.ApplyTensorCores(k.Options().TensorCores[idx])
		if err != nil {
			return nil, err
		}
	}
	return k.ApplyOpts(opts...)
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// BufsFromKernel allocates one scratch buffer per buffer index of k, sized for the largest of the
// views through which k accesses it.
func BufsFromKernel(k *kernel.Kernel, dev device.Device) ([]device.RawBuffer, error) {
	sizes := make(map[int]int)
	var params []linearizer.Buffer
	for i, b := range k.Bufs() {
		mb := b.MemBuffer()
		if mb == nil {
			continue
		}
		size := k.ST(i).Size()
		if prev, found := sizes[mb.Index]; found {
			sizes[mb.Index] = max(prev, size)
			continue
		}
		sizes[mb.Index] = size
		params = append(params, linearizer.Buffer{Index: mb.Index, DType: mb.DType})
	}
	slices.SortFunc(params, func(a, b linearizer.Buffer) int { return a.Index - b.Index })
	bufs := make([]device.RawBuffer, 0, len(params))
	var total uint64
	for _, p := range params {
		b, err := dev.Allocate(sizes[p.Index], p.DType)
		if err != nil {
			device.Release(bufs...)
			return nil, errors.WithMessagef(err, "search: allocating scratch buffer %d of %s", p.Index, k.Name())
		}
		bufs = append(bufs, b)
		total += uint64(sizes[p.Index] * p.DType.Size())
	}
	if klog.V(2).Enabled() {
		klog.Infof("search: %s scratch buffers for %s", humanize.Bytes(total), k.Name())
	}
	return bufs, nil
}

// searcher holds the state shared by the rounds of one search.
type searcher struct {
	ctx   context.Context
	dev   device.Device
	cfg   Config
	bufs  []device.RawBuffer
	vars  map[string]int
	pool  *workerspool.Pool
	round int
}

// evaluate returns the time in seconds of each kernel, or +Inf if it failed.
//
// Kernels are linearized and compiled concurrently, and then timed one at a time.
func (s *searcher) evaluate(kernels []*kernel.Kernel) []float64 {
	runners := make([]device.Runner, len(kernels))
	errs := make([]error, len(kernels))
	bar := s.newProgressBar(len(kernels))
	s.pool.Map(len(kernels), func(i int) {
		runners[i], errs[i] = s.compile(kernels[i])
	})
	times := make([]float64, len(kernels))
	for i, k := range kernels {
		times[i] = math.Inf(1)
		if s.ctx.Err() != nil {
			continue
		}
		if errs[i] == nil {
			var d time.Duration
			d, errs[i] = s.time(runners[i])
			if errs[i] == nil {
				times[i] = d.Seconds()
			}
		}
		if errs[i] != nil && klog.V(2).Enabled() {
			klog.Infof("%v", errors.Wrapf(ErrCandidateFailure, "%s: %v", k, errs[i]))
		}
		bar.add(1)
	}
	bar.finish()
	return times
}

// compile linearizes and compiles k, and checks that the scratch buffers fit it. Panics of the
// device are converted to errors.
func (s *searcher) compile(k *kernel.Kernel) (device.Runner, error) {
	prog, err := linearizer.Linearize(k)
	if err != nil {
		return nil, err
	}
	if len(prog.Buffers) != len(s.bufs) {
		return nil, errors.Errorf("program uses %d buffers, %d allocated", len(prog.Buffers), len(s.bufs))
	}
	for i, b := range prog.Buffers {
		if b.Size > s.bufs[i].Size() {
			return nil, errors.Errorf("buffer %s needs %d elements, %d allocated", b.Name, b.Size, s.bufs[i].Size())
		}
	}
	var runner device.Runner
	err = exceptions.TryCatch[error](func() {
		runner, err = s.dev.Compile(prog)
	})
	return runner, err
}

// time returns the fastest of cfg.Runs executions.
func (s *searcher) time(runner device.Runner) (time.Duration, error) {
	best := time.Duration(math.MaxInt64)
	for range s.cfg.Runs {
		d, err := runner.Execute(s.ctx, s.bufs, s.vars)
		if err != nil {
			return 0, err
		}
		best = min(best, d)
	}
	return best, nil
}
