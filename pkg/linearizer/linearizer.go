// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linearizer lowers an optimized kernel.Kernel into an ordered list of UOps.
//
// Linearization is strictly sequential:
//
//   - Buffers and symbolic variables are defined, and the global/local axes are opened, either as
//     hardware indices (uops.KindSpecial) or, if the target has no local dimensions, as loops.
//   - If the kernel has a reduction, its accumulators are defined, the reduce loops are opened, the
//     part of the op tree under the reduce op is emitted once per upcasted lane, and the loops are closed.
//   - Grouped reductions store the partial accumulators in local memory, synchronize, and reduce
//     them again in a second loop over fresh index variables.
//   - The rest of the op tree is emitted and stored to the output, and the remaining loops are closed.
//   - Loop invariant values are hoisted and dead UOps are removed.
//
// Linearization of a given kernel is deterministic: the same kernel always produces the same UOps.
package linearizer

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/kernel"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/shapetracker"
	"github.com/gomlx/kernels/pkg/support/xslices"
	"github.com/gomlx/kernels/pkg/symbolic"
	"github.com/gomlx/kernels/pkg/uops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options describe the target of the linearization. They are the same used by the optimizer.
type Options = kernel.Options

// ErrLinearization is wrapped by the errors returned when the axis plan of a kernel is inconsistent.
// The kernel can't be linearized as is, but the unoptimized version of it may be.
var ErrLinearization = errors.New("linearization failed")

// IndexDType is the dtype of indices and symbolic variables in the generated UOps.
var IndexDType = dtypes.Int32

// Buffer describes a kernel parameter backed by memory.
type Buffer struct {
	// Name of the parameter, "data<Index>".
	Name string

	// Index of the buffer in the kernel, 0 is the output.
	Index int
	DType dtypes.DType

	// Size in elements needed to address the buffer through all its views.
	Size int
}

// Program is the result of the linearization of a kernel.
type Program struct {
	// Name of the kernel, see kernel.Kernel.Name.
	Name string

	// UOps in execution order.
	UOps []*uops.UOp

	// Buffers in Index order.
	Buffers []Buffer

	// GlobalSize and LocalSize are the launch dimensions, indexed by uops.SpecialArg.Dim.
	// They are empty if the target has no local dimensions (all axes are loops).
	GlobalSize, LocalSize []int

	// Vars are the symbolic variables that must be bound when executing the program.
	Vars []*symbolic.Variable

	// Key of the linearized kernel.
	Key string
}

// Listing renders the UOps one per line.
func (p *Program) Listing() []string { return uops.Listing(p.UOps) }

// Linearize lowers the kernel into a Program.
//
// It returns an error wrapping ErrLinearization if the kernel's axis plan is inconsistent.
func Linearize(k *kernel.Kernel) (*Program, error) {
	var prog *Program
	err := exceptions.TryCatch[error](func() {
		prog = newLinearizer(k).linearize()
	})
	if err != nil {
		if !errors.Is(err, ErrLinearization) {
			err = errors.Wrap(ErrLinearization, err.Error())
		}
		return nil, errors.WithMessagef(err, "linearizing %s", k)
	}
	if klog.V(1).Enabled() {
		klog.Infof("linearized %s: %d uops, global=%v, local=%v", k, len(prog.UOps), prog.GlobalSize, prog.LocalSize)
	}
	if klog.V(3).Enabled() {
		for _, line := range prog.Listing() {
			klog.Info(line)
		}
	}
	return prog, nil
}

// failf aborts the linearization.
func failf(format string, args ...any) {
	panic(errors.Wrapf(ErrLinearization, format, args...))
}

// linearizer holds the state of one linearization. It is discarded at the end.
type linearizer struct {
	k    *kernel.Kernel
	opts Options
	g    *uops.Graph

	// bufs and sts are indexed like k.Bufs(), plus the temporary local buffer of grouped reductions.
	bufs      []*ops.Node
	sts       []*shapetracker.ShapeTracker
	bufDTypes []dtypes.DType
	bufUOps   []*uops.UOp

	// varUOps maps variable names (loops, specials, kernel variables) to the UOp with their value.
	varUOps     map[string]*uops.UOp
	renderCache map[string]*uops.UOp
	loadCache   map[string]*uops.UOp

	globalSize, localSize []int
}

func newLinearizer(k *kernel.Kernel) *linearizer {
	l := &linearizer{
		k:           k,
		opts:        k.Options(),
		g:           uops.NewGraph(),
		bufs:        slices.Clone(k.Bufs()),
		sts:         k.STs(),
		varUOps:     make(map[string]*uops.UOp),
		renderCache: make(map[string]*uops.UOp),
		loadCache:   make(map[string]*uops.UOp),
	}
	for _, b := range l.bufs {
		l.bufDTypes = append(l.bufDTypes, b.DType())
	}
	return l
}

// isMem returns whether buffer i is in global memory.
func (l *linearizer) isMem(i int) bool {
	return i < len(l.k.Bufs()) && l.bufs[i].Op != ops.OpTypeConst
}

func (l *linearizer) checkAxes() {
	k := l.k
	full := k.FullShape()
	if len(k.GroupForReduce()) > 0 && !l.opts.HasLocal {
		failf("grouped reduction %v requires local dimensions", k.GroupForReduce())
	}
	if len(k.UpcastInMidReduceAxes()) > 0 {
		failf("grouped axes %v are not reduced", k.UpcastInMidReduceAxes())
	}
	for ax := k.ShapeLen() - k.Upcasted(); ax < k.ShapeLen(); ax++ {
		size, ok := symbolic.IsInt(full[ax])
		if !ok {
			failf("upcasted axis %d has symbolic size %s", ax, full[ax])
		}
		if size <= 1 {
			failf("upcasted axis %d has size %d", ax, size)
		}
	}
	if tc := k.TensorCore(); tc != nil {
		sizes, _ := symbolic.ToInts(full[k.ShapeLen()-k.Upcasted():])
		if k.Upcasted() != 3 || !slices.Equal(sizes, []int{tc.M, tc.N, tc.K}) {
			failf("tensor core %s requires upcasted axes (%d, %d, %d), got %v", tc, tc.M, tc.N, tc.K, sizes)
		}
	}
}

func (l *linearizer) linearize() *Program {
	k := l.k
	l.checkAxes()

	// Buffers and variables.
	globals := make(map[int]*uops.UOp)
	l.bufUOps = make([]*uops.UOp, len(l.bufs))
	for i, b := range k.Bufs() {
		mb := b.MemBuffer()
		if mb == nil {
			continue
		}
		if _, found := globals[mb.Index]; !found {
			globals[mb.Index] = l.g.Add(uops.KindDefineGlobal, uops.Pointer(mb.DType), nil,
				uops.GlobalArg{Name: fmt.Sprintf("data%d", mb.Index), Buffer: mb.Index})
		}
		l.bufUOps[i] = globals[mb.Index]
	}
	vars := k.Vars()
	for _, v := range vars {
		l.varUOps[v.Name()] = l.g.Add(uops.KindDefineGlobal, uops.Scalar(IndexDType), nil,
			uops.GlobalArg{Name: v.Name(), Buffer: -1})
	}

	if len(k.GroupForReduce()) > 0 {
		l.addTempBuffer()
	}

	// Index variables.
	full := k.FullShape()
	shapeLen, upcastStart := k.ShapeLen(), k.ShapeLen()-k.Upcasted()
	firstReduce, globalDims := k.FirstReduce(), k.GlobalDims()
	groupEnd := firstReduce + len(k.GroupForReduce())

	fullUpcastIdxs := make([]symbolic.Node, 0, k.Upcasted())
	for ax := upcastStart; ax < shapeLen; ax++ {
		fullUpcastIdxs = append(fullUpcastIdxs, symbolic.NewVariable(fmt.Sprintf("_uidx%d", ax), 0, full[ax].Max()-1))
	}
	upcastIdxs := l.outputUpcastIdxs()

	var globalIdxs, localIdxs []symbolic.Node
	var outerLoops []*uops.UOp
	if l.opts.HasLocal {
		globalIdxs, l.globalSize = l.specials("gidx", 0, full[:globalDims], false, l.opts.GlobalMax)
		localIdxs, l.localSize = l.specials("lidx", globalDims, full[globalDims:groupEnd], true, l.opts.LocalMax)
	} else {
		globalIdxs = axisVars("gidx", 0, full[:globalDims])
		localIdxs = axisVars("lidx", globalDims, full[globalDims:groupEnd])
		outerLoops = l.renderLoops(append(slices.Clone(globalIdxs), localIdxs...))
	}

	reduceIdxs := axisVars("ridx", groupEnd, full[groupEnd:upcastStart])
	fakeReduceIdxs := zeroIdxs(len(reduceIdxs))

	loaded := make(map[int][]*uops.UOp)
	var acc []*uops.UOp
	if reduceOp := k.ReduceOp(); reduceOp != nil {
		accInit := accumulatorInit(reduceOp.Op)
		acc = l.globalLoad(0, concatIdxs(globalIdxs, localIdxs, fakeReduceIdxs, upcastIdxs), &accInit, nil)

		// Early part of the tree, in the reduce loops.
		loops := l.renderLoops(reduceIdxs)
		earlyIdxs := concatIdxs(globalIdxs, localIdxs, reduceIdxs, fullUpcastIdxs)
		for i := 1; i < len(k.Bufs()); i++ {
			if k.IsEarlyBuf(i) {
				loaded[i] = l.globalLoad(i, earlyIdxs, nil, nil)
			}
		}
		l.emitReduce(reduceOp, acc, k.AccOffsets(k.FullBufIndex()), loaded)
		l.closeLoops(loops)
		clear(l.loadCache)

		if len(k.GroupForReduce()) > 0 {
			acc, localIdxs = l.groupedReduce(reduceOp, acc, globalIdxs, localIdxs, fakeReduceIdxs, upcastIdxs)
		}
	}

	// Late part of the tree.
	lateIdxs := concatIdxs(globalIdxs, localIdxs, fakeReduceIdxs, upcastIdxs)
	for i := 1; i < len(k.Bufs()); i++ {
		if !k.IsEarlyBuf(i) {
			loaded[i] = l.globalLoad(i, lateIdxs, nil, nil)
		}
	}
	values := l.astParse(k.AST().Src[0], acc, loaded)
	l.globalStore(0, lateIdxs, values)
	l.closeLoops(outerLoops)
	l.closeIfs()

	list := uops.DCE(uops.Hoist(l.g.UOps()))
	return &Program{
		Name:       k.Name(),
		UOps:       list,
		Buffers:    l.programBuffers(),
		GlobalSize: l.globalSize,
		LocalSize:  l.localSize,
		Vars:       vars,
		Key:        k.Key(),
	}
}

func accumulatorInit(op ops.OpType) float64 {
	if op == ops.OpTypeReduceMax {
		return math.Inf(-1)
	}
	return 0
}

// outputUpcastIdxs returns the upcast variables of the output shape: reduced upcasted axes are fixed to 0.
func (l *linearizer) outputUpcastIdxs() []symbolic.Node {
	out := l.k.OutputShape()
	idxs := make([]symbolic.Node, 0, l.k.Upcasted())
	for ax := l.k.ShapeLen() - l.k.Upcasted(); ax < l.k.ShapeLen(); ax++ {
		idxs = append(idxs, symbolic.NewVariable(fmt.Sprintf("_uidx%d", ax), 0, out[ax].Max()-1))
	}
	return idxs
}

// axisVars creates one variable per axis, named prefix followed by the axis number.
func axisVars(prefix string, start int, sizes []symbolic.Node) []symbolic.Node {
	idxs := make([]symbolic.Node, len(sizes))
	for i, s := range sizes {
		idxs[i] = symbolic.NewVariable(fmt.Sprintf("%s%d", prefix, start+i), 0, s.Max()-1)
	}
	return idxs
}

// maxSpecialDims is the number of hardware dimensions for global and local indices.
const maxSpecialDims = 3

// specials maps the axes to hardware indices. If there are more axes than hardware dimensions, the
// trailing axes share the last dimension. The axes are assigned to dimensions in reverse, so the
// innermost axis is dimension 0. It returns the index of each axis and the launch size of each dimension.
func (l *linearizer) specials(prefix string, start int, sizes []symbolic.Node, local bool, maxSizes []int) ([]symbolic.Node, []int) {
	if len(sizes) == 0 {
		return nil, nil
	}
	intSizes := xslices.Map(sizes, symbolic.Node.Max)
	dimSizes := intSizes
	if len(intSizes) > maxSpecialDims {
		dimSizes = append(slices.Clone(intSizes[:maxSpecialDims-1]), prodInts(intSizes[maxSpecialDims-1:]))
	}
	numDims := len(dimSizes)
	launch := make([]int, numDims)
	dimIdxs := make([]symbolic.Node, numDims)
	for i, size := range dimSizes {
		dim := numDims - 1 - i
		launch[dim] = size
		if len(maxSizes) > dim && size > maxSizes[dim] {
			failf("%s dimension %d of size %d exceeds the maximum %d", prefix, dim, size, maxSizes[dim])
		}
		name := fmt.Sprintf("%s%d", prefix, start+i)
		dimIdxs[i] = symbolic.NewVariable(name, 0, size-1)
		if _, isVar := dimIdxs[i].(*symbolic.Variable); isVar {
			l.varUOps[name] = l.g.Add(uops.KindSpecial, uops.Scalar(IndexDType), nil,
				uops.SpecialArg{Local: local, Dim: dim, Name: name, Size: size})
		}
	}
	if numDims == len(sizes) {
		return dimIdxs, launch
	}
	// Split the last dimension back into its axes.
	idxs := slices.Clone(dimIdxs[:maxSpecialDims-1])
	last := dimIdxs[maxSpecialDims-1]
	for i := maxSpecialDims - 1; i < len(intSizes); i++ {
		inner := prodInts(intSizes[i+1:])
		idxs = append(idxs, symbolic.ModInt(symbolic.FloorDivInt(last, inner), intSizes[i]))
	}
	return idxs, launch
}

func concatIdxs(parts ...[]symbolic.Node) []symbolic.Node { return slices.Concat(parts...) }

func zeroIdxs(n int) []symbolic.Node {
	idxs := make([]symbolic.Node, n)
	for i := range idxs {
		idxs[i] = symbolic.Num(0)
	}
	return idxs
}

func tidxName(axis int) string { return fmt.Sprintf("tidx%d", axis) }

func prodInts(values []int) int {
	p := 1
	for _, v := range values {
		p *= v
	}
	return p
}

// renderLoops opens one loop per variable in idxs. Constants are skipped.
func (l *linearizer) renderLoops(idxs []symbolic.Node) []*uops.UOp {
	var loops []*uops.UOp
	for _, idx := range idxs {
		v, ok := idx.(*symbolic.Variable)
		if !ok {
			continue
		}
		loop := l.g.Add(uops.KindLoop, uops.Scalar(IndexDType),
			[]*uops.UOp{l.constIdx(v.Min()), l.constIdx(v.Max() + 1)}, v.Name())
		l.varUOps[v.Name()] = loop
		loops = append(loops, loop)
	}
	return loops
}

// closeLoops closes the loops in reverse order.
func (l *linearizer) closeLoops(loops []*uops.UOp) {
	for _, loop := range slices.Backward(loops) {
		l.g.Add(uops.KindEndLoop, uops.NoType, []*uops.UOp{loop}, nil)
	}
}

// closeIfs closes the If blocks still open, innermost first.
func (l *linearizer) closeIfs() {
	var ifs []*uops.UOp
	for _, u := range l.g.UOps() {
		if u.Kind == uops.KindIf {
			ifs = append(ifs, u)
		}
	}
	for _, u := range slices.Backward(ifs) {
		l.g.Add(uops.KindEndIf, uops.NoType, []*uops.UOp{u}, nil)
	}
}

func (l *linearizer) constIdx(v int) *uops.UOp {
	return l.g.Const(float64(v), uops.Scalar(IndexDType))
}

func (l *linearizer) programBuffers() []Buffer {
	byIndex := make(map[int]*Buffer)
	for i, b := range l.k.Bufs() {
		mb := b.MemBuffer()
		if mb == nil {
			continue
		}
		size := l.sts[i].Size()
		if pb, found := byIndex[mb.Index]; found {
			pb.Size = max(pb.Size, size)
			continue
		}
		byIndex[mb.Index] = &Buffer{Name: fmt.Sprintf("data%d", mb.Index), Index: mb.Index, DType: mb.DType, Size: size}
	}
	result := make([]Buffer, 0, len(byIndex))
	for _, b := range byIndex {
		result = append(result, *b)
	}
	slices.SortFunc(result, func(a, b Buffer) int { return a.Index - b.Index })
	return result
}
