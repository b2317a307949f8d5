// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"context"
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/kernels/pkg/device"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/gomlx/kernels/pkg/ops"
	"github.com/gomlx/kernels/pkg/support/xslices"
	"github.com/gomlx/kernels/pkg/uops"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Executable is a program compiled by the interpreter: the jump targets of its blocks are resolved,
// and every UOp is assigned a register.
type Executable struct {
	prog *linearizer.Program
	list []*uops.UOp

	// pos of each UOp in list.
	pos map[*uops.UOp]int

	// reg is the register of each position: accumulator updates share the register of their DefineAcc.
	reg []int

	// end is the position of the EndLoop (EndIf) closing the Loop (If) at each position.
	end map[int]int

	// specials are the positions of the KindSpecial UOps.
	specials []int
}

// Compile-time check.
var _ device.Runner = (*Executable)(nil)

// Compile implements device.Device.
func (d *Device) Compile(prog *linearizer.Program) (device.Runner, error) {
	e := &Executable{
		prog: prog,
		list: prog.UOps,
		pos:  make(map[*uops.UOp]int, len(prog.UOps)),
		reg:  make([]int, len(prog.UOps)),
		end:  make(map[int]int),
	}
	var open []int
	for i, u := range e.list {
		e.pos[u] = i
		e.reg[i] = i
		for _, src := range u.Src {
			if _, found := e.pos[src]; !found {
				return nil, errors.Errorf("%s: uop %d (%s) uses an operand defined after it", prog.Name, i, u.Kind)
			}
		}
		switch u.Kind {
		case uops.KindDefineLocal, uops.KindBarrier:
			return nil, errors.Wrapf(device.ErrUnsupportedOp, "%s: %s at uop %d, the %s device has no shared memory",
				prog.Name, u.Kind, i, Name)
		case uops.KindSpecial:
			if !d.opts.HasLocal {
				return nil, errors.Wrapf(device.ErrUnsupportedOp, "%s: %s at uop %d, local dimensions are disabled",
					prog.Name, u.Kind, i)
			}
			e.specials = append(e.specials, i)
		case uops.KindLoop, uops.KindIf:
			open = append(open, i)
		case uops.KindEndLoop, uops.KindEndIf:
			if len(open) == 0 || e.list[xslices.Last(open)] != u.Src[0] {
				return nil, errors.Errorf("%s: %s at uop %d doesn't close the innermost block", prog.Name, u.Kind, i)
			}
			var start int
			start, open = xslices.Pop(open)
			e.end[start] = i
		case uops.KindALU:
			a, _ := u.ALU()
			if !isALUOp(a.Op) {
				return nil, errors.Wrapf(device.ErrUnsupportedOp, "%s: ALU op %s at uop %d", prog.Name, a.Op, i)
			}
			if a.Accumulate {
				root := u.AccRoot()
				if root == nil {
					return nil, errors.Errorf("%s: accumulator update at uop %d has no DefineAcc", prog.Name, i)
				}
				e.reg[i] = e.reg[e.pos[root]]
			}
		case uops.KindDefineGlobal, uops.KindDefineAcc, uops.KindLoad, uops.KindStore, uops.KindConst,
			uops.KindCast, uops.KindGEP, uops.KindWMMA:
		default:
			return nil, errors.Wrapf(device.ErrUnsupportedOp, "%s: %s at uop %d", prog.Name, u.Kind, i)
		}
	}
	if len(open) > 0 {
		return nil, errors.Errorf("%s: %d blocks are not closed", prog.Name, len(open))
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: compiled %s with %d uops", Name, prog.Name, len(e.list))
	}
	return e, nil
}

func isALUOp(op ops.OpType) bool {
	switch op {
	case ops.OpTypeNeg, ops.OpTypeExp2, ops.OpTypeLog2, ops.OpTypeSin, ops.OpTypeSqrt, ops.OpTypeNoop,
		ops.OpTypeAdd, ops.OpTypeSub, ops.OpTypeMul, ops.OpTypeDiv, ops.OpTypeMax, ops.OpTypeCmpLt, ops.OpTypeMod,
		ops.OpTypeMulAcc, ops.OpTypeWhere:
		return true
	}
	return false
}

// Execute implements device.Runner. Thread groups and threads, if any, are executed sequentially.
func (e *Executable) Execute(ctx context.Context, bufs []device.RawBuffer, vars map[string]int) (time.Duration, error) {
	start := time.Now()
	if len(bufs) != len(e.prog.Buffers) {
		return 0, errors.Errorf("%s: %d buffers given, %d expected", e.prog.Name, len(bufs), len(e.prog.Buffers))
	}
	buffers := make(map[int]*Buffer, len(bufs))
	for i, raw := range bufs {
		b, ok := raw.(*Buffer)
		param := e.prog.Buffers[i]
		switch {
		case !ok:
			return 0, errors.Errorf("%s: buffer %s is a %T, not an %s buffer", e.prog.Name, param.Name, raw, Name)
		case b.data == nil && param.Size > 0:
			return 0, errors.Errorf("%s: buffer %s was released", e.prog.Name, param.Name)
		case b.dtype != param.DType:
			return 0, errors.Errorf("%s: buffer %s has dtype %s, %s expected", e.prog.Name, param.Name, b.dtype, param.DType)
		case len(b.data) < param.Size:
			return 0, errors.Errorf("%s: buffer %s has %d elements, %d required", e.prog.Name, param.Name, len(b.data), param.Size)
		}
		buffers[param.Index] = b
	}
	for _, v := range e.prog.Vars {
		if _, found := vars[v.Name()]; !found {
			return 0, errors.Errorf("%s: no value for variable %s", e.prog.Name, v.Name())
		}
	}

	// Launch points: one per combination of the global and local indices.
	launch := make([]int, len(e.specials))
	total := 1
	for i, p := range e.specials {
		launch[i] = e.list[p].Arg.(uops.SpecialArg).Size
		total *= launch[i]
	}
	err := exceptions.TryCatch[error](func() {
		for point := range total {
			x := &execution{Executable: e, ctx: ctx, buffers: buffers, vars: vars, regs: make([][]float64, len(e.list))}
			for i, p := range e.specials {
				x.regs[p] = []float64{float64(point % launch[i])}
				point /= launch[i]
			}
			x.run()
		}
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "executing %s", e.prog.Name)
	}
	return time.Since(start), nil
}

// execution is the state of one launch point of an Executable.
type execution struct {
	*Executable
	ctx     context.Context
	buffers map[int]*Buffer
	vars    map[string]int
	regs    [][]float64
}

func (x *execution) get(u *uops.UOp) []float64 {
	v := x.regs[x.reg[x.pos[u]]]
	if v == nil {
		exceptions.Panicf("%s value used before it is defined", u.Kind)
	}
	return v
}

func (x *execution) scalar(u *uops.UOp) float64 { return x.get(u)[0] }

func (x *execution) buffer(u *uops.UOp) *Buffer {
	arg, ok := u.Arg.(uops.GlobalArg)
	if u.Kind != uops.KindDefineGlobal || !ok || arg.Buffer < 0 {
		exceptions.Panicf("%s is not a buffer", u.Kind)
	}
	return x.buffers[arg.Buffer]
}

func (x *execution) run() {
	for pc := 0; pc < len(x.list); pc++ {
		u := x.list[pc]
		var value []float64
		switch u.Kind {
		case uops.KindDefineGlobal:
			arg := u.Arg.(uops.GlobalArg)
			if arg.Buffer < 0 {
				value = []float64{float64(x.vars[arg.Name])}
			}
		case uops.KindSpecial:
			continue
		case uops.KindConst, uops.KindDefineAcc:
			value = broadcast(u.Arg.(float64), u.Type)
		case uops.KindLoop:
			first, last := x.scalar(u.Src[0]), x.scalar(u.Src[1])
			if first >= last {
				pc = x.end[pc]
				continue
			}
			value = []float64{first}
		case uops.KindEndLoop:
			if err := x.ctx.Err(); err != nil {
				panic(errors.WithStack(err))
			}
			loop := u.Src[0]
			p := x.pos[loop]
			next := x.regs[p][0] + 1
			if next < x.scalar(loop.Src[1]) {
				x.regs[p] = []float64{next}
				pc = p
			}
			continue
		case uops.KindIf:
			if x.scalar(u.Src[0]) == 0 {
				pc = x.end[pc]
			}
			continue
		case uops.KindEndIf:
			continue
		case uops.KindLoad:
			value = x.load(u)
		case uops.KindStore:
			x.store(u)
			continue
		case uops.KindALU:
			value = x.alu(u)
		case uops.KindCast:
			value = x.cast(u)
		case uops.KindGEP:
			src := x.get(u.Src[0])
			lane := u.Arg.(int)
			if lane < 0 || lane >= len(src) {
				exceptions.Panicf("GEP of lane %d of a %s", lane, u.Src[0].Type)
			}
			value = []float64{src[lane]}
		case uops.KindWMMA:
			value = x.wmma(u)
		}
		x.regs[x.reg[pc]] = value
	}
}

func broadcast(v float64, t uops.Type) []float64 {
	values := make([]float64, max(t.Lanes, 1))
	for i := range values {
		values[i] = v
	}
	return values
}

func (x *execution) load(u *uops.UOp) []float64 {
	if len(u.Src) >= 4 && x.scalar(u.Src[2]) == 0 {
		return broadcast(x.scalar(u.Src[3]), u.Type)
	}
	b := x.buffer(u.Src[0])
	idx := int(x.scalar(u.Src[1]))
	lanes := u.Type.Lanes
	if idx < 0 || idx+lanes > len(b.data) {
		exceptions.Panicf("load of %d elements at %d out of bounds of a buffer of size %d", lanes, idx, len(b.data))
	}
	values := make([]float64, lanes)
	copy(values, b.data[idx:idx+lanes])
	return values
}

func (x *execution) store(u *uops.UOp) {
	if len(u.Src) >= 4 && x.scalar(u.Src[3]) == 0 {
		return
	}
	b := x.buffer(u.Src[0])
	idx := int(x.scalar(u.Src[1]))
	values := x.get(u.Src[2])
	if idx < 0 || idx+len(values) > len(b.data) {
		exceptions.Panicf("store of %d elements at %d out of bounds of a buffer of size %d", len(values), idx, len(b.data))
	}
	for i, v := range values {
		b.data[idx+i] = round(v, b.dtype)
	}
}

func (x *execution) cast(u *uops.UOp) []float64 {
	var values []float64
	if len(u.Src) > 1 {
		for _, src := range u.Src {
			values = append(values, x.get(src)...)
		}
	} else {
		values = x.get(u.Src[0])
	}
	if len(values) != u.Type.Lanes {
		exceptions.Panicf("cast of %d lanes to %s", len(values), u.Type)
	}
	result := make([]float64, len(values))
	for i, v := range values {
		result[i] = round(v, u.Type.DType)
	}
	return result
}

// alu evaluates an ALU op lane by lane, in the dtype of its first operand, and rounds the result to
// the dtype of u.
func (x *execution) alu(u *uops.UOp) []float64 {
	a, _ := u.ALU()
	operands := make([][]float64, len(u.Src))
	for i, src := range u.Src {
		operands[i] = x.get(src)
	}
	lanes := u.Type.Lanes
	isInt := u.Src[0].Type.DType.IsInt()
	result := make([]float64, lanes)
	args := make([]float64, len(operands))
	for lane := range lanes {
		for i, values := range operands {
			if len(values) == 1 {
				args[i] = values[0]
			} else {
				args[i] = values[lane]
			}
		}
		result[lane] = round(eval(a.Op, isInt, args), u.Type.DType)
	}
	return result
}

// eval applies op to args. For accumulator updates the last argument is the accumulator, which is the
// natural last operand of MulAcc, Add and Max. Integer division and modulo round towards negative infinity.
func eval(op ops.OpType, isInt bool, args []float64) float64 {
	switch op {
	case ops.OpTypeNeg:
		return -args[0]
	case ops.OpTypeExp2:
		return math.Exp2(args[0])
	case ops.OpTypeLog2:
		return math.Log2(args[0])
	case ops.OpTypeSin:
		return math.Sin(args[0])
	case ops.OpTypeSqrt:
		return math.Sqrt(args[0])
	case ops.OpTypeNoop:
		return args[0]
	case ops.OpTypeAdd:
		return args[0] + args[1]
	case ops.OpTypeSub:
		return args[0] - args[1]
	case ops.OpTypeMul:
		return args[0] * args[1]
	case ops.OpTypeDiv:
		if isInt {
			if args[1] == 0 {
				exceptions.Panicf("integer division by zero")
			}
			return math.Floor(args[0] / args[1])
		}
		return args[0] / args[1]
	case ops.OpTypeMax:
		return math.Max(args[0], args[1])
	case ops.OpTypeCmpLt:
		if args[0] < args[1] {
			return 1
		}
		return 0
	case ops.OpTypeMod:
		if isInt {
			if args[1] == 0 {
				exceptions.Panicf("integer modulo by zero")
			}
			return args[0] - args[1]*math.Floor(args[0]/args[1])
		}
		return math.Mod(args[0], args[1])
	case ops.OpTypeMulAcc:
		return args[0]*args[1] + args[2]
	case ops.OpTypeWhere:
		if args[0] != 0 {
			return args[1]
		}
		return args[2]
	}
	exceptions.Panicf("unsupported ALU op %s", op)
	return 0
}

// wmma multiplies the A (M*K) and B (K*N) tiles and adds the C (M*N) tile, all row-major.
func (x *execution) wmma(u *uops.UOp) []float64 {
	arg := u.Arg.(uops.WMMAArg)
	a, b, c := x.get(u.Src[0]), x.get(u.Src[1]), x.get(u.Src[2])
	if len(a) != arg.M*arg.K || len(b) != arg.K*arg.N || len(c) != arg.M*arg.N {
		exceptions.Panicf("WMMA %dx%dx%d with tiles of %d, %d and %d lanes", arg.M, arg.N, arg.K, len(a), len(b), len(c))
	}
	result := make([]float64, len(c))
	for m := range arg.M {
		for n := range arg.N {
			sum := c[m*arg.N+n]
			for k := range arg.K {
				sum += a[m*arg.K+k] * b[k*arg.N+n]
			}
			result[m*arg.N+n] = round(sum, u.Type.DType)
		}
	}
	return result
}

// round converts v to the nearest value representable in dtype. Integers are truncated towards zero
// and wrap around.
func round(v float64, dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return v
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	}
	if !dtype.IsInt() {
		return v
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	i := int64(math.Trunc(v))
	switch dtype {
	case dtypes.Int8:
		return float64(int8(i))
	case dtypes.Int16:
		return float64(int16(i))
	case dtypes.Int32:
		return float64(int32(i))
	case dtypes.Uint8:
		return float64(uint8(i))
	case dtypes.Uint16:
		return float64(uint16(i))
	case dtypes.Uint32:
		return float64(uint32(i))
	case dtypes.Uint64:
		return float64(uint64(i))
	}
	return float64(i)
}
