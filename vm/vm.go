// Package vm implements the Kaiju bytecode interpreter: a micro-op
// dispatch loop over a decoded assembly.Assembly, a call stack of
// CallStackFrame activations, and a Processor hook through which a host
// gives meaning to named operations (arithmetic, control flow, I/O — none
// of which the VM itself defines).
package vm

import (
	"math"

	"github.com/pkg/errors"

	"kaiju/assembly"
	"kaiju/internal/kerr"
	"kaiju/internal/wire"
	"kaiju/state"
)

// ExecutionStage is the VM's lifecycle: a fresh VM is Uninitialized, moves
// to Running on Start, and reaches Complete once its last call frame
// returns.
type ExecutionStage uint8

const (
	Uninitialized ExecutionStage = iota
	Running
	Complete
)

// VM interprets one assembly.Assembly over its own State and call stack.
// Forking shares the (immutable) Assembly but gives the fork a fresh State
// and an empty call stack.
type VM struct {
	assembly  *assembly.Assembly
	state     *state.State
	stage     ExecutionStage
	callstack []CallStackFrame
	data      *state.Value
	globals   *state.Value
	pointers  []int
}

// New builds a VM ready to Start, over a combined stack+heap State of the
// given sizes. Both sizes must be 4-byte aligned, matching every fixed-width
// atomic type's natural alignment.
func New(asm *assembly.Assembly, stackSize, memorySize int) (*VM, error) {
	if err := checkSizes(stackSize, memorySize); err != nil {
		return nil, err
	}
	return &VM{
		assembly: asm,
		state:    state.New(stackSize, memorySize),
		stage:    Uninitialized,
	}, nil
}

func checkSizes(stackSize, memorySize int) error {
	if stackSize%4 != 0 {
		return errors.Wrapf(kerr.ErrMisaligned, "stack size %d", stackSize)
	}
	if memorySize%4 != 0 {
		return errors.Wrapf(kerr.ErrMisaligned, "memory size %d", memorySize)
	}
	if stackSize < 0 || memorySize < 0 || stackSize > math.MaxInt-memorySize {
		return errors.Wrapf(kerr.ErrAddressSpace, "stack %d + memory %d", stackSize, memorySize)
	}
	return nil
}

// FromBytes decodes an assembly byte stream and builds a VM over it.
func FromBytes(bytes []byte, stackSize, memorySize int) (*VM, error) {
	asm, err := assembly.Decode(bytes)
	if err != nil {
		return nil, errors.Wrap(err, "decoding assembly")
	}
	return New(asm, stackSize, memorySize)
}

// Fork returns a new VM sharing this one's Assembly, with the same State
// sizes but a fresh, empty State and call stack.
func (vm *VM) Fork() (*VM, error) {
	return vm.ForkAdvanced(vm.state.StackSize(), vm.state.MemorySize())
}

// ForkAdvanced is Fork with independently chosen stack/memory sizes.
func (vm *VM) ForkAdvanced(stackSize, memorySize int) (*VM, error) {
	if err := checkSizes(stackSize, memorySize); err != nil {
		return nil, err
	}
	return &VM{
		assembly: vm.assembly,
		state:    state.New(stackSize, memorySize),
		stage:    Uninitialized,
	}, nil
}

func (vm *VM) Assembly() *assembly.Assembly { return vm.assembly }
func (vm *VM) State() *state.State          { return vm.state }
func (vm *VM) Stage() ExecutionStage        { return vm.stage }

// Start allocates the data pool and globals block and calls the named
// entry function, which must take no parameters and return nothing.
func (vm *VM) Start(entry string) error {
	if vm.stage != Uninitialized {
		return kerr.ErrAlreadyRunning
	}
	f, ok := vm.assembly.FunctionByID(entry)
	if !ok {
		return errors.Wrapf(kerr.ErrUnknownFunction, "entry %q", entry)
	}
	if len(f.Params) != 0 {
		return errors.Wrapf(kerr.ErrBadEntry, "entry %q takes parameters", entry)
	}
	if f.ReturnType != nil {
		return errors.Wrapf(kerr.ErrBadEntry, "entry %q has a return value", entry)
	}

	data, err := vm.allocData()
	if err != nil {
		return errors.Wrap(err, "allocating data pool")
	}
	globals, err := vm.state.AllocMemoryValue(vm.assembly.GlobalsSize())
	if err != nil {
		return errors.Wrap(err, "allocating globals")
	}
	vm.data = data
	vm.globals = &globals
	vm.stage = Running
	if err := vm.callFunction(f.Index); err != nil {
		return err
	}
	return nil
}

// CanResume reports whether there is a pending call frame to drive.
func (vm *VM) CanResume() bool {
	return vm.stage == Running && len(vm.callstack) > 0
}

// Resume drives exactly one user-visible Processor call (or completes the
// current function if its body has run out, or crosses a yield boundary
// like ExecuteOpInlineStart/CallFunction that needs no Processor call of
// its own).
func (vm *VM) Resume(p Processor) error {
	if vm.stage != Running {
		return kerr.ErrNotRunning
	}
	for {
		cont, err := vm.resumeOp(p)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// Consume drives the VM to completion, calling Resume repeatedly.
func (vm *VM) Consume(p Processor) error {
	if vm.stage != Running {
		return kerr.ErrNotRunning
	}
	for vm.CanResume() {
		if err := vm.Resume(p); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the named entry point and consumes it to completion.
func (vm *VM) Run(entry string, p Processor) error {
	if err := vm.Start(entry); err != nil {
		return err
	}
	return vm.Consume(p)
}

// FindLabel resolves a label name within the current frame's function body.
func (vm *VM) FindLabel(id string) (int, bool) {
	_, fn, _, ok := vm.location()
	if !ok {
		return 0, false
	}
	body, ok := vm.assembly.FunctionBodyByIndex(fn)
	if !ok {
		return 0, false
	}
	addr, ok := body.Labels[id]
	return int(addr), ok
}

// ContextGoTo lets a Processor jump the current frame's instruction pointer
// directly, for operations implemented as an inline op that still need to
// affect control flow (mirrors the C-ABI's context_go_to).
func (vm *VM) ContextGoTo(address int) error {
	i, _, _, ok := vm.location()
	if !ok {
		return kerr.ErrNotRunning
	}
	vm.callstack[i].Address = address
	return nil
}

// ContextReturn returns from the currently executing function immediately.
func (vm *VM) ContextReturn() error {
	return vm.returnFunction()
}

// CurrentFrame reports the executing function's index and instruction
// address, for hosts that want to print a debug trace the way the
// teacher's single-step mode prints `*vm.pc`.
func (vm *VM) CurrentFrame() (function, address int, ok bool) {
	_, fn, addr, ok := vm.location()
	return fn, addr, ok
}

// Depth reports how many call frames are currently on the stack.
func (vm *VM) Depth() int { return len(vm.callstack) }

func (vm *VM) allocData() (*state.Value, error) {
	data := vm.assembly.Data()
	if len(data) == 0 {
		return nil, nil
	}
	minAddr := math.MaxInt
	total := 0
	for _, d := range data {
		v, err := vm.allocOneData(d)
		if err != nil {
			return nil, err
		}
		if v.Address < minAddr {
			minAddr = v.Address
		}
		total += v.Size
	}
	v := state.NewValue(minAddr, total)
	return &v, nil
}

func (vm *VM) allocOneData(d assembly.Data) (state.Value, error) {
	switch d.Type {
	case assembly.DataI8:
		return allocAtom(vm.state, 1, d.I8)
	case assembly.DataU8:
		return allocAtom(vm.state, 1, d.U8)
	case assembly.DataI16:
		return allocAtom(vm.state, 2, d.I16)
	case assembly.DataU16:
		return allocAtom(vm.state, 2, d.U16)
	case assembly.DataI32:
		return allocAtom(vm.state, 4, d.I32)
	case assembly.DataU32:
		return allocAtom(vm.state, 4, d.U32)
	case assembly.DataI64:
		return allocAtom(vm.state, 8, d.I64)
	case assembly.DataU64:
		return allocAtom(vm.state, 8, d.U64)
	case assembly.DataF32:
		return allocAtom(vm.state, 4, d.F32)
	case assembly.DataF64:
		return allocAtom(vm.state, 8, d.F64)
	case assembly.DataIsize:
		return allocAtom(vm.state, wordSize, int(d.Isize))
	case assembly.DataUsize:
		return allocAtom(vm.state, wordSize, int(d.Usize))
	case assembly.DataStringU8:
		return vm.allocString(d.Str)
	default:
		return state.Value{}, errors.Errorf("unsupported data kind: %v", d.Type)
	}
}

const wordSize = 8

func allocAtom[T state.Atomic](s *state.State, size int, v T) (state.Value, error) {
	r, err := s.AllocMemoryValue(size)
	if err != nil {
		return state.Value{}, err
	}
	if err := state.StoreDataT(s, r.Address, v); err != nil {
		return state.Value{}, err
	}
	return r, nil
}

func (vm *VM) allocString(s string) (state.Value, error) {
	bytes := append([]byte(s), 0)
	sv, err := vm.state.AllocMemoryValue(len(bytes))
	if err != nil {
		return state.Value{}, err
	}
	if err := vm.state.StoreBytes(sv.Address, bytes); err != nil {
		return state.Value{}, err
	}
	pv, err := allocAtom(vm.state, wordSize, sv.Address)
	if err != nil {
		return state.Value{}, err
	}
	return state.NewValue(sv.Address, sv.Size+pv.Size), nil
}

func (vm *VM) callFunction(function int) error {
	if vm.stage != Running {
		return kerr.ErrNotRunning
	}
	f, ok := vm.assembly.FunctionByIndex(function)
	if !ok {
		return errors.Wrapf(kerr.ErrUnknownFunction, "index %d", function)
	}
	paramsSize := 0
	for _, p := range f.Params {
		paramsSize += p.Size
	}
	paramsStackPos := vm.state.StackPos() - paramsSize
	if paramsStackPos < 0 {
		return errors.Wrapf(state.ErrStackUnderflow, "calling function %d", function)
	}

	var result *state.Value
	if f.ReturnType != nil {
		r, err := vm.state.AllocStackValue(vm.assembly.TypeSize(*f.ReturnType))
		if err != nil {
			return errors.Wrap(err, "allocating result")
		}
		result = &r
	}

	localsSize := 0
	for _, l := range f.Locals {
		localsSize += l.Size
	}
	var locals *state.Value
	if localsSize != 0 {
		l, err := vm.state.AllocStackValue(localsSize)
		if err != nil {
			return errors.Wrap(err, "allocating locals")
		}
		locals = &l
	}

	vm.callstack = append(vm.callstack, newFrame(f.Index, 0, paramsStackPos, result, locals))
	return nil
}

func (vm *VM) returnFunction() error {
	if vm.stage != Running {
		return kerr.ErrNotRunning
	}
	n := len(vm.callstack)
	if n == 0 {
		return kerr.ErrNotReturnable
	}
	frame := vm.callstack[n-1]
	vm.callstack = vm.callstack[:n-1]

	if frame.Result != nil {
		b, err := vm.state.LoadBytes(frame.Result.Address, frame.Result.Size)
		if err != nil {
			return err
		}
		if err := vm.state.StackReset(frame.ParamsStackPos); err != nil {
			return err
		}
		v, err := vm.state.StackPushBytes(b)
		if err != nil {
			return err
		}
		vm.pointers = append(vm.pointers, v.Address)
	} else {
		if err := vm.state.StackReset(frame.ParamsStackPos); err != nil {
			return err
		}
		vm.pointers = append(vm.pointers, 0)
	}

	if !vm.CanResume() {
		vm.stage = Complete
	}
	return nil
}

// location returns the current frame's index, function and instruction
// address, or ok=false if the call stack is empty.
func (vm *VM) location() (frame, function, address int, ok bool) {
	n := len(vm.callstack)
	if n == 0 {
		return 0, 0, 0, false
	}
	f := vm.callstack[n-1]
	return n - 1, f.Function, f.Address, true
}

func (vm *VM) popPointer() (int, error) {
	n := len(vm.pointers)
	if n == 0 {
		return 0, errors.New("pointer stack underflow")
	}
	v := vm.pointers[n-1]
	vm.pointers = vm.pointers[:n-1]
	return v, nil
}

// resumeOp drives the micro-op interpreter starting at the current frame's
// instruction pointer. It processes pointer-stack micro-ops in a tight
// inner loop and returns true whenever the caller's resume() loop should
// call it again immediately without that counting as a new Processor call:
// that happens after ExecuteOpInlineStart (the duplicated frame hasn't run
// yet) and CallFunction (the callee hasn't run yet). It returns false once
// a genuine Processor dispatch (ExecuteOpStop/ExecuteOpInlineStop) has
// happened, or the current function has returned.
func (vm *VM) resumeOp(p Processor) (bool, error) {
	i, fn, addr, ok := vm.location()
	if !ok {
		vm.stage = Complete
		return false, nil
	}
	body, ok := vm.assembly.FunctionBodyByIndex(fn)
	if !ok {
		return false, errors.Wrapf(kerr.ErrUnknownFunction, "body index %d", fn)
	}
	bodySize := len(body.Code)
	if addr >= bodySize {
		if err := vm.returnFunction(); err != nil {
			return false, err
		}
		return false, nil
	}

	r := wire.NewReader(body.Code[addr:])
	for {
		opByte, err := r.Byte()
		if err != nil {
			return false, errors.Wrapf(err, "reading op at %d", addr+int(r.Pos())-1)
		}
		op, err := assembly.OpIndexFromByte(opByte)
		if err != nil {
			return false, err
		}
		switch op {
		case assembly.NoOp:
			return false, errors.New("encountered NoOp in function body")

		case assembly.DataPointer:
			offset, err := r.U64()
			if err != nil {
				return false, err
			}
			if vm.data == nil {
				return false, errors.New("DataPointer op with no data pool")
			}
			address := vm.data.Address + int(offset)
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, address)

		case assembly.ParamsPointer:
			offset, err := r.U64()
			if err != nil {
				return false, err
			}
			address := vm.callstack[i].ParamsStackPos + int(offset)
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, address)

		case assembly.ResultPointer:
			if vm.callstack[i].Result == nil {
				return false, errors.New("ResultPointer op on function with no return value")
			}
			address := vm.callstack[i].Result.Address
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, address)

		case assembly.LocalsPointer:
			offset, err := r.U64()
			if err != nil {
				return false, err
			}
			if vm.callstack[i].Locals == nil {
				return false, errors.New("LocalsPointer op on function with no locals")
			}
			address := vm.callstack[i].Locals.Address + int(offset)
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, address)

		case assembly.GlobalsPointer:
			offset, err := r.U64()
			if err != nil {
				return false, err
			}
			if vm.globals == nil {
				return false, errors.New("GlobalsPointer op with no globals block")
			}
			address := vm.globals.Address + int(offset)
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, address)

		case assembly.OffsetPointer:
			offset, err := r.U64()
			if err != nil {
				return false, err
			}
			base, err := vm.popPointer()
			if err != nil {
				return false, err
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, base+int(offset))

		case assembly.ReferencePointer:
			ptr, err := vm.popPointer()
			if err != nil {
				return false, err
			}
			v, err := state.StackPushDataT(vm.state, ptr)
			if err != nil {
				return false, err
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, v.Address)

		case assembly.DereferencePointer:
			ptr, err := vm.popPointer()
			if err != nil {
				return false, err
			}
			target, err := state.LoadDataT[int](vm.state, ptr)
			if err != nil {
				return false, err
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, target)

		case assembly.StoreTargetAddress:
			ptr, err := vm.popPointer()
			if err != nil {
				return false, err
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.callstack[i].opTargetAddresses = append(vm.callstack[i].opTargetAddresses, ptr)

		case assembly.StoreParamAddress:
			ptr, err := vm.popPointer()
			if err != nil {
				return false, err
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.callstack[i].opParamAddresses = append(vm.callstack[i].opParamAddresses, ptr)

		case assembly.ProduceTuple:
			count, err := r.U64()
			if err != nil {
				return false, err
			}
			type part struct{ address, size int }
			parts := make([]part, count)
			total := 0
			for k := uint64(0); k < count; k++ {
				size, err := r.U64()
				if err != nil {
					return false, err
				}
				a, err := vm.popPointer()
				if err != nil {
					return false, err
				}
				parts[k] = part{address: a, size: int(size)}
				total += int(size)
			}
			v, err := vm.state.AllocStackValue(total)
			if err != nil {
				return false, err
			}
			offset := 0
			for _, pt := range parts {
				if err := vm.state.MemoryMove(pt.address, pt.size, v.Address+offset); err != nil {
					return false, err
				}
				offset += pt.size
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.pointers = append(vm.pointers, v.Address)

		case assembly.ExecuteOpStart:
			vm.callstack[i].opStackPos = vm.state.StackPos()

		case assembly.ExecuteOpStop:
			opIdx, err := r.U64()
			if err != nil {
				return false, err
			}
			ops := vm.assembly.OpsMap()
			if int(opIdx) >= len(ops) {
				return false, errors.Errorf("op index %d out of range", opIdx)
			}
			name := ops[opIdx]
			params, targets := vm.callstack[i].collectParamsTargets()
			nextAddr := addr + int(r.Pos())
			vm.callstack[i].Address = nextAddr
			action, err := p.ProcessOp(name, params, targets, vm)
			if err != nil {
				return false, errors.Wrapf(err, "processing op %q", name)
			}
			if err := vm.state.StackReset(vm.callstack[i].opStackPos); err != nil {
				return false, err
			}
			vm.callstack[i].opStackPos = 0
			switch action.Kind {
			case ActionNone:
				if nextAddr >= bodySize || !vm.CanResume() {
					if err := vm.returnFunction(); err != nil {
						return false, err
					}
				}
			case ActionGoTo:
				vm.callstack[i].Address = action.Target
			case ActionReturn:
				if err := vm.returnFunction(); err != nil {
					return false, err
				}
			}
			return false, nil

		case assembly.ExecuteOpInlineStart:
			vm.callstack[i].Address = addr + int(r.Pos())
			vm.callstack = append(vm.callstack, vm.callstack[i].duplicate())
			return true, nil

		case assembly.ExecuteOpInlineStop:
			opIdx, err := r.U64()
			if err != nil {
				return false, err
			}
			size, err := r.U64()
			if err != nil {
				return false, err
			}
			ops := vm.assembly.OpsMap()
			if int(opIdx) >= len(ops) {
				return false, errors.Errorf("op index %d out of range", opIdx)
			}
			name := ops[opIdx]
			params, targets := vm.callstack[i].collectParamsTargets()
			v, err := vm.state.AllocStackValue(int(size))
			if err != nil {
				return false, err
			}
			targets = append(targets, v.Address)
			next := addr + int(r.Pos())
			if i > 0 {
				vm.callstack[i-1].Address = next
			}
			vm.callstack[i].Address = next
			if _, err := p.ProcessOp(name, params, targets, vm); err != nil {
				return false, errors.Wrapf(err, "processing inline op %q", name)
			}
			// A ContextGoTo made by the Processor moved the duplicate frame;
			// carry that address over to the outer frame that continues.
			if i > 0 && len(vm.callstack) == i+1 {
				vm.callstack[i-1].Address = vm.callstack[i].Address
			}
			vm.callstack = vm.callstack[:len(vm.callstack)-1]
			vm.pointers = append(vm.pointers, v.Address)
			return false, nil

		case assembly.CallFunction:
			fIdx, err := r.U64()
			if err != nil {
				return false, err
			}
			f, ok := vm.assembly.FunctionByIndex(int(fIdx))
			if !ok {
				return false, errors.Wrapf(kerr.ErrUnknownFunction, "index %d", fIdx)
			}
			type part struct{ address, size int }
			parts := make([]part, len(f.Params))
			total := 0
			for k := 0; k < len(f.Params); k++ {
				a, err := vm.popPointer()
				if err != nil {
					return false, err
				}
				parts[k] = part{address: a, size: f.Params[k].Size}
				total += f.Params[k].Size
			}
			v, err := vm.state.AllocStackValue(total)
			if err != nil {
				return false, err
			}
			offset := 0
			for _, pt := range parts {
				if err := vm.state.MemoryMove(pt.address, pt.size, v.Address+offset); err != nil {
					return false, err
				}
				offset += pt.size
			}
			vm.callstack[i].Address = addr + int(r.Pos())
			if err := vm.callFunction(int(fIdx)); err != nil {
				return false, err
			}
			return true, nil

		default:
			return false, errors.Errorf("unhandled op index: %v", op)
		}
	}
}
