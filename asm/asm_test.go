package asm

import (
	"testing"

	"kaiju/ops"
	"kaiju/state"
	"kaiju/vm"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

const (
	testStackSize  = 256
	testMemorySize = 1024
)

func loadI32(v *vm.VM, addr int) (int32, error) {
	return state.LoadDataT[int32](v.State(), addr)
}

func TestAssembleRetProgram(t *testing.T) {
	a := New()
	err := a.AssembleSource(`
func main export
  ret
endfunc
`)
	assert(t, err == nil, "assemble failed: %v", err)

	v, err := vm.FromBytes(a.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	reg := ops.NewStandardRegistry()
	assert(t, v.Run("main", reg) == nil, "run failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, v.State().StackPos() == 0, "expected empty stack, got pos %d", v.State().StackPos())
}

// TestAssembleInlineAddi exercises the inlinecall bracket: the addi result
// pointer is left on main's pointer stack, then consumed directly by the
// following call's "$" operand (no named local needed).
func TestAssembleInlineAddi(t *testing.T) {
	a := New()
	err := a.AssembleSource(`
data.i32 two 2
data.i32 three 3

func main export
  inlinecall addi 4 #two #three
  call capture $ ->
  ret
endfunc
`)
	assert(t, err == nil, "assemble failed: %v", err)

	v, err := vm.FromBytes(a.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	reg := ops.NewStandardRegistry()
	var captured int32
	reg.Register("capture", func(params, _ []int, v *vm.VM) (vm.OpAction, error) {
		val, err := loadI32(v, params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		captured = val
		return vm.NoneAction(), nil
	})

	assert(t, v.Run("main", reg) == nil, "run failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, captured == 5, "expected addi(2,3)==5, got %d", captured)
}

func TestAssembleGotoSkipsTrap(t *testing.T) {
	a := New()
	err := a.AssembleSource(`
data.i32 marker 7

func main export
  goto L
  call trap ->
L:
  call capture #marker ->
  ret
endfunc
`)
	assert(t, err == nil, "assemble failed: %v", err)

	v, err := vm.FromBytes(a.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	reg := ops.NewStandardRegistry()
	trapped := false
	reg.Register("trap", func(_, _ []int, _ *vm.VM) (vm.OpAction, error) {
		trapped = true
		return vm.NoneAction(), nil
	})
	var captured int32
	reg.Register("capture", func(params, _ []int, v *vm.VM) (vm.OpAction, error) {
		val, err := loadI32(v, params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		captured = val
		return vm.NoneAction(), nil
	})

	assert(t, v.Run("main", reg) == nil, "run failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, !trapped, "goto must skip the trap op entirely")
	assert(t, captured == 7, "expected goto to land on L, captured %d", captured)
}

func TestAssembleAllocFree(t *testing.T) {
	a := New()
	err := a.AssembleSource(`
data.usize sixteen 16

func main export
  local ptr usize
  call alloc #sixteen -> local.ptr
  call free local.ptr ->
  ret
endfunc
`)
	assert(t, err == nil, "assemble failed: %v", err)

	v, err := vm.FromBytes(a.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)
	assert(t, v.Start("main") == nil, "start failed")
	before := v.State().MemoryFree()

	reg := ops.NewStandardRegistry()
	assert(t, v.Consume(reg) == nil, "consume failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, v.State().MemoryFree() == before, "expected free memory restored to %d, got %d", before, v.State().MemoryFree())
}
