package ops

import (
	"testing"

	"kaiju/assembly"
	"kaiju/internal/wire"
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

// TestRetEndsProgram is spec scenario 1: a single ExecuteOpStart/Stop("ret")
// must drain the call stack and reach Complete with an empty stack.
func TestRetEndsProgram(t *testing.T) {
	b := assembly.NewBuilder()
	b.AddOp("ret")

	w := wire.NewWriter()
	w.Byte(byte(assembly.ExecuteOpStart))
	w.Byte(byte(assembly.ExecuteOpStop))
	w.U64(0)
	body := assembly.Body{Labels: map[string]uint64{}, Code: w.Bytes()}
	b.DefineFunction("main", nil, nil, nil, nil, true, body)

	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	reg := NewStandardRegistry()
	assert(t, v.Run("main", reg) == nil, "run failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, v.State().StackPos() == 0, "expected empty stack, got pos %d", v.State().StackPos())
}

// TestAddiInlineOp is spec scenario 2: addi(2, 3) computed via the
// ExecuteOpInlineStart/Stop bracket must produce 5.
func TestAddiInlineOp(t *testing.T) {
	b := assembly.NewBuilder()
	addiIdx := b.AddOp("addi")
	captureIdx := b.AddOp("capture")
	b.AddData(assembly.Data{Type: assembly.DataI32, I32: 2})
	b.AddData(assembly.Data{Type: assembly.DataI32, I32: 3})

	w := wire.NewWriter()
	w.Byte(byte(assembly.ExecuteOpInlineStart))
	w.Byte(byte(assembly.DataPointer))
	w.U64(0)
	w.Byte(byte(assembly.StoreParamAddress))
	w.Byte(byte(assembly.DataPointer))
	w.U64(4)
	w.Byte(byte(assembly.StoreParamAddress))
	w.Byte(byte(assembly.ExecuteOpInlineStop))
	w.U64(uint64(addiIdx))
	w.U64(4)
	w.Byte(byte(assembly.StoreTargetAddress))
	w.Byte(byte(assembly.ExecuteOpStart))
	w.Byte(byte(assembly.ExecuteOpStop))
	w.U64(uint64(captureIdx))
	body := assembly.Body{Labels: map[string]uint64{}, Code: w.Bytes()}
	b.DefineFunction("main", nil, nil, nil, nil, true, body)

	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	var captured int32
	reg := NewStandardRegistry()
	reg.Register("capture", func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		val, err := state.LoadDataT[int32](v.State(), targets[0])
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

// TestGotoJumpsToLabel is spec scenario 4: a "goto" op must move the
// current frame's instruction pointer to the named label.
func TestGotoJumpsToLabel(t *testing.T) {
	b := assembly.NewBuilder()
	gotoIdx := b.AddOp("goto")
	captureIdx := b.AddOp("capture")
	b.AddData(assembly.Data{Type: assembly.DataI32, I32: 7})
	b.AddData(assembly.Data{Type: assembly.DataStringU8, Str: "L"})

	w := wire.NewWriter()
	w.Byte(byte(assembly.DataPointer))
	w.U64(4) // address of the "L" label-name string
	w.Byte(byte(assembly.StoreParamAddress))
	w.Byte(byte(assembly.ExecuteOpStart))
	w.Byte(byte(assembly.ExecuteOpStop))
	w.U64(uint64(gotoIdx))
	skipAt := w.Len()
	w.Byte(byte(assembly.NoOp)) // must never execute: goto must not fall through to it
	labelAt := uint64(w.Len())
	w.Byte(byte(assembly.DataPointer))
	w.U64(0) // address of the marker constant 7
	w.Byte(byte(assembly.StoreParamAddress))
	w.Byte(byte(assembly.ExecuteOpStart))
	w.Byte(byte(assembly.ExecuteOpStop))
	w.U64(uint64(captureIdx))
	assert(t, skipAt+1 == int(labelAt), "test setup: expected a single skipped byte")

	body := assembly.Body{Labels: map[string]uint64{"L": labelAt}, Code: w.Bytes()}
	b.DefineFunction("main", nil, nil, nil, nil, true, body)

	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)
	assert(t, v.Start("main") == nil, "start failed")

	var captured int32
	reg := NewStandardRegistry()
	reg.Register("capture", func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		val, err := state.LoadDataT[int32](v.State(), params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		captured = val
		return vm.NoneAction(), nil
	})

	assert(t, v.Resume(reg) == nil, "first resume (goto) failed")
	assert(t, v.Resume(reg) == nil, "second resume (capture) failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, captured == 7, "expected goto to land on the label, captured %d", captured)
}

// TestAllocFreeRestoresFreeList is spec scenario 3: alloc(16) then free
// must leave total free memory unchanged.
func TestAllocFreeRestoresFreeList(t *testing.T) {
	b := assembly.NewBuilder()
	allocIdx := b.AddOp("alloc")
	freeIdx := b.AddOp("free")
	b.AddData(assembly.Data{Type: assembly.DataUsize, Usize: 16})

	ptrLocal := assembly.Variable{Index: 0, Type: assembly.Identifier(assembly.StructUsize), Size: 8}

	w := wire.NewWriter()
	w.Byte(byte(assembly.DataPointer))
	w.U64(0)
	w.Byte(byte(assembly.StoreParamAddress))
	w.Byte(byte(assembly.LocalsPointer))
	w.U64(0)
	w.Byte(byte(assembly.StoreTargetAddress))
	w.Byte(byte(assembly.ExecuteOpStart))
	w.Byte(byte(assembly.ExecuteOpStop))
	w.U64(uint64(allocIdx))
	w.Byte(byte(assembly.LocalsPointer))
	w.U64(0)
	w.Byte(byte(assembly.StoreParamAddress))
	w.Byte(byte(assembly.ExecuteOpStart))
	w.Byte(byte(assembly.ExecuteOpStop))
	w.U64(uint64(freeIdx))
	body := assembly.Body{Labels: map[string]uint64{}, Code: w.Bytes()}
	b.DefineFunction("main", nil, nil, []assembly.Variable{ptrLocal}, nil, true, body)

	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)
	assert(t, v.Start("main") == nil, "start failed")
	before := v.State().MemoryFree() // after the "16" constant is allocated, before alloc/free run

	reg := NewStandardRegistry()
	assert(t, v.Consume(reg) == nil, "consume failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, v.State().MemoryFree() == before, "expected free memory restored to %d, got %d", before, v.State().MemoryFree())
}
