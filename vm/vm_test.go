package vm_test

import (
	"testing"

	"kaiju/assembly"
	"kaiju/internal/wire"
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

// TestCallFunctionWithOneParameter is spec scenario 5: main calls
// double(21) and must observe 42 on return. double's body writes its
// result through an "addi" bracket targeting the ResultPointer, then
// returns via "ret"; main recovers the CallFunction micro-op's returned
// address with a plain StoreParamAddress/"capture" bracket.
func TestCallFunctionWithOneParameter(t *testing.T) {
	b := assembly.NewBuilder()
	addiIdx := b.AddOp("addi")
	retIdx := b.AddOp("ret")
	captureIdx := b.AddOp("capture")
	b.AddData(assembly.Data{Type: assembly.DataI32, I32: 21})

	xParam := assembly.Variable{Index: 0, Type: assembly.Identifier(assembly.StructI32), Size: 4, Offset: intPtr(0)}
	i32 := assembly.Identifier(assembly.StructI32)

	doubleBody := wire.NewWriter()
	doubleBody.Byte(byte(assembly.ParamsPointer))
	doubleBody.U64(0)
	doubleBody.Byte(byte(assembly.StoreParamAddress))
	doubleBody.Byte(byte(assembly.ParamsPointer))
	doubleBody.U64(0)
	doubleBody.Byte(byte(assembly.StoreParamAddress))
	doubleBody.Byte(byte(assembly.ResultPointer))
	doubleBody.Byte(byte(assembly.StoreTargetAddress))
	doubleBody.Byte(byte(assembly.ExecuteOpStart))
	doubleBody.Byte(byte(assembly.ExecuteOpStop))
	doubleBody.U64(uint64(addiIdx))
	doubleBody.Byte(byte(assembly.ExecuteOpStart))
	doubleBody.Byte(byte(assembly.ExecuteOpStop))
	doubleBody.U64(uint64(retIdx))
	doubleIdx := b.DefineFunction("double", []assembly.Variable{xParam}, &i32, nil, nil, false,
		assembly.Body{Labels: map[string]uint64{}, Code: doubleBody.Bytes()})

	mainBody := wire.NewWriter()
	mainBody.Byte(byte(assembly.DataPointer))
	mainBody.U64(0) // address of the constant 21
	mainBody.Byte(byte(assembly.CallFunction))
	mainBody.U64(uint64(doubleIdx))
	mainBody.Byte(byte(assembly.StoreParamAddress)) // pop double's returned-value address
	mainBody.Byte(byte(assembly.ExecuteOpStart))
	mainBody.Byte(byte(assembly.ExecuteOpStop))
	mainBody.U64(uint64(captureIdx))
	mainBody.Byte(byte(assembly.ExecuteOpStart))
	mainBody.Byte(byte(assembly.ExecuteOpStop))
	mainBody.U64(uint64(retIdx))
	b.DefineFunction("main", nil, nil, nil, nil, true,
		assembly.Body{Labels: map[string]uint64{}, Code: mainBody.Bytes()})

	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	var captured int32
	reg := ops.NewStandardRegistry()
	reg.Register("capture", func(params, _ []int, v *vm.VM) (vm.OpAction, error) {
		val, err := state.LoadDataT[int32](v.State(), params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		captured = val
		return vm.NoneAction(), nil
	})

	assert(t, v.Run("main", reg) == nil, "run failed")
	assert(t, v.Stage() == vm.Complete, "expected Complete, got %v", v.Stage())
	assert(t, captured == 42, "expected double(21)==42, got %d", captured)
}

func intPtr(n int) *int { return &n }

// TestForkIsolation is spec scenario 6: a fork shares the Assembly but
// starts from a fresh, empty State, so a write made in the parent's heap
// before forking must not be visible in the fork, and the fork can allocate
// the same bytes independently without touching the parent's.
func TestForkIsolation(t *testing.T) {
	b := assembly.NewBuilder()
	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	block, err := v.State().AllocMemoryValue(8)
	assert(t, err == nil, "alloc failed: %v", err)
	assert(t, v.State().StoreBytes(block.Address, []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}) == nil,
		"store failed")

	fork, err := v.Fork()
	assert(t, err == nil, "fork failed: %v", err)

	forkBytes, err := fork.State().LoadBytes(block.Address, 8)
	assert(t, err == nil, "fork load failed: %v", err)
	for _, bb := range forkBytes {
		assert(t, bb == 0, "expected fresh fork state to read zero, got %x", forkBytes)
	}

	forkBlock, err := fork.State().AllocMemoryValue(8)
	assert(t, err == nil, "fork alloc failed: %v", err)
	assert(t, forkBlock.Address == block.Address, "expected fork's first-fit alloc to match the parent's, got %d vs %d",
		forkBlock.Address, block.Address)

	parentBytes, err := v.State().LoadBytes(block.Address, 8)
	assert(t, err == nil, "parent re-load failed: %v", err)
	for _, bb := range parentBytes {
		assert(t, bb == 0xAA, "expected parent's heap untouched by the fork, got %x", parentBytes)
	}
}

// TestAllocStackRoundTrip exercises the embedding surface's framed stack
// allocator: PopStack must unwind exactly what AllocStack pushed, with no
// size argument, by reading back the trailing length header.
func TestAllocStackRoundTrip(t *testing.T) {
	b := assembly.NewBuilder()
	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	before := v.State().StackPos()
	h, err := v.AllocStack(12)
	assert(t, err == nil, "AllocStack failed: %v", err)
	assert(t, h.Size == 12, "expected Size 12, got %d", h.Size)
	assert(t, v.State().StackPos() == before+12+8, "expected payload+header pushed, got stackPos %d", v.State().StackPos())

	assert(t, v.PopStack() == nil, "PopStack failed")
	assert(t, v.State().StackPos() == before, "expected PopStack to restore stackPos to %d, got %d", before, v.State().StackPos())
}

// TestAllocMemoryRoundTrip exercises the embedding surface's heap
// allocator: DeallocMemory must free exactly the block AllocMemory
// returned, restoring a single full-size free entry.
func TestAllocMemoryRoundTrip(t *testing.T) {
	b := assembly.NewBuilder()
	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	h, err := v.AllocMemory(16)
	assert(t, err == nil, "AllocMemory failed: %v", err)
	assert(t, v.State().MemoryFree() == testMemorySize-16, "expected 16 bytes consumed, got free %d", v.State().MemoryFree())

	assert(t, v.DeallocMemory(h) == nil, "DeallocMemory failed")
	assert(t, v.State().MemoryFree() == testMemorySize, "expected full memory reclaimed, got free %d", v.State().MemoryFree())
}

// TestStateInfoReportsOccupancy checks StateInfo's derived fields track a
// live allocation, the Go-native equivalent of the C-ABI's state_info(out).
func TestStateInfoReportsOccupancy(t *testing.T) {
	b := assembly.NewBuilder()
	v, err := vm.FromBytes(b.Encode(), testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)

	_, err = v.AllocMemory(32)
	assert(t, err == nil, "AllocMemory failed: %v", err)

	info := v.StateInfo()
	assert(t, info.StackSize == testStackSize, "expected StackSize %d, got %d", testStackSize, info.StackSize)
	assert(t, info.MemorySize == testMemorySize, "expected MemorySize %d, got %d", testMemorySize, info.MemorySize)
	assert(t, info.AllSize == testStackSize+testMemorySize, "expected AllSize %d, got %d", testStackSize+testMemorySize, info.AllSize)
	assert(t, info.MemoryFree == testMemorySize-32, "expected MemoryFree %d, got %d", testMemorySize-32, info.MemoryFree)
	assert(t, info.AllFree == info.StackFree+info.MemoryFree, "expected AllFree to be the sum of StackFree+MemoryFree")
}
