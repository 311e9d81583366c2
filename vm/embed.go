package vm

import "kaiju/state"

// StateInfo snapshots a State's region sizes and current occupancy, the
// Go-native equivalent of the C-ABI's state_info(out) struct (spec §6.3):
// that façade is out of scope, but the same information is useful to any
// host embedding this package directly.
type StateInfo struct {
	StackSize  int
	MemorySize int
	AllSize    int
	StackFree  int
	MemoryFree int
	AllFree    int
}

// StateInfo reports vm's current State occupancy.
func (vm *VM) StateInfo() StateInfo {
	s := vm.state
	return StateInfo{
		StackSize:  s.StackSize(),
		MemorySize: s.MemorySize(),
		AllSize:    s.AllSize(),
		StackFree:  s.StackFree(),
		MemoryFree: s.MemoryFree(),
		AllFree:    s.StackFree() + s.MemoryFree(),
	}
}

// HeapHandle names a block returned by AllocStack or AllocMemory: its
// payload address and size. DeallocMemory takes the whole handle, since a
// heap block carries no size header of its own; PopStack takes none, since
// a stack block's trailing length header carries its size.
type HeapHandle struct {
	Address int
	Size    int
}

// AllocStack pushes an n-byte payload followed by a trailing uint64
// length header, so a later PopStack can unwind it without the caller
// tracking n. Mirrors the C-ABI's alloc_stack(size, out_addr).
func (vm *VM) AllocStack(n int) (HeapHandle, error) {
	payload, err := vm.state.AllocStackValue(n)
	if err != nil {
		return HeapHandle{}, err
	}
	if _, err := state.StackPushDataT[uint64](vm.state, uint64(n)); err != nil {
		return HeapHandle{}, err
	}
	return HeapHandle{Address: payload.Address, Size: n}, nil
}

// PopStack removes the most recently AllocStack'd block, reading its
// trailing length header to know how many payload bytes to discard.
// Mirrors the C-ABI's pop_stack(size), minus the host having to supply
// size itself.
func (vm *VM) PopStack() error {
	n, err := state.StackPopDataT[uint64](vm.state)
	if err != nil {
		return err
	}
	_, err = vm.state.StackPopBytes(int(n))
	return err
}

// AllocMemory first-fits an n-byte block from the heap free-list.
// Mirrors the C-ABI's alloc_memory(size, out_addr); the returned
// HeapHandle.Size lets DeallocMemory free it without a second lookup.
func (vm *VM) AllocMemory(n int) (HeapHandle, error) {
	v, err := vm.state.AllocMemoryValue(n)
	if err != nil {
		return HeapHandle{}, err
	}
	return HeapHandle{Address: v.Address, Size: v.Size}, nil
}

// DeallocMemory frees a block previously returned by AllocMemory.
// Mirrors the C-ABI's dealloc_memory(addr).
func (vm *VM) DeallocMemory(h HeapHandle) error {
	return vm.state.DeallocMemoryValue(state.Value{Address: h.Address, Size: h.Size})
}
