package ops

import (
	"github.com/pkg/errors"

	"kaiju/internal/kerr"
	"kaiju/state"
	"kaiju/vm"
)

// registerControlOps covers the operations spec.md's worked scenarios
// name directly: goto (label lookup via vm.FindLabel), halt/ret (both end
// the current function), and the heap alloc/free pair from the
// allocate/free scenario.
func registerControlOps(r *Registry) {
	r.Register("goto", func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		if len(params) != 1 {
			return vm.OpAction{}, errors.New("goto takes one operand: the address of a label name")
		}
		label := string(v.State().LoadBytesWhileNonZero(params[0]))
		addr, ok := v.FindLabel(label)
		if !ok {
			return vm.OpAction{}, errors.Wrapf(kerr.ErrUnknownLabel, "label %q", label)
		}
		return vm.GoToAction(addr), nil
	})

	r.Register("halt", func(_, _ []int, _ *vm.VM) (vm.OpAction, error) {
		return vm.ReturnAction(), nil
	})
	r.Register("ret", func(_, _ []int, _ *vm.VM) (vm.OpAction, error) {
		return vm.ReturnAction(), nil
	})

	r.Register("alloc", func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		if len(params) != 1 || len(targets) != 1 {
			return vm.OpAction{}, errors.New("alloc takes one size operand and one target")
		}
		n, err := state.LoadDataT[int](v.State(), params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		block, err := v.State().AllocMemoryValue(n)
		if err != nil {
			return vm.OpAction{}, err
		}
		r.allocs[block.Address] = block.Size
		if err := state.StoreDataT(v.State(), targets[0], block.Address); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	})

	r.Register("free", func(params, _ []int, v *vm.VM) (vm.OpAction, error) {
		if len(params) != 1 {
			return vm.OpAction{}, errors.New("free takes one operand: the pointer to release")
		}
		ptr, err := state.LoadDataT[int](v.State(), params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		size, ok := r.allocs[ptr]
		if !ok {
			return vm.OpAction{}, errors.Errorf("free of unknown pointer %d", ptr)
		}
		delete(r.allocs, ptr)
		if err := v.State().DeallocMemoryValue(state.NewValue(ptr, size)); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	})
}
