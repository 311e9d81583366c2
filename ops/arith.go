package ops

import (
	"github.com/pkg/errors"

	"kaiju/state"
	"kaiju/vm"
)

// registerArithOps loads the fixed-width arithmetic/logic/compare table,
// named and typed the way the teacher's own instruction set splits
// integer and float variants (addi/addf, subi/subf, ...) rather than
// inferring a type from operand size.
func registerArithOps(r *Registry) {
	r.Register("addi", binI32(func(a, b int32) int32 { return a + b }))
	r.Register("subi", binI32(func(a, b int32) int32 { return a - b }))
	r.Register("muli", binI32(func(a, b int32) int32 { return a * b }))
	r.Register("divi", binI32Checked(func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, errors.New("integer division by zero")
		}
		return a / b, nil
	}))
	r.Register("remi", binI32Checked(func(a, b int32) (int32, error) {
		if b == 0 {
			return 0, errors.New("integer division by zero")
		}
		return a % b, nil
	}))

	r.Register("addf", binF32(func(a, b float32) float32 { return a + b }))
	r.Register("subf", binF32(func(a, b float32) float32 { return a - b }))
	r.Register("mulf", binF32(func(a, b float32) float32 { return a * b }))
	r.Register("divf", binF32(func(a, b float32) float32 { return a / b }))

	r.Register("and", binU32(func(a, b uint32) uint32 { return a & b }))
	r.Register("or", binU32(func(a, b uint32) uint32 { return a | b }))
	r.Register("xor", binU32(func(a, b uint32) uint32 { return a ^ b }))
	r.Register("shli", binU32(func(a, b uint32) uint32 { return a << (b & 31) }))
	r.Register("shri", binU32(func(a, b uint32) uint32 { return a >> (b & 31) }))

	r.Register("not", func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		if len(params) != 1 || len(targets) != 1 {
			return vm.OpAction{}, errors.New("not takes one operand and one target")
		}
		a, err := state.LoadDataT[uint32](v.State(), params[0])
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), targets[0], ^a); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	})

	r.Register("eqi", cmpI32(func(a, b int32) bool { return a == b }))
	r.Register("lti", cmpI32(func(a, b int32) bool { return a < b }))
	r.Register("gti", cmpI32(func(a, b int32) bool { return a > b }))
	r.Register("eqf", cmpF32(func(a, b float32) bool { return a == b }))
	r.Register("ltf", cmpF32(func(a, b float32) bool { return a < b }))
	r.Register("gtf", cmpF32(func(a, b float32) bool { return a > b }))
}

func loadPair[T state.Atomic](params []int, v *vm.VM) (T, T, error) {
	var zero T
	if len(params) != 2 {
		return zero, zero, errors.New("operation takes exactly two operands")
	}
	a, err := state.LoadDataT[T](v.State(), params[0])
	if err != nil {
		return zero, zero, err
	}
	b, err := state.LoadDataT[T](v.State(), params[1])
	if err != nil {
		return zero, zero, err
	}
	return a, b, nil
}

func oneTarget(targets []int) (int, error) {
	if len(targets) != 1 {
		return 0, errors.New("operation takes exactly one target")
	}
	return targets[0], nil
}

func binI32(f func(a, b int32) int32) Handler {
	return func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		a, b, err := loadPair[int32](params, v)
		if err != nil {
			return vm.OpAction{}, err
		}
		t, err := oneTarget(targets)
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), t, f(a, b)); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	}
}

func binI32Checked(f func(a, b int32) (int32, error)) Handler {
	return func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		a, b, err := loadPair[int32](params, v)
		if err != nil {
			return vm.OpAction{}, err
		}
		t, err := oneTarget(targets)
		if err != nil {
			return vm.OpAction{}, err
		}
		result, err := f(a, b)
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), t, result); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	}
}

func binU32(f func(a, b uint32) uint32) Handler {
	return func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		a, b, err := loadPair[uint32](params, v)
		if err != nil {
			return vm.OpAction{}, err
		}
		t, err := oneTarget(targets)
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), t, f(a, b)); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	}
}

func binF32(f func(a, b float32) float32) Handler {
	return func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		a, b, err := loadPair[float32](params, v)
		if err != nil {
			return vm.OpAction{}, err
		}
		t, err := oneTarget(targets)
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), t, f(a, b)); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	}
}

func cmpI32(f func(a, b int32) bool) Handler {
	return func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		a, b, err := loadPair[int32](params, v)
		if err != nil {
			return vm.OpAction{}, err
		}
		t, err := oneTarget(targets)
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), t, boolToI32(f(a, b))); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	}
}

func cmpF32(f func(a, b float32) bool) Handler {
	return func(params, targets []int, v *vm.VM) (vm.OpAction, error) {
		a, b, err := loadPair[float32](params, v)
		if err != nil {
			return vm.OpAction{}, err
		}
		t, err := oneTarget(targets)
		if err != nil {
			return vm.OpAction{}, err
		}
		if err := state.StoreDataT(v.State(), t, boolToI32(f(a, b))); err != nil {
			return vm.OpAction{}, err
		}
		return vm.NoneAction(), nil
	}
}

func boolToI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
