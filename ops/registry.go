// Package ops supplies one concrete Processor for package vm: a Registry
// of named operation handlers (arithmetic, control flow) plus a small
// hardware-device chain a host can stack alongside it. The VM itself
// defines none of this — every operation a function body names is
// resolved entirely here.
package ops

import (
	"github.com/pkg/errors"

	"kaiju/vm"
)

// Handler gives meaning to one named operation: params are addresses of
// the operation's operands, targets are addresses it should write its
// result(s) to.
type Handler func(params, targets []int, v *vm.VM) (vm.OpAction, error)

// Registry is a name -> Handler table, the same shape as the teacher's
// string<->bytecode lookup tables but one level up: named operations
// instead of opcodes. It implements vm.Processor directly.
type Registry struct {
	handlers map[string]Handler
	// allocs tracks the live size of every block alloc handed out, since
	// free(ptr) takes no size argument but state.DeallocMemoryValue needs
	// one.
	allocs map[int]int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), allocs: make(map[int]int)}
}

// NewStandardRegistry returns a Registry preloaded with the arithmetic,
// logic, compare and control operations this package defines.
func NewStandardRegistry() *Registry {
	r := NewRegistry()
	registerArithOps(r)
	registerControlOps(r)
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// ProcessOp implements vm.Processor.
func (r *Registry) ProcessOp(name string, params, targets []int, v *vm.VM) (vm.OpAction, error) {
	h, ok := r.handlers[name]
	if !ok {
		return vm.OpAction{}, &vm.UnhandledOpError{Name: name}
	}
	action, err := h(params, targets, v)
	if err != nil {
		return vm.OpAction{}, errors.Wrapf(err, "operation %q", name)
	}
	return action, nil
}
