package vm

import "kaiju/state"

// CallStackFrame tracks one in-flight function activation: which function
// and instruction address it is at, where its stack-passed parameters
// begin, its result/locals storage, and the pending operand addresses an
// in-progress ExecuteOpStart/Stop bracket has accumulated.
type CallStackFrame struct {
	Function       int
	Address        int
	ParamsStackPos int
	Result         *state.Value
	Locals         *state.Value

	opTargetAddresses []int
	opParamAddresses  []int
	opStackPos        int
}

func newFrame(function, address, paramsStackPos int, result, locals *state.Value) CallStackFrame {
	return CallStackFrame{
		Function:       function,
		Address:        address,
		ParamsStackPos: paramsStackPos,
		Result:         result,
		Locals:         locals,
	}
}

// collectParamsTargets drains the pending operand address lists, returning
// them in the order ExecuteOpStop expects: params then targets.
func (f *CallStackFrame) collectParamsTargets() (params, targets []int) {
	params = f.opParamAddresses
	targets = f.opTargetAddresses
	f.opParamAddresses = nil
	f.opTargetAddresses = nil
	return params, targets
}

// duplicate returns a fresh frame at the same function/address/storage but
// with empty pending-operand lists, used by ExecuteOpInlineStart to give an
// inline op its own coroutine-like frame.
func (f *CallStackFrame) duplicate() CallStackFrame {
	return newFrame(f.Function, f.Address, f.ParamsStackPos, f.Result, f.Locals)
}
