package ops

import (
	"errors"
	"testing"

	"kaiju/assembly"
	"kaiju/state"
	"kaiju/vm"
)

// fakeDevice records the command/data of its last TrySend call, standing
// in for a real ConsoleDevice/TimerDevice so this test exercises the
// DeviceProcessor dispatch in isolation.
type fakeDevice struct {
	lastCommand uint32
	lastData    []byte
	status      StatusCode
}

func (d *fakeDevice) Info() DeviceInfo { return DeviceInfo{HWID: 0xFF} }
func (d *fakeDevice) TrySend(_ InteractionID, command uint32, data []byte) StatusCode {
	d.lastCommand = command
	d.lastData = append([]byte(nil), data...)
	return d.status
}
func (d *fakeDevice) Reset() {}
func (d *fakeDevice) Close() {}

func newTestVM(t *testing.T) *vm.VM {
	t.Helper()
	b := assembly.NewBuilder()
	asmBytes := b.Encode()
	v, err := vm.FromBytes(asmBytes, testStackSize, testMemorySize)
	assert(t, err == nil, "FromBytes failed: %v", err)
	return v
}

// TestDeviceProcessorWriteDispatchesToSlot is spec scenario for §4.4's
// "multiple processors may be stacked": write(port=0, command=9, no data)
// must reach the device at slot 0 and report its StatusCode back.
func TestDeviceProcessorWriteDispatchesToSlot(t *testing.T) {
	v := newTestVM(t)
	dev := &fakeDevice{status: StatusDeviceReady}

	portAddr, err := state.StackPushDataT[uint32](v.State(), 0)
	assert(t, err == nil, "push port failed: %v", err)
	cmdAddr, err := state.StackPushDataT[uint32](v.State(), 9)
	assert(t, err == nil, "push command failed: %v", err)
	lenAddr, err := state.StackPushDataT[uint32](v.State(), 0)
	assert(t, err == nil, "push length failed: %v", err)
	dataAddrAddr, err := state.StackPushDataT[int](v.State(), 0)
	assert(t, err == nil, "push data address failed: %v", err)
	statusAddr, err := v.State().AllocStackValue(4)
	assert(t, err == nil, "alloc status target failed: %v", err)

	proc := NewDeviceProcessor(dev)
	action, err := proc.ProcessOp("write", []int{portAddr.Address, cmdAddr.Address, lenAddr.Address, dataAddrAddr.Address}, []int{statusAddr.Address}, v)
	assert(t, err == nil, "ProcessOp(write) failed: %v", err)
	assert(t, action.Kind == vm.ActionNone, "expected ActionNone, got %v", action.Kind)
	assert(t, dev.lastCommand == 9, "expected command 9 reached device, got %d", dev.lastCommand)

	status, err := state.LoadDataT[uint32](v.State(), statusAddr.Address)
	assert(t, err == nil, "reading status failed: %v", err)
	assert(t, StatusCode(status) == StatusDeviceReady, "expected status written back, got %d", status)
}

// TestDeviceProcessorUnhandledOpFallsThrough verifies the
// ChainProcessor/UnhandledOpError contract: DeviceProcessor must refuse
// any name it does not own so a chained fallback Processor gets a chance.
func TestDeviceProcessorUnhandledOpFallsThrough(t *testing.T) {
	v := newTestVM(t)
	proc := NewDeviceProcessor(&fakeDevice{})
	_, err := proc.ProcessOp("addi", nil, nil, v)
	assert(t, err != nil, "expected an error for an unowned op name")
	var unhandled *vm.UnhandledOpError
	assert(t, errors.As(err, &unhandled), "expected *vm.UnhandledOpError, got %T (%v)", err, err)
	assert(t, unhandled.Name == "addi", "expected op name in error, got %q", unhandled.Name)
}

// TestChainProcessorFallsThroughToRegistry wires a DeviceProcessor ahead of
// the standard Registry and checks a plain "ret" still reaches the
// Registry once the device processor declines it.
func TestChainProcessorFallsThroughToRegistry(t *testing.T) {
	v := newTestVM(t)
	reg := NewStandardRegistry()
	chain := vm.ChainProcessor{NewDeviceProcessor(&fakeDevice{}), reg}

	action, err := chain.ProcessOp("ret", nil, nil, v)
	assert(t, err == nil, "chained ret failed: %v", err)
	assert(t, action.Kind == vm.ActionReturn, "expected ActionReturn, got %v", action.Kind)
}
