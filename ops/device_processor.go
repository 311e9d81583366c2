package ops

import (
	"github.com/pkg/errors"

	"kaiju/state"
	"kaiju/vm"
)

// DeviceProcessor dispatches the named operation "write" to one of a fixed
// set of device slots, mirroring the teacher's `write <port> <command>`
// instruction (vm/bytecode.go) but addressed by named operation instead of
// bytecode: params are [port, command, dataLen, dataAddr], target[0]
// receives the StatusCode. "reset" resets every device slot in order,
// matching the teacher's power-controller reset fan-out.
type DeviceProcessor struct {
	devices []Device
}

// NewDeviceProcessor returns a Processor backed by devices, indexed by
// their position the same way the teacher indexes its 16 device slots.
func NewDeviceProcessor(devices ...Device) *DeviceProcessor {
	return &DeviceProcessor{devices: devices}
}

func (d *DeviceProcessor) ProcessOp(name string, params, targets []int, v *vm.VM) (vm.OpAction, error) {
	switch name {
	case "write":
		return d.write(params, targets, v)
	case "reset":
		for _, dev := range d.devices {
			dev.Reset()
		}
		return vm.NoneAction(), nil
	}
	return vm.OpAction{}, &vm.UnhandledOpError{Name: name}
}

func (d *DeviceProcessor) write(params, targets []int, v *vm.VM) (vm.OpAction, error) {
	if len(params) != 4 {
		return vm.OpAction{}, errors.New("write takes four operands: port, command, data length, data address")
	}
	port, err := state.LoadDataT[uint32](v.State(), params[0])
	if err != nil {
		return vm.OpAction{}, err
	}
	command, err := state.LoadDataT[uint32](v.State(), params[1])
	if err != nil {
		return vm.OpAction{}, err
	}
	dataLen, err := state.LoadDataT[uint32](v.State(), params[2])
	if err != nil {
		return vm.OpAction{}, err
	}
	dataAddr, err := state.LoadDataT[int](v.State(), params[3])
	if err != nil {
		return vm.OpAction{}, err
	}
	var data []byte
	if dataLen > 0 {
		data, err = v.State().LoadBytes(dataAddr, int(dataLen))
		if err != nil {
			return vm.OpAction{}, err
		}
	}

	if int(port) >= len(d.devices) {
		if len(targets) == 1 {
			if err := state.StoreDataT(v.State(), targets[0], uint32(StatusDeviceNotFound)); err != nil {
				return vm.OpAction{}, err
			}
		}
		return vm.NoneAction(), nil
	}

	status := d.devices[port].TrySend(0, command, data)
	if len(targets) == 1 {
		if err := state.StoreDataT(v.State(), targets[0], uint32(status)); err != nil {
			return vm.OpAction{}, err
		}
	}
	return vm.NoneAction(), nil
}
