// Package kerr groups the VM's error kinds behind sentinel values instead
// of the one flat error string the reference implementation uses, so
// callers can distinguish them with errors.Is the way the teacher
// distinguishes its own sentinel VM errors (errProgramFinished,
// errSegmentationFault, ...) in vm/vm.go.
package kerr

import "github.com/pkg/errors"

// Lifecycle errors: calling a VM method while it is in the wrong
// ExecutionStage.
var (
	ErrAlreadyRunning = errors.New("vm is already running or complete")
	ErrNotRunning      = errors.New("vm is uninitialized or complete")
	ErrNotReturnable   = errors.New("no running function to return from")
)

// Lookup errors: a name or index the assembly does not define.
var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrUnknownLabel    = errors.New("unknown label")
)

// Validation errors: malformed entry points or construction parameters.
var (
	ErrBadEntry     = errors.New("entry function is not callable as a program start")
	ErrMisaligned   = errors.New("size is not aligned to 4 bytes")
	ErrAddressSpace = errors.New("stack and memory sizes exceed the addressable range")
)

// Decode errors: a malformed or unsupported assembly byte stream.
var (
	ErrBadMagic   = errors.New("not a recognized kaiju assembly file")
	ErrBadVersion = errors.New("unsupported assembly version")
)
