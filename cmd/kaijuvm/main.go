// Command kaijuvm loads a Kaiju assembly file (binary .kab, or a
// hand-written .kj source line-assembled through package asm) and runs it
// to completion with the reference ops.Registry processor, the same
// front-door shape as the teacher's main.go (flag.Parse, then treat the
// remaining args as a file list) adapted to this spec's single-assembly,
// single-entry-point model instead of the teacher's multi-file bytecode
// concatenation.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"kaiju/asm"
	"kaiju/ops"
	"kaiju/vm"
)

var (
	debugVM    = flag.Bool("debug", false, "enter single-step debug mode")
	entry      = flag.String("entry", "main", "name of the exported function to run")
	stackSize  = flag.Int("stack", 64*1024, "stack region size in bytes (multiple of 4)")
	memorySize = flag.Int("memory", 1024*1024, "heap region size in bytes (multiple of 4)")
	devices    = flag.Bool("devices", false, "stack a console+timer device processor ahead of the arithmetic/control registry")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: kaijuvm [flags] <file.kab | file.kj>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	bytes, err := assemble(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	v, err := vm.FromBytes(bytes, *stackSize, *memorySize)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	proc := buildProcessor(v)

	if *debugVM {
		runDebug(v, proc)
		return
	}
	if err := run(v, proc); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// run is the teacher's RunProgram (vm/run.go): the hot execution loop gets
// the garbage collector out of its way, since everything this VM does
// during a resume is stack-discipline slicing and map lookups in the op
// registry, not allocation the GC needs to chase.
func run(v *vm.VM, p vm.Processor) error {
	gcPercent := 100
	if s, ok := os.LookupEnv("GOGC"); ok {
		if n, err := strconv.Atoi(s); err == nil {
			gcPercent = n
		}
	}
	debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gcPercent)

	return v.Run(*entry, p)
}

// assemble reads path and returns encoded assembly bytes: .kab files are
// assumed already-encoded wire bytes, every other extension is fed through
// the asm mini-assembler first.
func assemble(path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".kab") {
		return os.ReadFile(path)
	}
	a := asm.New()
	if err := a.AssembleFile(path); err != nil {
		return nil, err
	}
	return a.Encode(), nil
}

// buildProcessor stacks the device processor ahead of the standard
// arithmetic/control registry when -devices is set, per §4.4's
// chain-of-responsibility: the device ops ("write", "reset") are tried
// first, falling through to the registry for everything else.
func buildProcessor(v *vm.VM) vm.Processor {
	reg := ops.NewStandardRegistry()
	if !*devices {
		return reg
	}
	bus := ops.NewDeviceBus(32)
	console := ops.NewConsoleDevice(v.State(), bus, 0)
	timer := ops.NewTimerDevice(bus, 0)
	return vm.ChainProcessor{ops.NewDeviceProcessor(console, timer), reg}
}
