package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"kaiju/vm"
)

// runDebug is the teacher's RunProgramDebugMode (vm/run.go) adapted to this
// spec's Resume-per-operation model: one "n"/"next" step now means one
// Resume call (one Processor dispatch), not one micro-op, since that is
// the finest granularity the VM exposes to a host. Breakpoints key on
// function index rather than a flat program counter, since this ISA has
// no single global instruction address space.
func runDebug(v *vm.VM, p vm.Processor) {
	fmt.Println("Commands:\n\tn or next: run one operation\n\tr or run: run to completion\n\tb or break <function index>: toggle a breakpoint\n\tq or quit: stop")

	if err := v.Start(*entry); err != nil {
		fmt.Println(err)
		return
	}
	printState(v)

	reader := bufio.NewReader(os.Stdin)
	waitForInput := true
	breakAtFunctions := make(map[int]struct{})

	for v.CanResume() {
		line := ""
		if waitForInput {
			fmt.Print("\n->")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		} else if fn, _, ok := v.CurrentFrame(); ok {
			if _, brk := breakAtFunctions[fn]; brk {
				fmt.Println("breakpoint")
				printState(v)
				waitForInput = true
				continue
			}
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			if err := v.Resume(p); err != nil {
				fmt.Println(err)
				return
			}
			if waitForInput {
				printState(v)
			}
		case line == "r" || line == "run":
			waitForInput = false
		case line == "q" || line == "quit":
			return
		case strings.HasPrefix(line, "b"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "b"))
			arg = strings.TrimPrefix(arg, "reak")
			n, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil {
				fmt.Println("unknown function index:", err)
				continue
			}
			if _, ok := breakAtFunctions[n]; ok {
				delete(breakAtFunctions, n)
			} else {
				breakAtFunctions[n] = struct{}{}
			}
		}
	}
	fmt.Println("program complete")
}

func printState(v *vm.VM) {
	fn, addr, ok := v.CurrentFrame()
	if !ok {
		fmt.Println("(no active frame)")
		return
	}
	fmt.Printf("function %d, address %d, depth %d, stack_pos %d\n",
		fn, addr, v.Depth(), v.State().StackPos())
}
