// Command canidae runs the canidae scripting language.
//
// Usage:
//
//	canidae          Start an interactive REPL
//	canidae <file>   Run a script file
//
// Exit codes follow the conventional sysexits values: 0 on success, 64 for
// usage errors, 65 for compile errors, 70 for runtime errors, and 74 when
// the script file cannot be read.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/muppet2011ad/canidae/pkg/vm"
)

func main() {
	args := os.Args[1:]
	gcStress := false
	if len(args) > 0 && args[0] == "-gcstress" {
		gcStress = true
		args = args[1:]
	}

	machine := vm.New()
	machine.Heap().Stress = gcStress

	switch len(args) {
	case 0:
		repl(machine)
	case 1:
		machine.SourcePath = args[0]
		runFile(machine, args[0])
	default:
		fmt.Fprintln(os.Stderr, "Usage: canidae [file]")
		os.Exit(64)
	}

	machine.Destroy()
}

// repl reads and interprets one line at a time until EOF. Globals persist
// across lines because the VM is reused.
func repl(machine *vm.VM) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return
		}
		machine.Interpret(line)
	}
}

// runFile interprets a whole script and exits non-zero on failure.
func runFile(machine *vm.VM, path string) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open file %q.\n", path)
		os.Exit(74)
	}

	switch machine.Interpret(string(source)) {
	case vm.InterpretCompileError:
		os.Exit(65)
	case vm.InterpretRuntimeError:
		os.Exit(70)
	}
}
