package vm

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/muppet2011ad/canidae/pkg/value"
)

var processStart = time.Now()

// defineStdlib registers the host functions and the error-kind globals that
// every VM starts with. Natives receive argv as a borrowed slice of the top
// argc stack slots and return a plain value; to fail they call
// vm.RuntimeError themselves and return the matching sentinel.
func (vm *VM) defineStdlib() {
	vm.DefineNative("clock", clockNative)
	vm.DefineNative("print", printNative)
	vm.DefineNative("println", printlnNative)
	vm.DefineNative("input", inputNative)

	for kind := value.NameError; kind <= value.IndexError; kind++ {
		vm.DefineNativeGlobal(kind.String(), value.ErrorKindVal(kind))
	}
}

// nativeError raises a runtime error from inside a native and returns the
// sentinel that tells the dispatch loop whether it was handled.
func nativeError(vm *VM, kind value.ErrorKind, format string, args ...interface{}) value.Value {
	if vm.RuntimeError(kind, format, args...) {
		return value.HandledNativeErrorVal()
	}
	return value.NativeErrorVal()
}

// clockNative returns seconds of wall time since the process started.
func clockNative(vm *VM, argc int, argv []value.Value) value.Value {
	return value.NumberVal(time.Since(processStart).Seconds())
}

// printNative writes its arguments separated by spaces, without a newline.
func printNative(vm *VM, argc int, argv []value.Value) value.Value {
	fmt.Fprint(vm.Stdout, renderArgs(argv))
	return value.NullVal()
}

// printlnNative writes its arguments separated by spaces, then a newline.
func printlnNative(vm *VM, argc int, argv []value.Value) value.Value {
	fmt.Fprintln(vm.Stdout, renderArgs(argv))
	return value.NullVal()
}

func renderArgs(argv []value.Value) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		parts[i] = arg.String()
	}
	return strings.Join(parts, " ")
}

// inputNative reads one line from the VM's input stream, without the
// trailing newline. An optional single argument is printed first as a
// prompt.
func inputNative(vm *VM, argc int, argv []value.Value) value.Value {
	if argc > 1 {
		return nativeError(vm, value.ArgumentError, "Function 'input' expects at most 1 argument (got %d).", argc)
	}
	if argc == 1 {
		fmt.Fprint(vm.Stdout, argv[0].String())
	}
	if vm.stdinReader == nil {
		vm.stdinReader = bufio.NewReader(vm.Stdin)
	}
	line, err := vm.stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return value.NullVal()
	}
	line = strings.TrimRight(line, "\r\n")
	return value.ObjVal(vm.heap.Intern(line))
}
