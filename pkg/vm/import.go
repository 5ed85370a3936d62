package vm

import (
	"os"
	"path/filepath"

	"github.com/muppet2011ad/canidae/pkg/value"
)

// resolveImportPath tries the path as given (relative to the working
// directory), then relative to the directory of the importing script.
func (vm *VM) resolveImportPath(path string) (source []byte, resolved string, err error) {
	source, err = os.ReadFile(path)
	if err == nil {
		return source, path, nil
	}
	if vm.SourcePath != "" {
		sibling := filepath.Join(filepath.Dir(vm.SourcePath), path)
		if source, err2 := os.ReadFile(sibling); err2 == nil {
			return source, sibling, nil
		}
	}
	return nil, "", err
}

// importModule runs the file named by path in a child VM and pushes the
// resulting namespace. The child borrows this VM's intern table so string
// identity spans modules, and on success its whole heap is merged into
// ours. Failures of any sort raise ImportError here.
//
// Returns (imported, ok): imported is true when the namespace was pushed;
// ok is false only when the raised error found no handler.
func (vm *VM) importModule(path, namespaceName *value.ObjectString) (imported, ok bool) {
	source, resolved, err := vm.resolveImportPath(path.Chars)
	if err != nil {
		return false, vm.RuntimeError(value.ImportError, "Could not open file '%s'.", path.Chars)
	}

	childHeap := value.NewHeap()
	childHeap.Strings = vm.heap.Strings
	childHeap.OwnsStrings = false
	child := newVM(childHeap)
	child.SourcePath = resolved
	child.Stdout = vm.Stdout
	child.Stderr = vm.Stderr
	child.Stdin = vm.Stdin

	switch child.Interpret(string(source)) {
	case InterpretCompileError:
		return false, vm.RuntimeError(value.ImportError, "Failed to compile module '%s'.", path.Chars)
	case InterpretRuntimeError:
		return false, vm.RuntimeError(value.ImportError, "Error in module '%s'.", path.Chars)
	}

	// Wrap the child's globals and take ownership of everything it
	// allocated. Nothing may collect while the namespace is unrooted and
	// the heaps are mid-merge.
	vm.heap.Disable()
	namespace := vm.heap.NewNamespace(namespaceName, &child.globals)
	vm.push(value.ObjVal(namespace))
	child.globals.Destroy(childHeap)
	vm.heap.Merge(childHeap)
	vm.heap.Enable()
	return true, true
}
