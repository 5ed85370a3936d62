package vm

import "github.com/muppet2011ad/canidae/pkg/value"

// collectGarbage runs one full mark-and-sweep cycle. The heap calls this
// through its Collect hook whenever accounted allocation crosses the
// threshold (or on every growth under stress mode).
//
// Roots are: every live value stack slot, the globals table, the closure of
// every call frame, the open-upvalue list, the cached builtin identifier
// strings, and the active exception chain. The intern table is deliberately
// not a root; unreachable strings are deleted from it just before the
// sweep so it behaves like a table of weak references.
func (vm *VM) collectGarbage() {
	vm.markRoots()
	vm.heap.TraceReferences()
	if vm.heap.OwnsStrings {
		vm.heap.RemoveWhiteStrings()
	}
	vm.heap.Sweep()

	// Shrink a stack that has grown far beyond its live portion.
	if len(vm.stack) >= StackInitial*2 && vm.sp*4 < len(vm.stack) {
		vm.resizeStack(len(vm.stack) / 2)
	}

	vm.heap.Threshold = vm.heap.BytesAllocated * value.GCHeapGrowFactor
}

func (vm *VM) markRoots() {
	h := vm.heap
	for i := 0; i < vm.sp; i++ {
		h.MarkValue(vm.stack[i])
	}
	h.MarkHashmap(&vm.globals)

	for i := 0; i < vm.frameCount; i++ {
		h.MarkObject(vm.frames[i].closure)
	}

	for upval := vm.openUpvalues; upval != nil; upval = upval.Next {
		h.MarkObject(upval)
	}

	for _, builtin := range []*value.ObjectString{
		vm.initString, vm.strString, vm.numString, vm.boolString,
		vm.addString, vm.subString, vm.mulString, vm.divString,
		vm.powString, vm.lenString, vm.messageString, vm.typeString,
	} {
		if builtin != nil {
			h.MarkObject(builtin)
		}
	}

	if vm.exceptionChain != nil {
		h.MarkObject(vm.exceptionChain)
	}
}
