// Package vm implements the bytecode virtual machine for canidae.
//
// The VM is a stack-based interpreter and the final stage of the pipeline:
//
//	Source Code -> Scanner -> Compiler -> Bytecode -> VM -> Execution
//
// Its state is a growable value stack, a fixed-depth call-frame stack, the
// open-upvalue list, a globals table, the catch stack for structured
// exception handling, and the managed heap (which carries the string intern
// table and the garbage collector's bookkeeping).
//
// The dispatch loop reads one opcode at a time from the active frame's
// segment. Operations either succeed and fall through to the next
// instruction, or raise a language-level exception: RuntimeError builds an
// exception object and walks the catch stack, and only when no registered
// handler matches does the interpreter return a runtime-error result.
//
// The VM exclusively owns all mutable runtime state. A child VM created for
// an import borrows the parent's intern table and surrenders its heap to the
// parent when the module finishes.
package vm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/muppet2011ad/canidae/pkg/bytecode"
	"github.com/muppet2011ad/canidae/pkg/compiler"
	"github.com/muppet2011ad/canidae/pkg/value"
)

const (
	// StackInitial is the starting value stack capacity. The stack grows
	// by doubling; after a collection it halves again while at least
	// double this size and under a quarter full.
	StackInitial = 64

	// FramesMax bounds call depth; exceeding it raises RecursionError.
	FramesMax = 1024
)

// InterpretResult is the outcome of running a source string.
type InterpretResult int

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

// CallFrame is one activation record: the closure being run, the
// instruction pointer into its segment, and the stack offset of its first
// slot. Slots are addressed by offset so stack reallocation never needs
// pointer fix-ups.
type CallFrame struct {
	closure *value.ObjectClosure
	ip      int
	slots   int
}

// catchHandler is one entry of the catch stack: which error kinds it
// catches (empty means all), where to land, and how much frame and value
// stack to unwind back to.
type catchHandler struct {
	kinds        []value.ErrorKind
	catchAddress int
	stackSize    int
	frameCount   int
	next         *catchHandler
}

// NativeFn is the signature of a host function. argv aliases the top argc
// stack slots; natives must not retain it past the call.
type NativeFn func(vm *VM, argc int, argv []value.Value) value.Value

// VM is a canidae interpreter instance.
type VM struct {
	// SourcePath is the script being run, used to resolve relative
	// imports.
	SourcePath string

	// Stdout and Stderr receive program output and diagnostics; Stdin
	// feeds the input native. They default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	heap       *value.Heap
	stack      []value.Value
	sp         int
	frames     []CallFrame
	frameCount int
	frame      *CallFrame
	globals    value.Hashmap

	openUpvalues   *value.ObjectUpvalue
	exceptionChain *value.ObjectException
	catchStack     *catchHandler

	longInstruction bool
	stdinReader     *bufio.Reader

	// Interned names the runtime looks up on hot paths; also GC roots.
	initString    *value.ObjectString
	strString     *value.ObjectString
	numString     *value.ObjectString
	boolString    *value.ObjectString
	addString     *value.ObjectString
	subString     *value.ObjectString
	mulString     *value.ObjectString
	divString     *value.ObjectString
	powString     *value.ObjectString
	lenString     *value.ObjectString
	messageString *value.ObjectString
	typeString    *value.ObjectString
}

// New creates a VM with its own heap and intern table, the standard library
// registered, and garbage collection armed.
func New() *VM {
	return newVM(value.NewHeap())
}

// newVM builds a VM over heap; import uses this to share the parent's
// intern table through a child heap.
func newVM(heap *value.Heap) *VM {
	vm := &VM{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
		heap:   heap,
		stack:  make([]value.Value, StackInitial),
		frames: make([]CallFrame, FramesMax),
	}
	heap.Account(StackInitial * value.ValueSize)
	heap.Collect = vm.collectGarbage

	vm.initString = heap.Intern("__init__")
	vm.strString = heap.Intern("__str__")
	vm.numString = heap.Intern("__num__")
	vm.boolString = heap.Intern("__bool__")
	vm.addString = heap.Intern("__add__")
	vm.subString = heap.Intern("__sub__")
	vm.mulString = heap.Intern("__mul__")
	vm.divString = heap.Intern("__div__")
	vm.powString = heap.Intern("__pow__")
	vm.lenString = heap.Intern("__len__")
	vm.messageString = heap.Intern("message")
	vm.typeString = heap.Intern("type")

	vm.defineStdlib()
	heap.Enable()
	return vm
}

// Heap exposes the VM's heap for drivers and tests (GC stress mode,
// accounting assertions).
func (vm *VM) Heap() *value.Heap { return vm.heap }

// StackSize reports the number of live value stack slots.
func (vm *VM) StackSize() int { return vm.sp }

// Globals exposes the global table; the driver uses it for inspection only.
func (vm *VM) Globals() *value.Hashmap { return &vm.globals }

// Destroy releases everything the VM owns. The VM is unusable afterwards.
func (vm *VM) Destroy() {
	vm.heap.Disable()
	vm.globals.Destroy(vm.heap)
	if vm.heap.OwnsStrings {
		vm.heap.Strings.Destroy(vm.heap)
	}
	vm.heap.FreeObjects()
	vm.initString = nil
}

// Interpret compiles and runs one source string, reusing the VM's globals
// and heap across calls.
func (vm *VM) Interpret(source string) InterpretResult {
	// The compiler's allocations are not rooted until the script
	// function reaches the stack, so collection pauses for the duration.
	vm.heap.Disable()
	function, err := compiler.Compile(source, vm.heap, vm.Stderr)
	vm.heap.Enable()
	if err != nil {
		return InterpretCompileError
	}

	vm.push(value.ObjVal(function))
	closure := vm.heap.NewClosure(function)
	vm.pop()
	vm.push(value.ObjVal(closure))
	vm.call(closure, 0)

	return vm.run()
}

// === Stack management ===

func (vm *VM) resetStack() {
	vm.sp = 0
	vm.frameCount = 0
	vm.frame = nil
	vm.openUpvalues = nil
}

// resizeStack moves the stack to a new capacity. Frames and open upvalues
// address slots by index, so nothing else needs adjusting.
func (vm *VM) resizeStack(target int) {
	vm.heap.Disable()
	vm.heap.Account((target - len(vm.stack)) * value.ValueSize)
	next := make([]value.Value, target)
	copy(next, vm.stack[:vm.sp])
	vm.stack = next
	vm.heap.Enable()
}

func (vm *VM) push(v value.Value) {
	if vm.sp >= len(vm.stack) {
		vm.resizeStack(len(vm.stack) * 2)
	}
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() value.Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) popN(n int) value.Value {
	vm.sp -= n
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.sp-1-distance]
}

// Push places v on the value stack. Part of the embedding surface: a native
// that allocates can park intermediates here to keep them GC-visible.
func (vm *VM) Push(v value.Value) { vm.push(v) }

// Pop removes and returns the top of the value stack.
func (vm *VM) Pop() value.Value { return vm.pop() }

// PopN discards the top n values, returning the last one discarded.
func (vm *VM) PopN(n int) value.Value { return vm.popN(n) }

// === Natives and globals ===

// DefineNative registers a host function under name in the globals table.
func (vm *VM) DefineNative(name string, fn NativeFn) {
	vm.push(value.ObjVal(vm.heap.Intern(name)))
	vm.push(value.ObjVal(vm.heap.NewNative(func(argc int, argv []value.Value) value.Value {
		return fn(vm, argc, argv)
	})))
	vm.globals.Set(vm.heap, vm.peek(1).AsString(), vm.peek(0))
	vm.popN(2)
}

// DefineNativeGlobal registers a plain value under name in the globals
// table.
func (vm *VM) DefineNativeGlobal(name string, val value.Value) {
	vm.globals.Set(vm.heap, vm.heap.Intern(name), val)
}

// === Errors and exceptions ===

// RuntimeError raises an exception of the given kind at the current
// instruction and reports whether a registered handler caught it. Callers
// must check the result: false means execution cannot continue.
func (vm *VM) RuntimeError(kind value.ErrorKind, format string, args ...interface{}) bool {
	message := fmt.Sprintf(format, args...)
	var line uint32
	if vm.frame != nil {
		seg := &vm.frame.closure.Function.Seg
		line = seg.Lines[vm.frame.ip-1]
	}
	vm.heap.Disable()
	exception := vm.heap.NewException(vm.heap.Intern(message), kind, line)
	vm.heap.Enable()
	return vm.raise(exception)
}

// raise pushes exception onto the causal chain and unwinds to the innermost
// matching handler. Without one it prints the stack trace and reports
// failure.
func (vm *VM) raise(exception *value.ObjectException) bool {
	if exception != vm.exceptionChain {
		exception.Next = vm.exceptionChain
		vm.exceptionChain = exception
	}

	catcher := vm.catchStack
	for catcher != nil {
		if len(catcher.kinds) == 0 {
			break
		}
		matched := false
		for _, kind := range catcher.kinds {
			if kind == exception.Kind {
				matched = true
				break
			}
		}
		if matched {
			break
		}
		// Not catching this kind; discard and keep unwinding.
		catcher = catcher.next
	}

	if catcher == nil {
		vm.catchStack = nil
		vm.stacktrace()
		return false
	}

	vm.frameCount = catcher.frameCount
	vm.frame = &vm.frames[vm.frameCount-1]
	vm.sp = catcher.stackSize
	vm.frame.ip = catcher.catchAddress
	vm.push(value.ObjVal(exception))
	vm.catchStack = catcher.next
	return true
}

// stacktrace prints the active exception chain (innermost first) and a
// frame-by-frame trace, then resets the stack.
func (vm *VM) stacktrace() {
	exception := vm.exceptionChain
	fmt.Fprintf(vm.Stderr, "[%s] %s [line %d]\n", exception.Kind, exception.Message.Chars, exception.Line)
	fmt.Fprint(vm.Stderr, "Raised at:\n")

	for i := vm.frameCount - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		function := frame.closure.Function
		instruction := frame.ip - 1
		fmt.Fprintf(vm.Stderr, "\t[line %d] in ", function.Seg.Lines[instruction])
		if function.Name == nil {
			fmt.Fprint(vm.Stderr, "script\n")
		} else {
			fmt.Fprintf(vm.Stderr, "%s()\n", function.Name.Chars)
		}
	}

	for exception.Next != nil {
		exception = exception.Next
		fmt.Fprintf(vm.Stderr,
			"\nError was encountered during the handling of the following error:\n\t[%s] %s [line %d]\n",
			exception.Kind, exception.Message.Chars, exception.Line)
	}

	vm.resetStack()
}

// === Calls ===

func (vm *VM) call(closure *value.ObjectClosure, argc int) bool {
	if argc != closure.Function.Arity {
		name := "anonymous function"
		if closure.Function.Name != nil {
			name = closure.Function.Name.Chars
		}
		return vm.RuntimeError(value.ArgumentError,
			"Function '%s' expects %d arguments (got %d).", name, closure.Function.Arity, argc)
	}
	if vm.frameCount == FramesMax {
		return vm.RuntimeError(value.RecursionError, "Exceeded max call depth (%d).", FramesMax)
	}
	frame := &vm.frames[vm.frameCount]
	vm.frameCount++
	frame.closure = closure
	frame.ip = 0
	frame.slots = vm.sp - argc - 1
	return true
}

func (vm *VM) callValue(callee value.Value, argc int) bool {
	if callee.IsObj() {
		switch callee.Obj.Header().Type {
		case value.ObjClosure:
			return vm.call(callee.AsClosure(), argc)
		case value.ObjNative:
			native := callee.AsNative()
			// Natives may not be GC-safe, so collection pauses for
			// the call and pressure is checked afterwards.
			vm.heap.Disable()
			result := native.Function(argc, vm.stack[vm.sp-argc:vm.sp])
			vm.heap.Enable()
			vm.heap.CheckPressure()
			if result.IsNativeError() {
				return false
			}
			if result.IsHandledNativeError() {
				return true
			}
			vm.sp -= argc + 1
			vm.push(result)
			return true
		case value.ObjClass:
			class := callee.AsClass()
			vm.stack[vm.sp-argc-1] = value.ObjVal(vm.heap.NewInstance(class))
			if initialiser, ok := class.Methods.Get(vm.initString); ok {
				return vm.call(initialiser.AsClosure(), argc)
			} else if argc != 0 {
				return vm.RuntimeError(value.ArgumentError, "Expected 0 arguments (got %d).", argc)
			}
			return true
		case value.ObjBoundMethod:
			bound := callee.AsBoundMethod()
			vm.stack[vm.sp-argc-1] = bound.Receiver
			return vm.call(bound.Method, argc)
		}
	}
	return vm.RuntimeError(value.TypeError, "Can only call functions.")
}

func (vm *VM) invokeFromClass(class *value.ObjectClass, name *value.ObjectString, argc int) bool {
	method, ok := class.Methods.Get(name)
	if !ok {
		return vm.RuntimeError(value.NameError, "Undefined property '%s'.", name.Chars)
	}
	return vm.call(method.AsClosure(), argc)
}

func (vm *VM) invoke(name *value.ObjectString, argc int) bool {
	receiver := vm.peek(argc)

	if receiver.IsNamespace() {
		namespace := receiver.AsNamespace()
		if v, ok := namespace.Values.Get(name); ok {
			vm.stack[vm.sp-argc-1] = v
			return vm.callValue(v, argc)
		}
		return vm.RuntimeError(value.NameError,
			"Could not find '%s' in namespace '%s'.", name.Chars, namespace.Name.Chars)
	}

	if !receiver.IsInstance() {
		return vm.RuntimeError(value.TypeError, "Only instances and namespaces have methods or functions.")
	}
	instance := receiver.AsInstance()

	// A field holding a callable shadows the class method.
	if v, ok := instance.Fields.Get(name); ok {
		vm.stack[vm.sp-argc-1] = v
		return vm.callValue(v, argc)
	}
	return vm.invokeFromClass(instance.Class, name, argc)
}

func (vm *VM) bindMethod(class *value.ObjectClass, name *value.ObjectString, keepRef bool) bool {
	method, ok := class.Methods.Get(name)
	if !ok {
		return false
	}
	bound := vm.heap.NewBoundMethod(vm.peek(0), method.AsClosure())
	if !keepRef {
		vm.pop()
	}
	vm.push(value.ObjVal(bound))
	return true
}

// === Upvalues ===

// captureUpvalue returns the open upvalue for a stack slot, creating and
// splicing one into the sorted open list if the slot is not yet captured.
func (vm *VM) captureUpvalue(slot int) *value.ObjectUpvalue {
	var prev *value.ObjectUpvalue
	upval := vm.openUpvalues
	for upval != nil && upval.Slot > slot {
		prev = upval
		upval = upval.Next
	}
	if upval != nil && upval.Slot == slot {
		return upval
	}

	created := vm.heap.NewUpvalue(slot)
	created.Next = upval
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.Next = created
	}
	return created
}

// closeUpvalues closes every open upvalue at or above the given slot.
func (vm *VM) closeUpvalues(last int) {
	for vm.openUpvalues != nil && vm.openUpvalues.Slot >= last {
		upval := vm.openUpvalues
		upval.Close(vm.stack[upval.Slot])
		vm.openUpvalues = upval.Next
	}
}

func (vm *VM) upvalueGet(upval *value.ObjectUpvalue) value.Value {
	if upval.IsOpen() {
		return vm.stack[upval.Slot]
	}
	return upval.Closed
}

func (vm *VM) upvalueSet(upval *value.ObjectUpvalue, v value.Value) {
	if upval.IsOpen() {
		vm.stack[upval.Slot] = v
	} else {
		upval.Closed = v
	}
}

// === Classes ===

func (vm *VM) defineMethod(name *value.ObjectString) {
	method := vm.peek(0)
	class := vm.peek(1).AsClass()
	class.Methods.Set(vm.heap, name, method)
	vm.pop()
}

// === Operators ===

// concatenate joins two strings or two arrays from the stack top.
func (vm *VM) concatenate() bool {
	if vm.peek(0).IsString() {
		b := vm.peek(0).AsString()
		a := vm.peek(1).AsString()
		result := vm.heap.Intern(a.Chars + b.Chars)
		vm.popN(2)
		vm.push(value.ObjVal(result))
		return true
	}

	b := vm.peek(0).AsArray()
	a := vm.peek(1).AsArray()
	joined := make([]value.Value, 0, len(a.Arr.Values)+len(b.Arr.Values))
	joined = append(joined, a.Arr.Values...)
	joined = append(joined, b.Arr.Values...)
	array := vm.heap.NewArray(joined)
	vm.popN(2)
	vm.push(value.ObjVal(array))
	return true
}

// binaryNumeric implements the arithmetic operators: numbers compute
// directly, instances defer to their dunder override with the right operand
// as the argument.
func (vm *VM) binaryNumeric(apply func(a, b float64) float64, override *value.ObjectString) bool {
	if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
		if vm.peek(1).IsInstance() {
			instance := vm.peek(1).AsInstance()
			if method, ok := instance.Class.Methods.Get(override); ok {
				if !vm.call(method.AsClosure(), 1) {
					return false
				}
				vm.frame = &vm.frames[vm.frameCount-1]
				return true
			}
		}
		return vm.RuntimeError(value.TypeError, "Unsupported operands for binary operation.")
	}
	b := vm.pop().Number
	a := vm.pop().Number
	vm.push(value.NumberVal(apply(a, b)))
	return true
}

// binaryComparison implements the ordering operators: both operands must
// share a type; numbers compare numerically and strings lexicographically.
func (vm *VM) binaryComparison(applyNum func(a, b float64) bool, applyCmp func(cmp int) bool) bool {
	b := vm.peek(0)
	a := vm.peek(1)
	if a.Type != b.Type {
		return vm.RuntimeError(value.TypeError, "Cannot perform comparison on values of different type.")
	}
	switch a.Type {
	case value.TypeNumber:
		vm.popN(2)
		vm.push(value.BoolVal(applyNum(a.Number, b.Number)))
		return true
	case value.TypeObject:
		if a.Obj.Header().Type != b.Obj.Header().Type {
			return vm.RuntimeError(value.TypeError, "Cannot perform comparison on objects of different type.")
		}
		if a.IsString() {
			vm.popN(2)
			vm.push(value.BoolVal(applyCmp(value.StringCompare(a.AsString(), b.AsString()))))
			return true
		}
		return vm.RuntimeError(value.TypeError, "Unsupported type for comparison operator.")
	default:
		return vm.RuntimeError(value.TypeError, "Unsupported type for comparison operator.")
	}
}

// arrayGet implements indexing reads on arrays and strings.
func (vm *VM) arrayGet(keepRef bool) bool {
	if !vm.peek(1).IsObj() {
		return vm.RuntimeError(value.TypeError, "Attempt to index value that is not a string or an array.")
	}
	index := vm.peek(0)
	if !index.IsNumber() {
		return vm.RuntimeError(value.TypeError, "Expected number as array index.")
	}

	switch vm.peek(1).Obj.Header().Type {
	case value.ObjArray:
		array := vm.peek(1).AsArray()
		length := len(array.Arr.Values)
		i := index.Number
		if i < 0 {
			i += float64(length)
		}
		if i < 0 {
			return vm.RuntimeError(value.IndexError, "Index is less than min index of array (-%d).", length)
		}
		if int(i) >= length {
			return vm.RuntimeError(value.IndexError,
				"Array index %d exceeds max index of array (%d).", int(i), length-1)
		}
		atIndex := array.Arr.Values[int(i)]
		if !keepRef {
			vm.popN(2)
		}
		vm.push(atIndex)
		return true
	case value.ObjString:
		str := vm.peek(1).AsString()
		length := len(str.Chars)
		i := index.Number
		if i < 0 {
			i += float64(length)
		}
		if i < 0 {
			return vm.RuntimeError(value.IndexError, "Index is less than min index of string (-%d).", length)
		}
		if int(i) >= length {
			return vm.RuntimeError(value.IndexError,
				"Index %d exceeds max index of string (%d).", int(i), length-1)
		}
		result := vm.heap.Intern(str.Chars[int(i) : int(i)+1])
		if !keepRef {
			vm.popN(2)
		}
		vm.push(value.ObjVal(result))
		return true
	default:
		return vm.RuntimeError(value.TypeError, "Attempt to index value that is not a string or an array.")
	}
}

// === Decoding helpers ===

func (vm *VM) readByte() byte {
	code := vm.frame.closure.Function.Seg.Code
	b := code[vm.frame.ip]
	vm.frame.ip++
	return b
}

func (vm *VM) readUint(width int) uint64 {
	var n uint64
	for i := 0; i < width; i++ {
		n = n<<8 | uint64(vm.readByte())
	}
	return n
}

// readVariableArg reads a reference operand: one byte, or three when the
// previous instruction was the OpLong prefix.
func (vm *VM) readVariableArg() int {
	if vm.longInstruction {
		vm.longInstruction = false
		return int(vm.readUint(3))
	}
	return int(vm.readByte())
}

func (vm *VM) readVariableConst() value.Value {
	return vm.frame.closure.Function.Seg.Constants.Values[vm.readVariableArg()]
}

// === Dispatch loop ===

func (vm *VM) run() InterpretResult {
	vm.frame = &vm.frames[vm.frameCount-1]

	for {
		instruction := bytecode.Opcode(vm.readByte())
		switch instruction {
		case bytecode.OpReturn:
			result := vm.pop()
			vm.closeUpvalues(vm.frame.slots)
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop()
				return InterpretOK
			}
			vm.sp = vm.frame.slots
			vm.push(result)
			vm.frame = &vm.frames[vm.frameCount-1]

		case bytecode.OpConstant:
			vm.push(vm.readVariableConst())

		case bytecode.OpNull:
			vm.push(value.NullVal())
		case bytecode.OpTrue:
			vm.push(value.BoolVal(true))
		case bytecode.OpFalse:
			vm.push(value.BoolVal(false))
		case bytecode.OpUndefined:
			vm.push(value.UndefinedVal())

		case bytecode.OpPop:
			vm.pop()
		case bytecode.OpPopN:
			vm.popN(int(vm.readByte()))

		case bytecode.OpNegate:
			if !vm.peek(0).IsNumber() {
				if !vm.RuntimeError(value.TypeError, "Operand must be a number.") {
					return InterpretRuntimeError
				}
				continue
			}
			vm.stack[vm.sp-1].Number = -vm.stack[vm.sp-1].Number

		case bytecode.OpNot:
			vm.push(value.BoolVal(value.IsFalsey(vm.pop())))

		case bytecode.OpAdd:
			if (vm.peek(0).IsString() && vm.peek(1).IsString()) ||
				(vm.peek(0).IsArray() && vm.peek(1).IsArray()) {
				vm.concatenate()
			} else if !vm.binaryNumeric(func(a, b float64) float64 { return a + b }, vm.addString) {
				return InterpretRuntimeError
			}
		case bytecode.OpSubtract:
			if !vm.binaryNumeric(func(a, b float64) float64 { return a - b }, vm.subString) {
				return InterpretRuntimeError
			}
		case bytecode.OpMultiply:
			if !vm.binaryNumeric(func(a, b float64) float64 { return a * b }, vm.mulString) {
				return InterpretRuntimeError
			}
		case bytecode.OpDivide:
			if !vm.binaryNumeric(func(a, b float64) float64 { return a / b }, vm.divString) {
				return InterpretRuntimeError
			}
		case bytecode.OpPower:
			if !vm.binaryNumeric(math.Pow, vm.powString) {
				return InterpretRuntimeError
			}

		case bytecode.OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.BoolVal(value.Equals(a, b)))

		case bytecode.OpGreater:
			if !vm.binaryComparison(
				func(a, b float64) bool { return a > b },
				func(cmp int) bool { return cmp > 0 }) {
				return InterpretRuntimeError
			}
		case bytecode.OpGreaterEqual:
			if !vm.binaryComparison(
				func(a, b float64) bool { return a >= b },
				func(cmp int) bool { return cmp >= 0 }) {
				return InterpretRuntimeError
			}
		case bytecode.OpLess:
			if !vm.binaryComparison(
				func(a, b float64) bool { return a < b },
				func(cmp int) bool { return cmp < 0 }) {
				return InterpretRuntimeError
			}
		case bytecode.OpLessEqual:
			if !vm.binaryComparison(
				func(a, b float64) bool { return a <= b },
				func(cmp int) bool { return cmp <= 0 }) {
				return InterpretRuntimeError
			}

		case bytecode.OpPrint:
			fmt.Fprintln(vm.Stdout, vm.pop())

		case bytecode.OpDefineGlobal:
			name := vm.readVariableConst().AsString()
			vm.globals.Set(vm.heap, name, vm.peek(0))
			vm.pop()

		case bytecode.OpGetGlobal:
			name := vm.readVariableConst().AsString()
			val, ok := vm.globals.Get(name)
			if !ok {
				if !vm.RuntimeError(value.NameError, "Undefined variable '%s'.", name.Chars) {
					return InterpretRuntimeError
				}
				continue
			}
			vm.push(val)

		case bytecode.OpSetGlobal:
			name := vm.readVariableConst().AsString()
			if vm.globals.Set(vm.heap, name, vm.peek(0)) {
				vm.globals.Delete(name)
				if !vm.RuntimeError(value.NameError, "Undefined variable '%s'.", name.Chars) {
					return InterpretRuntimeError
				}
				continue
			}

		case bytecode.OpGetLocal:
			vm.push(vm.stack[vm.frame.slots+vm.readVariableArg()])
		case bytecode.OpSetLocal:
			vm.stack[vm.frame.slots+vm.readVariableArg()] = vm.peek(0)

		case bytecode.OpGetUpvalue:
			vm.push(vm.upvalueGet(vm.frame.closure.Upvalues[vm.readVariableArg()]))
		case bytecode.OpSetUpvalue:
			vm.upvalueSet(vm.frame.closure.Upvalues[vm.readVariableArg()], vm.peek(0))

		case bytecode.OpJump:
			offset := vm.readUint(bytecode.JumpOperandLen)
			vm.frame.ip += int(offset)
		case bytecode.OpJumpIfFalse:
			offset := vm.readUint(bytecode.JumpOperandLen)
			if value.IsFalsey(vm.peek(0)) {
				vm.frame.ip += int(offset)
			}
		case bytecode.OpJumpIfTrue:
			offset := vm.readUint(bytecode.JumpOperandLen)
			if !value.IsFalsey(vm.peek(0)) {
				vm.frame.ip += int(offset)
			}
		case bytecode.OpLoop:
			offset := vm.readUint(bytecode.JumpOperandLen)
			vm.frame.ip -= int(offset)

		case bytecode.OpCall:
			argc := int(vm.readByte())
			if !vm.callValue(vm.peek(argc), argc) {
				return InterpretRuntimeError
			}
			vm.frame = &vm.frames[vm.frameCount-1]

		case bytecode.OpClosure:
			function := vm.frame.closure.Function.Seg.Constants.Values[vm.readUint(3)].AsFunction()
			closure := vm.heap.NewClosure(function)
			vm.push(value.ObjVal(closure))
			for i := range closure.Upvalues {
				isLocal := vm.readByte()
				index := int(vm.readUint(3))
				if isLocal == 1 {
					closure.Upvalues[i] = vm.captureUpvalue(vm.frame.slots + index)
				} else {
					closure.Upvalues[i] = vm.frame.closure.Upvalues[index]
				}
			}

		case bytecode.OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case bytecode.OpClass:
			vm.push(value.ObjVal(vm.heap.NewClass(vm.readVariableConst().AsString())))

		case bytecode.OpMethod:
			vm.defineMethod(vm.readVariableConst().AsString())

		case bytecode.OpInherit:
			superclass := vm.peek(1)
			if !superclass.IsClass() {
				if !vm.RuntimeError(value.TypeError, "Can only inherit from class.") {
					return InterpretRuntimeError
				}
				continue
			}
			subclass := vm.peek(0).AsClass()
			superclass.AsClass().Methods.CopyAll(vm.heap, &subclass.Methods)
			vm.pop()

		case bytecode.OpGetProperty, bytecode.OpGetPropertyKeepRef:
			keepRef := instruction == bytecode.OpGetPropertyKeepRef
			name := vm.readVariableConst().AsString()
			if !vm.getProperty(name, keepRef) {
				return InterpretRuntimeError
			}

		case bytecode.OpSetProperty:
			name := vm.readVariableConst().AsString()
			obj := vm.peek(1)
			if obj.IsException() {
				if !vm.RuntimeError(value.TypeError, "Properties of exceptions cannot be set.") {
					return InterpretRuntimeError
				}
				continue
			}
			var table *value.Hashmap
			switch {
			case obj.IsInstance():
				table = &obj.AsInstance().Fields
			case obj.IsNamespace():
				table = &obj.AsNamespace().Values
			default:
				if !vm.RuntimeError(value.TypeError, "Only instances and namespaces have fields.") {
					return InterpretRuntimeError
				}
				continue
			}
			table.Set(vm.heap, name, vm.peek(0))
			v := vm.pop()
			vm.pop()
			vm.push(v)

		case bytecode.OpInvoke:
			method := vm.readVariableConst().AsString()
			argc := int(vm.readByte())
			if !vm.invoke(method, argc) {
				return InterpretRuntimeError
			}
			vm.frame = &vm.frames[vm.frameCount-1]

		case bytecode.OpGetSuper:
			name := vm.readVariableConst().AsString()
			superclass := vm.pop().AsClass()
			if !vm.bindMethod(superclass, name, false) {
				if !vm.RuntimeError(value.NameError, "Undefined property '%s'.", name.Chars) {
					return InterpretRuntimeError
				}
				continue
			}

		case bytecode.OpInvokeSuper:
			method := vm.readVariableConst().AsString()
			argc := int(vm.readByte())
			superclass := vm.pop().AsClass()
			if !vm.invokeFromClass(superclass, method, argc) {
				return InterpretRuntimeError
			}
			vm.frame = &vm.frames[vm.frameCount-1]

		case bytecode.OpMakeArray:
			count := int(vm.pop().Number)
			array := vm.heap.NewArray(vm.stack[vm.sp-count : vm.sp])
			vm.popN(count)
			vm.push(value.ObjVal(array))

		case bytecode.OpArrayGet:
			if !vm.arrayGet(false) {
				return InterpretRuntimeError
			}
		case bytecode.OpArrayGetKeepRef:
			if !vm.arrayGet(true) {
				return InterpretRuntimeError
			}

		case bytecode.OpArraySet:
			newValue := vm.peek(0)
			index := vm.peek(1)
			if !vm.peek(2).IsArray() {
				if !vm.RuntimeError(value.TypeError, "Attempt to set at index of non-array value.") {
					return InterpretRuntimeError
				}
				continue
			}
			if !index.IsNumber() {
				if !vm.RuntimeError(value.TypeError, "Expected number as array index.") {
					return InterpretRuntimeError
				}
				continue
			}
			array := vm.peek(2).AsArray()
			i := index.Number
			if i < 0 {
				i += float64(len(array.Arr.Values))
			}
			if i < 0 {
				if !vm.RuntimeError(value.IndexError,
					"Index is less than min index of array (-%d).", len(array.Arr.Values)) {
					return InterpretRuntimeError
				}
				continue
			}
			array.Arr.Set(vm.heap, int(i), newValue)
			vm.popN(2)

		case bytecode.OpTypeof:
			if !vm.typeofValue() {
				return InterpretRuntimeError
			}

		case bytecode.OpLen:
			if !vm.lengthOf() {
				return InterpretRuntimeError
			}

		case bytecode.OpConvType:
			tag := value.Typeof(vm.readByte())
			if !vm.convertTop(tag) {
				return InterpretRuntimeError
			}
			vm.frame = &vm.frames[vm.frameCount-1]

		case bytecode.OpPushTypeof:
			vm.push(value.TypeVal(value.Typeof(vm.readByte())))

		case bytecode.OpRaise:
			val := vm.pop()
			if !val.IsException() {
				if !vm.RuntimeError(value.TypeError, "Can only raise exceptions.") {
					return InterpretRuntimeError
				}
				continue
			}
			if !vm.raise(val.AsException()) {
				return InterpretRuntimeError
			}

		case bytecode.OpRegisterCatch:
			numErrors := int(vm.readByte())
			catchAddress := int(vm.readUint(bytecode.CatchAddressLen))
			catcher := &catchHandler{catchAddress: catchAddress}
			badKind := false
			for i := 0; i < numErrors; i++ {
				val := vm.pop()
				if !val.IsErrorKind() {
					if !vm.RuntimeError(value.TypeError, "Expected an error type in catch statement.") {
						return InterpretRuntimeError
					}
					badKind = true
					break
				}
				catcher.kinds = append(catcher.kinds, val.Kind)
			}
			if badKind {
				continue
			}
			catcher.frameCount = vm.frameCount
			catcher.stackSize = vm.sp
			catcher.next = vm.catchStack
			vm.catchStack = catcher

		case bytecode.OpUnregisterCatch:
			if vm.catchStack != nil {
				vm.catchStack = vm.catchStack.next
			}

		case bytecode.OpMarkErrorsHandled:
			vm.exceptionChain = nil

		case bytecode.OpImport:
			namespaceName := vm.readVariableConst().AsString()
			if !vm.peek(0).IsString() {
				if !vm.RuntimeError(value.TypeError, "Import path must be a string.") {
					return InterpretRuntimeError
				}
				continue
			}
			filename := vm.peek(0).AsString()
			imported, ok := vm.importModule(filename, namespaceName)
			if !ok {
				return InterpretRuntimeError
			}
			if imported {
				// Replace the path string with the namespace.
				vm.stack[vm.sp-2] = vm.stack[vm.sp-1]
				vm.pop()
			}

		case bytecode.OpLong:
			vm.longInstruction = true

		default:
			// Unreachable from well-typed compiler output.
			fmt.Fprintf(vm.Stderr, "Unknown opcode %d.\n", instruction)
			return InterpretRuntimeError
		}
	}
}

// getProperty implements OpGetProperty and its keep-ref variant for
// instances, namespaces and exceptions.
func (vm *VM) getProperty(name *value.ObjectString, keepRef bool) bool {
	obj := vm.peek(0)
	switch {
	case obj.IsInstance():
		instance := obj.AsInstance()
		if v, ok := instance.Fields.Get(name); ok {
			if !keepRef {
				vm.pop()
			}
			vm.push(v)
			return true
		}
		if !vm.bindMethod(instance.Class, name, keepRef) {
			// Missing properties read as undefined rather than raising.
			if !keepRef {
				vm.pop()
			}
			vm.push(value.UndefinedVal())
		}
		return true
	case obj.IsNamespace():
		namespace := obj.AsNamespace()
		if v, ok := namespace.Values.Get(name); ok {
			if !keepRef {
				vm.pop()
			}
			vm.push(v)
			return true
		}
		return vm.RuntimeError(value.NameError,
			"Could not find '%s' in namespace '%s'.", name.Chars, namespace.Name.Chars)
	case obj.IsException():
		exception := obj.AsException()
		switch name {
		case vm.messageString:
			if !keepRef {
				vm.pop()
			}
			vm.push(value.ObjVal(exception.Message))
		case vm.typeString:
			if !keepRef {
				vm.pop()
			}
			vm.push(value.ErrorKindVal(exception.Kind))
		default:
			return vm.RuntimeError(value.NameError, "Exceptions do not have property '%s'.", name.Chars)
		}
		return true
	default:
		return vm.RuntimeError(value.TypeError, "Only instances, namespaces and exceptions have properties.")
	}
}

// typeofValue implements OpTypeof.
func (vm *VM) typeofValue() bool {
	v := vm.peek(0)
	switch v.Type {
	case value.TypeNull:
		vm.pop()
		vm.push(value.NullVal())
	case value.TypeUndefined:
		vm.pop()
		vm.push(value.UndefinedVal())
	case value.TypeNumber:
		vm.pop()
		vm.push(value.TypeVal(value.TypeofNum))
	case value.TypeBool:
		vm.pop()
		vm.push(value.TypeVal(value.TypeofBool))
	case value.TypeObject:
		switch v.Obj.Header().Type {
		case value.ObjString:
			vm.pop()
			vm.push(value.TypeVal(value.TypeofString))
		case value.ObjArray:
			vm.pop()
			vm.push(value.TypeVal(value.TypeofArray))
		case value.ObjClass:
			vm.pop()
			vm.push(value.TypeVal(value.TypeofClass))
		case value.ObjFunction, value.ObjClosure, value.ObjBoundMethod, value.ObjNative:
			vm.pop()
			vm.push(value.TypeVal(value.TypeofFunction))
		case value.ObjNamespace:
			vm.pop()
			vm.push(value.TypeVal(value.TypeofNamespace))
		case value.ObjInstance:
			instance := v.AsInstance()
			vm.pop()
			vm.push(value.ObjVal(instance.Class))
		default:
			return vm.RuntimeError(value.TypeError, "Unsupported type for 'typeof'.")
		}
	default:
		return vm.RuntimeError(value.TypeError, "Unsupported type for 'typeof'.")
	}
	return true
}

// lengthOf implements OpLen: string and array lengths, with a __len__
// override for instances.
func (vm *VM) lengthOf() bool {
	v := vm.peek(0)
	if v.IsObj() {
		switch v.Obj.Header().Type {
		case value.ObjString:
			length := len(v.AsString().Chars)
			vm.pop()
			vm.push(value.NumberVal(float64(length)))
			return true
		case value.ObjArray:
			length := len(v.AsArray().Arr.Values)
			vm.pop()
			vm.push(value.NumberVal(float64(length)))
			return true
		case value.ObjInstance:
			instance := v.AsInstance()
			if method, ok := instance.Class.Methods.Get(vm.lenString); ok {
				if !vm.call(method.AsClosure(), 0) {
					return false
				}
				vm.frame = &vm.frames[vm.frameCount-1]
				return true
			}
		}
	}
	return vm.RuntimeError(value.TypeError, "Unsupported type for 'len' operator.")
}
