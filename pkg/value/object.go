package value

// ObjectType discriminates the heap object variants.
type ObjectType byte

const (
	ObjString ObjectType = iota
	ObjArray
	ObjFunction
	ObjClosure
	ObjUpvalue
	ObjNative
	ObjClass
	ObjInstance
	ObjBoundMethod
	ObjNamespace
	ObjException
)

// Object is the header embedded in every heap object: the variant tag, the
// collector's mark bit, and the intrusive link in the heap's allocation
// list. Marked is zero between collection cycles.
type Object struct {
	Type   ObjectType
	Marked bool
	Next   Obj
}

// Obj is implemented by every heap object variant.
type Obj interface {
	Header() *Object
	objString() string
	size() int
}

func (o *Object) Header() *Object { return o }

// ObjectString is an interned immutable string. Hash is the FNV-1a hash of
// Chars, precomputed so the hashmap and intern table never rehash.
type ObjectString struct {
	Object
	Chars string
	Hash  uint32
}

// ObjectArray is a growable sequence of values.
type ObjectArray struct {
	Object
	Arr ValueArray
}

// ObjectFunction is a compiled function: its bytecode segment, arity and
// capture count. Name is nil for the top-level script.
type ObjectFunction struct {
	Object
	Arity        int
	UpvalueCount int
	Seg          Segment
	Name         *ObjectString
}

// ObjectClosure pairs a function with the upvalues captured at the point the
// OpClosure instruction ran. len(Upvalues) always equals
// Function.UpvalueCount.
type ObjectClosure struct {
	Object
	Function *ObjectFunction
	Upvalues []*ObjectUpvalue
}

// ObjectUpvalue is a captured variable. While open it refers to a live value
// stack slot by index; once closed it owns the value itself and Slot is -1.
// Open upvalues form the VM's list sorted by descending slot.
type ObjectUpvalue struct {
	Object
	Slot   int
	Closed Value
	Next   *ObjectUpvalue
}

// IsOpen reports whether the upvalue still points into the value stack.
func (o *ObjectUpvalue) IsOpen() bool { return o.Slot >= 0 }

// Close moves the given value into the upvalue and detaches it from the
// stack.
func (o *ObjectUpvalue) Close(v Value) {
	o.Closed = v
	o.Slot = -1
}

// NativeFn is the heap-facing shape of a host function. The VM wraps its own
// richer signature around this when registering natives.
type NativeFn func(argc int, argv []Value) Value

// ObjectNative wraps a host function.
type ObjectNative struct {
	Object
	Function NativeFn
}

// ObjectClass holds a class's name and method table (name -> closure).
type ObjectClass struct {
	Object
	Name    *ObjectString
	Methods Hashmap
}

// ObjectInstance is an instance with its per-object field table.
type ObjectInstance struct {
	Object
	Class  *ObjectClass
	Fields Hashmap
}

// ObjectBoundMethod binds a receiver to a method closure so the method can
// be passed around as a value.
type ObjectBoundMethod struct {
	Object
	Receiver Value
	Method   *ObjectClosure
}

// ObjectNamespace is the result of an import: a named mapping of the
// imported module's globals.
type ObjectNamespace struct {
	Object
	Name   *ObjectString
	Values Hashmap
}

// ObjectException carries a raised error: its kind, message, the source line
// it was raised from, and the exception being handled when it was raised (if
// any), forming a causal chain.
type ObjectException struct {
	Object
	Message *ObjectString
	Kind    ErrorKind
	Line    uint32
	Next    *ObjectException
}

// StringCompare orders two interned strings lexicographically, the shorter
// winning on an equal prefix. Identity short-circuits to 0.
func StringCompare(a, b *ObjectString) int {
	if a == b {
		return 0
	}
	switch {
	case a.Chars < b.Chars:
		return -1
	case a.Chars > b.Chars:
		return 1
	default:
		return 0
	}
}

// HashString computes the 32-bit FNV-1a hash used by the intern table.
func HashString(chars string) uint32 {
	hash := uint32(2166136261)
	for i := 0; i < len(chars); i++ {
		hash ^= uint32(chars[i])
		hash *= 16777619
	}
	return hash
}

// ValueArray is the growable value sequence backing arrays and constant
// pools. Appends route their size through the heap so allocation pressure is
// visible to the collector.
type ValueArray struct {
	Values []Value
}

// Write appends a value, accounting the growth against the heap.
func (arr *ValueArray) Write(h *Heap, v Value) {
	h.Account(ValueSize)
	arr.Values = append(arr.Values, v)
}

// Set stores at index, growing the array with null padding when the index is
// past the current length.
func (arr *ValueArray) Set(h *Heap, index int, v Value) {
	for index >= len(arr.Values) {
		arr.Write(h, NullVal())
	}
	arr.Values[index] = v
}

// Rough per-element sizes used for allocation accounting. They only need to
// be consistent between Account calls and the size() figures the sweeper
// subtracts.
const (
	ValueSize        = 48
	entrySize        = 56
	objectHeaderSize = 32
)

func (o *ObjectString) size() int { return objectHeaderSize + len(o.Chars) }
func (o *ObjectArray) size() int  { return objectHeaderSize + len(o.Arr.Values)*ValueSize }
func (o *ObjectFunction) size() int {
	return objectHeaderSize + len(o.Seg.Code)*codeByteSize + len(o.Seg.Constants.Values)*ValueSize
}
func (o *ObjectClosure) size() int     { return objectHeaderSize + len(o.Upvalues)*8 }
func (o *ObjectUpvalue) size() int     { return objectHeaderSize + ValueSize }
func (o *ObjectNative) size() int      { return objectHeaderSize }
func (o *ObjectClass) size() int       { return objectHeaderSize + len(o.Methods.entries)*entrySize }
func (o *ObjectInstance) size() int    { return objectHeaderSize + len(o.Fields.entries)*entrySize }
func (o *ObjectBoundMethod) size() int { return objectHeaderSize + ValueSize }
func (o *ObjectNamespace) size() int   { return objectHeaderSize + len(o.Values.entries)*entrySize }
func (o *ObjectException) size() int   { return objectHeaderSize }
