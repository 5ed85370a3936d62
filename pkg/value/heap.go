package value

// GC tuning: the threshold starts generous and is rescaled to a multiple of
// the live heap after every collection.
const (
	GCHeapGrowFactor   = 2
	GCThresholdInitial = 512 * 1024
)

// Heap owns the allocation list, the byte accounting that decides when to
// collect, the grey worklist used during marking, and the string intern
// table. The VM installs its collectGarbage as Collect; until then (and
// while disabled) accounting never triggers a collection.
//
// A child heap created for an import borrows its parent's intern table
// (OwnsStrings is false) so string identity spans modules; its objects are
// merged into the parent when the import succeeds.
type Heap struct {
	objects        Obj
	BytesAllocated int
	Threshold      int

	// Stress forces a collection on every accounted growth; used by
	// tests to shake out rooting bugs.
	Stress bool

	disabled int
	grey     []Obj

	Strings     *Hashmap
	OwnsStrings bool

	// Collect runs a full collection cycle. Installed by the VM, which
	// knows the roots.
	Collect func()
}

// NewHeap creates a heap that owns its intern table.
func NewHeap() *Heap {
	return &Heap{
		Threshold:   GCThresholdInitial,
		Strings:     &Hashmap{},
		OwnsStrings: true,
		disabled:    1, // enabled once the VM has installed its collector
	}
}

// Disable suspends collection. Calls nest; Enable must be called once per
// Disable.
func (h *Heap) Disable() { h.disabled++ }

// Enable lifts one level of suspension.
func (h *Heap) Enable() { h.disabled-- }

// Allowed reports whether a collection may run right now.
func (h *Heap) Allowed() bool { return h.disabled == 0 && h.Collect != nil }

// Account records n bytes of allocation (negative on release). Growth may
// trigger a collection before the caller proceeds, so anything the caller
// has allocated but not yet rooted must be reachable or collection must be
// disabled.
func (h *Heap) Account(n int) {
	h.BytesAllocated += n
	if n <= 0 || !h.Allowed() {
		return
	}
	if h.Stress || h.BytesAllocated > h.Threshold {
		h.Collect()
	}
}

// CheckPressure runs a collection if the threshold has been crossed. Used to
// honour allocations made while collection was disabled, e.g. during a
// native call.
func (h *Heap) CheckPressure() {
	if h.Allowed() && (h.Stress || h.BytesAllocated > h.Threshold) {
		h.Collect()
	}
}

// register accounts for a newly allocated object and links it into the
// allocation list. The accounting happens first, so the collection it may
// trigger runs before the unreachable newcomer is linked in.
func (h *Heap) register(o Obj, payload int) {
	h.Account(objectHeaderSize + payload)
	o.Header().Next = h.objects
	h.objects = o
}

// Intern returns the canonical string object for chars, allocating and
// registering one on first sight. Every string the compiler or VM produces
// goes through here, which is what makes pointer comparison sound.
func (h *Heap) Intern(chars string) *ObjectString {
	hash := HashString(chars)
	if interned := h.Strings.FindString(chars, hash); interned != nil {
		return interned
	}
	s := &ObjectString{Object: Object{Type: ObjString}, Chars: chars, Hash: hash}
	h.register(s, len(chars))
	// The insert below can grow the table; keep collection off so the
	// not-yet-referenced string survives.
	h.Disable()
	h.Strings.Set(h, s, NullVal())
	h.Enable()
	return s
}

// NewFunction allocates an empty function; the compiler fills in the rest.
func (h *Heap) NewFunction() *ObjectFunction {
	f := &ObjectFunction{Object: Object{Type: ObjFunction}}
	h.register(f, 0)
	return f
}

// NewClosure wraps function with an upvalue array sized to its capture
// count; the VM populates the slots while executing OpClosure.
func (h *Heap) NewClosure(function *ObjectFunction) *ObjectClosure {
	c := &ObjectClosure{
		Object:   Object{Type: ObjClosure},
		Function: function,
		Upvalues: make([]*ObjectUpvalue, function.UpvalueCount),
	}
	h.register(c, function.UpvalueCount*8)
	return c
}

// NewUpvalue captures the stack slot at index slot.
func (h *Heap) NewUpvalue(slot int) *ObjectUpvalue {
	u := &ObjectUpvalue{Object: Object{Type: ObjUpvalue}, Slot: slot, Closed: NullVal()}
	h.register(u, ValueSize)
	return u
}

// NewNative wraps a host function.
func (h *Heap) NewNative(fn NativeFn) *ObjectNative {
	n := &ObjectNative{Object: Object{Type: ObjNative}, Function: fn}
	h.register(n, 0)
	return n
}

// NewClass allocates an empty class.
func (h *Heap) NewClass(name *ObjectString) *ObjectClass {
	c := &ObjectClass{Object: Object{Type: ObjClass}, Name: name}
	h.register(c, 0)
	return c
}

// NewInstance allocates an instance of class with no fields.
func (h *Heap) NewInstance(class *ObjectClass) *ObjectInstance {
	i := &ObjectInstance{Object: Object{Type: ObjInstance}, Class: class}
	h.register(i, 0)
	return i
}

// NewBoundMethod pairs a receiver with a method closure.
func (h *Heap) NewBoundMethod(receiver Value, method *ObjectClosure) *ObjectBoundMethod {
	b := &ObjectBoundMethod{Object: Object{Type: ObjBoundMethod}, Receiver: receiver, Method: method}
	h.register(b, ValueSize)
	return b
}

// NewNamespace wraps a copy of values (typically a finished module's
// globals) under name.
func (h *Heap) NewNamespace(name *ObjectString, values *Hashmap) *ObjectNamespace {
	n := &ObjectNamespace{Object: Object{Type: ObjNamespace}, Name: name}
	h.register(n, 0)
	values.CopyAll(h, &n.Values)
	return n
}

// NewException builds an exception record. Callers put it on the stack or
// the exception chain before allocating anything else.
func (h *Heap) NewException(message *ObjectString, kind ErrorKind, line uint32) *ObjectException {
	e := &ObjectException{Object: Object{Type: ObjException}, Message: message, Kind: kind, Line: line}
	h.register(e, 0)
	return e
}

// NewArray builds an array owning values, with capacity rounded up to the
// next power of two.
func (h *Heap) NewArray(values []Value) *ObjectArray {
	capacity := 1
	for capacity < len(values) {
		capacity *= 2
	}
	backing := make([]Value, len(values), capacity)
	copy(backing, values)
	a := &ObjectArray{Object: Object{Type: ObjArray}, Arr: ValueArray{Values: backing}}
	h.register(a, len(values)*ValueSize)
	return a
}

// MarkObject greys an object: sets its mark bit and queues it for child
// traversal. The grey worklist deliberately bypasses accounting so marking
// never recurses into a collection.
func (h *Heap) MarkObject(o Obj) {
	if o == nil || o.Header().Marked {
		return
	}
	o.Header().Marked = true
	h.grey = append(h.grey, o)
}

// MarkValue greys the object behind v, if any.
func (h *Heap) MarkValue(v Value) {
	if v.IsObj() {
		h.MarkObject(v.Obj)
	}
}

// MarkHashmap greys every key and value in the table.
func (h *Heap) MarkHashmap(m *Hashmap) {
	for i := range m.entries {
		e := &m.entries[i]
		if e.key != nil {
			h.MarkObject(e.key)
		}
		h.MarkValue(e.val)
	}
}

// TraceReferences drains the grey worklist, darkening each object's
// children.
func (h *Heap) TraceReferences() {
	for len(h.grey) > 0 {
		o := h.grey[len(h.grey)-1]
		h.grey = h.grey[:len(h.grey)-1]
		h.blacken(o)
	}
}

func (h *Heap) blacken(o Obj) {
	switch obj := o.(type) {
	case *ObjectString, *ObjectNative:
		// No children.
	case *ObjectUpvalue:
		h.MarkValue(obj.Closed)
	case *ObjectArray:
		for _, v := range obj.Arr.Values {
			h.MarkValue(v)
		}
	case *ObjectFunction:
		if obj.Name != nil {
			h.MarkObject(obj.Name)
		}
		for _, v := range obj.Seg.Constants.Values {
			h.MarkValue(v)
		}
	case *ObjectClosure:
		h.MarkObject(obj.Function)
		for _, upval := range obj.Upvalues {
			if upval != nil {
				h.MarkObject(upval)
			}
		}
	case *ObjectClass:
		h.MarkObject(obj.Name)
		h.MarkHashmap(&obj.Methods)
	case *ObjectInstance:
		h.MarkObject(obj.Class)
		h.MarkHashmap(&obj.Fields)
	case *ObjectBoundMethod:
		h.MarkValue(obj.Receiver)
		h.MarkObject(obj.Method)
	case *ObjectNamespace:
		h.MarkObject(obj.Name)
		h.MarkHashmap(&obj.Values)
	case *ObjectException:
		h.MarkObject(obj.Message)
		if obj.Next != nil {
			h.MarkObject(obj.Next)
		}
	}
}

// RemoveWhiteStrings deletes intern entries whose key is about to be swept,
// giving the table weak-reference behaviour without treating it as a root.
// Child heaps that borrow their parent's table must not call this.
func (h *Heap) RemoveWhiteStrings() {
	for i := range h.Strings.entries {
		e := &h.Strings.entries[i]
		if e.key != nil && !e.key.Marked {
			h.Strings.Delete(e.key)
		}
	}
}

// Sweep frees every unmarked object and clears the mark on survivors.
func (h *Heap) Sweep() {
	var prev Obj
	o := h.objects
	for o != nil {
		header := o.Header()
		if header.Marked {
			header.Marked = false
			prev = o
			o = header.Next
			continue
		}
		unreached := o
		o = header.Next
		if prev != nil {
			prev.Header().Next = o
		} else {
			h.objects = o
		}
		h.free(unreached)
	}
}

func (h *Heap) free(o Obj) {
	h.BytesAllocated -= o.size()
	o.Header().Next = nil
	// Unlinked and unaccounted; the Go runtime reclaims the memory once
	// the last reference drops.
}

// FreeObjects releases the whole allocation list; used on VM teardown.
func (h *Heap) FreeObjects() {
	o := h.objects
	for o != nil {
		next := o.Header().Next
		h.free(o)
		o = next
	}
	h.objects = nil
}

// Merge transfers ownership of every object in child into h. The child must
// have been sharing h's intern table, and is unusable afterwards.
func (h *Heap) Merge(child *Heap) {
	if child.objects != nil {
		if h.objects == nil {
			h.objects = child.objects
		} else {
			tail := h.objects
			for tail.Header().Next != nil {
				tail = tail.Header().Next
			}
			tail.Header().Next = child.objects
		}
		child.objects = nil
	}
	h.Account(child.BytesAllocated)
	child.BytesAllocated = 0
}

// Objects exposes the head of the allocation list for diagnostics and
// tests.
func (h *Heap) Objects() Obj { return h.objects }
