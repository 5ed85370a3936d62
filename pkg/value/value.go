// Package value implements the runtime representation shared by the canidae
// compiler and virtual machine: tagged values, heap objects, code segments,
// the string-keyed hashmap, and the heap bookkeeping that drives the
// mark-and-sweep collector.
//
// A Value is a small tagged struct passed around by copy; anything bigger
// than a number lives on the managed heap as an Object variant and is
// reached through the Value's Obj field. Strings are interned, so two string
// Values are equal exactly when they point at the same object.
package value

import (
	"fmt"
	"strings"
)

// Type discriminates the variants of a Value.
type Type byte

const (
	TypeNull Type = iota
	TypeNumber
	TypeBool
	TypeObject
	TypeUndefined
	TypeTypeof
	TypeErrorKind
	// TypeNativeError and TypeHandledNativeError are internal sentinels
	// returned by native functions to hand control back to the VM; they
	// never appear on the value stack.
	TypeNativeError
	TypeHandledNativeError
)

// Typeof enumerates the type values the language exposes through the
// typeof operator and the bare type keywords.
type Typeof byte

const (
	TypeofNum Typeof = iota
	TypeofBool
	TypeofString
	TypeofArray
	TypeofClass
	TypeofFunction
	TypeofNamespace
)

func (t Typeof) String() string {
	names := [...]string{"num", "bool", "str", "array", "class", "function", "namespace"}
	return names[t]
}

// ErrorKind classifies runtime errors and exceptions.
type ErrorKind byte

const (
	NameError ErrorKind = iota
	TypeError
	ValueError
	ImportError
	ArgumentError
	RecursionError
	MemoryError
	IndexError
)

func (k ErrorKind) String() string {
	names := [...]string{
		"NameError", "TypeError", "ValueError", "ImportError",
		"ArgumentError", "RecursionError", "MemoryError", "IndexError",
	}
	return names[k]
}

// Value is the runtime representation of every canidae value. The Type tag
// selects which of the payload fields is meaningful.
type Value struct {
	Type    Type
	Number  float64
	Boolean bool
	TypeTag Typeof
	Kind    ErrorKind
	Obj     Obj
}

// Constructors for each variant.

func NumberVal(n float64) Value    { return Value{Type: TypeNumber, Number: n} }
func BoolVal(b bool) Value         { return Value{Type: TypeBool, Boolean: b} }
func NullVal() Value               { return Value{Type: TypeNull} }
func UndefinedVal() Value          { return Value{Type: TypeUndefined} }
func TypeVal(t Typeof) Value       { return Value{Type: TypeTypeof, TypeTag: t} }
func ErrorKindVal(k ErrorKind) Value { return Value{Type: TypeErrorKind, Kind: k} }
func ObjVal(o Obj) Value           { return Value{Type: TypeObject, Obj: o} }
func NativeErrorVal() Value        { return Value{Type: TypeNativeError} }
func HandledNativeErrorVal() Value { return Value{Type: TypeHandledNativeError} }

// Type predicates.

func (v Value) IsNumber() bool    { return v.Type == TypeNumber }
func (v Value) IsBool() bool      { return v.Type == TypeBool }
func (v Value) IsNull() bool      { return v.Type == TypeNull }
func (v Value) IsUndefined() bool { return v.Type == TypeUndefined }
func (v Value) IsObj() bool       { return v.Type == TypeObject }
func (v Value) IsTypeof() bool    { return v.Type == TypeTypeof }
func (v Value) IsErrorKind() bool { return v.Type == TypeErrorKind }

func (v Value) IsNativeError() bool        { return v.Type == TypeNativeError }
func (v Value) IsHandledNativeError() bool { return v.Type == TypeHandledNativeError }

func (v Value) isObjType(t ObjectType) bool {
	return v.Type == TypeObject && v.Obj.Header().Type == t
}

func (v Value) IsString() bool      { return v.isObjType(ObjString) }
func (v Value) IsArray() bool       { return v.isObjType(ObjArray) }
func (v Value) IsFunction() bool    { return v.isObjType(ObjFunction) }
func (v Value) IsClosure() bool     { return v.isObjType(ObjClosure) }
func (v Value) IsNative() bool      { return v.isObjType(ObjNative) }
func (v Value) IsClass() bool       { return v.isObjType(ObjClass) }
func (v Value) IsInstance() bool    { return v.isObjType(ObjInstance) }
func (v Value) IsBoundMethod() bool { return v.isObjType(ObjBoundMethod) }
func (v Value) IsNamespace() bool   { return v.isObjType(ObjNamespace) }
func (v Value) IsException() bool   { return v.isObjType(ObjException) }

// Downcasts. These panic on misuse, which well-typed compiler output never
// triggers; callers check the predicate first.

func (v Value) AsString() *ObjectString           { return v.Obj.(*ObjectString) }
func (v Value) AsArray() *ObjectArray             { return v.Obj.(*ObjectArray) }
func (v Value) AsFunction() *ObjectFunction       { return v.Obj.(*ObjectFunction) }
func (v Value) AsClosure() *ObjectClosure         { return v.Obj.(*ObjectClosure) }
func (v Value) AsNative() *ObjectNative           { return v.Obj.(*ObjectNative) }
func (v Value) AsClass() *ObjectClass             { return v.Obj.(*ObjectClass) }
func (v Value) AsInstance() *ObjectInstance       { return v.Obj.(*ObjectInstance) }
func (v Value) AsBoundMethod() *ObjectBoundMethod { return v.Obj.(*ObjectBoundMethod) }
func (v Value) AsNamespace() *ObjectNamespace     { return v.Obj.(*ObjectNamespace) }
func (v Value) AsException() *ObjectException     { return v.Obj.(*ObjectException) }

// Equals reports language-level equality: structural for primitives, type
// tags and error kinds; element-wise for arrays; identity for every other
// object (interning makes this exact for strings).
func Equals(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeNull, TypeUndefined:
		return true
	case TypeNumber:
		return a.Number == b.Number
	case TypeBool:
		return a.Boolean == b.Boolean
	case TypeTypeof:
		return a.TypeTag == b.TypeTag
	case TypeErrorKind:
		return a.Kind == b.Kind
	case TypeObject:
		if a.Obj.Header().Type != b.Obj.Header().Type {
			return false
		}
		if a.Obj.Header().Type == ObjArray {
			return arrayEquals(a.AsArray(), b.AsArray())
		}
		return a.Obj == b.Obj
	default:
		return false
	}
}

func arrayEquals(a, b *ObjectArray) bool {
	if len(a.Arr.Values) != len(b.Arr.Values) {
		return false
	}
	for i := range a.Arr.Values {
		if !Equals(a.Arr.Values[i], b.Arr.Values[i]) {
			return false
		}
	}
	return true
}

// IsFalsey reports language truthiness: null, undefined, false, zero, the
// empty string and the empty array are falsey.
func IsFalsey(v Value) bool {
	switch {
	case v.IsNull() || v.IsUndefined():
		return true
	case v.IsBool():
		return !v.Boolean
	case v.IsNumber():
		return v.Number == 0
	case v.IsString():
		return len(v.AsString().Chars) == 0
	case v.IsArray():
		return len(v.AsArray().Arr.Values) == 0
	default:
		return false
	}
}

// String renders a value the way the print statement does.
func (v Value) String() string {
	switch v.Type {
	case TypeNumber:
		return fmt.Sprintf("%g", v.Number)
	case TypeBool:
		if v.Boolean {
			return "true"
		}
		return "false"
	case TypeNull:
		return "null"
	case TypeUndefined:
		return "undefined"
	case TypeTypeof:
		return fmt.Sprintf("<type %s>", v.TypeTag)
	case TypeErrorKind:
		return fmt.Sprintf("<error %s>", v.Kind)
	case TypeObject:
		return v.Obj.objString()
	default:
		return "<internal>"
	}
}

func (o *ObjectString) objString() string { return o.Chars }

func (o *ObjectArray) objString() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, elem := range o.Arr.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(elem.String())
	}
	b.WriteByte(']')
	return b.String()
}

func functionString(f *ObjectFunction) string {
	if f.Name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<function %s>", f.Name.Chars)
}

func (o *ObjectFunction) objString() string { return functionString(o) }
func (o *ObjectClosure) objString() string  { return functionString(o.Function) }
func (o *ObjectNative) objString() string   { return "<native function>" }
func (o *ObjectUpvalue) objString() string  { return "upvalue" }

func (o *ObjectClass) objString() string {
	return fmt.Sprintf("<class %s>", o.Name.Chars)
}

func (o *ObjectInstance) objString() string {
	return fmt.Sprintf("<%s instance at %p>", o.Class.Name.Chars, o)
}

func (o *ObjectBoundMethod) objString() string {
	return functionString(o.Method.Function)
}

func (o *ObjectNamespace) objString() string {
	return fmt.Sprintf("<namespace %s>", o.Name.Chars)
}

func (o *ObjectException) objString() string {
	return fmt.Sprintf("<exception %s>", o.Kind)
}
