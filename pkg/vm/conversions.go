package vm

import (
	"strconv"
	"strings"

	"github.com/muppet2011ad/canidae/pkg/value"
)

// convertTop implements OpConvType: replace the top of the stack with its
// num/str/bool conversion. Instances consult their __num__/__str__/__bool__
// override first, which runs as an ordinary zero-argument method call.
// Collection pauses so intermediate strings survive until pushed.
func (vm *VM) convertTop(tag value.Typeof) bool {
	vm.heap.Disable()
	defer vm.heap.Enable()

	var converter func(value.Value) value.Value
	var override *value.ObjectString
	switch tag {
	case value.TypeofNum:
		converter, override = vm.toNum, vm.numString
	case value.TypeofString:
		converter, override = vm.toString, vm.strString
	case value.TypeofBool:
		converter, override = vm.toBool, vm.boolString
	default:
		return vm.RuntimeError(value.TypeError, "Unsupported conversion target.")
	}

	v := vm.peek(0)
	if v.IsInstance() {
		instance := v.AsInstance()
		if method, ok := instance.Class.Methods.Get(override); ok {
			return vm.call(method.AsClosure(), 0)
		}
	}
	converted := converter(v)
	if converted.IsNativeError() {
		return false
	}
	if converted.IsNull() {
		// A converter only yields null when it raised and a handler
		// caught the error; the stack now belongs to that handler.
		return true
	}
	vm.pop()
	vm.push(converted)
	return true
}

// toString renders any value as an interned string the way print would.
// On failure the error has already been raised; the sentinel result tells
// the caller whether it was caught.
func (vm *VM) toString(v value.Value) value.Value {
	switch v.Type {
	case value.TypeNumber, value.TypeBool, value.TypeNull, value.TypeUndefined, value.TypeTypeof, value.TypeErrorKind:
		return value.ObjVal(vm.heap.Intern(v.String()))
	case value.TypeObject:
		switch v.Obj.Header().Type {
		case value.ObjString:
			return v
		case value.ObjArray:
			var b strings.Builder
			b.WriteByte('[')
			for i, elem := range v.AsArray().Arr.Values {
				if i > 0 {
					b.WriteString(", ")
				}
				converted := vm.toString(elem)
				if converted.IsNativeError() || !converted.IsString() {
					return converted
				}
				b.WriteString(converted.AsString().Chars)
			}
			b.WriteByte(']')
			return value.ObjVal(vm.heap.Intern(b.String()))
		case value.ObjFunction, value.ObjClosure, value.ObjNative, value.ObjClass,
			value.ObjInstance, value.ObjBoundMethod, value.ObjNamespace, value.ObjException:
			return value.ObjVal(vm.heap.Intern(v.String()))
		default:
			if !vm.RuntimeError(value.TypeError, "Unprintable object type.") {
				return value.NativeErrorVal()
			}
			return value.NullVal()
		}
	default:
		if !vm.RuntimeError(value.TypeError, "Failed to convert value to string.") {
			return value.NativeErrorVal()
		}
		return value.NullVal()
	}
}

// toNum converts numbers, booleans, null and numeric strings to a number.
func (vm *VM) toNum(v value.Value) value.Value {
	switch v.Type {
	case value.TypeNumber:
		return v
	case value.TypeBool:
		if v.Boolean {
			return value.NumberVal(1)
		}
		return value.NumberVal(0)
	case value.TypeNull:
		return value.NumberVal(0)
	case value.TypeObject:
		if v.IsString() {
			chars := v.AsString().Chars
			n, err := strconv.ParseFloat(strings.TrimSpace(chars), 64)
			if err != nil {
				if !vm.RuntimeError(value.ValueError, "Could not convert string '%s' to number.", chars) {
					return value.NativeErrorVal()
				}
				return value.NullVal()
			}
			return value.NumberVal(n)
		}
		if !vm.RuntimeError(value.TypeError, "Invalid type for conversion to number.") {
			return value.NativeErrorVal()
		}
		return value.NullVal()
	default:
		if !vm.RuntimeError(value.TypeError, "Failed to convert value to number.") {
			return value.NativeErrorVal()
		}
		return value.NullVal()
	}
}

// toBool is language truthiness as a value.
func (vm *VM) toBool(v value.Value) value.Value {
	return value.BoolVal(!value.IsFalsey(v))
}
