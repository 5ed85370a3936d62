package compiler

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/muppet2011ad/canidae/pkg/bytecode"
	"github.com/muppet2011ad/canidae/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compileSource compiles and returns the script function plus everything
// written to the error channel.
func compileSource(t *testing.T, source string) (*value.ObjectFunction, string, error) {
	t.Helper()
	var errOut bytes.Buffer
	fn, err := Compile(source, value.NewHeap(), &errOut)
	return fn, errOut.String(), err
}

func TestCompileArithmeticStatement(t *testing.T) {
	fn, _, err := compileSource(t, "print 1 + 2;")
	require.NoError(t, err)

	want := []byte{
		byte(bytecode.OpConstant), 0,
		byte(bytecode.OpConstant), 1,
		byte(bytecode.OpAdd),
		byte(bytecode.OpPrint),
		byte(bytecode.OpNull),
		byte(bytecode.OpReturn),
	}
	assert.Equal(t, want, fn.Seg.Code)
	require.Len(t, fn.Seg.Constants.Values, 2)
	assert.Equal(t, float64(1), fn.Seg.Constants.Values[0].Number)
	assert.Equal(t, float64(2), fn.Seg.Constants.Values[1].Number)
}

func TestCompileNumberLiteralRoundTrip(t *testing.T) {
	fn, _, err := compileSource(t, "print 0.1;")
	require.NoError(t, err)
	require.NotEmpty(t, fn.Seg.Constants.Values)
	assert.Equal(t, 0.1, fn.Seg.Constants.Values[0].Number)
}

func TestCompileLocalSlots(t *testing.T) {
	fn, _, err := compileSource(t, "{ let a = 1; let b = 2; print a + b; }")
	require.NoError(t, err)

	want := []byte{
		byte(bytecode.OpConstant), 0,
		byte(bytecode.OpConstant), 1,
		byte(bytecode.OpGetLocal), 1,
		byte(bytecode.OpGetLocal), 2,
		byte(bytecode.OpAdd),
		byte(bytecode.OpPrint),
		byte(bytecode.OpPopN), 2,
		byte(bytecode.OpNull),
		byte(bytecode.OpReturn),
	}
	assert.Equal(t, want, fn.Seg.Code)
}

func TestCompileIdentifierConstantReused(t *testing.T) {
	fn, _, err := compileSource(t, "let a = 1; print a; print a; print a;")
	require.NoError(t, err)

	// One pool entry for 'a' and one for 1, no matter how many mentions.
	names := 0
	for _, constant := range fn.Seg.Constants.Values {
		if constant.IsString() {
			names++
		}
	}
	assert.Equal(t, 1, names)
}

func TestPatchJumpLandsAfterThenBranch(t *testing.T) {
	fn, _, err := compileSource(t, "if true then print 1; else print 2;")
	require.NoError(t, err)

	code := fn.Seg.Code
	require.Equal(t, byte(bytecode.OpTrue), code[0])
	require.Equal(t, byte(bytecode.OpJumpIfFalse), code[1])
	offset := 0
	for _, b := range code[2:7] {
		offset = offset<<8 | int(b)
	}
	// The jump target is the instruction after the operand plus the
	// offset; it must be the else-path POP that clears the condition.
	target := 7 + offset
	assert.Equal(t, byte(bytecode.OpPop), code[target])
}

func TestCompileFunctionHasArityAndClosure(t *testing.T) {
	fn, _, err := compileSource(t, "function add(a, b) { return a + b; }")
	require.NoError(t, err)

	var inner *value.ObjectFunction
	for _, constant := range fn.Seg.Constants.Values {
		if constant.IsFunction() {
			inner = constant.AsFunction()
		}
	}
	require.NotNil(t, inner, "function constant in pool")
	assert.Equal(t, 2, inner.Arity)
	assert.Equal(t, 0, inner.UpvalueCount)
	assert.Equal(t, "add", inner.Name.Chars)
	assert.Contains(t, fn.Seg.Code, byte(bytecode.OpClosure))
}

func TestCompileUpvalueCapture(t *testing.T) {
	source := `
function outer() {
	let x = 1;
	return function() { return x; };
}
`
	fn, _, err := compileSource(t, source)
	require.NoError(t, err)

	var outer *value.ObjectFunction
	for _, constant := range fn.Seg.Constants.Values {
		if constant.IsFunction() {
			outer = constant.AsFunction()
		}
	}
	require.NotNil(t, outer)

	var inner *value.ObjectFunction
	for _, constant := range outer.Seg.Constants.Values {
		if constant.IsFunction() {
			inner = constant.AsFunction()
		}
	}
	require.NotNil(t, inner, "nested function constant")
	assert.Equal(t, 1, inner.UpvalueCount)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		message string
	}{
		{"invalid assignment target", "let a = 1; let b = 2; a + b = 3;", "Invalid assignment target."},
		{"this outside class", "print this;", "Can't use 'this' outside of a class."},
		{"super outside class", "print super.x;", "Can't use 'super' outside of a class."},
		{"super without superclass", "class A { function m() { return super.m(); } }", "Can't use 'super' in a class with no superclass."},
		{"return at top level", "return 1;", "Can't return from top-level code."},
		{"return value from initialiser", "class A { function __init__() { return 1; } }", "Can't return a value from an initialiser."},
		{"duplicate local", "{ let a = 1; let a = 2; }", "Already a variable with this name in this scope."},
		{"read local in own initialiser", "{ let a = a; }", "Can't read local variable in its own initialiser."},
		{"break outside loop", "break;", "Can't use 'break' outside of a loop."},
		{"continue outside loop", "continue;", "Can't use 'continue' outside of a loop."},
		{"self inheritance", "class A inherits A {}", "A class can't inherit from itself."},
		{"missing semicolon", "print 1", "Expect ';' after value."},
		{"missing then", "if true print 1;", "Expect 'then' after condition."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, errOut, err := compileSource(t, tt.source)
			assert.Nil(t, fn)
			assert.ErrorIs(t, err, ErrCompile)
			assert.Contains(t, errOut, tt.message)
			assert.Contains(t, errOut, "[line ")
		})
	}
}

func TestPanicModeSuppressesCascade(t *testing.T) {
	// The first statement is broken twice over; only one diagnostic
	// should surface before synchronisation.
	_, errOut, err := compileSource(t, "let = ;\nprint 1;")
	require.Error(t, err)
	assert.Equal(t, 1, bytes.Count([]byte(errOut), []byte("Error")))
}

func TestCompileAnonymousFunctionExpression(t *testing.T) {
	_, _, err := compileSource(t, "let f = function(x) { return x; }; print f(3);")
	assert.NoError(t, err)
}

func TestCompileImmediatelyInvokedFunction(t *testing.T) {
	_, _, err := compileSource(t, "let v = (function() { return 1; })(); print v;")
	assert.NoError(t, err)
}

func TestCompileClassWithMethodsAndInheritance(t *testing.T) {
	source := `
class Animal {
	function speak() { return "..."; }
}
class Dog inherits Animal {
	function speak() { return "woof"; }
	function both() { return super.speak(); }
}
`
	fn, _, err := compileSource(t, source)
	require.NoError(t, err)
	assert.Contains(t, fn.Seg.Code, byte(bytecode.OpClass))
	assert.Contains(t, fn.Seg.Code, byte(bytecode.OpMethod))
	assert.Contains(t, fn.Seg.Code, byte(bytecode.OpInherit))
}

func TestCompileTryCatchShape(t *testing.T) {
	fn, _, err := compileSource(t, `try { print 1; } catch IndexError as e { print e.message; }`)
	require.NoError(t, err)
	code := fn.Seg.Code
	assert.Contains(t, code, byte(bytecode.OpRegisterCatch))
	assert.Contains(t, code, byte(bytecode.OpUnregisterCatch))
	assert.Contains(t, code, byte(bytecode.OpMarkErrorsHandled))

	// The catch address operand is absolute and must land inside the
	// segment.
	for i := 0; i < len(code); i++ {
		if bytecode.Opcode(code[i]) == bytecode.OpRegisterCatch {
			addr := 0
			for _, b := range code[i+2 : i+2+bytecode.CatchAddressLen] {
				addr = addr<<8 | int(b)
			}
			assert.Greater(t, addr, i)
			assert.Less(t, addr, len(code))
			break
		}
	}
}

func TestCompileCompoundAssignments(t *testing.T) {
	sources := []string{
		"let a = 1; a += 2;",
		"let a = 1; a -= 2;",
		"let a = 1; a *= 2;",
		"let a = 1; a /= 2;",
		"let a = 1; a ^= 2;",
		"let a = 1; a++;",
		"let a = 1; a--;",
		"let a = [1]; a[0] += 1;",
		"let a = [1]; a[0]++;",
	}
	for _, source := range sources {
		_, errOut, err := compileSource(t, source)
		assert.NoError(t, err, "source %q: %s", source, errOut)
	}
}

func TestCompileLoops(t *testing.T) {
	sources := []string{
		"while true do break;",
		"do { print 1; break; } while true;",
		"for (let i = 0; i < 3; i += 1) do print i;",
		"for let i = 0; i < 3; i += 1 do print i;",
		"for (;;) do break;",
		"while true do { continue; }",
	}
	for _, source := range sources {
		_, errOut, err := compileSource(t, source)
		assert.NoError(t, err, "source %q: %s", source, errOut)
	}
}

func TestCompileLongOperandsPastByteRange(t *testing.T) {
	// Force more than 256 distinct constants so later loads need the
	// OpLong prefix.
	var buf bytes.Buffer
	for i := 0; i < 300; i++ {
		buf.WriteString("print ")
		buf.WriteString(strconv.Itoa(i))
		buf.WriteString(".5;\n")
	}
	fn, errOut, err := compileSource(t, buf.String())
	require.NoError(t, err, errOut)
	assert.Contains(t, fn.Seg.Code, byte(bytecode.OpLong))
	assert.Greater(t, len(fn.Seg.Constants.Values), 256)
}
