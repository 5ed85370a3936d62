package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runSource interprets source on a fresh VM and returns stdout, stderr and
// the result.
func runSource(t *testing.T, source string) (string, string, InterpretResult) {
	t.Helper()
	var out, errOut bytes.Buffer
	machine := New()
	machine.Stdout = &out
	machine.Stderr = &errOut
	result := machine.Interpret(source)
	return out.String(), errOut.String(), result
}

// expectLines asserts a successful run printing exactly the given lines.
func expectLines(t *testing.T, source string, lines ...string) {
	t.Helper()
	out, errOut, result := runSource(t, source)
	require.Equal(t, InterpretOK, result, "stderr: %s", errOut)
	want := ""
	if len(lines) > 0 {
		want = strings.Join(lines, "\n") + "\n"
	}
	assert.Equal(t, want, out)
}

func TestArithmetic(t *testing.T) {
	expectLines(t, "print (2 + 3) * 4 - 1;", "19")
}

func TestArithmeticOperators(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"print 10 / 4;", "2.5"},
		{"print 2 ^ 10;", "1024"},
		{"print 2 ^ 3 ^ 2;", "512"}, // right-associative power
		{"print -5 + 3;", "-2"},
		{"print !true;", "false"},
		{"print !0;", "true"},
		{"print 1 < 2 and 2 < 3;", "true"},
		{"print false or 7;", "7"},
		{"print 1 != 2;", "true"},
	}
	for _, tt := range tests {
		expectLines(t, tt.source, tt.want)
	}
}

func TestStackBalancedAfterRun(t *testing.T) {
	machine := New()
	machine.Stdout = &bytes.Buffer{}
	result := machine.Interpret("let a = 1; { let b = a + 2; print b; } print a;")
	require.Equal(t, InterpretOK, result)
	assert.Equal(t, 0, machine.StackSize())
}

func TestClosureCounter(t *testing.T) {
	source := `
let f = (function(){ let x = 0; return function(){ x += 1; return x; }; })();
print f();
print f();
print f();
`
	expectLines(t, source, "1", "2", "3")
}

func TestClosuresShareCapturedVariable(t *testing.T) {
	source := `
function pair() {
	let n = 0;
	let bump = function() { n += 10; };
	let read = function() { return n; };
	bump();
	bump();
	return read();
}
print pair();
`
	expectLines(t, source, "20")
}

func TestClassInitAndMethod(t *testing.T) {
	source := `
class A {
	function __init__(x) { this.x = x; }
	function get() { return this.x; }
}
let a = A(7);
print a.get();
`
	expectLines(t, source, "7")
}

func TestInheritanceAndSuper(t *testing.T) {
	source := `
class Animal {
	function speak() { return "generic"; }
	function describe() { return "animal: " + this.speak(); }
}
class Dog inherits Animal {
	function speak() { return "woof"; }
	function loud() { return super.speak() + "!"; }
}
let d = Dog();
print d.describe();
print d.loud();
`
	expectLines(t, source, "animal: woof", "generic!")
}

func TestInitialiserImplicitlyReturnsThis(t *testing.T) {
	source := `
class Box {
	function __init__() { this.v = 1; return; }
}
let b = Box();
print b.v;
`
	expectLines(t, source, "1")
}

func TestBoundMethodAsValue(t *testing.T) {
	source := `
class Greeter {
	function __init__(name) { this.name = name; }
	function greet() { return "hi " + this.name; }
}
let m = Greeter("fox").greet;
print m();
`
	expectLines(t, source, "hi fox")
}

func TestFieldShadowsMethodOnInvoke(t *testing.T) {
	source := `
class C {
	function __init__() { this.f = function() { return "field"; }; }
	function f() { return "method"; }
}
print C().f();
`
	expectLines(t, source, "field")
}

func TestMissingPropertyIsUndefined(t *testing.T) {
	source := `
class C { function __init__() { this.x = 1; } }
print C().missing;
`
	expectLines(t, source, "undefined")
}

func TestDunderArithmetic(t *testing.T) {
	source := `
class Vec {
	function __init__(x) { this.x = x; }
	function __add__(other) { return Vec(this.x + other.x); }
	function __mul__(other) { return Vec(this.x * other.x); }
}
print (Vec(1) + Vec(2)).x;
print (Vec(3) * Vec(4)).x;
`
	expectLines(t, source, "3", "12")
}

func TestStringInterning(t *testing.T) {
	source := `
let s1 = "hello";
let s2 = "hel" + "lo";
print s1 == s2;
`
	expectLines(t, source, "true")
}

func TestStringComparisonAndIndexing(t *testing.T) {
	source := `
print "apple" < "banana";
print "ab" < "abc";
print "abc"[1];
print "abc"[-1];
`
	expectLines(t, source, "true", "true", "b", "c")
}

func TestArrays(t *testing.T) {
	source := `
let a = [1, 2, 3];
print a[0];
print a[-1];
a[1] = 20;
print a;
print len a;
print [1, 2] + [3];
`
	expectLines(t, source, "1", "3", "[1, 20, 3]", "3", "[1, 2, 3]")
}

func TestArraySetGrowsWithNullPadding(t *testing.T) {
	source := `
let a = [1];
a[4] = 9;
print a;
print len a;
print a[4] == 9;
`
	expectLines(t, source, "[1, null, null, null, 9]", "5", "true")
}

func TestArrayEquality(t *testing.T) {
	expectLines(t, "print [1, [2, 3]] == [1, [2, 3]];", "true")
	expectLines(t, "print [1, 2] == [1, 3];", "false")
}

func TestCompoundAssignmentOnProperties(t *testing.T) {
	source := `
class C { function __init__() { this.n = 10; } }
let c = C();
c.n += 5;
print c.n;
c.n++;
print c.n;
c.n -= 6;
print c.n;
`
	expectLines(t, source, "15", "16", "10")
}

func TestIncrementOnLocalsAndElements(t *testing.T) {
	source := `
let x = 1;
x++;
x++;
print x;
let a = [5];
a[0]--;
print a[0];
`
	expectLines(t, source, "3", "4")
}

func TestWhileLoop(t *testing.T) {
	source := `
let i = 0;
let sum = 0;
while i < 5 do {
	sum += i;
	i += 1;
}
print sum;
`
	expectLines(t, source, "10")
}

func TestDoWhileRunsBodyFirst(t *testing.T) {
	source := `
let i = 10;
do {
	i += 1;
} while i < 5;
print i;
`
	expectLines(t, source, "11")
}

func TestForLoopWithBreakAndContinue(t *testing.T) {
	source := `
let total = 0;
for (let i = 0; i < 10; i += 1) do {
	if i == 3 then continue;
	if i == 8 then break;
	total += i;
}
print total;
`
	expectLines(t, source, "25")
}

func TestDoWhileContinueReEvaluatesCondition(t *testing.T) {
	source := `
let i = 0;
let hits = 0;
do {
	i += 1;
	if i == 2 then continue;
	hits += 1;
} while i < 4;
print i;
print hits;
`
	expectLines(t, source, "4", "3")
}

func TestGlobals(t *testing.T) {
	source := `
let g = 1;
function bump() { g = g + 1; }
bump();
bump();
print g;
`
	expectLines(t, source, "3")
}

func TestTypeofAndTypeLiterals(t *testing.T) {
	source := `
print typeof 3 == num;
print typeof "x" == str;
print typeof true == bool;
print typeof [1] == array;
print typeof clock;
class C {}
print typeof C == class;
let c = C();
print typeof c == C;
`
	expectLines(t, source, "true", "true", "true", "true", "<type function>", "true", "true")
}

func TestConversions(t *testing.T) {
	source := `
print str(5) + "!";
print num("3.5") + 0.5;
print num(true);
print bool(0);
print bool("hi");
print str([1, 2]);
`
	expectLines(t, source, "5!", "4", "1", "false", "true", "[1, 2]")
}

func TestConversionDunderOverrides(t *testing.T) {
	source := `
class Money {
	function __init__(amount) { this.amount = amount; }
	function __str__() { return "$" + str(this.amount); }
	function __num__() { return this.amount; }
	function __len__() { return 2; }
}
let m = Money(9);
print str(m);
print num(m) + 1;
print len m;
`
	expectLines(t, source, "$9", "10", "2")
}

func TestCatchIndexError(t *testing.T) {
	source := `
try {
	let a = [1, 2];
	print a[5];
} catch IndexError as e {
	print e.message;
}
`
	expectLines(t, source, "Array index 5 exceeds max index of array (1).")
}

func TestCatchAll(t *testing.T) {
	source := `
try {
	print missing;
} catch as e {
	print "caught";
	print e.type == NameError;
}
`
	expectLines(t, source, "caught", "true")
}

func TestCatchSelectsMatchingKind(t *testing.T) {
	source := `
try {
	try {
		let a = [];
		print a[0];
	} catch TypeError as e {
		print "wrong handler";
	}
} catch IndexError as e {
	print "right handler";
}
`
	expectLines(t, source, "right handler")
}

func TestCatchMultipleKinds(t *testing.T) {
	source := `
try {
	print 1 + "x";
} catch TypeError, IndexError as e {
	print "caught";
}
`
	expectLines(t, source, "caught")
}

func TestRaiseRethrow(t *testing.T) {
	source := `
try {
	try {
		let a = [];
		print a[0];
	} catch IndexError as e {
		raise e;
	}
} catch IndexError as e2 {
	print "outer: " + e2.message;
}
`
	expectLines(t, source, "outer: Array index 0 exceeds max index of array (-1).")
}

func TestCatchUnwindsFrames(t *testing.T) {
	source := `
function boom() {
	let a = [];
	return a[1];
}
try {
	boom();
} catch IndexError as e {
	print "caught";
}
print "after";
`
	expectLines(t, source, "caught", "after")
}

func TestTryBodySuccessSkipsCatch(t *testing.T) {
	source := `
try {
	print "body";
} catch as e {
	print "catch";
}
print "end";
`
	expectLines(t, source, "body", "end")
}

func TestUncaughtErrorPrintsStackTrace(t *testing.T) {
	source := `
function inner() { return missing; }
function outer() { return inner(); }
outer();
`
	out, errOut, result := runSource(t, source)
	assert.Empty(t, out)
	require.Equal(t, InterpretRuntimeError, result)
	assert.Contains(t, errOut, "[NameError] Undefined variable 'missing'.")
	assert.Contains(t, errOut, "Raised at:")
	assert.Contains(t, errOut, "inner()")
	assert.Contains(t, errOut, "outer()")
	assert.Contains(t, errOut, "script")
}

func TestSetUndefinedGlobalRaisesNameError(t *testing.T) {
	source := `
try {
	undeclared = 5;
} catch NameError as e {
	print "caught";
}
`
	expectLines(t, source, "caught")
}

func TestExceptionPropertiesAreReadOnly(t *testing.T) {
	source := `
try {
	let a = [];
	print a[0];
} catch IndexError as e {
	try {
		e.message = "rewritten";
	} catch TypeError as e2 {
		print "read-only";
	}
}
`
	expectLines(t, source, "read-only")
}

func TestComparisonTypeMismatch(t *testing.T) {
	source := `
try {
	print 1 < "one";
} catch TypeError as e {
	print "caught";
}
`
	expectLines(t, source, "caught")
}

func TestRecursionLimit(t *testing.T) {
	source := `
function forever() { return forever(); }
try {
	forever();
} catch RecursionError as e {
	print "too deep";
}
`
	expectLines(t, source, "too deep")
}

func TestArityMismatch(t *testing.T) {
	source := `
function two(a, b) { return a + b; }
try {
	two(1);
} catch ArgumentError as e {
	print "caught";
}
`
	expectLines(t, source, "caught")
}

func TestCallNonCallable(t *testing.T) {
	source := `
try {
	let n = 5;
	n();
} catch TypeError as e {
	print "caught";
}
`
	expectLines(t, source, "caught")
}

func TestRecursiveFunction(t *testing.T) {
	source := `
function fib(n) {
	if n < 2 then return n;
	return fib(n - 1) + fib(n - 2);
}
print fib(15);
`
	expectLines(t, source, "610")
}

func TestNativesAvailable(t *testing.T) {
	source := `
print typeof clock == function;
println("a", 1, true);
`
	expectLines(t, source, "true", "a 1 true")
}

func TestReplStyleReuse(t *testing.T) {
	var out bytes.Buffer
	machine := New()
	machine.Stdout = &out
	machine.Stderr = &bytes.Buffer{}

	require.Equal(t, InterpretOK, machine.Interpret("let x = 41;"))
	require.Equal(t, InterpretOK, machine.Interpret("print x + 1;"))
	assert.Equal(t, "42\n", out.String())
}

func TestCompileErrorResult(t *testing.T) {
	_, errOut, result := runSource(t, "let = 5;")
	assert.Equal(t, InterpretCompileError, result)
	assert.Contains(t, errOut, "[line 1] Error")
}

func TestNestedClosuresThroughTwoLevels(t *testing.T) {
	source := `
function a() {
	let x = "x";
	function b() {
		function c() { return x; }
		return c;
	}
	return b()();
}
print a();
`
	expectLines(t, source, "x")
}

func TestUpvalueClosedAtScopeExit(t *testing.T) {
	source := `
let fs = [null, null];
for (let i = 0; i < 2; i += 1) do {
	let captured = i * 100;
	fs[i] = function() { return captured; };
}
print fs[0]();
print fs[1]();
`
	expectLines(t, source, "0", "100")
}
