// Package compiler translates canidae source text straight into bytecode.
//
// There is no AST: a single-pass Pratt parser drives code generation, so
// scope resolution, closure capture and control-flow patching all happen at
// emit time. Each function body is compiled by its own nested compiler whose
// enclosing pointer links back to the outer one; that chain is what upvalue
// resolution walks when a closure captures a variable.
//
// The compiler allocates through the heap it is handed (functions, interned
// identifier and literal strings, constants), which is why callers keep the
// collector disabled while compilation runs: nothing the compiler builds is
// rooted until the finished script function is handed to the VM.
package compiler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/muppet2011ad/canidae/pkg/bytecode"
	"github.com/muppet2011ad/canidae/pkg/scanner"
	"github.com/muppet2011ad/canidae/pkg/value"
)

// ErrCompile is returned when any parse or emit error was reported.
var ErrCompile = errors.New("compile error")

// FunctionType says what kind of body a nested compiler is producing; it
// decides slot 0's identity and the implicit return value.
type FunctionType byte

const (
	// TypeScript is the top-level module body.
	TypeScript FunctionType = iota
	// TypeFunction is an ordinary function.
	TypeFunction
	// TypeMethod is a class method; slot 0 is 'this'.
	TypeMethod
	// TypeInitialiser is __init__; returns 'this' and rejects value
	// returns.
	TypeInitialiser
)

// Precedence levels, lowest first. Power parses right-associatively; the
// rest are left-associative.
type precedence byte

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precEquality
	precComparison
	precTerm
	precFactor
	precUnary
	precPower
	precCall
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// local is a declared local variable: its name token, the scope depth it was
// declared at (-1 until its initialiser completes), and whether a closure
// has captured it.
type local struct {
	name       scanner.Token
	depth      int
	isCaptured bool
}

// upvalue records one captured slot of the function being compiled.
type upvalue struct {
	index   int
	isLocal bool
}

// loopContext tracks the innermost loop so break and continue can target it.
// start is the continue target, or -1 while the target is not yet known
// (do/while), in which case forward continue jumps accumulate for patching.
type loopContext struct {
	start      int
	scopeDepth int
	breaks     []int
	continues  []int
}

// funcCompiler is the per-function compilation state. Slot 0 of locals is
// reserved: it holds the function itself, or 'this' inside methods.
type funcCompiler struct {
	enclosing  *funcCompiler
	function   *value.ObjectFunction
	fnType     FunctionType
	locals     []local
	upvalues   []upvalue
	loops      []loopContext
	scopeDepth int
}

// classCompiler tracks the lexically innermost class body.
type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// Compiler is the whole single-pass pipeline: scanner, parser state, and the
// stack of nested function compilers.
type Compiler struct {
	s            *scanner.Scanner
	current      scanner.Token
	previous     scanner.Token
	hadError     bool
	panicMode    bool
	heap         *value.Heap
	fc           *funcCompiler
	currentClass *classCompiler
	errw         io.Writer
}

// Compile translates source into the module's script function, interning
// through heap. Diagnostics go to errw (os.Stderr when nil); the returned
// error is ErrCompile if any were reported.
func Compile(source string, heap *value.Heap, errw io.Writer) (*value.ObjectFunction, error) {
	if errw == nil {
		errw = os.Stderr
	}
	c := &Compiler{s: scanner.New(source), heap: heap, errw: errw}
	c.beginFunction(TypeScript, nil)

	c.advance()
	for !c.match(scanner.TokenEOF) {
		c.declaration()
	}
	function := c.endFunction()
	if c.hadError {
		return nil, ErrCompile
	}
	return function, nil
}

// === Parser plumbing ===

func (c *Compiler) errorAt(t scanner.Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	fmt.Fprintf(c.errw, "[line %d] Error", t.Line)
	switch t.Type {
	case scanner.TokenEOF:
		fmt.Fprint(c.errw, " at end")
	case scanner.TokenError:
		// The lexeme is the scanner's message, not source text.
	default:
		fmt.Fprintf(c.errw, " at '%s'", t.Lexeme)
	}
	fmt.Fprintf(c.errw, ": %s\n", message)
	c.hadError = true
}

func (c *Compiler) error(message string)          { c.errorAt(c.previous, message) }
func (c *Compiler) errorAtCurrent(message string) { c.errorAt(c.current, message) }

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.s.Scan()
		if c.current.Type != scanner.TokenError {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) consume(t scanner.TokenType, message string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(message)
}

func (c *Compiler) check(t scanner.TokenType) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t scanner.TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) synchronise() {
	c.panicMode = false
	for c.current.Type != scanner.TokenEOF {
		if c.previous.Type == scanner.TokenSemicolon {
			return
		}
		switch c.current.Type {
		case scanner.TokenClass, scanner.TokenFunction, scanner.TokenLet,
			scanner.TokenFor, scanner.TokenIf, scanner.TokenWhile,
			scanner.TokenPrint, scanner.TokenReturn, scanner.TokenImport,
			scanner.TokenTry, scanner.TokenRaise:
			return
		}
		c.advance()
	}
}

// === Emitters ===

func (c *Compiler) currentSeg() *value.Segment {
	return &c.fc.function.Seg
}

func (c *Compiler) emitByte(b byte) {
	c.currentSeg().Write(c.heap, b, c.previous.Line)
}

func (c *Compiler) emitOp(op bytecode.Opcode) {
	c.emitByte(byte(op))
}

func (c *Compiler) emitBytes(bytes ...byte) {
	c.currentSeg().WriteN(c.heap, bytes, c.previous.Line)
}

// emitVariable emits op with a reference operand, widening behind an OpLong
// prefix when the index needs more than a byte.
func (c *Compiler) emitVariable(op bytecode.Opcode, index int) {
	if index > bytecode.MaxLongOperand {
		c.error("Too many names in one segment.")
		return
	}
	if index > bytecode.MaxByteOperand {
		c.emitBytes(byte(bytecode.OpLong), byte(op), byte(index>>16), byte(index>>8), byte(index))
	} else {
		c.emitBytes(byte(op), byte(index))
	}
}

func (c *Compiler) emitJump(op bytecode.Opcode) int {
	c.emitBytes(byte(op), 0xff, 0xff, 0xff, 0xff, 0xff)
	return len(c.currentSeg().Code) - bytecode.JumpOperandLen
}

func (c *Compiler) patchJump(site int) {
	seg := c.currentSeg()
	jump := len(seg.Code) - site - bytecode.JumpOperandLen
	if jump > bytecode.MaxJumpOperand {
		c.error("Too much code to jump over.")
	}
	for i := 0; i < bytecode.JumpOperandLen; i++ {
		seg.Code[site+i] = byte(jump >> (8 * (bytecode.JumpOperandLen - 1 - i)))
	}
}

func (c *Compiler) emitLoop(loopStart int) {
	offset := len(c.currentSeg().Code) - loopStart + bytecode.JumpOperandLen + 1
	if offset > bytecode.MaxJumpOperand {
		c.error("Too much code to jump over.")
	}
	c.emitBytes(byte(bytecode.OpLoop),
		byte(offset>>32), byte(offset>>24), byte(offset>>16), byte(offset>>8), byte(offset))
}

func (c *Compiler) emitReturn() {
	if c.fc.fnType == TypeInitialiser {
		c.emitBytes(byte(bytecode.OpGetLocal), 0)
	} else {
		c.emitOp(bytecode.OpNull)
	}
	c.emitOp(bytecode.OpReturn)
}

func (c *Compiler) makeConstant(val value.Value) int {
	constant := c.currentSeg().AddConstant(c.heap, val)
	if constant > bytecode.MaxLongOperand {
		c.error("Too many constants in one segment.")
		return 0
	}
	return constant
}

func (c *Compiler) emitConstant(val value.Value) {
	if c.currentSeg().WriteConstant(c.heap, val, c.previous.Line) == -1 {
		c.error("Too many constants in one segment.")
	}
}

// === Function compiler stack ===

func (c *Compiler) beginFunction(fnType FunctionType, name *value.ObjectString) {
	fc := &funcCompiler{
		enclosing: c.fc,
		function:  c.heap.NewFunction(),
		fnType:    fnType,
	}
	fc.function.Name = name
	// Slot 0 belongs to the function itself, or to 'this' in methods.
	slot0 := local{depth: 0}
	if fnType == TypeMethod || fnType == TypeInitialiser {
		slot0.name = scanner.Token{Type: scanner.TokenThis, Lexeme: "this"}
	}
	fc.locals = append(fc.locals, slot0)
	c.fc = fc
}

func (c *Compiler) endFunction() *value.ObjectFunction {
	c.emitReturn()
	function := c.fc.function
	c.fc = c.fc.enclosing
	return function
}

// === Scopes and variables ===

func (c *Compiler) beginScope() {
	c.fc.scopeDepth++
}

func (c *Compiler) endScope() {
	c.fc.scopeDepth--
	c.emitScopeExit(c.fc.scopeDepth)
	for len(c.fc.locals) > 0 && c.fc.locals[len(c.fc.locals)-1].depth > c.fc.scopeDepth {
		c.fc.locals = c.fc.locals[:len(c.fc.locals)-1]
	}
}

// emitScopeExit emits the pops for every local deeper than targetDepth
// without forgetting the locals themselves; break and continue reuse it to
// unwind to the loop's scope mid-block. Captured slots close their upvalue,
// the rest batch into OpPopN runs of at most 255.
func (c *Compiler) emitScopeExit(targetDepth int) {
	pending := 0
	flush := func() {
		for ; pending >= 255; pending -= 255 {
			c.emitBytes(byte(bytecode.OpPopN), 255)
		}
		if pending > 0 {
			c.emitBytes(byte(bytecode.OpPopN), byte(pending))
		}
		pending = 0
	}
	for i := len(c.fc.locals) - 1; i >= 0 && c.fc.locals[i].depth > targetDepth; i-- {
		if c.fc.locals[i].isCaptured {
			flush()
			c.emitOp(bytecode.OpCloseUpvalue)
		} else {
			pending++
		}
	}
	flush()
}

func identifiersEqual(a, b scanner.Token) bool {
	return a.Lexeme == b.Lexeme
}

// identifierConstant returns a pool index for the identifier, reusing any
// string constant already in the pool so repeated references never grow it.
func (c *Compiler) identifierConstant(name scanner.Token) int {
	seg := c.currentSeg()
	for i, existing := range seg.Constants.Values {
		if existing.IsString() && existing.AsString().Chars == name.Lexeme {
			return i
		}
	}
	return c.makeConstant(value.ObjVal(c.heap.Intern(name.Lexeme)))
}

func (c *Compiler) resolveLocal(fc *funcCompiler, name scanner.Token) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		l := &fc.locals[i]
		if identifiersEqual(name, l.name) {
			if l.depth == -1 {
				c.error("Can't read local variable in its own initialiser.")
			}
			return i
		}
	}
	return -1
}

func (c *Compiler) addUpvalue(fc *funcCompiler, index int, isLocal bool) int {
	for i, existing := range fc.upvalues {
		if existing.index == index && existing.isLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) > bytecode.MaxLongOperand {
		c.error("Too many closure variables in function.")
		return 0
	}
	fc.upvalues = append(fc.upvalues, upvalue{index: index, isLocal: isLocal})
	fc.function.UpvalueCount = len(fc.upvalues)
	return len(fc.upvalues) - 1
}

// resolveUpvalue finds name in an enclosing function, capturing the chain of
// slots between there and here.
func (c *Compiler) resolveUpvalue(fc *funcCompiler, name scanner.Token) int {
	if fc.enclosing == nil {
		return -1
	}
	if localSlot := c.resolveLocal(fc.enclosing, name); localSlot != -1 {
		fc.enclosing.locals[localSlot].isCaptured = true
		return c.addUpvalue(fc, localSlot, true)
	}
	if upvalSlot := c.resolveUpvalue(fc.enclosing, name); upvalSlot != -1 {
		return c.addUpvalue(fc, upvalSlot, false)
	}
	return -1
}

func (c *Compiler) addLocal(name scanner.Token) {
	if len(c.fc.locals) > bytecode.MaxLongOperand {
		c.error("Too many local variables in function.")
		return
	}
	c.fc.locals = append(c.fc.locals, local{name: name, depth: -1})
}

func (c *Compiler) declareVariable() {
	if c.fc.scopeDepth == 0 {
		return
	}
	name := c.previous
	for i := len(c.fc.locals) - 1; i >= 0; i-- {
		l := &c.fc.locals[i]
		if l.depth != -1 && l.depth < c.fc.scopeDepth {
			break
		}
		if identifiersEqual(name, l.name) {
			c.error("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *Compiler) parseVariable(errorMessage string) int {
	c.consume(scanner.TokenIdentifier, errorMessage)
	c.declareVariable()
	if c.fc.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(c.previous)
}

func (c *Compiler) markInitialised() {
	if c.fc.scopeDepth == 0 {
		return
	}
	c.fc.locals[len(c.fc.locals)-1].depth = c.fc.scopeDepth
}

func (c *Compiler) defineVariable(global int) {
	if c.fc.scopeDepth > 0 {
		c.markInitialised()
		return
	}
	c.emitVariable(bytecode.OpDefineGlobal, global)
}

// === Expressions ===

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefix := getRule(c.previous.Type).prefix
	if prefix == nil {
		c.error("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	prefix(c, canAssign)

	for prec <= getRule(c.current.Type).prec {
		c.advance()
		getRule(c.previous.Type).infix(c, canAssign)
	}

	if canAssign && c.match(scanner.TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func number(c *Compiler, canAssign bool) {
	n, _ := strconv.ParseFloat(c.previous.Lexeme, 64)
	c.emitConstant(value.NumberVal(n))
}

func stringLit(c *Compiler, canAssign bool) {
	chars := c.previous.Lexeme[1 : len(c.previous.Lexeme)-1]
	c.emitConstant(value.ObjVal(c.heap.Intern(chars)))
}

func literal(c *Compiler, canAssign bool) {
	switch c.previous.Type {
	case scanner.TokenFalse:
		c.emitOp(bytecode.OpFalse)
	case scanner.TokenTrue:
		c.emitOp(bytecode.OpTrue)
	case scanner.TokenNull:
		c.emitOp(bytecode.OpNull)
	case scanner.TokenUndefined:
		c.emitOp(bytecode.OpUndefined)
	}
}

func grouping(c *Compiler, canAssign bool) {
	c.expression()
	c.consume(scanner.TokenRightParen, "Expect ')' after expression.")
}

func unary(c *Compiler, canAssign bool) {
	operator := c.previous.Type
	c.parsePrecedence(precUnary)
	switch operator {
	case scanner.TokenMinus:
		c.emitOp(bytecode.OpNegate)
	case scanner.TokenBang:
		c.emitOp(bytecode.OpNot)
	case scanner.TokenTypeof:
		c.emitOp(bytecode.OpTypeof)
	case scanner.TokenLen:
		c.emitOp(bytecode.OpLen)
	}
}

func binary(c *Compiler, canAssign bool) {
	operator := c.previous.Type
	rule := getRule(operator)
	if operator == scanner.TokenCaret {
		// Power is right-associative: parse the right side at the same
		// level instead of one tighter.
		c.parsePrecedence(rule.prec)
	} else {
		c.parsePrecedence(rule.prec + 1)
	}
	switch operator {
	case scanner.TokenPlus:
		c.emitOp(bytecode.OpAdd)
	case scanner.TokenMinus:
		c.emitOp(bytecode.OpSubtract)
	case scanner.TokenStar:
		c.emitOp(bytecode.OpMultiply)
	case scanner.TokenSlash:
		c.emitOp(bytecode.OpDivide)
	case scanner.TokenCaret:
		c.emitOp(bytecode.OpPower)
	case scanner.TokenBangEqual:
		c.emitOp(bytecode.OpEqual)
		c.emitOp(bytecode.OpNot)
	case scanner.TokenEqualEqual:
		c.emitOp(bytecode.OpEqual)
	case scanner.TokenGreater:
		c.emitOp(bytecode.OpGreater)
	case scanner.TokenGreaterEqual:
		c.emitOp(bytecode.OpGreaterEqual)
	case scanner.TokenLess:
		c.emitOp(bytecode.OpLess)
	case scanner.TokenLessEqual:
		c.emitOp(bytecode.OpLessEqual)
	}
}

func and(c *Compiler, canAssign bool) {
	endJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func or(c *Compiler, canAssign bool) {
	elseJump := c.emitJump(bytecode.OpJumpIfTrue)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(elseJump)
}

// assignmentOperator matches a compound assignment or increment token.
// isIncrement means the right-hand side is the implicit constant 1.
func (c *Compiler) assignmentOperator() (op bytecode.Opcode, isIncrement, matched bool) {
	switch c.current.Type {
	case scanner.TokenPlusEqual:
		op = bytecode.OpAdd
	case scanner.TokenMinusEqual:
		op = bytecode.OpSubtract
	case scanner.TokenStarEqual:
		op = bytecode.OpMultiply
	case scanner.TokenSlashEqual:
		op = bytecode.OpDivide
	case scanner.TokenCaretEqual:
		op = bytecode.OpPower
	case scanner.TokenPlusPlus:
		op, isIncrement = bytecode.OpAdd, true
	case scanner.TokenMinusMinus:
		op, isIncrement = bytecode.OpSubtract, true
	default:
		return 0, false, false
	}
	c.advance()
	return op, isIncrement, true
}

// compoundRHS emits the right-hand side of a compound assignment: either the
// implicit 1 of ++/-- or a full expression, followed by the operator.
func (c *Compiler) compoundRHS(op bytecode.Opcode, isIncrement bool) {
	if isIncrement {
		c.emitConstant(value.NumberVal(1))
	} else {
		c.expression()
	}
	c.emitOp(op)
}

func (c *Compiler) namedVariable(name scanner.Token, canAssign bool) {
	var getOp, setOp bytecode.Opcode
	arg := c.resolveLocal(c.fc, name)
	if arg != -1 {
		getOp, setOp = bytecode.OpGetLocal, bytecode.OpSetLocal
	} else if upval := c.resolveUpvalue(c.fc, name); upval != -1 {
		arg = upval
		getOp, setOp = bytecode.OpGetUpvalue, bytecode.OpSetUpvalue
	} else {
		arg = c.identifierConstant(name)
		getOp, setOp = bytecode.OpGetGlobal, bytecode.OpSetGlobal
	}

	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		c.emitVariable(setOp, arg)
		return
	}
	if canAssign {
		if op, isIncrement, ok := c.assignmentOperator(); ok {
			c.emitVariable(getOp, arg)
			c.compoundRHS(op, isIncrement)
			c.emitVariable(setOp, arg)
			return
		}
	}
	c.emitVariable(getOp, arg)
}

func variable(c *Compiler, canAssign bool) {
	c.namedVariable(c.previous, canAssign)
}

func this(c *Compiler, canAssign bool) {
	if c.currentClass == nil {
		c.error("Can't use 'this' outside of a class.")
		return
	}
	c.namedVariable(c.previous, false)
}

func super(c *Compiler, canAssign bool) {
	if c.currentClass == nil {
		c.error("Can't use 'super' outside of a class.")
	} else if !c.currentClass.hasSuperclass {
		c.error("Can't use 'super' in a class with no superclass.")
	}
	c.consume(scanner.TokenDot, "Expect '.' after 'super'.")
	c.consume(scanner.TokenIdentifier, "Expect superclass method name.")
	name := c.identifierConstant(c.previous)

	c.namedVariable(syntheticToken("this"), false)
	if c.match(scanner.TokenLeftParen) {
		argc := c.argumentList()
		c.namedVariable(syntheticToken("super"), false)
		c.emitVariable(bytecode.OpInvokeSuper, name)
		c.emitByte(argc)
	} else {
		c.namedVariable(syntheticToken("super"), false)
		c.emitVariable(bytecode.OpGetSuper, name)
	}
}

func syntheticToken(lexeme string) scanner.Token {
	return scanner.Token{Type: scanner.TokenIdentifier, Lexeme: lexeme}
}

func (c *Compiler) argumentList() byte {
	argc := 0
	if !c.check(scanner.TokenRightParen) {
		for {
			c.expression()
			if argc == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(scanner.TokenComma) {
				break
			}
		}
	}
	c.consume(scanner.TokenRightParen, "Expect ')' after arguments.")
	return byte(argc)
}

func call(c *Compiler, canAssign bool) {
	argc := c.argumentList()
	c.emitBytes(byte(bytecode.OpCall), argc)
}

func dot(c *Compiler, canAssign bool) {
	c.consume(scanner.TokenIdentifier, "Expect property name after '.'.")
	name := c.identifierConstant(c.previous)

	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		c.emitVariable(bytecode.OpSetProperty, name)
		return
	}
	if canAssign {
		if op, isIncrement, ok := c.assignmentOperator(); ok {
			c.emitVariable(bytecode.OpGetPropertyKeepRef, name)
			c.compoundRHS(op, isIncrement)
			c.emitVariable(bytecode.OpSetProperty, name)
			return
		}
	}
	if c.match(scanner.TokenLeftParen) {
		argc := c.argumentList()
		c.emitVariable(bytecode.OpInvoke, name)
		c.emitByte(argc)
		return
	}
	c.emitVariable(bytecode.OpGetProperty, name)
}

func arrayDec(c *Compiler, canAssign bool) {
	elements := 0
	for !c.check(scanner.TokenRightSqr) && !c.check(scanner.TokenEOF) {
		c.expression()
		elements++
		if !c.check(scanner.TokenRightSqr) {
			c.consume(scanner.TokenComma, "Expect ',' to separate array elements.")
		}
	}
	c.consume(scanner.TokenRightSqr, "Expect ']' after array.")
	c.emitConstant(value.NumberVal(float64(elements)))
	c.emitOp(bytecode.OpMakeArray)
}

func arrayIndex(c *Compiler, canAssign bool) {
	if c.check(scanner.TokenRightSqr) || c.check(scanner.TokenEOF) {
		c.error("Expected array index.")
	}
	c.expression()
	c.consume(scanner.TokenRightSqr, "Expect ']' after array index.")

	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		c.emitOp(bytecode.OpArraySet)
		return
	}
	if canAssign {
		if op, isIncrement, ok := c.assignmentOperator(); ok {
			c.emitOp(bytecode.OpArrayGetKeepRef)
			c.compoundRHS(op, isIncrement)
			c.emitOp(bytecode.OpArraySet)
			return
		}
	}
	c.emitOp(bytecode.OpArrayGet)
}

// typeKeyword handles the type keywords in expression position: num/str/bool
// followed by a parenthesised argument convert; any type keyword on its own
// pushes the type value for typeof comparisons.
func typeKeyword(c *Compiler, canAssign bool) {
	tag, convertible := typeofTag(c.previous.Type)
	if convertible && c.match(scanner.TokenLeftParen) {
		c.expression()
		c.consume(scanner.TokenRightParen, "Expect ')' after conversion argument.")
		c.emitBytes(byte(bytecode.OpConvType), byte(tag))
		return
	}
	c.emitBytes(byte(bytecode.OpPushTypeof), byte(tag))
}

func typeofTag(t scanner.TokenType) (tag value.Typeof, convertible bool) {
	switch t {
	case scanner.TokenNum:
		return value.TypeofNum, true
	case scanner.TokenStr:
		return value.TypeofString, true
	case scanner.TokenBool:
		return value.TypeofBool, true
	case scanner.TokenArray:
		return value.TypeofArray, false
	default:
		return value.TypeofNamespace, false
	}
}

// functionExpr is the prefix rule for 'function': an anonymous function when
// a parameter list follows, otherwise the function type literal.
func functionExpr(c *Compiler, canAssign bool) {
	if c.check(scanner.TokenLeftParen) {
		c.functionBody(TypeFunction, nil)
		return
	}
	c.emitBytes(byte(bytecode.OpPushTypeof), byte(value.TypeofFunction))
}

// classExpr is the prefix rule for 'class' in expression position: the class
// type literal.
func classExpr(c *Compiler, canAssign bool) {
	c.emitBytes(byte(bytecode.OpPushTypeof), byte(value.TypeofClass))
}

var rules []parseRule

// The rule table is built at init time because entries refer to mutually
// recursive parse functions.
func init() {
	rules = make([]parseRule, scanner.TokenEOF+1)
	set := func(t scanner.TokenType, prefix, infix parseFn, prec precedence) {
		rules[t] = parseRule{prefix: prefix, infix: infix, prec: prec}
	}
	set(scanner.TokenLeftParen, grouping, call, precCall)
	set(scanner.TokenLeftSqr, arrayDec, arrayIndex, precPrimary)
	set(scanner.TokenDot, nil, dot, precCall)
	set(scanner.TokenMinus, unary, binary, precTerm)
	set(scanner.TokenPlus, nil, binary, precTerm)
	set(scanner.TokenStar, nil, binary, precFactor)
	set(scanner.TokenSlash, nil, binary, precFactor)
	set(scanner.TokenCaret, nil, binary, precPower)
	set(scanner.TokenBang, unary, nil, precNone)
	set(scanner.TokenBangEqual, nil, binary, precEquality)
	set(scanner.TokenEqualEqual, nil, binary, precEquality)
	set(scanner.TokenGreater, nil, binary, precComparison)
	set(scanner.TokenGreaterEqual, nil, binary, precComparison)
	set(scanner.TokenLess, nil, binary, precComparison)
	set(scanner.TokenLessEqual, nil, binary, precComparison)
	set(scanner.TokenIdentifier, variable, nil, precNone)
	set(scanner.TokenString, stringLit, nil, precNone)
	set(scanner.TokenNumber, number, nil, precNone)
	set(scanner.TokenAnd, nil, and, precAnd)
	set(scanner.TokenOr, nil, or, precOr)
	set(scanner.TokenFalse, literal, nil, precNone)
	set(scanner.TokenTrue, literal, nil, precNone)
	set(scanner.TokenNull, literal, nil, precNone)
	set(scanner.TokenUndefined, literal, nil, precNone)
	set(scanner.TokenThis, this, nil, precNone)
	set(scanner.TokenSuper, super, nil, precNone)
	set(scanner.TokenFunction, functionExpr, nil, precNone)
	set(scanner.TokenClass, classExpr, nil, precNone)
	set(scanner.TokenTypeof, unary, nil, precNone)
	set(scanner.TokenLen, unary, nil, precNone)
	set(scanner.TokenNum, typeKeyword, nil, precNone)
	set(scanner.TokenStr, typeKeyword, nil, precNone)
	set(scanner.TokenBool, typeKeyword, nil, precNone)
	set(scanner.TokenArray, typeKeyword, nil, precNone)
	set(scanner.TokenNamespace, typeKeyword, nil, precNone)
}

func getRule(t scanner.TokenType) *parseRule {
	return &rules[t]
}

// === Declarations ===

func (c *Compiler) declaration() {
	switch {
	case c.match(scanner.TokenClass):
		c.classDeclaration()
	case c.match(scanner.TokenFunction):
		c.funDeclaration()
	case c.match(scanner.TokenLet):
		c.varDeclaration()
	case c.match(scanner.TokenImport):
		c.importDeclaration()
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronise()
	}
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")

	if c.match(scanner.TokenEqual) {
		c.expression()
	} else {
		c.emitOp(bytecode.OpNull)
	}
	c.consume(scanner.TokenSemicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	c.markInitialised()
	c.functionBody(TypeFunction, c.heap.Intern(c.previous.Lexeme))
	c.defineVariable(global)
}

// functionBody compiles a parameter list and block with a nested compiler,
// then emits the OpClosure that materialises the function at runtime.
func (c *Compiler) functionBody(fnType FunctionType, name *value.ObjectString) {
	c.beginFunction(fnType, name)
	c.beginScope()

	c.consume(scanner.TokenLeftParen, "Expect '(' after function name.")
	if !c.check(scanner.TokenRightParen) {
		for {
			if c.fc.function.Arity == 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			c.fc.function.Arity++
			param := c.parseVariable("Expect parameter name.")
			c.defineVariable(param)
			if !c.match(scanner.TokenComma) {
				break
			}
		}
	}
	c.consume(scanner.TokenRightParen, "Expect ')' after parameters.")
	c.consume(scanner.TokenLeftBrace, "Expect '{' before function body.")
	c.block()

	upvalues := c.fc.upvalues
	function := c.endFunction()

	constant := c.makeConstant(value.ObjVal(function))
	c.emitBytes(byte(bytecode.OpClosure), byte(constant>>16), byte(constant>>8), byte(constant))
	for _, upval := range upvalues {
		isLocal := byte(0)
		if upval.isLocal {
			isLocal = 1
		}
		c.emitBytes(isLocal, byte(upval.index>>16), byte(upval.index>>8), byte(upval.index))
	}
}

func (c *Compiler) classDeclaration() {
	c.consume(scanner.TokenIdentifier, "Expect class name.")
	className := c.previous
	nameConstant := c.identifierConstant(c.previous)
	c.declareVariable()

	c.emitVariable(bytecode.OpClass, nameConstant)
	c.defineVariable(nameConstant)

	cc := &classCompiler{enclosing: c.currentClass}
	c.currentClass = cc

	if c.match(scanner.TokenInherits) {
		c.consume(scanner.TokenIdentifier, "Expect superclass name.")
		variable(c, false)
		if identifiersEqual(className, c.previous) {
			c.error("A class can't inherit from itself.")
		}

		// The superclass stays on the stack as a scoped 'super' local
		// that methods capture.
		c.beginScope()
		c.addLocal(syntheticToken("super"))
		c.markInitialised()

		c.namedVariable(className, false)
		c.emitOp(bytecode.OpInherit)
		cc.hasSuperclass = true
	}

	c.namedVariable(className, false)
	c.consume(scanner.TokenLeftBrace, "Expect '{' before class body.")
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		c.method()
	}
	c.consume(scanner.TokenRightBrace, "Expect '}' after class body.")
	c.emitOp(bytecode.OpPop)

	if cc.hasSuperclass {
		c.endScope()
	}
	c.currentClass = cc.enclosing
}

func (c *Compiler) method() {
	c.consume(scanner.TokenFunction, "Expect 'function' before method name.")
	c.consume(scanner.TokenIdentifier, "Expect method name.")
	name := c.identifierConstant(c.previous)

	fnType := TypeMethod
	if c.previous.Lexeme == "__init__" {
		fnType = TypeInitialiser
	}
	c.functionBody(fnType, c.heap.Intern(c.previous.Lexeme))
	c.emitVariable(bytecode.OpMethod, name)
}

func (c *Compiler) importDeclaration() {
	c.expression()
	c.consume(scanner.TokenAs, "Expect 'as' after import path.")
	c.consume(scanner.TokenIdentifier, "Expect namespace name.")
	c.declareVariable()
	name := c.identifierConstant(c.previous)
	c.emitVariable(bytecode.OpImport, name)
	c.consume(scanner.TokenSemicolon, "Expect ';' after import.")
	c.defineVariable(name)
}

// === Statements ===

func (c *Compiler) statement() {
	switch {
	case c.match(scanner.TokenPrint):
		c.printStatement()
	case c.match(scanner.TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	case c.match(scanner.TokenIf):
		c.ifStatement()
	case c.match(scanner.TokenWhile):
		c.whileStatement()
	case c.match(scanner.TokenDo):
		c.doWhileStatement()
	case c.match(scanner.TokenFor):
		c.forStatement()
	case c.match(scanner.TokenBreak):
		c.breakStatement()
	case c.match(scanner.TokenContinue):
		c.continueStatement()
	case c.match(scanner.TokenReturn):
		c.returnStatement()
	case c.match(scanner.TokenTry):
		c.tryStatement()
	case c.match(scanner.TokenRaise):
		c.raiseStatement()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		c.declaration()
	}
	c.consume(scanner.TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after value.")
	c.emitOp(bytecode.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(bytecode.OpPop)
}

func (c *Compiler) ifStatement() {
	c.expression()
	c.consume(scanner.TokenThen, "Expect 'then' after condition.")

	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.statement()
	elseJump := c.emitJump(bytecode.OpJump)

	c.patchJump(thenJump)
	c.emitOp(bytecode.OpPop)
	if c.match(scanner.TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) returnStatement() {
	if c.fc.fnType == TypeScript {
		c.error("Can't return from top-level code.")
	}
	if c.match(scanner.TokenSemicolon) {
		c.emitReturn()
		return
	}
	if c.fc.fnType == TypeInitialiser {
		c.error("Can't return a value from an initialiser.")
	}
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(bytecode.OpReturn)
}

// === Loops ===

func (c *Compiler) beginLoop(start int) *loopContext {
	c.fc.loops = append(c.fc.loops, loopContext{start: start, scopeDepth: c.fc.scopeDepth})
	return &c.fc.loops[len(c.fc.loops)-1]
}

func (c *Compiler) endLoop() {
	loop := &c.fc.loops[len(c.fc.loops)-1]
	for _, site := range loop.breaks {
		c.patchJump(site)
	}
	c.fc.loops = c.fc.loops[:len(c.fc.loops)-1]
}

func (c *Compiler) innermostLoop() *loopContext {
	if len(c.fc.loops) == 0 {
		return nil
	}
	return &c.fc.loops[len(c.fc.loops)-1]
}

func (c *Compiler) breakStatement() {
	loop := c.innermostLoop()
	if loop == nil {
		c.error("Can't use 'break' outside of a loop.")
		return
	}
	c.consume(scanner.TokenSemicolon, "Expect ';' after 'break'.")
	c.emitScopeExit(loop.scopeDepth)
	loop.breaks = append(loop.breaks, c.emitJump(bytecode.OpJump))
}

func (c *Compiler) continueStatement() {
	loop := c.innermostLoop()
	if loop == nil {
		c.error("Can't use 'continue' outside of a loop.")
		return
	}
	c.consume(scanner.TokenSemicolon, "Expect ';' after 'continue'.")
	c.emitScopeExit(loop.scopeDepth)
	if loop.start >= 0 {
		c.emitLoop(loop.start)
	} else {
		// Target not known yet (do/while); patched when the condition
		// position is reached.
		loop.continues = append(loop.continues, c.emitJump(bytecode.OpJump))
	}
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.currentSeg().Code)
	c.beginLoop(loopStart)
	c.expression()
	c.consume(scanner.TokenDo, "Expect 'do' after loop condition.")

	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.statement()
	c.emitLoop(loopStart)
	c.patchJump(exitJump)
	c.emitOp(bytecode.OpPop)
	c.endLoop()
}

func (c *Compiler) doWhileStatement() {
	loopStart := len(c.currentSeg().Code)
	c.beginLoop(-1)
	c.statement()

	// Continues land here, just before the condition.
	loop := c.innermostLoop()
	for _, site := range loop.continues {
		c.patchJump(site)
	}
	loop.start = len(c.currentSeg().Code)

	c.consume(scanner.TokenWhile, "Expect 'while' after do block.")
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after do-while condition.")

	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.emitLoop(loopStart)
	c.patchJump(exitJump)
	c.emitOp(bytecode.OpPop)
	c.endLoop()
}

func (c *Compiler) forStatement() {
	c.beginScope()
	paren := c.match(scanner.TokenLeftParen)

	// Initialiser clause.
	if c.match(scanner.TokenSemicolon) {
		// No initialiser.
	} else if c.match(scanner.TokenLet) {
		c.varDeclaration()
	} else {
		c.expressionStatement()
	}

	loopStart := len(c.currentSeg().Code)
	exitJump := -1
	if !c.match(scanner.TokenSemicolon) {
		c.expression()
		c.consume(scanner.TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(bytecode.OpJumpIfFalse)
		c.emitOp(bytecode.OpPop)
	}

	// Increment clause: runs after the body, so control jumps over it on
	// the way in and the body loops back to it.
	if !c.check(scanner.TokenDo) && !(paren && c.check(scanner.TokenRightParen)) {
		bodyJump := c.emitJump(bytecode.OpJump)
		incrementStart := len(c.currentSeg().Code)
		c.expression()
		c.emitOp(bytecode.OpPop)
		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}
	if paren {
		c.consume(scanner.TokenRightParen, "Expect ')' after for clauses.")
	}
	c.consume(scanner.TokenDo, "Expect 'do' after for clauses.")

	c.beginLoop(loopStart)
	c.statement()
	c.emitLoop(loopStart)
	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(bytecode.OpPop)
	}
	c.endLoop()
	c.endScope()
}

// === Exceptions ===

func (c *Compiler) raiseStatement() {
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after raised value.")
	c.emitOp(bytecode.OpRaise)
}

// tryStatement arranges for the handler to be registered before the body
// runs even though the catch clause is parsed afterwards: control first
// jumps forward over the body to the kind expressions and OpRegisterCatch,
// then loops back to the body.
func (c *Compiler) tryStatement() {
	kindsJump := c.emitJump(bytecode.OpJump)
	bodyStart := len(c.currentSeg().Code)

	c.consume(scanner.TokenLeftBrace, "Expect '{' after 'try'.")
	c.beginScope()
	c.block()
	c.endScope()
	c.emitOp(bytecode.OpUnregisterCatch)
	endJump := c.emitJump(bytecode.OpJump)

	// Kind expressions evaluate once, at registration.
	c.patchJump(kindsJump)
	c.consume(scanner.TokenCatch, "Expect 'catch' after try block.")
	kinds := 0
	for !c.check(scanner.TokenAs) && !c.check(scanner.TokenLeftBrace) && !c.check(scanner.TokenEOF) {
		c.expression()
		if kinds == 255 {
			c.error("Can't catch more than 255 error kinds.")
		}
		kinds++
		if !c.match(scanner.TokenComma) {
			break
		}
	}

	c.emitBytes(byte(bytecode.OpRegisterCatch), byte(kinds))
	addrSite := len(c.currentSeg().Code)
	c.emitBytes(0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	c.emitLoop(bodyStart)

	// The raised exception is on the stack when control lands here.
	catchAddress := len(c.currentSeg().Code)
	seg := c.currentSeg()
	for i := 0; i < bytecode.CatchAddressLen; i++ {
		seg.Code[addrSite+i] = byte(catchAddress >> (8 * (bytecode.CatchAddressLen - 1 - i)))
	}

	c.beginScope()
	if c.match(scanner.TokenAs) {
		c.consume(scanner.TokenIdentifier, "Expect exception name after 'as'.")
		c.declareVariable()
		c.markInitialised()
	} else {
		c.emitOp(bytecode.OpPop)
	}
	c.consume(scanner.TokenLeftBrace, "Expect '{' after catch clause.")
	c.block()
	c.endScope()
	c.emitOp(bytecode.OpMarkErrorsHandled)

	c.patchJump(endJump)
}
