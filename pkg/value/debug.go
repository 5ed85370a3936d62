package value

import (
	"fmt"
	"io"

	"github.com/muppet2011ad/canidae/pkg/bytecode"
)

// DisassembleSegment writes a listing of every instruction in s to w.
func DisassembleSegment(w io.Writer, s *Segment, name string) {
	fmt.Fprintf(w, "== %s ==\n", name)
	for offset := 0; offset < len(s.Code); {
		offset = DisassembleInstruction(w, s, offset)
	}
}

// DisassembleInstruction writes one instruction at offset and returns the
// offset of the next. An OpLong prefix is folded into the instruction it
// modifies.
func DisassembleInstruction(w io.Writer, s *Segment, offset int) int {
	fmt.Fprintf(w, "%04d ", offset)
	if offset > 0 && s.Lines[offset] == s.Lines[offset-1] {
		fmt.Fprint(w, "   | ")
	} else {
		fmt.Fprintf(w, "%4d ", s.Lines[offset])
	}

	long := false
	op := bytecode.Opcode(s.Code[offset])
	if op == bytecode.OpLong {
		long = true
		offset++
		op = bytecode.Opcode(s.Code[offset])
	}

	switch op {
	case bytecode.OpConstant, bytecode.OpDefineGlobal, bytecode.OpGetGlobal,
		bytecode.OpSetGlobal, bytecode.OpGetProperty, bytecode.OpGetPropertyKeepRef,
		bytecode.OpSetProperty, bytecode.OpClass, bytecode.OpMethod,
		bytecode.OpImport, bytecode.OpGetSuper:
		index, next := readVariable(s, offset+1, long)
		fmt.Fprintf(w, "%-22s %6d '%s'\n", op, index, s.Constants.Values[index])
		return next
	case bytecode.OpGetLocal, bytecode.OpSetLocal, bytecode.OpGetUpvalue, bytecode.OpSetUpvalue:
		index, next := readVariable(s, offset+1, long)
		fmt.Fprintf(w, "%-22s %6d\n", op, index)
		return next
	case bytecode.OpPopN, bytecode.OpCall, bytecode.OpConvType, bytecode.OpPushTypeof:
		fmt.Fprintf(w, "%-22s %6d\n", op, s.Code[offset+1])
		return offset + 2
	case bytecode.OpInvoke, bytecode.OpInvokeSuper:
		index, next := readVariable(s, offset+1, long)
		argc := s.Code[next]
		fmt.Fprintf(w, "%-22s %6d '%s' (%d args)\n", op, index, s.Constants.Values[index], argc)
		return next + 1
	case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
		jump := readUint(s, offset+1, bytecode.JumpOperandLen)
		fmt.Fprintf(w, "%-22s %6d -> %d\n", op, offset, offset+1+bytecode.JumpOperandLen+int(jump))
		return offset + 1 + bytecode.JumpOperandLen
	case bytecode.OpLoop:
		jump := readUint(s, offset+1, bytecode.JumpOperandLen)
		fmt.Fprintf(w, "%-22s %6d -> %d\n", op, offset, offset+1+bytecode.JumpOperandLen-int(jump))
		return offset + 1 + bytecode.JumpOperandLen
	case bytecode.OpClosure:
		index := int(readUint(s, offset+1, 3))
		fmt.Fprintf(w, "%-22s %6d %s\n", op, index, s.Constants.Values[index])
		next := offset + 4
		function := s.Constants.Values[index].AsFunction()
		for i := 0; i < function.UpvalueCount; i++ {
			isLocal := s.Code[next]
			captured := readUint(s, next+1, 3)
			kind := "upvalue"
			if isLocal == 1 {
				kind = "local"
			}
			fmt.Fprintf(w, "%04d    |                        %s %d\n", next, kind, captured)
			next += 4
		}
		return next
	case bytecode.OpRegisterCatch:
		count := s.Code[offset+1]
		addr := readUint(s, offset+2, bytecode.CatchAddressLen)
		fmt.Fprintf(w, "%-22s %6d kinds -> %d\n", op, count, addr)
		return offset + 2 + bytecode.CatchAddressLen
	default:
		fmt.Fprintf(w, "%s\n", op)
		return offset + 1
	}
}

func readVariable(s *Segment, offset int, long bool) (index, next int) {
	if long {
		return int(readUint(s, offset, 3)), offset + 3
	}
	return int(s.Code[offset]), offset + 1
}

func readUint(s *Segment, offset, width int) uint64 {
	var n uint64
	for i := 0; i < width; i++ {
		n = n<<8 | uint64(s.Code[offset+i])
	}
	return n
}
