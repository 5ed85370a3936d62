package value

import "github.com/muppet2011ad/canidae/pkg/bytecode"

// codeByteSize covers one instruction byte plus its line-table entry for
// allocation accounting.
const codeByteSize = 5

// Segment is the compiled body of one function: the instruction bytes, a
// parallel source-line table, and the constant pool the instructions index
// into. The pool is append-only while the function is being compiled.
type Segment struct {
	Code      []byte
	Lines     []uint32
	Constants ValueArray
}

// Write appends one instruction byte tagged with its source line.
func (s *Segment) Write(h *Heap, b byte, line uint32) {
	h.Account(codeByteSize)
	s.Code = append(s.Code, b)
	s.Lines = append(s.Lines, line)
}

// WriteN appends a run of bytes that all belong to the same source line.
func (s *Segment) WriteN(h *Heap, bytes []byte, line uint32) {
	for _, b := range bytes {
		s.Write(h, b, line)
	}
}

// AddConstant returns the pool index for val, reusing an existing entry when
// one compares equal.
func (s *Segment) AddConstant(h *Heap, val Value) int {
	for i, existing := range s.Constants.Values {
		if Equals(existing, val) {
			return i
		}
	}
	s.Constants.Write(h, val)
	return len(s.Constants.Values) - 1
}

// WriteConstant adds val to the pool and emits the OpConstant instruction
// that loads it, widening the operand behind an OpLong prefix when the index
// outgrows one byte. It returns the pool index, or -1 when the pool is full.
func (s *Segment) WriteConstant(h *Heap, val Value, line uint32) int {
	index := s.AddConstant(h, val)
	if index > bytecode.MaxLongOperand {
		return -1
	}
	if index > bytecode.MaxByteOperand {
		s.WriteN(h, []byte{
			byte(bytecode.OpLong), byte(bytecode.OpConstant),
			byte(index >> 16), byte(index >> 8), byte(index),
		}, line)
	} else {
		s.WriteN(h, []byte{byte(bytecode.OpConstant), byte(index)}, line)
	}
	return index
}
