package vm

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// DefaultStackSize is the initial operand stack capacity in bytes.
const DefaultStackSize = 64 * 1024

// Stack is the untyped, byte-addressable operand region. It grows downward
// from a fixed top: pushes decrement the stack pointer, pops increment it.
// The pusher always knows the type and therefore the pop width. All
// multi-byte values are little-endian.
type Stack struct {
	data []byte
	sp   int
}

// NewStack creates a stack with the given capacity in bytes.
func NewStack(size int) *Stack {
	if size <= 0 {
		size = DefaultStackSize
	}
	return &Stack{data: make([]byte, size), sp: size}
}

// Depth returns the number of bytes currently pushed.
func (s *Stack) Depth() int { return len(s.data) - s.sp }

// reserve grows the region downward when a push would underrun it. Offsets
// are measured from the top, so existing content keeps its addresses
// relative to the top.
func (s *Stack) reserve(n int) {
	if s.sp >= n {
		return
	}
	grown := len(s.data) * 2
	for grown-s.Depth() < n {
		grown *= 2
	}
	data := make([]byte, grown)
	copy(data[grown-s.Depth():], s.data[s.sp:])
	s.sp = grown - s.Depth()
	s.data = data
}

// PushBytes pushes raw bytes.
func (s *Stack) PushBytes(b []byte) {
	s.reserve(len(b))
	s.sp -= len(b)
	copy(s.data[s.sp:], b)
}

// PopBytes pops n raw bytes. The returned slice aliases the stack region
// and is only valid until the next push.
func (s *Stack) PopBytes(n int) ([]byte, error) {
	if s.Depth() < n {
		return nil, ErrStackUnderflow
	}
	b := s.data[s.sp : s.sp+n]
	s.sp += n
	return b, nil
}

// PushInteger pushes a 32-bit integer.
func (s *Stack) PushInteger(v int32) {
	s.reserve(integerStorage)
	s.sp -= integerStorage
	binary.LittleEndian.PutUint32(s.data[s.sp:], uint32(v))
}

// PopInteger pops a 32-bit integer.
func (s *Stack) PopInteger() (int32, error) {
	b, err := s.PopBytes(integerStorage)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// PushInteger16 pushes a 16-bit integer.
func (s *Stack) PushInteger16(v int16) {
	s.reserve(integer16Storage)
	s.sp -= integer16Storage
	binary.LittleEndian.PutUint16(s.data[s.sp:], uint16(v))
}

// PopInteger16 pops a 16-bit integer.
func (s *Stack) PopInteger16() (int16, error) {
	b, err := s.PopBytes(integer16Storage)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

// PushReal pushes a 32-bit float.
func (s *Stack) PushReal(v float32) {
	s.reserve(realStorage)
	s.sp -= realStorage
	binary.LittleEndian.PutUint32(s.data[s.sp:], math.Float32bits(v))
}

// PopReal pops a 32-bit float.
func (s *Stack) PopReal() (float32, error) {
	b, err := s.PopBytes(realStorage)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// PushBoolean pushes a boolean as one byte.
func (s *Stack) PushBoolean(v bool) {
	s.reserve(booleanStorage)
	s.sp -= booleanStorage
	if v {
		s.data[s.sp] = 1
	} else {
		s.data[s.sp] = 0
	}
}

// PopBoolean pops a boolean.
func (s *Stack) PopBoolean() (bool, error) {
	b, err := s.PopBytes(booleanStorage)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// PushHandle pushes a 32-bit handle word.
func (s *Stack) PushHandle(v uint32) {
	s.reserve(handleStorage)
	s.sp -= handleStorage
	binary.LittleEndian.PutUint32(s.data[s.sp:], v)
}

// PopHandle pops a 32-bit handle word.
func (s *Stack) PopHandle() (uint32, error) {
	b, err := s.PopBytes(handleStorage)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PushValue pushes a value in its natural width. Composite values are
// pushed member-by-member in reverse declared order, followed by the
// layout's type-hint identifier.
func (s *Stack) PushValue(p *Program, v Value) error {
	switch v.Type {
	case TypeNull:
		return ErrNullValue
	case TypeInteger:
		s.PushInteger(v.AsInteger())
	case TypeInteger16:
		s.PushInteger16(v.AsInteger16())
	case TypeReal:
		s.PushReal(v.AsReal())
	case TypeBoolean:
		s.PushBoolean(v.AsBoolean())
	case TypeString, TypeFunction, TypeAddress, TypeArray, TypeTaskHandle, TypeBuffer:
		s.PushHandle(uint32(v.bits))
	case TypeTuple, TypeStructure:
		for i := len(v.Members) - 1; i >= 0; i-- {
			if err := s.PushValue(p, v.Members[i]); err != nil {
				return err
			}
		}
		s.PushInteger(v.Hint)
	default:
		return ErrNotImplemented
	}
	return nil
}

// PopValue pops a value of the given type. For composites the hint word is
// popped first, resolving the layout, then members in declared order.
func (s *Stack) PopValue(p *Program, t TypeID, hint int32) (Value, error) {
	switch t {
	case TypeInteger:
		v, err := s.PopInteger()
		return IntegerValue(v), err
	case TypeInteger16:
		v, err := s.PopInteger16()
		return Integer16Value(v), err
	case TypeReal:
		v, err := s.PopReal()
		return RealValue(v), err
	case TypeBoolean:
		v, err := s.PopBoolean()
		return BooleanValue(v), err
	case TypeString:
		h, err := s.PopHandle()
		return StringValue(StringHandle(h)), err
	case TypeFunction:
		h, err := s.PopHandle()
		return FunctionValue(StringHandle(h)), err
	case TypeAddress:
		h, err := s.PopHandle()
		return AddressValue(h), err
	case TypeArray:
		h, err := s.PopHandle()
		return ArrayValue(ArrayHandle(h)), err
	case TypeTaskHandle:
		h, err := s.PopHandle()
		return TaskValue(TaskHandle(h)), err
	case TypeBuffer:
		h, err := s.PopHandle()
		return BufferValue(BufferHandle(h)), err
	case TypeTuple:
		pushed, err := s.PopInteger()
		if err != nil {
			return Value{}, err
		}
		layout, err := p.TupleOwners.Layout(TupleTypeID(pushed))
		if err != nil {
			return Value{}, err
		}
		members, err := s.popMembers(p, &layout.compositeLayout)
		if err != nil {
			return Value{}, err
		}
		return TupleValue(pushed, members), nil
	case TypeStructure:
		pushed, err := s.PopInteger()
		if err != nil {
			return Value{}, err
		}
		layout, err := p.StructureOwners.Layout(StructureTypeID(pushed))
		if err != nil {
			return Value{}, err
		}
		members, err := s.popMembers(p, &layout.compositeLayout)
		if err != nil {
			return Value{}, err
		}
		return StructureValue(pushed, members), nil
	}
	return Value{}, ErrNotImplemented
}

func (s *Stack) popMembers(p *Program, l *compositeLayout) ([]Value, error) {
	members := make([]Value, l.MemberCount())
	for i := 0; i < l.MemberCount(); i++ {
		m := l.Member(i)
		v, err := s.PopValue(p, m.Type, m.Hint)
		if err != nil {
			return nil, err
		}
		members[i] = v
	}
	return members, nil
}
