package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Wire codec
// ---------------------------------------------------------------------------

// The wire codec flattens values to canonical CBOR. It serves two
// purposes: deep-copying message payloads when they cross a task boundary
// (handles are resolved to content and re-pooled on decode, so the copy
// shares no mutable storage with the sender), and exchanging structured
// values with extension libraries through opaque buffers.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// wireValue is the flattened, self-describing form of a Value.
type wireValue struct {
	Type TypeID      `cbor:"t"`
	Hint int32       `cbor:"h,omitempty"`
	Int  int64       `cbor:"i,omitempty"`
	Real float32     `cbor:"r,omitempty"`
	Bool bool        `cbor:"b,omitempty"`
	Str  string      `cbor:"s,omitempty"`
	Raw  []byte      `cbor:"w,omitempty"`
	Elem TypeID      `cbor:"e,omitempty"`
	Kids []wireValue `cbor:"k,omitempty"`
}

func flattenValue(p *Program, v Value) (wireValue, error) {
	w := wireValue{Type: v.Type, Hint: v.Hint}
	switch v.Type {
	case TypeNull:
	case TypeInteger:
		w.Int = int64(v.AsInteger())
	case TypeInteger16:
		w.Int = int64(v.AsInteger16())
	case TypeReal:
		w.Real = v.AsReal()
	case TypeBoolean:
		w.Bool = v.AsBoolean()
	case TypeString:
		w.Str = p.Pools.Strings.Text(v.AsString())
	case TypeFunction:
		w.Str = p.Pools.Strings.Text(v.AsFunction())
	case TypeTaskHandle:
		// Task handles are identities, not storage; they cross the wire
		// verbatim.
		w.Int = int64(v.AsTask())
	case TypeBuffer:
		if obj := p.Pools.Buffers.Get(v.AsBuffer()); obj != nil {
			w.Raw = obj.Bytes
		}
	case TypeArray:
		obj := p.Pools.Arrays.Get(v.AsArray())
		if obj == nil {
			return w, fmt.Errorf("stale array handle %d", v.AsArray())
		}
		w.Elem = obj.Elem
		for _, e := range obj.Snapshot() {
			kid, err := flattenValue(p, e)
			if err != nil {
				return w, err
			}
			w.Kids = append(w.Kids, kid)
		}
	case TypeTuple, TypeStructure:
		for _, m := range v.Members {
			kid, err := flattenValue(p, m)
			if err != nil {
				return w, err
			}
			w.Kids = append(w.Kids, kid)
		}
	default:
		return w, fmt.Errorf("%w: cannot marshal %s value", ErrNotImplemented, v.Type)
	}
	return w, nil
}

func unflattenValue(p *Program, w wireValue) (Value, error) {
	switch w.Type {
	case TypeNull:
		return NullValue(), nil
	case TypeInteger:
		return IntegerValue(int32(w.Int)), nil
	case TypeInteger16:
		return Integer16Value(int16(w.Int)), nil
	case TypeReal:
		return RealValue(w.Real), nil
	case TypeBoolean:
		return BooleanValue(w.Bool), nil
	case TypeString:
		return StringValue(p.Pools.Strings.Intern(w.Str)), nil
	case TypeFunction:
		return FunctionValue(p.Pools.Strings.Intern(w.Str)), nil
	case TypeTaskHandle:
		return TaskValue(TaskHandle(w.Int)), nil
	case TypeBuffer:
		data := make([]byte, len(w.Raw))
		copy(data, w.Raw)
		return BufferValue(p.Pools.Buffers.New(data)), nil
	case TypeArray:
		elems := make([]Value, 0, len(w.Kids))
		for _, kid := range w.Kids {
			e, err := unflattenValue(p, kid)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, e)
		}
		return ArrayValue(p.Pools.Arrays.New(w.Elem, elems)), nil
	case TypeTuple, TypeStructure:
		members := make([]Value, 0, len(w.Kids))
		for _, kid := range w.Kids {
			m, err := unflattenValue(p, kid)
			if err != nil {
				return Value{}, err
			}
			members = append(members, m)
		}
		if w.Type == TypeTuple {
			return TupleValue(w.Hint, members), nil
		}
		return StructureValue(w.Hint, members), nil
	}
	return Value{}, fmt.Errorf("%w: cannot unmarshal %s value", ErrNotImplemented, w.Type)
}

// MarshalValue serializes a value to canonical CBOR bytes.
func MarshalValue(p *Program, v Value) ([]byte, error) {
	w, err := flattenValue(p, v)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal value: %w", err)
	}
	return cborEncMode.Marshal(w)
}

// UnmarshalValue deserializes a value from CBOR bytes, re-pooling any
// string, array, or buffer content.
func UnmarshalValue(p *Program, data []byte) (Value, error) {
	var w wireValue
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Value{}, fmt.Errorf("vm: unmarshal value: %w", err)
	}
	return unflattenValue(p, w)
}

// CopyValue deep-copies a value through the wire codec. The copy shares
// no mutable storage with the original.
func CopyValue(p *Program, v Value) (Value, error) {
	data, err := MarshalValue(p, v)
	if err != nil {
		return Value{}, err
	}
	return UnmarshalValue(p, data)
}
