package vm

import "testing"

func TestWireScalarRoundTrip(t *testing.T) {
	p, _ := newTestProgram()

	values := []Value{
		IntegerValue(-12345),
		Integer16Value(77),
		RealValue(3.5),
		BooleanValue(true),
		StringValue(p.InternString("hello")),
		TaskValue(9),
	}
	for _, v := range values {
		data, err := MarshalValue(p, v)
		if err != nil {
			t.Fatalf("marshal %s: %v", v.Type, err)
		}
		got, err := UnmarshalValue(p, data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", v.Type, err)
		}
		if got.Type != v.Type || got.bits != v.bits {
			t.Fatalf("round trip of %s: got %v, want %v", v.Type, got, v)
		}
	}
}

func TestWireStringRepools(t *testing.T) {
	src, _ := newTestProgram()
	dst, _ := newTestProgram()

	v := StringValue(src.InternString("cross-pool"))
	data, err := MarshalValue(src, v)
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalValue(dst, data)
	if err != nil {
		t.Fatal(err)
	}
	if text := dst.Pools.Strings.Text(got.AsString()); text != "cross-pool" {
		t.Fatalf("repooled text = %q, want %q", text, "cross-pool")
	}
}

func TestCopyValueIsDeep(t *testing.T) {
	p, _ := newTestProgram()

	h := p.Pools.Arrays.New(TypeInteger, []Value{IntegerValue(1), IntegerValue(2)})
	copied, err := CopyValue(p, ArrayValue(h))
	if err != nil {
		t.Fatal(err)
	}
	if copied.AsArray() == h {
		t.Fatal("copy returned the original handle")
	}

	original := p.Pools.Arrays.Get(h)
	if err := original.SetAt(0, IntegerValue(99)); err != nil {
		t.Fatal(err)
	}
	clone := p.Pools.Arrays.Get(copied.AsArray())
	v, err := clone.At(0)
	if err != nil {
		t.Fatal(err)
	}
	if v.AsInteger() != 1 {
		t.Fatalf("copy observed mutation: %d, want 1", v.AsInteger())
	}
}

func TestWireCompositeRoundTrip(t *testing.T) {
	p, _ := newTestProgram()

	v := StructureValue(3, []Value{
		IntegerValue(8),
		TupleValue(5, []Value{BooleanValue(true), RealValue(0.5)}),
	})
	got, err := CopyValue(p, v)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeStructure || got.Hint != 3 || len(got.Members) != 2 {
		t.Fatalf("composite round trip lost shape: %+v", got)
	}
	nested := got.Members[1]
	if nested.Type != TypeTuple || nested.Hint != 5 || !nested.Members[0].AsBoolean() {
		t.Fatalf("nested tuple lost shape: %+v", nested)
	}
}

func TestWireBufferCopiesBytes(t *testing.T) {
	p, _ := newTestProgram()

	h := p.Pools.Buffers.New([]byte{1, 2, 3})
	copied, err := CopyValue(p, BufferValue(h))
	if err != nil {
		t.Fatal(err)
	}
	p.Pools.Buffers.Get(h).Bytes[0] = 9
	if got := p.Pools.Buffers.Get(copied.AsBuffer()).Bytes[0]; got != 1 {
		t.Fatalf("buffer copy shares storage: %d, want 1", got)
	}
}
