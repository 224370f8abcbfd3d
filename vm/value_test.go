package vm

import "testing"

func TestValueAccessors(t *testing.T) {
	if v := IntegerValue(-5); v.Type != TypeInteger || v.AsInteger() != -5 {
		t.Errorf("IntegerValue: %v", v)
	}
	if v := Integer16Value(-5); v.AsInteger16() != -5 {
		t.Errorf("Integer16Value: %v", v)
	}
	if v := RealValue(1.25); v.AsReal() != 1.25 {
		t.Errorf("RealValue: %v", v)
	}
	if v := BooleanValue(true); !v.AsBoolean() {
		t.Errorf("BooleanValue: %v", v)
	}
	if v := StringValue(3); v.AsString() != 3 {
		t.Errorf("StringValue: %v", v)
	}
	if v := TaskValue(8); v.AsTask() != 8 {
		t.Errorf("TaskValue: %v", v)
	}
	if !NullValue().IsNull() || IntegerValue(0).IsNull() {
		t.Error("IsNull misclassifies")
	}
}

func TestStringPoolInternsByContent(t *testing.T) {
	pool := NewStringPool()
	a := pool.Intern("epoch")
	b := pool.Intern("epoch")
	if a != b {
		t.Fatalf("same content interned to %d and %d", a, b)
	}
	if pool.Intern("fugue") == a {
		t.Fatal("distinct content shares a handle")
	}
	if pool.Text(a) != "epoch" {
		t.Fatalf("Text = %q", pool.Text(a))
	}
}

func TestArrayPoolRefCounting(t *testing.T) {
	pool := NewArrayPool()
	h := pool.New(TypeInteger, []Value{IntegerValue(1)})
	pool.Retain(h)
	pool.Release(h)
	if pool.Get(h) == nil {
		t.Fatal("array freed while a reference remained")
	}
	pool.Release(h)
	if pool.Get(h) != nil {
		t.Fatal("array survived its last release")
	}
}

func TestCompositeLayoutOffsets(t *testing.T) {
	p, _ := newTestProgram()
	layout := NewTupleType()
	layout.AddMember(p.InternString("a"), TypeInteger)   // offset 0
	layout.AddMember(p.InternString("b"), TypeBoolean)   // offset 4
	layout.AddMember(p.InternString("c"), TypeInteger16) // offset 5
	if err := layout.ComputeOffsets(p); err != nil {
		t.Fatal(err)
	}
	wantOffsets := []int{0, 4, 5}
	for i, want := range wantOffsets {
		if got := layout.Member(i).Offset; got != want {
			t.Errorf("member %d offset = %d, want %d", i, got, want)
		}
	}
	if layout.StorageSize() != 7 {
		t.Errorf("StorageSize = %d, want 7", layout.StorageSize())
	}
}
