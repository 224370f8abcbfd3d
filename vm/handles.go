package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Handle pools
// ---------------------------------------------------------------------------

// Handles are compact identifiers into process-wide pools. Handle values
// are copied freely between stacks, variable slots, and message payloads;
// the backing storage is shared and reference counted.

// StringHandle identifies an interned string.
type StringHandle uint32

// ArrayHandle identifies an array object.
type ArrayHandle uint32

// BufferHandle identifies a raw byte buffer.
type BufferHandle uint32

// TaskHandle identifies a forked task.
type TaskHandle uint32

// InvalidString is the zero string handle; it never names pool content.
const InvalidString StringHandle = 0

// StringPool interns strings by content and hands out small stable
// handles. All name comparison and hashing in the VM uses handles, never
// the underlying characters.
type StringPool struct {
	mu       sync.RWMutex
	byText   map[string]StringHandle
	byHandle map[StringHandle]string
	next     uint32
}

// NewStringPool creates an empty string pool.
func NewStringPool() *StringPool {
	return &StringPool{
		byText:   make(map[string]StringHandle),
		byHandle: make(map[StringHandle]string),
	}
}

// Intern returns the handle for s, allocating one on first sight.
func (p *StringPool) Intern(s string) StringHandle {
	p.mu.RLock()
	h, ok := p.byText[s]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.byText[s]; ok {
		return h
	}
	p.next++
	h = StringHandle(p.next)
	p.byText[s] = h
	p.byHandle[h] = s
	return h
}

// Text returns the string content for h, or "" for an unknown handle.
func (p *StringPool) Text(h StringHandle) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byHandle[h]
}

// ArrayObject is the shared storage behind an array handle. Elements are
// homogeneously typed.
type ArrayObject struct {
	Elem     TypeID
	Elements []Value
	refs     atomic.Int32
	mu       sync.RWMutex
}

// Len returns the number of elements.
func (a *ArrayObject) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.Elements)
}

// At returns the element at index i.
func (a *ArrayObject) At(i int) (Value, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if i < 0 || i >= len(a.Elements) {
		return Value{}, ErrIndexOutOfBounds
	}
	return a.Elements[i], nil
}

// SetAt replaces the element at index i.
func (a *ArrayObject) SetAt(i int, v Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.Elements) {
		return ErrIndexOutOfBounds
	}
	a.Elements[i] = v
	return nil
}

// Snapshot copies the element slice for iteration without holding the lock.
func (a *ArrayObject) Snapshot() []Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Value, len(a.Elements))
	copy(out, a.Elements)
	return out
}

// ArrayPool maps array handles to their shared storage.
type ArrayPool struct {
	objects sync.Map // ArrayHandle -> *ArrayObject
	next    atomic.Uint32
}

// NewArrayPool creates an empty array pool.
func NewArrayPool() *ArrayPool { return &ArrayPool{} }

// New allocates an array with the given element type and contents,
// returning its handle with one reference held.
func (p *ArrayPool) New(elem TypeID, elements []Value) ArrayHandle {
	obj := &ArrayObject{Elem: elem, Elements: elements}
	obj.refs.Store(1)
	h := ArrayHandle(p.next.Add(1))
	p.objects.Store(h, obj)
	return h
}

// Get resolves a handle to its storage, or nil for a stale handle.
func (p *ArrayPool) Get(h ArrayHandle) *ArrayObject {
	if obj, ok := p.objects.Load(h); ok {
		return obj.(*ArrayObject)
	}
	return nil
}

// Retain increments the reference count of h.
func (p *ArrayPool) Retain(h ArrayHandle) {
	if obj := p.Get(h); obj != nil {
		obj.refs.Add(1)
	}
}

// Release decrements the reference count of h, freeing the storage when it
// reaches zero.
func (p *ArrayPool) Release(h ArrayHandle) {
	obj := p.Get(h)
	if obj == nil {
		return
	}
	if obj.refs.Add(-1) <= 0 {
		p.objects.Delete(h)
	}
}

// BufferObject is the shared storage behind a buffer handle.
type BufferObject struct {
	Bytes []byte
	refs  atomic.Int32
}

// BufferPool maps buffer handles to their shared storage.
type BufferPool struct {
	objects sync.Map // BufferHandle -> *BufferObject
	next    atomic.Uint32
}

// NewBufferPool creates an empty buffer pool.
func NewBufferPool() *BufferPool { return &BufferPool{} }

// New allocates a buffer holding data, returning its handle with one
// reference held.
func (p *BufferPool) New(data []byte) BufferHandle {
	obj := &BufferObject{Bytes: data}
	obj.refs.Store(1)
	h := BufferHandle(p.next.Add(1))
	p.objects.Store(h, obj)
	return h
}

// Get resolves a handle to its storage, or nil for a stale handle.
func (p *BufferPool) Get(h BufferHandle) *BufferObject {
	if obj, ok := p.objects.Load(h); ok {
		return obj.(*BufferObject)
	}
	return nil
}

// Retain increments the reference count of h.
func (p *BufferPool) Retain(h BufferHandle) {
	if obj := p.Get(h); obj != nil {
		obj.refs.Add(1)
	}
}

// Release decrements the reference count of h, freeing the storage when it
// reaches zero.
func (p *BufferPool) Release(h BufferHandle) {
	obj := p.Get(h)
	if obj == nil {
		return
	}
	if obj.refs.Add(-1) <= 0 {
		p.objects.Delete(h)
	}
}

// HandlePools bundles the shared pools a program draws handles from. Pools
// outlive any single execution; multiple programs may share one set.
type HandlePools struct {
	Strings *StringPool
	Arrays  *ArrayPool
	Buffers *BufferPool
}

// NewHandlePools creates a fresh, empty set of pools.
func NewHandlePools() *HandlePools {
	return &HandlePools{
		Strings: NewStringPool(),
		Arrays:  NewArrayPool(),
		Buffers: NewBufferPool(),
	}
}

// DefaultPools is the process-wide pool set used by programs that are not
// given their own.
var DefaultPools = NewHandlePools()
