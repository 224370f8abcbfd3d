package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Composite type layouts
// ---------------------------------------------------------------------------

// TupleTypeID identifies a registered tuple layout. IDs are globally
// unique across a program.
type TupleTypeID int32

// StructureTypeID identifies a registered structure layout. IDs are
// globally unique across a program.
type StructureTypeID int32

// compositeMember describes one member of a tuple or structure layout.
type compositeMember struct {
	Name StringHandle
	Type TypeID

	// Hint resolves the nested layout when Type is tuple or structure.
	Hint int32

	// Offset is the member's byte offset within the stack image of the
	// composite, computed once at registration.
	Offset int
}

// compositeLayout is the shared machinery behind tuple and structure
// layouts: an ordered member table with precomputed stack offsets.
type compositeLayout struct {
	members []compositeMember
	byName  map[StringHandle]int
	size    int
}

func newCompositeLayout() compositeLayout {
	return compositeLayout{byName: make(map[StringHandle]int)}
}

// AddMember appends a scalar member to the layout.
func (l *compositeLayout) AddMember(name StringHandle, t TypeID) {
	l.byName[name] = len(l.members)
	l.members = append(l.members, compositeMember{Name: name, Type: t})
}

// AddCompositeMember appends a nested tuple or structure member.
func (l *compositeLayout) AddCompositeMember(name StringHandle, t TypeID, hint int32) {
	l.byName[name] = len(l.members)
	l.members = append(l.members, compositeMember{Name: name, Type: t, Hint: hint})
}

// ComputeOffsets fixes each member's byte offset within the composite's
// stack image. Offsets are stable for the lifetime of the owning scope.
func (l *compositeLayout) ComputeOffsets(p *Program) error {
	offset := 0
	for i := range l.members {
		m := &l.members[i]
		m.Offset = offset
		width, err := memberStorageSize(p, m.Type, m.Hint)
		if err != nil {
			return err
		}
		offset += width
	}
	l.size = offset
	return nil
}

// StorageSize reports the byte size of the composite's stack image,
// excluding the trailing type-hint word the pusher appends.
func (l *compositeLayout) StorageSize() int { return l.size }

// MemberCount returns the number of members.
func (l *compositeLayout) MemberCount() int { return len(l.members) }

// MemberNames returns member names in declared order.
func (l *compositeLayout) MemberNames() []StringHandle {
	names := make([]StringHandle, len(l.members))
	for i, m := range l.members {
		names[i] = m.Name
	}
	return names
}

// MemberIndex resolves a member name to its declared position.
func (l *compositeLayout) MemberIndex(name StringHandle) (int, bool) {
	i, ok := l.byName[name]
	return i, ok
}

// MemberType returns the type of the named member.
func (l *compositeLayout) MemberType(name StringHandle) (TypeID, error) {
	i, ok := l.byName[name]
	if !ok {
		return TypeNull, fmt.Errorf("%w: composite has no member for handle %d", ErrUnknownIdentifier, name)
	}
	return l.members[i].Type, nil
}

// MemberHint returns the nested layout hint of the named member.
func (l *compositeLayout) MemberHint(name StringHandle) (int32, error) {
	i, ok := l.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: composite has no member for handle %d", ErrUnknownIdentifier, name)
	}
	return l.members[i].Hint, nil
}

// Member returns the member record at declared position i.
func (l *compositeLayout) Member(i int) compositeMember { return l.members[i] }

func memberStorageSize(p *Program, t TypeID, hint int32) (int, error) {
	if !t.IsComposite() {
		return t.StorageSize()
	}
	if t == TypeTuple {
		tt, err := p.TupleOwners.Layout(TupleTypeID(hint))
		if err != nil {
			return 0, err
		}
		return tt.StorageSize() + typeHintStorage, nil
	}
	st, err := p.StructureOwners.Layout(StructureTypeID(hint))
	if err != nil {
		return 0, err
	}
	return st.StorageSize() + typeHintStorage, nil
}

// TupleType is a positional composite layout. Members are named, but
// access resolves by declared position.
type TupleType struct {
	compositeLayout
}

// NewTupleType creates an empty tuple layout.
func NewTupleType() *TupleType {
	return &TupleType{compositeLayout: newCompositeLayout()}
}

// StructureType is a by-offset composite layout; members may themselves be
// tuples or structures.
type StructureType struct {
	compositeLayout
}

// NewStructureType creates an empty structure layout.
func NewStructureType() *StructureType {
	return &StructureType{compositeLayout: newCompositeLayout()}
}

// defaultValueFor builds the zero value for a layout member type.
func defaultValueFor(p *Program, t TypeID, hint int32) (Value, error) {
	switch t {
	case TypeInteger:
		return IntegerValue(0), nil
	case TypeInteger16:
		return Integer16Value(0), nil
	case TypeReal:
		return RealValue(0), nil
	case TypeBoolean:
		return BooleanValue(false), nil
	case TypeString:
		return StringValue(p.Pools.Strings.Intern("")), nil
	case TypeFunction:
		return FunctionValue(InvalidString), nil
	case TypeAddress:
		return AddressValue(0), nil
	case TypeArray:
		return ArrayValue(0), nil
	case TypeTaskHandle:
		return TaskValue(0), nil
	case TypeBuffer:
		return BufferValue(0), nil
	case TypeTuple:
		tt, err := p.TupleOwners.Layout(TupleTypeID(hint))
		if err != nil {
			return Value{}, err
		}
		members, err := defaultMembers(p, &tt.compositeLayout)
		if err != nil {
			return Value{}, err
		}
		return TupleValue(hint, members), nil
	case TypeStructure:
		st, err := p.StructureOwners.Layout(StructureTypeID(hint))
		if err != nil {
			return Value{}, err
		}
		members, err := defaultMembers(p, &st.compositeLayout)
		if err != nil {
			return Value{}, err
		}
		return StructureValue(hint, members), nil
	}
	return NullValue(), nil
}

func defaultMembers(p *Program, l *compositeLayout) ([]Value, error) {
	members := make([]Value, l.MemberCount())
	for i := range members {
		m := l.Member(i)
		v, err := defaultValueFor(p, m.Type, m.Hint)
		if err != nil {
			return nil, err
		}
		members[i] = v
	}
	return members, nil
}

// ---------------------------------------------------------------------------
// Trackers and owner maps
// ---------------------------------------------------------------------------

// TupleTracker registers the tuple layouts owned by one scope.
type TupleTracker struct {
	order   []TupleTypeID
	layouts map[TupleTypeID]*TupleType
}

// NewTupleTracker creates an empty tracker.
func NewTupleTracker() *TupleTracker {
	return &TupleTracker{layouts: make(map[TupleTypeID]*TupleType)}
}

// Register records a layout under id.
func (t *TupleTracker) Register(id TupleTypeID, layout *TupleType) {
	if _, ok := t.layouts[id]; !ok {
		t.order = append(t.order, id)
	}
	t.layouts[id] = layout
}

// Layout resolves id within this tracker.
func (t *TupleTracker) Layout(id TupleTypeID) (*TupleType, bool) {
	l, ok := t.layouts[id]
	return l, ok
}

// IDs returns registered layout ids in registration order.
func (t *TupleTracker) IDs() []TupleTypeID { return t.order }

// StructureTracker registers the structure layouts owned by one scope.
type StructureTracker struct {
	order   []StructureTypeID
	layouts map[StructureTypeID]*StructureType
}

// NewStructureTracker creates an empty tracker.
func NewStructureTracker() *StructureTracker {
	return &StructureTracker{layouts: make(map[StructureTypeID]*StructureType)}
}

// Register records a layout under id.
func (t *StructureTracker) Register(id StructureTypeID, layout *StructureType) {
	if _, ok := t.layouts[id]; !ok {
		t.order = append(t.order, id)
	}
	t.layouts[id] = layout
}

// Layout resolves id within this tracker.
func (t *StructureTracker) Layout(id StructureTypeID) (*StructureType, bool) {
	l, ok := t.layouts[id]
	return l, ok
}

// IDs returns registered layout ids in registration order.
func (t *StructureTracker) IDs() []StructureTypeID { return t.order }

// TupleOwnerMap maps globally-unique tuple type ids to the tracker of the
// scope that owns them. Written during load, read-only afterwards.
type TupleOwnerMap struct {
	mu     sync.RWMutex
	owners map[TupleTypeID]*TupleTracker
}

// NewTupleOwnerMap creates an empty owner map.
func NewTupleOwnerMap() *TupleOwnerMap {
	return &TupleOwnerMap{owners: make(map[TupleTypeID]*TupleTracker)}
}

// Record notes that tracker owns id.
func (m *TupleOwnerMap) Record(id TupleTypeID, tracker *TupleTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[id] = tracker
}

// Layout resolves id through its owning tracker.
func (m *TupleOwnerMap) Layout(id TupleTypeID) (*TupleType, error) {
	m.mu.RLock()
	tracker := m.owners[id]
	m.mu.RUnlock()
	if tracker == nil {
		return nil, fmt.Errorf("no registered tuple type with id %d", id)
	}
	l, ok := tracker.Layout(id)
	if !ok {
		return nil, fmt.Errorf("no registered tuple type with id %d", id)
	}
	return l, nil
}

// StructureOwnerMap maps globally-unique structure type ids to the tracker
// of the scope that owns them.
type StructureOwnerMap struct {
	mu     sync.RWMutex
	owners map[StructureTypeID]*StructureTracker
}

// NewStructureOwnerMap creates an empty owner map.
func NewStructureOwnerMap() *StructureOwnerMap {
	return &StructureOwnerMap{owners: make(map[StructureTypeID]*StructureTracker)}
}

// Record notes that tracker owns id.
func (m *StructureOwnerMap) Record(id StructureTypeID, tracker *StructureTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[id] = tracker
}

// Layout resolves id through its owning tracker.
func (m *StructureOwnerMap) Layout(id StructureTypeID) (*StructureType, error) {
	m.mu.RLock()
	tracker := m.owners[id]
	m.mu.RUnlock()
	if tracker == nil {
		return nil, fmt.Errorf("no registered structure type with id %d", id)
	}
	l, ok := tracker.Layout(id)
	if !ok {
		return nil, fmt.Errorf("no registered structure type with id %d", id)
	}
	return l, nil
}
