package vm

import "fmt"

// ---------------------------------------------------------------------------
// Activated scopes
// ---------------------------------------------------------------------------

// Reference is an assignable view of a storage location: a variable slot
// or a composite member reached through one.
type Reference interface {
	Get() (Value, error)
	Set(v Value) error
	RefType() TypeID
}

// VariableSlot is the live storage for one named variable in an
// activation. A slot is either an owned cell or, for reference variables,
// an alias of a slot in another activation.
type VariableSlot struct {
	Type  TypeID
	value Value
	ref   Reference
}

// Get reads the slot, following a reference binding if present.
func (s *VariableSlot) Get() (Value, error) {
	if s.ref != nil {
		return s.ref.Get()
	}
	return s.value, nil
}

// Set writes the slot, following a reference binding if present.
func (s *VariableSlot) Set(v Value) error {
	if s.ref != nil {
		return s.ref.Set(v)
	}
	s.value = v
	return nil
}

// RefType reports the slot's static type.
func (s *VariableSlot) RefType() TypeID { return s.Type }

// BindRef aliases the slot to another storage location. Reference slots
// never free their referent; the referent must outlive this activation.
func (s *VariableSlot) BindRef(r Reference) { s.ref = r }

// memberReference is an assignable view of one member of a composite held
// in another reference.
type memberReference struct {
	base   Reference
	index  int
	mtype  TypeID
}

func (m *memberReference) Get() (Value, error) {
	v, err := m.base.Get()
	if err != nil {
		return Value{}, err
	}
	if !v.Type.IsComposite() || m.index >= len(v.Members) {
		return Value{}, fmt.Errorf("%w: member reference into non-composite", ErrTypeMismatch)
	}
	return v.Members[m.index], nil
}

func (m *memberReference) Set(v Value) error {
	base, err := m.base.Get()
	if err != nil {
		return err
	}
	if !base.Type.IsComposite() || m.index >= len(base.Members) {
		return fmt.Errorf("%w: member reference into non-composite", ErrTypeMismatch)
	}
	members := make([]Value, len(base.Members))
	copy(members, base.Members)
	members[m.index] = v
	base.Members = members
	return m.base.Set(base)
}

func (m *memberReference) RefType() TypeID { return m.mtype }

// ActivatedScope is a per-call instance of a ScopeDescription with live
// variable slots. Slots are created on entry and destroyed on exit.
type ActivatedScope struct {
	desc   *ScopeDescription
	parent *ActivatedScope
	slots  map[StringHandle]*VariableSlot
}

func newActivatedScope(desc *ScopeDescription, parent *ActivatedScope) *ActivatedScope {
	return &ActivatedScope{
		desc:   desc,
		parent: parent,
		slots:  make(map[StringHandle]*VariableSlot),
	}
}

// Description returns the lexical descriptor this activation instantiates.
func (a *ActivatedScope) Description() *ScopeDescription { return a.desc }

// Parent returns the enclosing activation.
func (a *ActivatedScope) Parent() *ActivatedScope { return a.parent }

func (a *ActivatedScope) ownSlot(name StringHandle) (*VariableSlot, bool) {
	s, ok := a.slots[name]
	return s, ok
}

// InitializeDefaults creates a default-initialized slot for every owned
// variable in the descriptor. Reference slots stay unbound until a caller
// provides a referent.
func (a *ActivatedScope) InitializeDefaults(p *Program) error {
	for _, name := range a.desc.VariableOrder() {
		entry, _ := a.desc.VariableEntry(name)
		slot := &VariableSlot{Type: entry.Type}
		if !entry.IsReference {
			hint := a.desc.variableHint(name)
			v, err := defaultValueFor(p, entry.Type, hint)
			if err != nil {
				return err
			}
			slot.value = v
		}
		a.slots[name] = slot
	}
	return nil
}

// BindParameters creates slots for every declared variable by popping
// arguments from the operand stack in reverse declared order (callers push
// in declared order). Reference parameters pop an address and alias its
// referent.
func (a *ActivatedScope) BindParameters(ctx *ExecutionContext) error {
	order := a.desc.VariableOrder()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		entry, _ := a.desc.VariableEntry(name)
		slot := &VariableSlot{Type: entry.Type}
		if entry.IsReference {
			id, err := ctx.Stack.PopHandle()
			if err != nil {
				return err
			}
			ref, err := ctx.resolveReference(id)
			if err != nil {
				return err
			}
			slot.BindRef(ref)
		} else {
			hint := a.desc.variableHint(name)
			v, err := ctx.Stack.PopValue(ctx.Program, entry.Type, hint)
			if err != nil {
				return err
			}
			slot.value = v
		}
		a.slots[name] = slot
	}
	return nil
}

// variableHint resolves the layout or element hint attached to a declared
// variable, if any.
func (s *ScopeDescription) variableHint(name StringHandle) int32 {
	if id, ok := s.tupleHints[name]; ok {
		return int32(id)
	}
	if id, ok := s.structHints[name]; ok {
		return int32(id)
	}
	return 0
}

// Lookup resolves name to a live slot: own slots first, then ghost
// projections (resolved against the task's live activations), then the
// parent chain. Lookup in a child scope that does not shadow the name
// returns the same slot as lookup in the declaring scope.
func (a *ActivatedScope) Lookup(ctx *ExecutionContext, name StringHandle) (*VariableSlot, error) {
	for act := a; act != nil; act = act.parent {
		if slot, ok := act.slots[name]; ok {
			return slot, nil
		}
		for _, gm := range act.desc.Ghosts {
			if owner, ok := gm.Find(name); ok {
				if foreign := ctx.liveActivation(owner); foreign != nil {
					if slot, ok := foreign.ownSlot(name); ok {
						return slot, nil
					}
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownIdentifier, a.desc.name(name))
}
