package vm

import "fmt"

// ---------------------------------------------------------------------------
// ScopeDescription: lexical activation descriptor
// ---------------------------------------------------------------------------

// VariableEntry describes one named slot in a scope: its static type and
// whether the slot is an owned cell or a reference into another scope.
type VariableEntry struct {
	Type        TypeID
	IsReference bool
}

// GhostEntry projects a single foreign name into a scope.
type GhostEntry struct {
	Name  StringHandle
	Owner *ScopeDescription
}

// GhostMap is one name→foreign-scope projection, in declaration order.
type GhostMap struct {
	Entries []GhostEntry
}

// Find resolves name within the map.
func (g *GhostMap) Find(name StringHandle) (*ScopeDescription, bool) {
	for _, e := range g.Entries {
		if e.Name == name {
			return e.Owner, true
		}
	}
	return nil, false
}

// ScopeDescription is a lexical scope: ordered variable, function, type,
// constant, response-map, and future registrations, plus a parent link for
// name resolution. Descriptions are built by the loader and effectively
// immutable afterwards; per-call state lives in ActivatedScope.
type ScopeDescription struct {
	program *Program

	Parent *ScopeDescription

	varOrder []StringHandle
	vars     map[StringHandle]VariableEntry

	functionOrder []StringHandle
	functions     map[StringHandle]FunctionBase

	signatureOrder []StringHandle
	signatures     map[StringHandle]*FunctionSignature

	tupleTypeOrder []StringHandle
	tupleTypes     map[StringHandle]TupleTypeID
	tupleHintOrder []StringHandle
	tupleHints     map[StringHandle]TupleTypeID
	TupleTracker   *TupleTracker

	structTypeOrder []StringHandle
	structTypes     map[StringHandle]StructureTypeID
	structHintOrder []StringHandle
	structHints     map[StringHandle]StructureTypeID
	StructTracker   *StructureTracker

	constantOrder []StringHandle
	constants     map[StringHandle]bool

	responseMapOrder []StringHandle
	responseMaps     map[StringHandle]*ResponseMap

	futureOrder []StringHandle
	futures     map[StringHandle]Operation
	futureTypes map[StringHandle]TypeID

	arrayHintOrder []StringHandle
	arrayTypes     map[StringHandle]TypeID

	Ghosts []GhostMap
}

// NewScopeDescription creates an empty scope owned by p.
func NewScopeDescription(p *Program) *ScopeDescription {
	return &ScopeDescription{
		program:       p,
		vars:          make(map[StringHandle]VariableEntry),
		functions:     make(map[StringHandle]FunctionBase),
		signatures:    make(map[StringHandle]*FunctionSignature),
		tupleTypes:    make(map[StringHandle]TupleTypeID),
		tupleHints:    make(map[StringHandle]TupleTypeID),
		TupleTracker:  NewTupleTracker(),
		structTypes:   make(map[StringHandle]StructureTypeID),
		structHints:   make(map[StringHandle]StructureTypeID),
		StructTracker: NewStructureTracker(),
		constants:     make(map[StringHandle]bool),
		responseMaps:  make(map[StringHandle]*ResponseMap),
		futures:       make(map[StringHandle]Operation),
		futureTypes:   make(map[StringHandle]TypeID),
		arrayTypes:    make(map[StringHandle]TypeID),
	}
}

// Program returns the program this scope belongs to.
func (s *ScopeDescription) Program() *Program { return s.program }

// IsEmpty reports whether the scope has no registrations at all.
func (s *ScopeDescription) IsEmpty() bool {
	return len(s.varOrder) == 0 && len(s.functionOrder) == 0 &&
		len(s.signatureOrder) == 0 && len(s.tupleTypeOrder) == 0 &&
		len(s.structTypeOrder) == 0 && len(s.constantOrder) == 0 &&
		len(s.responseMapOrder) == 0 && len(s.futureOrder) == 0 &&
		len(s.Ghosts) == 0
}

// AddVariable registers an owned variable slot. A name resolves to at most
// one slot within a single scope.
func (s *ScopeDescription) AddVariable(name StringHandle, t TypeID) {
	if _, ok := s.vars[name]; !ok {
		s.varOrder = append(s.varOrder, name)
	}
	s.vars[name] = VariableEntry{Type: t}
}

// AddReference registers a reference slot of the given referent type.
func (s *ScopeDescription) AddReference(name StringHandle, t TypeID) {
	if _, ok := s.vars[name]; !ok {
		s.varOrder = append(s.varOrder, name)
	}
	s.vars[name] = VariableEntry{Type: t, IsReference: true}
}

// VariableOrder returns variable names in declaration order.
func (s *ScopeDescription) VariableOrder() []StringHandle { return s.varOrder }

// VariableEntry resolves a name registered directly in this scope.
func (s *ScopeDescription) VariableEntry(name StringHandle) (VariableEntry, bool) {
	e, ok := s.vars[name]
	return e, ok
}

// HasVariable reports whether name resolves anywhere in the scope chain,
// including ghost projections.
func (s *ScopeDescription) HasVariable(name StringHandle) bool {
	_, _, err := s.resolveVariable(name)
	return err == nil
}

// VariableType resolves the static type of name, walking parents until
// found.
func (s *ScopeDescription) VariableType(name StringHandle) (TypeID, error) {
	_, e, err := s.resolveVariable(name)
	if err != nil {
		return TypeNull, err
	}
	return e.Type, nil
}

// DeclaringScope returns the scope that directly registers name.
func (s *ScopeDescription) DeclaringScope(name StringHandle) (*ScopeDescription, error) {
	d, _, err := s.resolveVariable(name)
	return d, err
}

func (s *ScopeDescription) resolveVariable(name StringHandle) (*ScopeDescription, VariableEntry, error) {
	for scope := s; scope != nil; scope = scope.Parent {
		if e, ok := scope.vars[name]; ok {
			return scope, e, nil
		}
		for _, gm := range scope.Ghosts {
			if owner, ok := gm.Find(name); ok {
				return owner.resolveVariable(name)
			}
		}
	}
	return nil, VariableEntry{}, fmt.Errorf("%w: %q", ErrUnknownIdentifier, s.name(name))
}

func (s *ScopeDescription) name(h StringHandle) string {
	if s.program == nil {
		return fmt.Sprintf("handle#%d", h)
	}
	return s.program.Pools.Strings.Text(h)
}

// AddFunction registers a function binding.
func (s *ScopeDescription) AddFunction(name StringHandle, fn FunctionBase) {
	if _, ok := s.functions[name]; !ok {
		s.functionOrder = append(s.functionOrder, name)
	}
	s.functions[name] = fn
}

// FunctionOrder returns function names in registration order.
func (s *ScopeDescription) FunctionOrder() []StringHandle { return s.functionOrder }

// Function resolves name to a function, walking parents until found.
func (s *ScopeDescription) Function(name StringHandle) (FunctionBase, error) {
	for scope := s; scope != nil; scope = scope.Parent {
		if fn, ok := scope.functions[name]; ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%w: function %q", ErrUnknownIdentifier, s.name(name))
}

// LocalFunction resolves name within this scope only.
func (s *ScopeDescription) LocalFunction(name StringHandle) (FunctionBase, bool) {
	fn, ok := s.functions[name]
	return fn, ok
}

// AddFunctionSignature registers a higher-order function signature.
func (s *ScopeDescription) AddFunctionSignature(name StringHandle, sig *FunctionSignature) {
	if _, ok := s.signatures[name]; !ok {
		s.signatureOrder = append(s.signatureOrder, name)
	}
	s.signatures[name] = sig
}

// SignatureOrder returns signature names in registration order.
func (s *ScopeDescription) SignatureOrder() []StringHandle { return s.signatureOrder }

// Signature resolves a registered signature, walking parents.
func (s *ScopeDescription) Signature(name StringHandle) (*FunctionSignature, bool) {
	for scope := s; scope != nil; scope = scope.Parent {
		if sig, ok := scope.signatures[name]; ok {
			return sig, true
		}
	}
	return nil, false
}

// AddTupleType binds a tuple type name to its global id.
func (s *ScopeDescription) AddTupleType(name StringHandle, id TupleTypeID) {
	if _, ok := s.tupleTypes[name]; !ok {
		s.tupleTypeOrder = append(s.tupleTypeOrder, name)
	}
	s.tupleTypes[name] = id
}

// SetTupleHint binds a variable name to the tuple layout it instantiates.
func (s *ScopeDescription) SetTupleHint(name StringHandle, id TupleTypeID) {
	if _, ok := s.tupleHints[name]; !ok {
		s.tupleHintOrder = append(s.tupleHintOrder, name)
	}
	s.tupleHints[name] = id
}

// TupleTypeOrder returns tuple type names in registration order.
func (s *ScopeDescription) TupleTypeOrder() []StringHandle { return s.tupleTypeOrder }

// TupleHintOrder returns tuple hint variable names in registration order.
func (s *ScopeDescription) TupleHintOrder() []StringHandle { return s.tupleHintOrder }

// TupleTypeID resolves a tuple type name, walking parents.
func (s *ScopeDescription) TupleTypeID(name StringHandle) (TupleTypeID, bool) {
	for scope := s; scope != nil; scope = scope.Parent {
		if id, ok := scope.tupleTypes[name]; ok {
			return id, true
		}
	}
	return 0, false
}

// VariableTupleTypeID resolves the layout id of a tuple variable.
func (s *ScopeDescription) VariableTupleTypeID(name StringHandle) (TupleTypeID, error) {
	for scope := s; scope != nil; scope = scope.Parent {
		if id, ok := scope.tupleHints[name]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: tuple variable %q", ErrUnknownIdentifier, s.name(name))
}

// AddStructureType binds a structure type name to its global id.
func (s *ScopeDescription) AddStructureType(name StringHandle, id StructureTypeID) {
	if _, ok := s.structTypes[name]; !ok {
		s.structTypeOrder = append(s.structTypeOrder, name)
	}
	s.structTypes[name] = id
}

// SetStructureHint binds a variable name to the structure layout it
// instantiates.
func (s *ScopeDescription) SetStructureHint(name StringHandle, id StructureTypeID) {
	if _, ok := s.structHints[name]; !ok {
		s.structHintOrder = append(s.structHintOrder, name)
	}
	s.structHints[name] = id
}

// StructureTypeOrder returns structure type names in registration order.
func (s *ScopeDescription) StructureTypeOrder() []StringHandle { return s.structTypeOrder }

// StructureHintOrder returns structure hint variable names in registration
// order.
func (s *ScopeDescription) StructureHintOrder() []StringHandle { return s.structHintOrder }

// StructureTypeIDByName resolves a structure type name, walking parents.
func (s *ScopeDescription) StructureTypeIDByName(name StringHandle) (StructureTypeID, bool) {
	for scope := s; scope != nil; scope = scope.Parent {
		if id, ok := scope.structTypes[name]; ok {
			return id, true
		}
	}
	return 0, false
}

// VariableStructureTypeID resolves the layout id of a structure variable.
func (s *ScopeDescription) VariableStructureTypeID(name StringHandle) (StructureTypeID, error) {
	for scope := s; scope != nil; scope = scope.Parent {
		if id, ok := scope.structHints[name]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: structure variable %q", ErrUnknownIdentifier, s.name(name))
}

// SetConstant marks name as constant. The checker rejects later writes.
func (s *ScopeDescription) SetConstant(name StringHandle) {
	if !s.constants[name] {
		s.constantOrder = append(s.constantOrder, name)
	}
	s.constants[name] = true
}

// ConstantOrder returns constant names in registration order.
func (s *ScopeDescription) ConstantOrder() []StringHandle { return s.constantOrder }

// IsConstant reports whether name is marked constant anywhere in the
// scope chain.
func (s *ScopeDescription) IsConstant(name StringHandle) bool {
	for scope := s; scope != nil; scope = scope.Parent {
		if scope.constants[name] {
			return true
		}
	}
	return false
}

// AddResponseMap registers a message response map.
func (s *ScopeDescription) AddResponseMap(name StringHandle, m *ResponseMap) {
	if _, ok := s.responseMaps[name]; !ok {
		s.responseMapOrder = append(s.responseMapOrder, name)
	}
	s.responseMaps[name] = m
}

// ResponseMapOrder returns response map names in registration order.
func (s *ScopeDescription) ResponseMapOrder() []StringHandle { return s.responseMapOrder }

// ResponseMap resolves a response map, walking parents.
func (s *ScopeDescription) ResponseMap(name StringHandle) (*ResponseMap, error) {
	for scope := s; scope != nil; scope = scope.Parent {
		if m, ok := scope.responseMaps[name]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: response map %q", ErrUnknownIdentifier, s.name(name))
}

// AddFuture registers a future: the operation that computes it and its
// declared result type.
func (s *ScopeDescription) AddFuture(name StringHandle, op Operation, t TypeID) {
	if _, ok := s.futures[name]; !ok {
		s.futureOrder = append(s.futureOrder, name)
	}
	s.futures[name] = op
	s.futureTypes[name] = t
}

// FutureOrder returns future names in registration order.
func (s *ScopeDescription) FutureOrder() []StringHandle { return s.futureOrder }

// FutureOperation resolves the computation registered for a future,
// walking parents.
func (s *ScopeDescription) FutureOperation(name StringHandle) (Operation, TypeID, bool) {
	for scope := s; scope != nil; scope = scope.Parent {
		if op, ok := scope.futures[name]; ok {
			return op, scope.futureTypes[name], true
		}
	}
	return nil, TypeNull, false
}

// SetArrayType records the element type of an array variable.
func (s *ScopeDescription) SetArrayType(name StringHandle, elem TypeID) {
	if _, ok := s.arrayTypes[name]; !ok {
		s.arrayHintOrder = append(s.arrayHintOrder, name)
	}
	s.arrayTypes[name] = elem
}

// ArrayHintOrder returns array hint variable names in registration order.
func (s *ScopeDescription) ArrayHintOrder() []StringHandle { return s.arrayHintOrder }

// ArrayElementType resolves the element type of an array variable,
// walking parents.
func (s *ScopeDescription) ArrayElementType(name StringHandle) (TypeID, error) {
	for scope := s; scope != nil; scope = scope.Parent {
		if t, ok := scope.arrayTypes[name]; ok {
			return t, nil
		}
	}
	return TypeNull, fmt.Errorf("%w: array variable %q", ErrUnknownIdentifier, s.name(name))
}

// AddGhostMap appends an empty ghost projection set.
func (s *ScopeDescription) AddGhostMap() *GhostMap {
	s.Ghosts = append(s.Ghosts, GhostMap{})
	return &s.Ghosts[len(s.Ghosts)-1]
}
