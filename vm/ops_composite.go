package vm

import "fmt"

// ---------------------------------------------------------------------------
// Tuple and structure access operations
// ---------------------------------------------------------------------------

func compositeSlotMember(ctx *ExecutionContext, varname, member StringHandle, opname string) (Value, int, *VariableSlot, error) {
	slot, err := ctx.LookupVariable(varname)
	if err != nil {
		return Value{}, 0, nil, runtimeError(opname, err)
	}
	v, err := slot.Get()
	if err != nil {
		return Value{}, 0, nil, runtimeError(opname, err)
	}
	if !v.Type.IsComposite() {
		return Value{}, 0, nil, runtimeErrorf(opname, "variable %q is not a composite", ctx.text(varname))
	}
	index, err := compositeMemberIndex(ctx.Program, v, member)
	if err != nil {
		return Value{}, 0, nil, runtimeError(opname, err)
	}
	return v, index, slot, nil
}

func compositeMemberIndex(p *Program, v Value, member StringHandle) (int, error) {
	layout, err := compositeLayoutOf(p, v)
	if err != nil {
		return 0, err
	}
	index, ok := layout.MemberIndex(member)
	if !ok {
		return 0, fmt.Errorf("%w: no member %q", ErrUnknownIdentifier, p.Pools.Strings.Text(member))
	}
	return index, nil
}

func compositeLayoutOf(p *Program, v Value) (*compositeLayout, error) {
	if v.Type == TypeTuple {
		l, err := p.TupleOwners.Layout(TupleTypeID(v.Hint))
		if err != nil {
			return nil, err
		}
		return &l.compositeLayout, nil
	}
	l, err := p.StructureOwners.Layout(StructureTypeID(v.Hint))
	if err != nil {
		return nil, err
	}
	return &l.compositeLayout, nil
}

// ReadTuple reads a member of a tuple variable. Tuples are positional;
// the member name resolves to its declared position.
type ReadTuple struct {
	VarName    StringHandle
	MemberName StringHandle
}

func (r *ReadTuple) Type(scope *ScopeDescription) TypeID {
	id, err := scope.VariableTupleTypeID(r.VarName)
	if err != nil {
		return TypeNull
	}
	layout, err := scope.Program().TupleOwners.Layout(id)
	if err != nil {
		return TypeNull
	}
	t, err := layout.MemberType(r.MemberName)
	if err != nil {
		return TypeNull
	}
	return t
}

func (r *ReadTuple) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowNormal, nil
}

func (r *ReadTuple) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, index, _, err := compositeSlotMember(ctx, r.VarName, r.MemberName, "readtuple")
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return v.Members[index], FlowNormal, nil
}

// AssignTuple pops a value and writes it into a tuple member.
type AssignTuple struct {
	VarName    StringHandle
	MemberName StringHandle
}

func (a *AssignTuple) Type(*ScopeDescription) TypeID { return TypeNull }

func (a *AssignTuple) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return assignCompositeMember(ctx, a.VarName, a.MemberName, "writetuple")
}

func (a *AssignTuple) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(a, ctx)
}

// ReadStructure reads a member of a structure variable.
type ReadStructure struct {
	VarName    StringHandle
	MemberName StringHandle
}

func (r *ReadStructure) Type(scope *ScopeDescription) TypeID {
	id, err := scope.VariableStructureTypeID(r.VarName)
	if err != nil {
		return TypeNull
	}
	layout, err := scope.Program().StructureOwners.Layout(id)
	if err != nil {
		return TypeNull
	}
	t, err := layout.MemberType(r.MemberName)
	if err != nil {
		return TypeNull
	}
	return t
}

func (r *ReadStructure) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowNormal, nil
}

func (r *ReadStructure) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, index, _, err := compositeSlotMember(ctx, r.VarName, r.MemberName, "readstruct")
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return v.Members[index], FlowNormal, nil
}

// AssignStructure pops a value and writes it into a structure member.
type AssignStructure struct {
	VarName    StringHandle
	MemberName StringHandle
}

func (a *AssignStructure) Type(*ScopeDescription) TypeID { return TypeNull }

func (a *AssignStructure) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return assignCompositeMember(ctx, a.VarName, a.MemberName, "writestruct")
}

func (a *AssignStructure) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(a, ctx)
}

func assignCompositeMember(ctx *ExecutionContext, varname, member StringHandle, opname string) (FlowControl, error) {
	v, index, slot, err := compositeSlotMember(ctx, varname, member, opname)
	if err != nil {
		return FlowNormal, err
	}
	layout, err := compositeLayoutOf(ctx.Program, v)
	if err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	m := layout.Member(index)
	mv, err := ctx.Stack.PopValue(ctx.Program, m.Type, m.Hint)
	if err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	members := make([]Value, len(v.Members))
	copy(members, v.Members)
	members[index] = mv
	v.Members = members
	if err := slot.Set(v); err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	return FlowNormal, nil
}

// ReadStructureIndirect pops a structure image from the stack and reads
// one member of it. Its static type is computed by walking back along the
// chain of prior operations to the terminal ReadStructure.
type ReadStructureIndirect struct {
	MemberName StringHandle

	// block and prior locate the operation whose result this op consumes.
	// The chain is finite: bytecode layout guarantees the prior operation
	// exists in the same block.
	block *Block
	prior int
}

// NewReadStructureIndirect creates the operation consuming the result of
// block's operation at index prior.
func NewReadStructureIndirect(member StringHandle, block *Block, prior int) *ReadStructureIndirect {
	return &ReadStructureIndirect{MemberName: member, block: block, prior: prior}
}

// Prior returns the index of the producing operation in the owning block.
func (r *ReadStructureIndirect) Prior() int { return r.prior }

func (r *ReadStructureIndirect) Type(scope *ScopeDescription) TypeID {
	id, err := r.chainStructureID(scope)
	if err != nil {
		return TypeNull
	}
	layout, err := scope.Program().StructureOwners.Layout(id)
	if err != nil {
		return TypeNull
	}
	t, err := layout.MemberType(r.MemberName)
	if err != nil {
		return TypeNull
	}
	return t
}

// chainStructureID walks back along prior operations: the terminal
// ReadStructure yields the root variable's structure type; each indirect
// link in between resolves the next member's hint.
func (r *ReadStructureIndirect) chainStructureID(scope *ScopeDescription) (StructureTypeID, error) {
	return walkIndirectChain(scope, r.block, r.prior)
}

func walkIndirectChain(scope *ScopeDescription, block *Block, index int) (StructureTypeID, error) {
	if block == nil || index < 0 || index >= len(block.Operations()) {
		return 0, fmt.Errorf("indirect structure read without a prior producing operation")
	}
	push, ok := block.Operations()[index].(*PushOperation)
	if !ok {
		return 0, fmt.Errorf("indirect structure read: prior operation is not a push")
	}
	switch nested := push.Nested().(type) {
	case *ReadStructure:
		id, err := scope.VariableStructureTypeID(nested.VarName)
		if err != nil {
			return 0, err
		}
		layout, err := scope.Program().StructureOwners.Layout(id)
		if err != nil {
			return 0, err
		}
		hint, err := layout.MemberHint(nested.MemberName)
		if err != nil {
			return 0, err
		}
		return StructureTypeID(hint), nil
	case *ReadStructureIndirect:
		id, err := walkIndirectChain(scope, nested.block, nested.prior)
		if err != nil {
			return 0, err
		}
		layout, err := scope.Program().StructureOwners.Layout(id)
		if err != nil {
			return 0, err
		}
		hint, err := layout.MemberHint(nested.MemberName)
		if err != nil {
			return 0, err
		}
		return StructureTypeID(hint), nil
	}
	return 0, fmt.Errorf("indirect structure read: prior push does not produce a structure")
}

func (r *ReadStructureIndirect) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(r, ctx)
}

func (r *ReadStructureIndirect) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, err := ctx.Stack.PopValue(ctx.Program, TypeStructure, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("readstructindirect", err)
	}
	index, err := compositeMemberIndex(ctx.Program, v, r.MemberName)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("readstructindirect", err)
	}
	return v.Members[index], FlowNormal, nil
}

// AssignStructureIndirect pops a bound structure address, then a value,
// and writes the value into the named member through the reference.
type AssignStructureIndirect struct {
	MemberName StringHandle
}

func (a *AssignStructureIndirect) Type(*ScopeDescription) TypeID { return TypeNull }

func (a *AssignStructureIndirect) Execute(ctx *ExecutionContext) (FlowControl, error) {
	addr, err := ctx.Stack.PopHandle()
	if err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	ref, err := ctx.resolveReference(addr)
	if err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	base, err := ref.Get()
	if err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	index, err := compositeMemberIndex(ctx.Program, base, a.MemberName)
	if err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	layout, err := compositeLayoutOf(ctx.Program, base)
	if err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	m := layout.Member(index)
	mv, err := ctx.Stack.PopValue(ctx.Program, m.Type, m.Hint)
	if err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	members := make([]Value, len(base.Members))
	copy(members, base.Members)
	members[index] = mv
	base.Members = members
	if err := ref.Set(base); err != nil {
		return FlowNormal, runtimeError("writestructindirect", err)
	}
	return FlowNormal, nil
}

func (a *AssignStructureIndirect) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(a, ctx)
}

// BindStructMemberReference pushes the address of a structure member. A
// root bind resolves a named variable; a chained bind pops the address of
// the containing structure instead.
type BindStructMemberReference struct {
	Chained    bool
	VarName    StringHandle
	MemberName StringHandle
}

func (b *BindStructMemberReference) Type(*ScopeDescription) TypeID { return TypeAddress }

func (b *BindStructMemberReference) Execute(ctx *ExecutionContext) (FlowControl, error) {
	_, fc, err := b.ExecuteRValue(ctx)
	return fc, err
}

func (b *BindStructMemberReference) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	var base Reference
	if b.Chained {
		addr, err := ctx.Stack.PopHandle()
		if err != nil {
			return Value{}, FlowNormal, runtimeError("bindstruct", err)
		}
		ref, err := ctx.resolveReference(addr)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("bindstruct", err)
		}
		base = ref
	} else {
		slot, err := ctx.LookupVariable(b.VarName)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("bindstruct", err)
		}
		base = slot
	}

	bv, err := base.Get()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bindstruct", err)
	}
	index, err := compositeMemberIndex(ctx.Program, bv, b.MemberName)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bindstruct", err)
	}
	layout, err := compositeLayoutOf(ctx.Program, bv)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bindstruct", err)
	}
	ref := &memberReference{base: base, index: index, mtype: layout.Member(index).Type}
	id := ctx.bindReference(ref)
	ctx.Stack.PushHandle(id)
	return AddressValue(id), FlowNormal, nil
}
