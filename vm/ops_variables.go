package vm

// ---------------------------------------------------------------------------
// Variable access operations
// ---------------------------------------------------------------------------

// GetVariableValue reads a named variable. Reading a forked future blocks
// until the future resolves.
type GetVariableValue struct {
	Name StringHandle
}

func (g *GetVariableValue) Type(scope *ScopeDescription) TypeID {
	if _, t, ok := scope.FutureOperation(g.Name); ok {
		return t
	}
	t, err := scope.VariableType(g.Name)
	if err != nil {
		return TypeNull
	}
	return t
}

func (g *GetVariableValue) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(g, ctx)
}

func (g *GetVariableValue) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	if fut, ok := ctx.futureFor(g.Name); ok {
		v, err := fut.Get()
		if err != nil {
			return Value{}, FlowNormal, err
		}
		return v, FlowNormal, nil
	}
	slot, err := ctx.LookupVariable(g.Name)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("getvalue", err)
	}
	v, err := slot.Get()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("getvalue", err)
	}
	return v, FlowNormal, nil
}

// AssignValue pops a value of the variable's declared type and stores it.
// Writes to names marked constant are rejected.
type AssignValue struct {
	Name StringHandle
}

func (a *AssignValue) Type(*ScopeDescription) TypeID { return TypeNull }

func (a *AssignValue) Execute(ctx *ExecutionContext) (FlowControl, error) {
	if decl, err := ctx.declaringScope(a.Name); err == nil && decl.IsConstant(a.Name) {
		return FlowNormal, runtimeError("assign", ErrConstantWrite)
	}
	return storeVariable(ctx, a.Name, "assign")
}

func (a *AssignValue) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(a, ctx)
}

// InitializeValue pops a value and performs the first write to a variable.
// Unlike AssignValue it is permitted on constants.
type InitializeValue struct {
	Name StringHandle
}

func (i *InitializeValue) Type(*ScopeDescription) TypeID { return TypeNull }

func (i *InitializeValue) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return storeVariable(ctx, i.Name, "init")
}

func (i *InitializeValue) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(i, ctx)
}

func storeVariable(ctx *ExecutionContext, name StringHandle, opname string) (FlowControl, error) {
	slot, err := ctx.LookupVariable(name)
	if err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	decl, err := ctx.declaringScope(name)
	if err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	v, err := ctx.Stack.PopValue(ctx.Program, slot.Type, decl.variableHint(name))
	if err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	if err := slot.Set(v); err != nil {
		return FlowNormal, runtimeError(opname, err)
	}
	return FlowNormal, nil
}

// BindVariableReference pushes the address of a variable slot, for binding
// by-reference parameters. The referent must outlive every use of the
// address.
type BindVariableReference struct {
	Name StringHandle
}

func (b *BindVariableReference) Type(*ScopeDescription) TypeID { return TypeAddress }

func (b *BindVariableReference) Execute(ctx *ExecutionContext) (FlowControl, error) {
	_, fc, err := b.ExecuteRValue(ctx)
	return fc, err
}

func (b *BindVariableReference) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	slot, err := ctx.LookupVariable(b.Name)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bindref", err)
	}
	id := ctx.bindReference(slot)
	ctx.Stack.PushHandle(id)
	return AddressValue(id), FlowNormal, nil
}

// BindFunctionReference pushes a function binding by registered name. The
// binding resolves against the scope chain at call time.
type BindFunctionReference struct {
	Name StringHandle
}

func (b *BindFunctionReference) Type(*ScopeDescription) TypeID { return TypeFunction }

func (b *BindFunctionReference) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ctx.Stack.PushHandle(uint32(b.Name))
	return FlowNormal, nil
}

func (b *BindFunctionReference) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	ctx.Stack.PushHandle(uint32(b.Name))
	return FunctionValue(b.Name), FlowNormal, nil
}

// SizeOfVariable produces the storage footprint of a variable in bytes.
// For arrays this is the live element count times the element width.
type SizeOfVariable struct {
	Name StringHandle
}

func (s *SizeOfVariable) Type(*ScopeDescription) TypeID { return TypeInteger }

func (s *SizeOfVariable) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(s, ctx)
}

func (s *SizeOfVariable) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	scope := ctx.Scope.Description()
	t, err := scope.VariableType(s.Name)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("sizeof", err)
	}
	switch {
	case t == TypeTuple:
		id, err := scope.VariableTupleTypeID(s.Name)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		layout, err := ctx.Program.TupleOwners.Layout(id)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		return IntegerValue(int32(layout.StorageSize())), FlowNormal, nil
	case t == TypeStructure:
		id, err := scope.VariableStructureTypeID(s.Name)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		layout, err := ctx.Program.StructureOwners.Layout(id)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		return IntegerValue(int32(layout.StorageSize())), FlowNormal, nil
	case t == TypeArray:
		slot, err := ctx.LookupVariable(s.Name)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		v, err := slot.Get()
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		obj := ctx.Program.Pools.Arrays.Get(v.AsArray())
		if obj == nil {
			return IntegerValue(0), FlowNormal, nil
		}
		elem, err := scope.ArrayElementType(s.Name)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		width, err := elem.StorageSize()
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		return IntegerValue(int32(obj.Len() * width)), FlowNormal, nil
	default:
		width, err := t.StorageSize()
		if err != nil {
			return Value{}, FlowNormal, runtimeError("sizeof", err)
		}
		return IntegerValue(int32(width)), FlowNormal, nil
	}
}

// ReadArray pops an index and reads the element at it.
type ReadArray struct {
	Name StringHandle
}

func (r *ReadArray) Type(scope *ScopeDescription) TypeID {
	t, err := scope.ArrayElementType(r.Name)
	if err != nil {
		return TypeNull
	}
	return t
}

func (r *ReadArray) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(r, ctx)
}

func (r *ReadArray) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	index, err := ctx.Stack.PopInteger()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("readarray", err)
	}
	obj, err := arrayObjectFor(ctx, r.Name)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	v, err := obj.At(int(index))
	if err != nil {
		return Value{}, FlowNormal, runtimeError("readarray", err)
	}
	return v, FlowNormal, nil
}

// WriteArray pops a value then an index and stores the value at the index.
type WriteArray struct {
	Name StringHandle
}

func (w *WriteArray) Type(*ScopeDescription) TypeID { return TypeNull }

func (w *WriteArray) Execute(ctx *ExecutionContext) (FlowControl, error) {
	elem, err := ctx.arrayElementType(w.Name)
	if err != nil {
		return FlowNormal, runtimeError("writearray", err)
	}
	v, err := ctx.Stack.PopValue(ctx.Program, elem, 0)
	if err != nil {
		return FlowNormal, runtimeError("writearray", err)
	}
	index, err := ctx.Stack.PopInteger()
	if err != nil {
		return FlowNormal, runtimeError("writearray", err)
	}
	obj, err := arrayObjectFor(ctx, w.Name)
	if err != nil {
		return FlowNormal, err
	}
	if err := obj.SetAt(int(index), v); err != nil {
		return FlowNormal, runtimeError("writearray", err)
	}
	return FlowNormal, nil
}

func (w *WriteArray) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(w, ctx)
}

// ArrayLength produces the element count of an array variable.
type ArrayLength struct {
	Name StringHandle
}

func (a *ArrayLength) Type(*ScopeDescription) TypeID { return TypeInteger }

func (a *ArrayLength) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(a, ctx)
}

func (a *ArrayLength) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	obj, err := arrayObjectFor(ctx, a.Name)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return IntegerValue(int32(obj.Len())), FlowNormal, nil
}

func arrayObjectFor(ctx *ExecutionContext, name StringHandle) (*ArrayObject, error) {
	slot, err := ctx.LookupVariable(name)
	if err != nil {
		return nil, runtimeError("array", err)
	}
	v, err := slot.Get()
	if err != nil {
		return nil, runtimeError("array", err)
	}
	obj := ctx.Program.Pools.Arrays.Get(v.AsArray())
	if obj == nil {
		return nil, runtimeErrorf("array", "variable %q holds a stale array handle", ctx.text(name))
	}
	return obj, nil
}

// ConsArrayIndirect constructs an array whose element count is produced by
// a nested operation, popping that many elements from the stack.
type ConsArrayIndirect struct {
	ElementType TypeID
	Count       Operation
}

func (c *ConsArrayIndirect) Type(*ScopeDescription) TypeID { return TypeArray }

func (c *ConsArrayIndirect) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(c, ctx)
}

func (c *ConsArrayIndirect) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	nv, fc, err := c.Count.ExecuteRValue(ctx)
	if err != nil || fc != FlowNormal {
		return Value{}, fc, err
	}
	n := int(nv.AsInteger())
	if n < 0 {
		return Value{}, FlowNormal, runtimeErrorf("consarray", "negative element count %d", n)
	}
	elems := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		v, err := ctx.Stack.PopValue(ctx.Program, c.ElementType, 0)
		if err != nil {
			return Value{}, FlowNormal, runtimeError("consarray", err)
		}
		elems[i] = v
	}
	return ArrayValue(ctx.Program.Pools.Arrays.New(c.ElementType, elems)), FlowNormal, nil
}
