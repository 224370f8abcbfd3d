package vm

// ---------------------------------------------------------------------------
// Container meta-operations
// ---------------------------------------------------------------------------

// MapOperation pops an array and applies its nested operation to each
// element, producing a new array of the results.
type MapOperation struct {
	op Operation
}

// NewMapOperation creates the map around op.
func NewMapOperation(op Operation) *MapOperation { return &MapOperation{op: op} }

// Nested returns the applied operation.
func (m *MapOperation) Nested() Operation { return m.op }

func (m *MapOperation) Type(*ScopeDescription) TypeID { return TypeArray }

func (m *MapOperation) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(m, ctx)
}

func (m *MapOperation) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	h, err := ctx.Stack.PopHandle()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("map", err)
	}
	obj := ctx.Program.Pools.Arrays.Get(ArrayHandle(h))
	if obj == nil {
		return Value{}, FlowNormal, runtimeErrorf("map", "stale array handle %d", h)
	}

	elems := obj.Snapshot()
	out := make([]Value, len(elems))
	elemType := obj.Elem
	for i, e := range elems {
		if err := ctx.Stack.PushValue(ctx.Program, e); err != nil {
			return Value{}, FlowNormal, runtimeError("map", err)
		}
		v, fc, err := m.op.ExecuteRValue(ctx)
		if err != nil || fc != FlowNormal {
			return Value{}, fc, err
		}
		out[i] = v
		elemType = v.Type
	}
	return ArrayValue(ctx.Program.Pools.Arrays.New(elemType, out)), FlowNormal, nil
}

// ReduceOperation pops an array and folds it with its nested binary
// operation, seeding the accumulator with the first element.
type ReduceOperation struct {
	op Operation
}

// NewReduceOperation creates the reduce around op.
func NewReduceOperation(op Operation) *ReduceOperation { return &ReduceOperation{op: op} }

// Nested returns the folding operation.
func (r *ReduceOperation) Nested() Operation { return r.op }

func (r *ReduceOperation) Type(scope *ScopeDescription) TypeID { return r.op.Type(scope) }

func (r *ReduceOperation) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(r, ctx)
}

func (r *ReduceOperation) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	h, err := ctx.Stack.PopHandle()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("reduce", err)
	}
	obj := ctx.Program.Pools.Arrays.Get(ArrayHandle(h))
	if obj == nil {
		return Value{}, FlowNormal, runtimeErrorf("reduce", "stale array handle %d", h)
	}

	elems := obj.Snapshot()
	if len(elems) == 0 {
		return Value{}, FlowNormal, runtimeErrorf("reduce", "cannot reduce an empty array")
	}
	acc := elems[0]
	for _, e := range elems[1:] {
		if err := ctx.Stack.PushValue(ctx.Program, acc); err != nil {
			return Value{}, FlowNormal, runtimeError("reduce", err)
		}
		if err := ctx.Stack.PushValue(ctx.Program, e); err != nil {
			return Value{}, FlowNormal, runtimeError("reduce", err)
		}
		v, fc, err := r.op.ExecuteRValue(ctx)
		if err != nil || fc != FlowNormal {
			return Value{}, fc, err
		}
		acc = v
	}
	return acc, FlowNormal, nil
}
