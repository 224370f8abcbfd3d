package vm

// ---------------------------------------------------------------------------
// Logical and bitwise operations
// ---------------------------------------------------------------------------

// LogicalAnd owns a sequence of boolean sub-operations evaluated in order
// with short-circuit semantics: the first false operand decides the
// result and later operands never run.
type LogicalAnd struct {
	ops []Operation
}

// AddOperation appends a sub-operation.
func (l *LogicalAnd) AddOperation(op Operation) { l.ops = append(l.ops, op) }

// Operations returns the sub-operations.
func (l *LogicalAnd) Operations() []Operation { return l.ops }

func (l *LogicalAnd) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (l *LogicalAnd) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(l, ctx)
}

func (l *LogicalAnd) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	for _, op := range l.ops {
		v, fc, err := op.ExecuteRValue(ctx)
		if err != nil || fc != FlowNormal {
			return Value{}, fc, err
		}
		if !v.AsBoolean() {
			return BooleanValue(false), FlowNormal, nil
		}
	}
	return BooleanValue(true), FlowNormal, nil
}

// LogicalOr owns a sequence of boolean sub-operations with short-circuit
// semantics: the first true operand decides the result.
type LogicalOr struct {
	ops []Operation
}

// AddOperation appends a sub-operation.
func (l *LogicalOr) AddOperation(op Operation) { l.ops = append(l.ops, op) }

// Operations returns the sub-operations.
func (l *LogicalOr) Operations() []Operation { return l.ops }

func (l *LogicalOr) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (l *LogicalOr) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(l, ctx)
}

func (l *LogicalOr) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	for _, op := range l.ops {
		v, fc, err := op.ExecuteRValue(ctx)
		if err != nil || fc != FlowNormal {
			return Value{}, fc, err
		}
		if v.AsBoolean() {
			return BooleanValue(true), FlowNormal, nil
		}
	}
	return BooleanValue(false), FlowNormal, nil
}

// LogicalXor pops two booleans and produces their exclusive or.
type LogicalXor struct{}

func (LogicalXor) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (x LogicalXor) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(x, ctx)
}

func (LogicalXor) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	second, err := ctx.Stack.PopBoolean()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("xor", err)
	}
	first, err := ctx.Stack.PopBoolean()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("xor", err)
	}
	return BooleanValue(first != second), FlowNormal, nil
}

// LogicalNot pops one boolean and produces its negation.
type LogicalNot struct{}

func (LogicalNot) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (n LogicalNot) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(n, ctx)
}

func (LogicalNot) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, err := ctx.Stack.PopBoolean()
	if err != nil {
		return Value{}, FlowNormal, runtimeError("not", err)
	}
	return BooleanValue(!v), FlowNormal, nil
}

// BitwiseKind selects the bitwise operator for the compound forms.
type BitwiseKind int

const (
	BitAnd BitwiseKind = iota
	BitOr
)

// BitwiseCompound folds a sequence of integer sub-operations with a
// bitwise operator. It mirrors the compound logical forms: operands are
// owned sub-operations, not stack pops.
type BitwiseCompound struct {
	Kind    BitwiseKind
	Operand TypeID
	ops     []Operation
}

// AddOperation appends a sub-operation.
func (b *BitwiseCompound) AddOperation(op Operation) { b.ops = append(b.ops, op) }

// Operations returns the sub-operations.
func (b *BitwiseCompound) Operations() []Operation { return b.ops }

func (b *BitwiseCompound) Type(*ScopeDescription) TypeID { return b.Operand }

func (b *BitwiseCompound) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(b, ctx)
}

func (b *BitwiseCompound) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	var acc int32
	switch b.Kind {
	case BitAnd:
		acc = -1
	case BitOr:
		acc = 0
	}
	for _, op := range b.ops {
		v, fc, err := op.ExecuteRValue(ctx)
		if err != nil || fc != FlowNormal {
			return Value{}, fc, err
		}
		operand, err := integerOperand(b.Operand, v)
		if err != nil {
			return Value{}, FlowNormal, err
		}
		switch b.Kind {
		case BitAnd:
			acc &= operand
		case BitOr:
			acc |= operand
		}
	}
	return integerResult(b.Operand, acc), FlowNormal, nil
}

// BitwiseXor pops two integers of the carried type and produces their
// exclusive or.
type BitwiseXor struct {
	Operand TypeID
}

func (b *BitwiseXor) Type(*ScopeDescription) TypeID { return b.Operand }

func (b *BitwiseXor) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(b, ctx)
}

func (b *BitwiseXor) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	second, err := ctx.Stack.PopValue(ctx.Program, b.Operand, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bitxor", err)
	}
	first, err := ctx.Stack.PopValue(ctx.Program, b.Operand, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bitxor", err)
	}
	x, err := integerOperand(b.Operand, first)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	y, err := integerOperand(b.Operand, second)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return integerResult(b.Operand, x^y), FlowNormal, nil
}

// BitwiseNot pops one integer of the carried type and produces its
// complement.
type BitwiseNot struct {
	Operand TypeID
}

func (b *BitwiseNot) Type(*ScopeDescription) TypeID { return b.Operand }

func (b *BitwiseNot) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(b, ctx)
}

func (b *BitwiseNot) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, err := ctx.Stack.PopValue(ctx.Program, b.Operand, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("bitnot", err)
	}
	x, err := integerOperand(b.Operand, v)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return integerResult(b.Operand, ^x), FlowNormal, nil
}

func integerOperand(t TypeID, v Value) (int32, error) {
	switch t {
	case TypeInteger:
		return v.AsInteger(), nil
	case TypeInteger16:
		return int32(v.AsInteger16()), nil
	}
	return 0, runtimeErrorf("bitwise", "%v for operand type %s", ErrNotImplemented, t)
}

func integerResult(t TypeID, x int32) Value {
	if t == TypeInteger16 {
		return Integer16Value(int16(x))
	}
	return IntegerValue(x)
}
