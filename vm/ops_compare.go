package vm

// ---------------------------------------------------------------------------
// Comparison operations
// ---------------------------------------------------------------------------

// ComparisonKind selects the comparison operator.
type ComparisonKind int

const (
	CompareEqual ComparisonKind = iota
	CompareNotEqual
	CompareLesser
	CompareLesserEqual
	CompareGreater
	CompareGreaterEqual
)

// ComparisonOp pops two operands of the carried type and produces their
// boolean comparison. Strings compare by content, not by handle.
type ComparisonOp struct {
	Kind    ComparisonKind
	Operand TypeID
}

func (c *ComparisonOp) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (c *ComparisonOp) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(c, ctx)
}

func (c *ComparisonOp) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	second, err := ctx.Stack.PopValue(ctx.Program, c.Operand, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("compare", err)
	}
	first, err := ctx.Stack.PopValue(ctx.Program, c.Operand, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("compare", err)
	}
	ord, eq, err := c.order(ctx, first, second)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	var result bool
	switch c.Kind {
	case CompareEqual:
		result = eq
	case CompareNotEqual:
		result = !eq
	case CompareLesser:
		result = ord < 0
	case CompareLesserEqual:
		result = ord <= 0
	case CompareGreater:
		result = ord > 0
	case CompareGreaterEqual:
		result = ord >= 0
	}
	return BooleanValue(result), FlowNormal, nil
}

// order reports first's ordering relative to second (-1, 0, +1) and exact
// equality.
func (c *ComparisonOp) order(ctx *ExecutionContext, first, second Value) (int, bool, error) {
	switch c.Operand {
	case TypeInteger:
		return orderOf(first.AsInteger(), second.AsInteger()), first.AsInteger() == second.AsInteger(), nil
	case TypeInteger16:
		return orderOf(first.AsInteger16(), second.AsInteger16()), first.AsInteger16() == second.AsInteger16(), nil
	case TypeReal:
		return orderOf(first.AsReal(), second.AsReal()), first.AsReal() == second.AsReal(), nil
	case TypeBoolean:
		x, y := first.AsBoolean(), second.AsBoolean()
		return 0, x == y, nil
	case TypeString:
		lhs, rhs := ctx.text(first.AsString()), ctx.text(second.AsString())
		return orderOf(lhs, rhs), lhs == rhs, nil
	case TypeTaskHandle:
		return 0, first.AsTask() == second.AsTask(), nil
	}
	return 0, false, runtimeErrorf("compare", "%v for operand type %s", ErrNotImplemented, c.Operand)
}

func orderOf[T int16 | int32 | float32 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
