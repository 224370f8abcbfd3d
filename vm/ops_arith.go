package vm

import "strings"

// ---------------------------------------------------------------------------
// Arithmetic operations
// ---------------------------------------------------------------------------

// ArithmeticKind selects the arithmetic operator.
type ArithmeticKind int

const (
	ArithAdd ArithmeticKind = iota
	ArithSubtract
	ArithMultiply
	ArithDivide
)

// ArithmeticOp implements add, subtract, multiply, and divide for 32-bit
// integers, 16-bit integers, and reals. A parameter count of 1 folds the
// operator over a single array popped from the stack; a count of 2 pops
// two operands, each a scalar or an array per its flag. Integer overflow
// wraps two's-complement; integer division by zero aborts the task.
type ArithmeticOp struct {
	Kind          ArithmeticKind
	Operand       TypeID
	FirstIsArray  bool
	SecondIsArray bool
	ParamCount    uint32
}

// NewArithmeticFold creates the single-array fold form.
func NewArithmeticFold(kind ArithmeticKind, operand TypeID) *ArithmeticOp {
	return &ArithmeticOp{Kind: kind, Operand: operand, ParamCount: 1}
}

// NewArithmeticBinary creates the two-operand form.
func NewArithmeticBinary(kind ArithmeticKind, operand TypeID, firstIsArray, secondIsArray bool) *ArithmeticOp {
	return &ArithmeticOp{Kind: kind, Operand: operand, FirstIsArray: firstIsArray, SecondIsArray: secondIsArray, ParamCount: 2}
}

func (a *ArithmeticOp) Type(*ScopeDescription) TypeID {
	if a.ParamCount != 1 && (a.FirstIsArray || a.SecondIsArray) {
		return TypeArray
	}
	return a.Operand
}

func (a *ArithmeticOp) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(a, ctx)
}

func (a *ArithmeticOp) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	if a.ParamCount == 1 {
		v, err := a.fold(ctx)
		return v, FlowNormal, err
	}
	second, err := a.popOperand(ctx, a.SecondIsArray)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	first, err := a.popOperand(ctx, a.FirstIsArray)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	v, err := a.combine(ctx, first, second)
	return v, FlowNormal, err
}

func (a *ArithmeticOp) popOperand(ctx *ExecutionContext, isArray bool) (Value, error) {
	if isArray {
		h, err := ctx.Stack.PopHandle()
		if err != nil {
			return Value{}, runtimeError("arithmetic", err)
		}
		return ArrayValue(ArrayHandle(h)), nil
	}
	v, err := ctx.Stack.PopValue(ctx.Program, a.Operand, 0)
	if err != nil {
		return Value{}, runtimeError("arithmetic", err)
	}
	return v, nil
}

func (a *ArithmeticOp) fold(ctx *ExecutionContext) (Value, error) {
	h, err := ctx.Stack.PopHandle()
	if err != nil {
		return Value{}, runtimeError("arithmetic", err)
	}
	obj := ctx.Program.Pools.Arrays.Get(ArrayHandle(h))
	if obj == nil {
		return Value{}, runtimeErrorf("arithmetic", "stale array handle %d", h)
	}
	elems := obj.Snapshot()
	if len(elems) == 0 {
		return a.identity(), nil
	}
	acc := elems[0]
	for _, e := range elems[1:] {
		acc, err = a.apply(acc, e)
		if err != nil {
			return Value{}, err
		}
	}
	return acc, nil
}

func (a *ArithmeticOp) combine(ctx *ExecutionContext, first, second Value) (Value, error) {
	if !a.FirstIsArray && !a.SecondIsArray {
		return a.apply(first, second)
	}

	firstElems, err := a.operandElements(ctx, first, a.FirstIsArray)
	if err != nil {
		return Value{}, err
	}
	secondElems, err := a.operandElements(ctx, second, a.SecondIsArray)
	if err != nil {
		return Value{}, err
	}

	n := len(firstElems)
	if len(secondElems) > n {
		n = len(secondElems)
	}
	out := make([]Value, n)
	for i := 0; i < n; i++ {
		lhs, err := broadcast(firstElems, i)
		if err != nil {
			return Value{}, err
		}
		rhs, err := broadcast(secondElems, i)
		if err != nil {
			return Value{}, err
		}
		out[i], err = a.apply(lhs, rhs)
		if err != nil {
			return Value{}, err
		}
	}
	return ArrayValue(ctx.Program.Pools.Arrays.New(a.Operand, out)), nil
}

func (a *ArithmeticOp) operandElements(ctx *ExecutionContext, v Value, isArray bool) ([]Value, error) {
	if !isArray {
		return []Value{v}, nil
	}
	obj := ctx.Program.Pools.Arrays.Get(v.AsArray())
	if obj == nil {
		return nil, runtimeErrorf("arithmetic", "stale array handle %d", v.AsArray())
	}
	return obj.Snapshot(), nil
}

func broadcast(elems []Value, i int) (Value, error) {
	switch {
	case len(elems) == 1:
		return elems[0], nil
	case i < len(elems):
		return elems[i], nil
	}
	return Value{}, runtimeErrorf("arithmetic", "array operand length mismatch")
}

func (a *ArithmeticOp) identity() Value {
	switch a.Operand {
	case TypeInteger16:
		return Integer16Value(0)
	case TypeReal:
		return RealValue(0)
	}
	return IntegerValue(0)
}

func (a *ArithmeticOp) apply(lhs, rhs Value) (Value, error) {
	switch a.Operand {
	case TypeInteger:
		x, y := lhs.AsInteger(), rhs.AsInteger()
		switch a.Kind {
		case ArithAdd:
			return IntegerValue(x + y), nil
		case ArithSubtract:
			return IntegerValue(x - y), nil
		case ArithMultiply:
			return IntegerValue(x * y), nil
		case ArithDivide:
			if y == 0 {
				return Value{}, runtimeError("arithmetic", ErrDivisionByZero)
			}
			return IntegerValue(x / y), nil
		}
	case TypeInteger16:
		x, y := lhs.AsInteger16(), rhs.AsInteger16()
		switch a.Kind {
		case ArithAdd:
			return Integer16Value(x + y), nil
		case ArithSubtract:
			return Integer16Value(x - y), nil
		case ArithMultiply:
			return Integer16Value(x * y), nil
		case ArithDivide:
			if y == 0 {
				return Value{}, runtimeError("arithmetic", ErrDivisionByZero)
			}
			return Integer16Value(x / y), nil
		}
	case TypeReal:
		x, y := lhs.AsReal(), rhs.AsReal()
		switch a.Kind {
		case ArithAdd:
			return RealValue(x + y), nil
		case ArithSubtract:
			return RealValue(x - y), nil
		case ArithMultiply:
			return RealValue(x * y), nil
		case ArithDivide:
			return RealValue(x / y), nil
		}
	}
	return Value{}, runtimeErrorf("arithmetic", "%w for operand type %s", ErrNotImplemented, a.Operand)
}

// Concatenate joins strings. The fold form joins every element of one
// string array; the binary form joins two operands, flattening array
// operands element by element.
type Concatenate struct {
	FirstIsArray  bool
	SecondIsArray bool
	ParamCount    uint32
}

// NewConcatenateFold creates the single-array fold form.
func NewConcatenateFold() *Concatenate { return &Concatenate{ParamCount: 1} }

// NewConcatenateBinary creates the two-operand form.
func NewConcatenateBinary(firstIsArray, secondIsArray bool) *Concatenate {
	return &Concatenate{FirstIsArray: firstIsArray, SecondIsArray: secondIsArray, ParamCount: 2}
}

func (c *Concatenate) Type(*ScopeDescription) TypeID { return TypeString }

func (c *Concatenate) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(c, ctx)
}

func (c *Concatenate) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	if c.ParamCount == 1 {
		h, err := ctx.Stack.PopHandle()
		if err != nil {
			return Value{}, FlowNormal, runtimeError("concat", err)
		}
		text, err := c.flatten(ctx, ArrayValue(ArrayHandle(h)), true)
		if err != nil {
			return Value{}, FlowNormal, err
		}
		return StringValue(ctx.Program.InternString(text)), FlowNormal, nil
	}

	var second, first Value
	var err error
	if second, err = c.popOperand(ctx, c.SecondIsArray); err != nil {
		return Value{}, FlowNormal, err
	}
	if first, err = c.popOperand(ctx, c.FirstIsArray); err != nil {
		return Value{}, FlowNormal, err
	}
	lhs, err := c.flatten(ctx, first, c.FirstIsArray)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	rhs, err := c.flatten(ctx, second, c.SecondIsArray)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return StringValue(ctx.Program.InternString(lhs + rhs)), FlowNormal, nil
}

func (c *Concatenate) popOperand(ctx *ExecutionContext, isArray bool) (Value, error) {
	h, err := ctx.Stack.PopHandle()
	if err != nil {
		return Value{}, runtimeError("concat", err)
	}
	if isArray {
		return ArrayValue(ArrayHandle(h)), nil
	}
	return StringValue(StringHandle(h)), nil
}

func (c *Concatenate) flatten(ctx *ExecutionContext, v Value, isArray bool) (string, error) {
	if !isArray {
		return ctx.text(v.AsString()), nil
	}
	obj := ctx.Program.Pools.Arrays.Get(v.AsArray())
	if obj == nil {
		return "", runtimeErrorf("concat", "stale array handle %d", v.AsArray())
	}
	var sb strings.Builder
	for _, e := range obj.Snapshot() {
		sb.WriteString(ctx.text(e.AsString()))
	}
	return sb.String(), nil
}
