package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Literal and stack push operations
// ---------------------------------------------------------------------------

// PushOperation wraps another operation and pushes its result onto the
// operand stack.
type PushOperation struct {
	op Operation
}

// NewPushOperation wraps op.
func NewPushOperation(op Operation) *PushOperation { return &PushOperation{op: op} }

// Nested returns the wrapped operation.
func (p *PushOperation) Nested() Operation { return p.op }

func (p *PushOperation) Type(scope *ScopeDescription) TypeID { return p.op.Type(scope) }

func (p *PushOperation) Execute(ctx *ExecutionContext) (FlowControl, error) {
	v, fc, err := p.op.ExecuteRValue(ctx)
	if err != nil || fc != FlowNormal {
		return fc, err
	}
	if v.IsNull() {
		return FlowNormal, runtimeError("push", ErrNullValue)
	}
	return FlowNormal, ctx.Stack.PushValue(ctx.Program, v)
}

func (p *PushOperation) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, fc, err := p.op.ExecuteRValue(ctx)
	if err != nil || fc != FlowNormal {
		return v, fc, err
	}
	if v.IsNull() {
		return v, FlowNormal, runtimeError("push", ErrNullValue)
	}
	return v, FlowNormal, ctx.Stack.PushValue(ctx.Program, v)
}

// PushIntegerLiteral pushes a 32-bit integer literal.
type PushIntegerLiteral struct {
	Value int32
}

func (p *PushIntegerLiteral) Type(*ScopeDescription) TypeID { return TypeInteger }

func (p *PushIntegerLiteral) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ctx.Stack.PushInteger(p.Value)
	return FlowNormal, nil
}

func (p *PushIntegerLiteral) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	ctx.Stack.PushInteger(p.Value)
	return IntegerValue(p.Value), FlowNormal, nil
}

// PushInteger16Literal pushes a 16-bit integer literal.
type PushInteger16Literal struct {
	Value int16
}

func (p *PushInteger16Literal) Type(*ScopeDescription) TypeID { return TypeInteger16 }

func (p *PushInteger16Literal) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ctx.Stack.PushInteger16(p.Value)
	return FlowNormal, nil
}

func (p *PushInteger16Literal) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	ctx.Stack.PushInteger16(p.Value)
	return Integer16Value(p.Value), FlowNormal, nil
}

// PushRealLiteral pushes a 32-bit float literal.
type PushRealLiteral struct {
	Value float32
}

func (p *PushRealLiteral) Type(*ScopeDescription) TypeID { return TypeReal }

func (p *PushRealLiteral) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ctx.Stack.PushReal(p.Value)
	return FlowNormal, nil
}

func (p *PushRealLiteral) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	ctx.Stack.PushReal(p.Value)
	return RealValue(p.Value), FlowNormal, nil
}

// PushBooleanLiteral pushes a boolean literal.
type PushBooleanLiteral struct {
	Value bool
}

func (p *PushBooleanLiteral) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (p *PushBooleanLiteral) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ctx.Stack.PushBoolean(p.Value)
	return FlowNormal, nil
}

func (p *PushBooleanLiteral) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	ctx.Stack.PushBoolean(p.Value)
	return BooleanValue(p.Value), FlowNormal, nil
}

// PushStringLiteral pushes an interned string literal.
type PushStringLiteral struct {
	Value StringHandle
}

func (p *PushStringLiteral) Type(*ScopeDescription) TypeID { return TypeString }

func (p *PushStringLiteral) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ctx.Stack.PushHandle(uint32(p.Value))
	return FlowNormal, nil
}

func (p *PushStringLiteral) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	ctx.Stack.PushHandle(uint32(p.Value))
	return StringValue(p.Value), FlowNormal, nil
}

// IntegerConstant produces an integer rvalue without touching the stack.
// Used inside compound operations and future initializers.
type IntegerConstant struct {
	Value int32
}

func (c *IntegerConstant) Type(*ScopeDescription) TypeID { return TypeInteger }

func (c *IntegerConstant) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowNormal, nil
}

func (c *IntegerConstant) ExecuteRValue(*ExecutionContext) (Value, FlowControl, error) {
	return IntegerValue(c.Value), FlowNormal, nil
}

// BooleanConstant produces a boolean rvalue without touching the stack.
type BooleanConstant struct {
	Value bool
}

func (c *BooleanConstant) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (c *BooleanConstant) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowNormal, nil
}

func (c *BooleanConstant) ExecuteRValue(*ExecutionContext) (Value, FlowControl, error) {
	return BooleanValue(c.Value), FlowNormal, nil
}

// DebugWriteString pops a string and writes it to the program console.
type DebugWriteString struct{}

func (DebugWriteString) Type(*ScopeDescription) TypeID { return TypeNull }

func (d DebugWriteString) Execute(ctx *ExecutionContext) (FlowControl, error) {
	h, err := ctx.Stack.PopHandle()
	if err != nil {
		return FlowNormal, runtimeError("debugwrite", err)
	}
	fmt.Fprintln(ctx.Program.Console, ctx.text(StringHandle(h)))
	return FlowNormal, nil
}

func (d DebugWriteString) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(d, ctx)
}

// DebugReadInput reads one line from the program input and pushes it as a
// string.
type DebugReadInput struct{}

func (DebugReadInput) Type(*ScopeDescription) TypeID { return TypeString }

func (d DebugReadInput) Execute(ctx *ExecutionContext) (FlowControl, error) {
	_, fc, err := d.ExecuteRValue(ctx)
	return fc, err
}

func (d DebugReadInput) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	line, err := ctx.Program.Input.ReadString('\n')
	if err != nil && line == "" {
		return Value{}, FlowNormal, runtimeError("debugread", err)
	}
	line = strings.TrimRight(line, "\r\n")
	h := ctx.Program.InternString(line)
	ctx.Stack.PushHandle(uint32(h))
	return StringValue(h), FlowNormal, nil
}
