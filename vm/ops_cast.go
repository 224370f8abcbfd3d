package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Cast operations
// ---------------------------------------------------------------------------

// TypeCast pops a value of the source type and produces its conversion to
// the destination type. The loader rejects source/destination pairs
// outside the supported set; a failed string parse is a runtime error.
type TypeCast struct {
	Source      TypeID
	Destination TypeID
}

// castSupported reports whether a source/destination pair is loadable.
func castSupported(src, dst TypeID) bool {
	switch dst {
	case TypeInteger, TypeInteger16, TypeReal:
		switch src {
		case TypeString, TypeReal, TypeInteger, TypeInteger16, TypeBoolean:
			return src != dst
		}
	}
	return false
}

func (c *TypeCast) Type(*ScopeDescription) TypeID { return c.Destination }

func (c *TypeCast) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(c, ctx)
}

func (c *TypeCast) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, err := ctx.Stack.PopValue(ctx.Program, c.Source, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("cast", err)
	}

	var wide float64
	switch c.Source {
	case TypeInteger:
		wide = float64(v.AsInteger())
	case TypeInteger16:
		wide = float64(v.AsInteger16())
	case TypeReal:
		wide = float64(v.AsReal())
	case TypeBoolean:
		if v.AsBoolean() {
			wide = 1
		}
	case TypeString:
		text := ctx.text(v.AsString())
		parsed, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, FlowNormal, runtimeErrorf("cast", "cannot parse %q as %s", text, c.Destination)
		}
		wide = parsed
	default:
		return Value{}, FlowNormal, runtimeError("cast", ErrUnknownCastType)
	}

	switch c.Destination {
	case TypeInteger:
		return IntegerValue(int32(wide)), FlowNormal, nil
	case TypeInteger16:
		return Integer16Value(int16(wide)), FlowNormal, nil
	case TypeReal:
		return RealValue(float32(wide)), FlowNormal, nil
	}
	return Value{}, FlowNormal, runtimeError("cast", ErrUnknownCastType)
}

// TypeCastToString pops a value of the source type and produces its
// textual form as an interned string.
type TypeCastToString struct {
	Source TypeID
}

// castToStringSupported reports whether a source type is loadable.
func castToStringSupported(src TypeID) bool {
	switch src {
	case TypeInteger, TypeInteger16, TypeReal, TypeBoolean, TypeBuffer:
		return true
	}
	return false
}

func (c *TypeCastToString) Type(*ScopeDescription) TypeID { return TypeString }

func (c *TypeCastToString) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(c, ctx)
}

func (c *TypeCastToString) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, err := ctx.Stack.PopValue(ctx.Program, c.Source, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("casttostring", err)
	}

	var text string
	switch c.Source {
	case TypeInteger:
		text = strconv.FormatInt(int64(v.AsInteger()), 10)
	case TypeInteger16:
		text = strconv.FormatInt(int64(v.AsInteger16()), 10)
	case TypeReal:
		text = strconv.FormatFloat(float64(v.AsReal()), 'g', -1, 32)
	case TypeBoolean:
		text = strconv.FormatBool(v.AsBoolean())
	case TypeBuffer:
		obj := ctx.Program.Pools.Buffers.Get(v.AsBuffer())
		if obj == nil {
			return Value{}, FlowNormal, runtimeErrorf("casttostring", "stale buffer handle %d", v.AsBuffer())
		}
		text = string(obj.Bytes)
	default:
		return Value{}, FlowNormal, runtimeError("casttostring", fmt.Errorf("%w: %s to string", ErrUnknownCastType, c.Source))
	}
	return StringValue(ctx.Program.InternString(text)), FlowNormal, nil
}
