package vm

import (
	"errors"
	"strings"
	"testing"
)

// Scenario: push 2, push 3, add, cast to string, print.
func TestArithmeticCastPrint(t *testing.T) {
	p, console := newTestProgram()
	buildEntrypoint(p,
		&PushIntegerLiteral{Value: 2},
		&PushIntegerLiteral{Value: 3},
		push(NewArithmeticBinary(ArithAdd, TypeInteger, false, false)),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "5\n" {
		t.Fatalf("console = %q, want %q", got, "5\n")
	}
}

// Scenario: x = false; if(x) write "a" else-if(true) write "b" else
// write "c".
func TestIfElseIfElse(t *testing.T) {
	p, console := newTestProgram()
	local := NewScopeDescription(p)
	x := p.InternString("x")
	local.AddVariable(x, TypeBoolean)

	str := func(s string) Operation { return &PushStringLiteral{Value: p.InternString(s)} }

	ifop := NewIf(blockOf(str("a"), DebugWriteString{}))
	ifop.SetElseIfWrapper(NewElseIfWrapper(blockOf(
		&PushBooleanLiteral{Value: true},
		NewElseIf(blockOf(str("b"), DebugWriteString{}, ExitIfChain{})),
	)))
	ifop.SetFalseBlock(blockOf(str("c"), DebugWriteString{}))

	buildEntrypointIn(p, local,
		push(&GetVariableValue{Name: x}),
		ifop,
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "b\n" {
		t.Fatalf("console = %q, want %q", got, "b\n")
	}
}

// Scenario: i = 0; sum = 0; while i < 5 { sum += i; i++ }; print sum.
func TestWhileLoopSum(t *testing.T) {
	p, console := newTestProgram()
	local := NewScopeDescription(p)
	i := p.InternString("i")
	sum := p.InternString("sum")
	local.AddVariable(i, TypeInteger)
	local.AddVariable(sum, TypeInteger)

	pushCond := []Operation{
		push(&GetVariableValue{Name: i}),
		&PushIntegerLiteral{Value: 5},
		push(&ComparisonOp{Kind: CompareLesser, Operand: TypeInteger}),
	}

	body := blockOf(append([]Operation{
		WhileLoopConditional{},
		push(&GetVariableValue{Name: sum}),
		push(&GetVariableValue{Name: i}),
		push(NewArithmeticBinary(ArithAdd, TypeInteger, false, false)),
		&AssignValue{Name: sum},
		push(&GetVariableValue{Name: i}),
		&PushIntegerLiteral{Value: 1},
		push(NewArithmeticBinary(ArithAdd, TypeInteger, false, false)),
		&AssignValue{Name: i},
	}, pushCond...)...)

	ops := []Operation{
		&PushIntegerLiteral{Value: 0},
		&InitializeValue{Name: i},
		&PushIntegerLiteral{Value: 0},
		&InitializeValue{Name: sum},
	}
	ops = append(ops, pushCond...)
	ops = append(ops,
		NewWhileLoop(body),
		push(&GetVariableValue{Name: sum}),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)

	buildEntrypointIn(p, local, ops...)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "10\n" {
		t.Fatalf("console = %q, want %q", got, "10\n")
	}
}

func TestWhileFalseInitialConditionRunsZeroTimes(t *testing.T) {
	p, console := newTestProgram()
	body := blockOf(
		WhileLoopConditional{},
		&PushStringLiteral{Value: p.InternString("ran")},
		DebugWriteString{},
		&PushBooleanLiteral{Value: false},
	)
	buildEntrypoint(p,
		&PushBooleanLiteral{Value: false},
		NewWhileLoop(body),
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if console.Len() != 0 {
		t.Fatalf("while with false initial condition ran: %q", console.String())
	}
}

func TestDoWhileFalseConditionRunsOnce(t *testing.T) {
	p, console := newTestProgram()
	body := blockOf(
		&PushStringLiteral{Value: p.InternString("ran")},
		DebugWriteString{},
		&PushBooleanLiteral{Value: false},
	)
	buildEntrypoint(p, NewDoWhileLoop(body))
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.Count(console.String(), "ran"); got != 1 {
		t.Fatalf("do-while body ran %d times, want 1", got)
	}
}

func TestBreakExitsLoop(t *testing.T) {
	p, console := newTestProgram()
	body := blockOf(
		&PushStringLiteral{Value: p.InternString("once")},
		DebugWriteString{},
		BreakOp{},
		&PushStringLiteral{Value: p.InternString("never")},
		DebugWriteString{},
	)
	buildEntrypoint(p, NewWhileLoop(body))
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "once\n" {
		t.Fatalf("console = %q, want %q", got, "once\n")
	}
}

func TestReturnUnwindsFunction(t *testing.T) {
	p, console := newTestProgram()
	buildEntrypoint(p,
		&PushStringLiteral{Value: p.InternString("before")},
		DebugWriteString{},
		ReturnOp{},
		&PushStringLiteral{Value: p.InternString("after")},
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "before\n" {
		t.Fatalf("console = %q, want %q", got, "before\n")
	}
}

func TestEmptyBlockExecutesWithoutMutation(t *testing.T) {
	p, _ := newTestProgram()
	ctx, err := newExecutionContext(p, p.Tasks.newTask(p, 0))
	if err != nil {
		t.Fatal(err)
	}
	depth := ctx.Stack.Depth()
	fc, err := NewBlock().Execute(ctx)
	if err != nil || fc != FlowNormal {
		t.Fatalf("empty block = %v, %v", fc, err)
	}
	if ctx.Stack.Depth() != depth {
		t.Fatal("empty block mutated the stack")
	}
}

// Scenario: Outer{inner Inner}, Inner{val int}; o.inner.val = 9; read and
// print.
func TestStructMemberChain(t *testing.T) {
	p, console := newTestProgram()
	global := p.GlobalScope()

	valName := p.InternString("val")
	innerName := p.InternString("inner")

	inner := NewStructureType()
	inner.AddMember(valName, TypeInteger)
	if err := inner.ComputeOffsets(p); err != nil {
		t.Fatal(err)
	}
	global.StructTracker.Register(1, inner)
	p.StructureOwners.Record(1, global.StructTracker)

	outer := NewStructureType()
	outer.AddCompositeMember(innerName, TypeStructure, 1)
	if err := outer.ComputeOffsets(p); err != nil {
		t.Fatal(err)
	}
	global.StructTracker.Register(2, outer)
	p.StructureOwners.Record(2, global.StructTracker)

	global.AddStructureType(p.InternString("Inner"), 1)
	global.AddStructureType(p.InternString("Outer"), 2)

	local := NewScopeDescription(p)
	o := p.InternString("o")
	local.AddVariable(o, TypeStructure)
	local.SetStructureHint(o, 2)

	body := buildEntrypointIn(p, local,
		// o.inner.val = 9
		&PushIntegerLiteral{Value: 9},
		&BindStructMemberReference{VarName: o, MemberName: innerName},
		&AssignStructureIndirect{MemberName: valName},
	)
	// read o.inner.val through the indirect chain and print it
	body.AddOperation(push(&ReadStructure{VarName: o, MemberName: innerName}))
	body.AddOperation(push(NewReadStructureIndirect(valName, body, body.TailIndex())))
	body.AddOperation(push(&TypeCastToString{Source: TypeInteger}))
	body.AddOperation(DebugWriteString{})

	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "9\n" {
		t.Fatalf("console = %q, want %q", got, "9\n")
	}

	// The chain's static type resolves without execution.
	indirect := body.Operations()[4].(*PushOperation).Nested().(*ReadStructureIndirect)
	if got := indirect.Type(local); got != TypeInteger {
		t.Fatalf("chain Type = %s, want integer", got)
	}
}

func TestIntegerDivisionByZeroAbortsTask(t *testing.T) {
	p, _ := newTestProgram()
	buildEntrypoint(p,
		&PushIntegerLiteral{Value: 1},
		&PushIntegerLiteral{Value: 0},
		push(NewArithmeticBinary(ArithDivide, TypeInteger, false, false)),
	)
	err := p.Execute()
	if err == nil {
		t.Fatal("division by zero must abort")
	}
	var rte *RuntimeError
	if !errors.As(err, &rte) {
		t.Fatalf("error %v is not a RuntimeError", err)
	}
}

func TestConstantAssignmentRejected(t *testing.T) {
	p, _ := newTestProgram()
	local := NewScopeDescription(p)
	c := p.InternString("c")
	local.AddVariable(c, TypeInteger)
	local.SetConstant(c)

	buildEntrypointIn(p, local,
		&PushIntegerLiteral{Value: 1},
		&AssignValue{Name: c},
	)
	if err := p.Execute(); err == nil {
		t.Fatal("assignment to constant must fail")
	}
}

func TestFunctionCallWithParametersAndReturn(t *testing.T) {
	p, console := newTestProgram()

	// add(a, b) -> r: r = a + b
	params := NewScopeDescription(p)
	a, b := p.InternString("a"), p.InternString("b")
	params.AddVariable(a, TypeInteger)
	params.AddVariable(b, TypeInteger)

	returns := NewScopeDescription(p)
	r := p.InternString("r")
	returns.AddVariable(r, TypeInteger)

	local := NewScopeDescription(p)
	body := NewBlock()
	body.BindToScope(local)
	body.AddOperation(push(&GetVariableValue{Name: a}))
	body.AddOperation(push(&GetVariableValue{Name: b}))
	body.AddOperation(push(NewArithmeticBinary(ArithAdd, TypeInteger, false, false)))
	body.AddOperation(&AssignValue{Name: r})

	add := NewFunction(p, params, returns)
	add.SetCodeBlock(body)
	p.GlobalScope().AddFunction(p.InternString("add"), add)

	buildEntrypoint(p,
		&PushIntegerLiteral{Value: 19},
		&PushIntegerLiteral{Value: 23},
		NewInvoke(add),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "42\n" {
		t.Fatalf("console = %q, want %q", got, "42\n")
	}
}

func TestReferenceParameterWritesThrough(t *testing.T) {
	p, console := newTestProgram()

	// bump(x by ref): x = x + 1
	params := NewScopeDescription(p)
	x := p.InternString("x")
	params.AddReference(x, TypeInteger)

	body := NewBlock()
	body.BindToScope(NewScopeDescription(p))
	body.AddOperation(push(&GetVariableValue{Name: x}))
	body.AddOperation(&PushIntegerLiteral{Value: 1})
	body.AddOperation(push(NewArithmeticBinary(ArithAdd, TypeInteger, false, false)))
	body.AddOperation(&AssignValue{Name: x})

	bump := NewFunction(p, params, NewScopeDescription(p))
	bump.SetCodeBlock(body)
	p.GlobalScope().AddFunction(p.InternString("bump"), bump)

	local := NewScopeDescription(p)
	n := p.InternString("n")
	local.AddVariable(n, TypeInteger)

	buildEntrypointIn(p, local,
		&PushIntegerLiteral{Value: 41},
		&InitializeValue{Name: n},
		&BindVariableReference{Name: n},
		NewInvoke(bump),
		push(&GetVariableValue{Name: n}),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "42\n" {
		t.Fatalf("console = %q, want %q", got, "42\n")
	}
}

func TestArrayReadWriteLength(t *testing.T) {
	p, console := newTestProgram()
	local := NewScopeDescription(p)
	arr := p.InternString("arr")
	local.AddVariable(arr, TypeArray)
	local.SetArrayType(arr, TypeInteger)

	buildEntrypointIn(p, local,
		// arr = [10, 20, 30]
		&PushIntegerLiteral{Value: 10},
		&PushIntegerLiteral{Value: 20},
		&PushIntegerLiteral{Value: 30},
		push(&ConsArrayIndirect{ElementType: TypeInteger, Count: &IntegerConstant{Value: 3}}),
		&InitializeValue{Name: arr},
		// arr[1] = 25
		&PushIntegerLiteral{Value: 1},
		&PushIntegerLiteral{Value: 25},
		&WriteArray{Name: arr},
		// print arr[1] + len(arr)
		&PushIntegerLiteral{Value: 1},
		push(&ReadArray{Name: arr}),
		push(&ArrayLength{Name: arr}),
		push(NewArithmeticBinary(ArithAdd, TypeInteger, false, false)),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "28\n" {
		t.Fatalf("console = %q, want %q", got, "28\n")
	}
}

func TestArrayOutOfBoundsAborts(t *testing.T) {
	p, _ := newTestProgram()
	local := NewScopeDescription(p)
	arr := p.InternString("arr")
	local.AddVariable(arr, TypeArray)
	local.SetArrayType(arr, TypeInteger)

	buildEntrypointIn(p, local,
		&PushIntegerLiteral{Value: 1},
		push(&ConsArrayIndirect{ElementType: TypeInteger, Count: &IntegerConstant{Value: 1}}),
		&InitializeValue{Name: arr},
		&PushIntegerLiteral{Value: 5},
		push(&ReadArray{Name: arr}),
	)
	if err := p.Execute(); err == nil {
		t.Fatal("out-of-bounds read must abort")
	}
}

func TestMapReduce(t *testing.T) {
	p, console := newTestProgram()
	local := NewScopeDescription(p)
	arr := p.InternString("arr")
	local.AddVariable(arr, TypeArray)
	local.SetArrayType(arr, TypeInteger)

	buildEntrypointIn(p, local,
		&PushIntegerLiteral{Value: 1},
		&PushIntegerLiteral{Value: 2},
		&PushIntegerLiteral{Value: 3},
		push(&ConsArrayIndirect{ElementType: TypeInteger, Count: &IntegerConstant{Value: 3}}),
		&InitializeValue{Name: arr},
		// sum of arr doubled: reduce(+) over map(x*2)
		push(&GetVariableValue{Name: arr}),
		push(NewMapOperation(doubler())),
		push(NewReduceOperation(NewArithmeticBinary(ArithAdd, TypeInteger, false, false))),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "12\n" {
		t.Fatalf("console = %q, want %q", got, "12\n")
	}
}

// doubler multiplies the pushed element by two.
func doubler() Operation {
	return &elementDoubler{}
}

type elementDoubler struct{}

func (elementDoubler) Type(*ScopeDescription) TypeID { return TypeInteger }

func (d elementDoubler) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(d, ctx)
}

func (elementDoubler) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	v, err := ctx.Stack.PopInteger()
	if err != nil {
		return Value{}, FlowNormal, err
	}
	return IntegerValue(v * 2), FlowNormal, nil
}

func TestLogicalShortCircuit(t *testing.T) {
	p, console := newTestProgram()

	and := &LogicalAnd{}
	and.AddOperation(&BooleanConstant{Value: false})
	// A tripwire after the deciding operand: short-circuit means it never
	// runs.
	and.AddOperation(&tripwire{t: t})

	buildEntrypoint(p,
		push(and),
		push(&TypeCastToString{Source: TypeBoolean}),
		DebugWriteString{},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "false\n" {
		t.Fatalf("console = %q, want %q", got, "false\n")
	}
}

type tripwire struct{ t *testing.T }

func (*tripwire) Type(*ScopeDescription) TypeID { return TypeBoolean }

func (tw *tripwire) Execute(*ExecutionContext) (FlowControl, error) {
	tw.t.Error("short-circuited operand was evaluated")
	return FlowNormal, nil
}

func (tw *tripwire) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	fc, err := tw.Execute(ctx)
	return BooleanValue(true), fc, err
}

func TestStackNeutralityOfExpressionPushPop(t *testing.T) {
	p, _ := newTestProgram()
	ctx, err := newExecutionContext(p, p.Tasks.newTask(p, 0))
	if err != nil {
		t.Fatal(err)
	}

	before := ctx.Stack.Depth()
	op := push(&TypeCastToString{Source: TypeInteger})
	ctx.Stack.PushInteger(7)
	if _, err := op.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.Stack.PopHandle(); err != nil {
		t.Fatal(err)
	}
	if ctx.Stack.Depth() != before {
		t.Fatalf("stack depth %d after push/pop, want %d", ctx.Stack.Depth(), before)
	}
}
