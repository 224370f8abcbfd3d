package vm

// ---------------------------------------------------------------------------
// Control flow and invocation operations
// ---------------------------------------------------------------------------

// DoWhileLoop runs its body once unconditionally, then re-enters while the
// top of stack holds true. The body's tail re-pushes the condition.
type DoWhileLoop struct {
	body *Block
}

// NewDoWhileLoop creates the loop around body.
func NewDoWhileLoop(body *Block) *DoWhileLoop { return &DoWhileLoop{body: body} }

// Body returns the loop body.
func (d *DoWhileLoop) Body() *Block { return d.body }

func (d *DoWhileLoop) Type(*ScopeDescription) TypeID { return TypeNull }

func (d *DoWhileLoop) Execute(ctx *ExecutionContext) (FlowControl, error) {
	for {
		fc, err := d.body.Execute(ctx)
		if err != nil {
			return FlowNormal, err
		}
		switch fc {
		case FlowBreak:
			return FlowNormal, nil
		case FlowReturn:
			return FlowReturn, nil
		}
		cond, err := ctx.Stack.PopBoolean()
		if err != nil {
			return FlowNormal, runtimeError("dowhile", err)
		}
		if !cond {
			return FlowNormal, nil
		}
	}
}

func (d *DoWhileLoop) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(d, ctx)
}

// WhileLoop re-enters its body until the body's leading conditional (or a
// break) exits. The condition for the first iteration is pushed before the
// loop; the body's tail re-pushes it for the next entry.
type WhileLoop struct {
	body *Block
}

// NewWhileLoop creates the loop around body.
func NewWhileLoop(body *Block) *WhileLoop { return &WhileLoop{body: body} }

// Body returns the loop body.
func (w *WhileLoop) Body() *Block { return w.body }

func (w *WhileLoop) Type(*ScopeDescription) TypeID { return TypeNull }

func (w *WhileLoop) Execute(ctx *ExecutionContext) (FlowControl, error) {
	for {
		fc, err := w.body.Execute(ctx)
		if err != nil {
			return FlowNormal, err
		}
		switch fc {
		case FlowBreak:
			return FlowNormal, nil
		case FlowReturn:
			return FlowReturn, nil
		}
	}
}

func (w *WhileLoop) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(w, ctx)
}

// WhileLoopConditional pops the loop condition and exits the enclosing
// loop when it is false.
type WhileLoopConditional struct{}

func (WhileLoopConditional) Type(*ScopeDescription) TypeID { return TypeNull }

func (WhileLoopConditional) Execute(ctx *ExecutionContext) (FlowControl, error) {
	cond, err := ctx.Stack.PopBoolean()
	if err != nil {
		return FlowNormal, runtimeError("whilecond", err)
	}
	if !cond {
		return FlowBreak, nil
	}
	return FlowNormal, nil
}

func (c WhileLoopConditional) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(c, ctx)
}

// BreakOp exits the innermost loop.
type BreakOp struct{}

func (BreakOp) Type(*ScopeDescription) TypeID { return TypeNull }

func (BreakOp) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowBreak, nil
}

func (b BreakOp) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(b, ctx)
}

// ReturnOp unwinds to the enclosing function boundary.
type ReturnOp struct{}

func (ReturnOp) Type(*ScopeDescription) TypeID { return TypeNull }

func (ReturnOp) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowReturn, nil
}

func (r ReturnOp) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(r, ctx)
}

// If evaluates a popped condition; when true it runs the true block, when
// false it walks the else-if chain and finally the false block. A fired
// branch ends the chain via the exit marker at its tail.
type If struct {
	trueBlock  *Block
	elseIfs    *ElseIfWrapper
	falseBlock *Block
}

// NewIf creates the conditional with its true block; the chain and false
// block attach later, driven by the bytecode.
func NewIf(trueBlock *Block) *If { return &If{trueBlock: trueBlock} }

// SetElseIfWrapper attaches the chain of else-if operations.
func (i *If) SetElseIfWrapper(w *ElseIfWrapper) { i.elseIfs = w }

// SetFalseBlock attaches the final else block.
func (i *If) SetFalseBlock(b *Block) { i.falseBlock = b }

// TrueBlock returns the true branch.
func (i *If) TrueBlock() *Block { return i.trueBlock }

// ElseIfs returns the else-if chain, or nil.
func (i *If) ElseIfs() *ElseIfWrapper { return i.elseIfs }

// FalseBlock returns the else branch, or nil.
func (i *If) FalseBlock() *Block { return i.falseBlock }

func (i *If) Type(*ScopeDescription) TypeID { return TypeNull }

func (i *If) Execute(ctx *ExecutionContext) (FlowControl, error) {
	cond, err := ctx.Stack.PopBoolean()
	if err != nil {
		return FlowNormal, runtimeError("if", err)
	}
	if cond {
		if i.trueBlock == nil {
			return FlowNormal, nil
		}
		fc, err := i.trueBlock.Execute(ctx)
		if fc == FlowExitChain {
			fc = FlowNormal
		}
		return fc, err
	}

	if i.elseIfs != nil {
		fc, err := i.elseIfs.Execute(ctx)
		if err != nil {
			return FlowNormal, err
		}
		if fc == FlowExitChain {
			// An else-if branch ran; skip the false block.
			return FlowNormal, nil
		}
		if fc != FlowNormal {
			return fc, nil
		}
	}

	if i.falseBlock != nil {
		return i.falseBlock.Execute(ctx)
	}
	return FlowNormal, nil
}

func (i *If) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(i, ctx)
}

// ElseIfWrapper owns the block holding a conditional's chain of else-if
// operations. It runs them in order until one fires.
type ElseIfWrapper struct {
	block *Block
}

// NewElseIfWrapper creates the wrapper around block.
func NewElseIfWrapper(block *Block) *ElseIfWrapper { return &ElseIfWrapper{block: block} }

// Block returns the owned chain block.
func (w *ElseIfWrapper) Block() *Block { return w.block }

func (w *ElseIfWrapper) Type(*ScopeDescription) TypeID { return TypeNull }

func (w *ElseIfWrapper) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return w.block.Execute(ctx)
}

func (w *ElseIfWrapper) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(w, ctx)
}

// ElseIf pops its condition and runs its block when true. The exit marker
// at the block's tail propagates chain termination.
type ElseIf struct {
	block *Block
}

// NewElseIf creates the branch around block.
func NewElseIf(block *Block) *ElseIf { return &ElseIf{block: block} }

// Block returns the branch block.
func (e *ElseIf) Block() *Block { return e.block }

func (e *ElseIf) Type(*ScopeDescription) TypeID { return TypeNull }

func (e *ElseIf) Execute(ctx *ExecutionContext) (FlowControl, error) {
	cond, err := ctx.Stack.PopBoolean()
	if err != nil {
		return FlowNormal, runtimeError("elseif", err)
	}
	if !cond {
		return FlowNormal, nil
	}
	return e.block.Execute(ctx)
}

func (e *ElseIf) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(e, ctx)
}

// ExitIfChain marks the tail of a fired branch; it unwinds the enclosing
// if/else-if chain.
type ExitIfChain struct{}

func (ExitIfChain) Type(*ScopeDescription) TypeID { return TypeNull }

func (ExitIfChain) Execute(*ExecutionContext) (FlowControl, error) {
	return FlowExitChain, nil
}

func (x ExitIfChain) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(x, ctx)
}

// ExecuteBlock runs a bare nested block inline.
type ExecuteBlock struct {
	block *Block
}

// NewExecuteBlock creates the operation around block.
func NewExecuteBlock(block *Block) *ExecuteBlock { return &ExecuteBlock{block: block} }

// Block returns the nested block.
func (e *ExecuteBlock) Block() *Block { return e.block }

func (e *ExecuteBlock) Type(*ScopeDescription) TypeID { return TypeNull }

func (e *ExecuteBlock) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return e.block.Execute(ctx)
}

func (e *ExecuteBlock) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(e, ctx)
}

// Invoke calls a function resolved at load time by id.
type Invoke struct {
	fn FunctionBase
}

// NewInvoke creates the call operation.
func NewInvoke(fn FunctionBase) *Invoke { return &Invoke{fn: fn} }

// Target returns the called function.
func (i *Invoke) Target() FunctionBase { return i.fn }

func (i *Invoke) Type(scope *ScopeDescription) TypeID { return i.fn.ReturnType(scope) }

func (i *Invoke) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return FlowNormal, i.fn.Invoke(ctx)
}

func (i *Invoke) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	if err := i.fn.Invoke(ctx); err != nil {
		return Value{}, FlowNormal, err
	}
	t := i.fn.ReturnType(ctx.Scope.Description())
	if t == TypeNull {
		return NullValue(), FlowNormal, nil
	}
	v, err := ctx.Stack.PopValue(ctx.Program, t, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("invoke", err)
	}
	return v, FlowNormal, nil
}

// InvokeIndirect calls through a function-typed variable, resolving the
// bound name against the scope chain at call time. When the variable
// declares a signature, a mismatching binding is a runtime error.
type InvokeIndirect struct {
	Name StringHandle
}

func (i *InvokeIndirect) Type(scope *ScopeDescription) TypeID {
	if sig, ok := scope.Signature(i.Name); ok && len(sig.Returns) > 0 {
		return sig.Returns[0].Type
	}
	return TypeNull
}

func (i *InvokeIndirect) Execute(ctx *ExecutionContext) (FlowControl, error) {
	fn, err := i.resolve(ctx)
	if err != nil {
		return FlowNormal, err
	}
	return FlowNormal, fn.Invoke(ctx)
}

func (i *InvokeIndirect) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	fn, err := i.resolve(ctx)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	if err := fn.Invoke(ctx); err != nil {
		return Value{}, FlowNormal, err
	}
	t := fn.ReturnType(ctx.Scope.Description())
	if t == TypeNull {
		return NullValue(), FlowNormal, nil
	}
	v, err := ctx.Stack.PopValue(ctx.Program, t, 0)
	if err != nil {
		return Value{}, FlowNormal, runtimeError("invokeindirect", err)
	}
	return v, FlowNormal, nil
}

func (i *InvokeIndirect) resolve(ctx *ExecutionContext) (FunctionBase, error) {
	slot, err := ctx.LookupVariable(i.Name)
	if err != nil {
		return nil, runtimeError("invokeindirect", err)
	}
	bound, err := slot.Get()
	if err != nil {
		return nil, runtimeError("invokeindirect", err)
	}
	if bound.Type != TypeFunction || bound.AsFunction() == InvalidString {
		return nil, runtimeErrorf("invokeindirect", "variable %q does not hold a function binding", ctx.text(i.Name))
	}
	fn, err := ctx.Scope.Description().Function(bound.AsFunction())
	if err != nil {
		return nil, runtimeError("invokeindirect", err)
	}
	if sig, ok := ctx.Scope.Description().Signature(i.Name); ok {
		if target, isFn := fn.(*Function); isFn && !sig.Matches(signatureOf(target)) {
			return nil, runtimeErrorf("invokeindirect", "binding %q does not match the declared signature", ctx.text(bound.AsFunction()))
		}
	}
	return fn, nil
}

// signatureOf derives a signature from a function's parameter and return
// scopes, for dynamic binding checks.
func signatureOf(f *Function) *FunctionSignature {
	sig := &FunctionSignature{}
	params := f.Params()
	for _, name := range params.VariableOrder() {
		e, _ := params.VariableEntry(name)
		sig.AddParam(e.Type, params.variableHint(name), nil)
		if e.IsReference {
			sig.SetLastParamToReference()
		}
	}
	returns := f.Returns()
	for _, name := range returns.VariableOrder() {
		e, _ := returns.VariableEntry(name)
		sig.AddReturn(e.Type, returns.variableHint(name))
	}
	return sig
}
