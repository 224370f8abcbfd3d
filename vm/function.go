package vm

import "fmt"

// ---------------------------------------------------------------------------
// Functions and signatures
// ---------------------------------------------------------------------------

// ParamFlagIsReference marks a by-reference parameter in a serialized
// function signature.
const ParamFlagIsReference uint32 = 1

// SignatureParam describes one parameter of a function signature.
type SignatureParam struct {
	Type        TypeID
	Hint        int32
	IsReference bool

	// Sub carries the nested signature of a function-typed parameter;
	// nil otherwise.
	Sub *FunctionSignature
}

// SignatureReturn describes one return of a function signature.
type SignatureReturn struct {
	Type TypeID
	Hint int32
}

// FunctionSignature describes the shape of a function-typed value:
// parameter types, return types, layout hints, and by-reference flags.
// Signatures are registered in scopes to type-check higher-order bindings.
type FunctionSignature struct {
	Params  []SignatureParam
	Returns []SignatureReturn
}

// AddParam appends a parameter.
func (s *FunctionSignature) AddParam(t TypeID, hint int32, sub *FunctionSignature) {
	s.Params = append(s.Params, SignatureParam{Type: t, Hint: hint, Sub: sub})
}

// SetLastParamToReference flags the most recently added parameter as
// by-reference.
func (s *FunctionSignature) SetLastParamToReference() {
	if len(s.Params) > 0 {
		s.Params[len(s.Params)-1].IsReference = true
	}
}

// AddReturn appends a return.
func (s *FunctionSignature) AddReturn(t TypeID, hint int32) {
	s.Returns = append(s.Returns, SignatureReturn{Type: t, Hint: hint})
}

// Matches reports whether two signatures agree on parameter and return
// types. Used to validate dynamic function bindings at call time.
func (s *FunctionSignature) Matches(other *FunctionSignature) bool {
	if len(s.Params) != len(other.Params) || len(s.Returns) != len(other.Returns) {
		return false
	}
	for i := range s.Params {
		if s.Params[i].Type != other.Params[i].Type || s.Params[i].IsReference != other.Params[i].IsReference {
			return false
		}
	}
	for i := range s.Returns {
		if s.Returns[i].Type != other.Returns[i].Type {
			return false
		}
	}
	return true
}

// FunctionBase is anything invokable by name: a bytecode function or an
// external library call stub.
type FunctionBase interface {
	// Invoke pops arguments from the operand stack, runs the function,
	// and pushes its return values.
	Invoke(ctx *ExecutionContext) error

	// ReturnType reports the static type an invocation produces.
	ReturnType(scope *ScopeDescription) TypeID
}

// Function is a bytecode function: a parameter scope, a return scope, and
// a body block bound to its local scope.
type Function struct {
	program *Program
	params  *ScopeDescription
	returns *ScopeDescription
	body    *Block
}

// NewFunction creates a function with empty body. The loader sets the body
// in its second pass.
func NewFunction(p *Program, params, returns *ScopeDescription) *Function {
	return &Function{program: p, params: params, returns: returns}
}

// SetCodeBlock installs the body block.
func (f *Function) SetCodeBlock(b *Block) { f.body = b }

// Params returns the parameter scope.
func (f *Function) Params() *ScopeDescription { return f.params }

// Returns returns the return scope.
func (f *Function) Returns() *ScopeDescription { return f.returns }

// Body returns the body block.
func (f *Function) Body() *Block { return f.body }

// Invoke activates the parameter scope by popping arguments in reverse
// declared order (callers push in declared order), default-initializes the
// return scope, runs the body, and pushes return values in declared order.
// Functions are statically scoped: the activation chain roots at the
// task's global activation, never the caller's scope.
func (f *Function) Invoke(ctx *ExecutionContext) error {
	paramAct := newActivatedScope(f.params, ctx.globalActivation)
	if err := paramAct.BindParameters(ctx); err != nil {
		return err
	}
	ctx.pushLive(paramAct)
	defer ctx.popLive()

	retAct := newActivatedScope(f.returns, paramAct)
	if err := retAct.InitializeDefaults(ctx.Program); err != nil {
		return err
	}
	ctx.pushLive(retAct)
	defer ctx.popLive()

	saved := ctx.Scope
	ctx.Scope = retAct
	_, err := f.body.Execute(ctx)
	ctx.Scope = saved
	if err != nil {
		return err
	}

	for _, name := range f.returns.VariableOrder() {
		slot, ok := retAct.ownSlot(name)
		if !ok {
			return runtimeErrorf("invoke", "return slot %q missing", f.returns.name(name))
		}
		v, err := slot.Get()
		if err != nil {
			return err
		}
		if err := ctx.Stack.PushValue(ctx.Program, v); err != nil {
			return err
		}
	}
	return nil
}

// ReturnType reports the type of the first declared return, or null for a
// procedure.
func (f *Function) ReturnType(*ScopeDescription) TypeID {
	order := f.returns.VariableOrder()
	if len(order) == 0 {
		return TypeNull
	}
	e, _ := f.returns.VariableEntry(order[0])
	return e.Type
}

// DLLCall binds a function name to an entry point in an external library.
// Invocation routes through the extension registry; marshalling is the
// extension's concern.
type DLLCall struct {
	library    StringHandle
	symbol     StringHandle
	params     *ScopeDescription
	returnType TypeID
	returnHint int32
}

// NewDLLCall creates an external call stub.
func NewDLLCall(library, symbol StringHandle, params *ScopeDescription, ret TypeID, hint int32) *DLLCall {
	return &DLLCall{library: library, symbol: symbol, params: params, returnType: ret, returnHint: hint}
}

// Library returns the target library name handle.
func (d *DLLCall) Library() StringHandle { return d.library }

// Symbol returns the target entry point name handle.
func (d *DLLCall) Symbol() StringHandle { return d.symbol }

// Params returns the parameter scope.
func (d *DLLCall) Params() *ScopeDescription { return d.params }

// ReturnTypeHint returns the layout hint of the return type.
func (d *DLLCall) ReturnTypeHint() int32 { return d.returnHint }

// Invoke dispatches to the registered extension library.
func (d *DLLCall) Invoke(ctx *ExecutionContext) error {
	ext, ok := ctx.Program.Extensions.Lookup(d.library)
	if !ok {
		return runtimeErrorf("calldll", "library %q is not registered",
			ctx.Program.Pools.Strings.Text(d.library))
	}
	if err := ext.Call(ctx, d.symbol, d.params, d.returnType, d.returnHint); err != nil {
		return runtimeError("calldll", fmt.Errorf("%q: %w",
			ctx.Program.Pools.Strings.Text(d.symbol), err))
	}
	return nil
}

// ReturnType reports the stub's declared return type.
func (d *DLLCall) ReturnType(*ScopeDescription) TypeID { return d.returnType }
