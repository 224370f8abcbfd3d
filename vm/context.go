package vm

import "fmt"

// ---------------------------------------------------------------------------
// Execution context
// ---------------------------------------------------------------------------

// ExecutionContext is the per-task execution state: the program, an
// operand stack, the chain of live activations, the owning task, and a
// table of bound references (addresses).
type ExecutionContext struct {
	Program *Program
	Stack   *Stack

	// Scope is the innermost live activation.
	Scope *ActivatedScope

	// Task is the task this context executes for.
	Task *Task

	globalActivation *ActivatedScope

	// live tracks every activation currently on this task's activation
	// stack, innermost last. Ghost projections resolve against it.
	live []*ActivatedScope

	// refs is the address table: address values on the operand stack are
	// indices into it. Addresses never cross task boundaries.
	refs []Reference

	// lastSender is the task handle of the sender of the most recently
	// dispatched message.
	lastSender TaskHandle

	// futures maps forked future names to their write-once cells.
	futures map[StringHandle]*Future
}

// newExecutionContext builds a context rooted at a fresh activation of the
// program's global scope.
func newExecutionContext(p *Program, task *Task) (*ExecutionContext, error) {
	ctx := &ExecutionContext{
		Program: p,
		Stack:   NewStack(DefaultStackSize),
		Task:    task,
	}
	global := newActivatedScope(p.GlobalScope(), nil)
	if err := global.InitializeDefaults(p); err != nil {
		return nil, err
	}
	ctx.globalActivation = global
	ctx.Scope = global
	ctx.live = append(ctx.live, global)
	return ctx, nil
}

// Global returns the task's activation of the global scope.
func (ctx *ExecutionContext) Global() *ActivatedScope { return ctx.globalActivation }

func (ctx *ExecutionContext) pushLive(a *ActivatedScope) {
	ctx.live = append(ctx.live, a)
}

func (ctx *ExecutionContext) popLive() {
	ctx.live = ctx.live[:len(ctx.live)-1]
}

// liveActivation finds the innermost live activation of desc, or nil.
func (ctx *ExecutionContext) liveActivation(desc *ScopeDescription) *ActivatedScope {
	for i := len(ctx.live) - 1; i >= 0; i-- {
		if ctx.live[i].desc == desc {
			return ctx.live[i]
		}
	}
	return nil
}

// LookupVariable resolves name against the current activation chain.
func (ctx *ExecutionContext) LookupVariable(name StringHandle) (*VariableSlot, error) {
	return ctx.Scope.Lookup(ctx, name)
}

// declaringScope finds the descriptor that declares name, walking the
// live activation chain (including ghost projections) the same way slot
// lookup does.
func (ctx *ExecutionContext) declaringScope(name StringHandle) (*ScopeDescription, error) {
	for act := ctx.Scope; act != nil; act = act.parent {
		if _, ok := act.desc.VariableEntry(name); ok {
			return act.desc, nil
		}
		for _, gm := range act.desc.Ghosts {
			if owner, ok := gm.Find(name); ok {
				return owner.DeclaringScope(name)
			}
		}
	}
	return ctx.Scope.Description().DeclaringScope(name)
}

// arrayElementType resolves an array variable's element hint against the
// live activation chain.
func (ctx *ExecutionContext) arrayElementType(name StringHandle) (TypeID, error) {
	for act := ctx.Scope; act != nil; act = act.parent {
		if t, ok := act.desc.arrayTypes[name]; ok {
			return t, nil
		}
	}
	return ctx.Scope.Description().ArrayElementType(name)
}

// futureRegistration resolves a registered future against the live
// activation chain.
func (ctx *ExecutionContext) futureRegistration(name StringHandle) (Operation, TypeID, bool) {
	for act := ctx.Scope; act != nil; act = act.parent {
		if op, ok := act.desc.futures[name]; ok {
			return op, act.desc.futureTypes[name], true
		}
	}
	return ctx.Scope.Description().FutureOperation(name)
}

// responseMap resolves a registered response map against the live
// activation chain.
func (ctx *ExecutionContext) responseMap(name StringHandle) (*ResponseMap, error) {
	for act := ctx.Scope; act != nil; act = act.parent {
		if m, ok := act.desc.responseMaps[name]; ok {
			return m, nil
		}
	}
	return ctx.Scope.Description().ResponseMap(name)
}

// bindReference records r in the address table and returns its index for
// pushing onto the operand stack.
func (ctx *ExecutionContext) bindReference(r Reference) uint32 {
	ctx.refs = append(ctx.refs, r)
	return uint32(len(ctx.refs))
}

// resolveReference resolves an address word back to its reference.
func (ctx *ExecutionContext) resolveReference(id uint32) (Reference, error) {
	if id == 0 || int(id) > len(ctx.refs) {
		return nil, fmt.Errorf("%w: dangling address %d", ErrTypeMismatch, id)
	}
	return ctx.refs[id-1], nil
}

// Sender returns the task handle of the sender of the message currently
// being dispatched.
func (ctx *ExecutionContext) Sender() TaskHandle { return ctx.lastSender }

// setFuture records the cell backing a forked future.
func (ctx *ExecutionContext) setFuture(name StringHandle, f *Future) {
	if ctx.futures == nil {
		ctx.futures = make(map[StringHandle]*Future)
	}
	ctx.futures[name] = f
}

// futureFor resolves a forked future cell by name.
func (ctx *ExecutionContext) futureFor(name StringHandle) (*Future, bool) {
	f, ok := ctx.futures[name]
	return f, ok
}

// text resolves a string handle through the program's pool.
func (ctx *ExecutionContext) text(h StringHandle) string {
	return ctx.Program.Pools.Strings.Text(h)
}
