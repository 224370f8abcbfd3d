package vm

// ---------------------------------------------------------------------------
// Block: ordered operations bound to a scope
// ---------------------------------------------------------------------------

// Block is an ordered sequence of operations bound to a lexical scope. A
// block owns its operations; operations may own nested blocks.
type Block struct {
	ops   []Operation
	scope *ScopeDescription
}

// NewBlock creates an empty, unbound block.
func NewBlock() *Block { return &Block{} }

// AddOperation appends op to the block.
func (b *Block) AddOperation(op Operation) { b.ops = append(b.ops, op) }

// Operations returns the operation list.
func (b *Block) Operations() []Operation { return b.ops }

// TailOperation returns the most recently added operation, or nil.
func (b *Block) TailOperation() Operation {
	if len(b.ops) == 0 {
		return nil
	}
	return b.ops[len(b.ops)-1]
}

// TailIndex returns the index of the most recently added operation.
func (b *Block) TailIndex() int { return len(b.ops) - 1 }

// PopTailOperation removes and returns the most recently added operation.
func (b *Block) PopTailOperation() Operation {
	if len(b.ops) == 0 {
		return nil
	}
	op := b.ops[len(b.ops)-1]
	b.ops = b.ops[:len(b.ops)-1]
	return op
}

// BindToScope binds the block to the scope its operations resolve names
// against.
func (b *Block) BindToScope(scope *ScopeDescription) { b.scope = scope }

// BoundScope returns the scope the block is bound to.
func (b *Block) BoundScope() *ScopeDescription { return b.scope }

// Execute activates the block's scope and runs each operation in order.
// The first non-normal flow status stops iteration and propagates to the
// caller. An empty block executes without mutation.
func (b *Block) Execute(ctx *ExecutionContext) (FlowControl, error) {
	if b.scope != nil && (ctx.Scope == nil || ctx.Scope.desc != b.scope) {
		act := newActivatedScope(b.scope, ctx.Scope)
		if err := act.InitializeDefaults(ctx.Program); err != nil {
			return FlowNormal, err
		}
		ctx.pushLive(act)
		defer ctx.popLive()

		saved := ctx.Scope
		ctx.Scope = act
		defer func() { ctx.Scope = saved }()
	}

	for _, op := range b.ops {
		fc, err := op.Execute(ctx)
		if err != nil {
			return fc, err
		}
		if fc != FlowNormal {
			return fc, nil
		}
	}
	return FlowNormal, nil
}
