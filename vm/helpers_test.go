package vm

import "bytes"

// newTestProgram creates a program with its own pool set and a captured
// console.
func newTestProgram() (*Program, *bytes.Buffer) {
	p := NewProgramWithPools(NewHandlePools())
	console := &bytes.Buffer{}
	p.Console = console
	return p, console
}

// buildEntrypoint registers an entrypoint function whose body runs ops in
// a local scope parented to the global scope.
func buildEntrypoint(p *Program, ops ...Operation) *Block {
	return buildEntrypointIn(p, NewScopeDescription(p), ops...)
}

// buildEntrypointIn is buildEntrypoint with a caller-provided local scope,
// for tests that declare variables in it.
func buildEntrypointIn(p *Program, local *ScopeDescription, ops ...Operation) *Block {
	local.Parent = p.GlobalScope()
	body := NewBlock()
	body.BindToScope(local)
	for _, op := range ops {
		body.AddOperation(op)
	}
	fn := NewFunction(p, NewScopeDescription(p), NewScopeDescription(p))
	fn.SetCodeBlock(body)
	p.GlobalScope().AddFunction(p.InternString(EntrypointName), fn)
	return body
}

// blockOf wraps ops into an unbound block for nested branches and loop
// bodies.
func blockOf(ops ...Operation) *Block {
	b := NewBlock()
	for _, op := range ops {
		b.AddOperation(op)
	}
	return b
}

// push wraps an expression operation so its result lands on the stack.
func push(op Operation) Operation { return NewPushOperation(op) }
