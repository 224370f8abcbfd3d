package vm

import (
	"runtime"
	"sync"
)

// ---------------------------------------------------------------------------
// Concurrency operations
// ---------------------------------------------------------------------------

// ForkTask runs a block in a new cooperative task and pushes the child's
// task handle for the parent. The fork is fire-and-forget; errors
// terminate the child only.
type ForkTask struct {
	body *Block
}

// NewForkTask creates the fork around body.
func NewForkTask(body *Block) *ForkTask { return &ForkTask{body: body} }

// Body returns the forked block.
func (f *ForkTask) Body() *Block { return f.body }

func (f *ForkTask) Type(*ScopeDescription) TypeID { return TypeTaskHandle }

func (f *ForkTask) Execute(ctx *ExecutionContext) (FlowControl, error) {
	_, fc, err := f.ExecuteRValue(ctx)
	return fc, err
}

func (f *ForkTask) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	child, err := forkBlock(ctx, f.body, nil)
	if err != nil {
		return Value{}, FlowNormal, err
	}
	ctx.Stack.PushHandle(uint32(child.ID()))
	return TaskValue(child.ID()), FlowNormal, nil
}

// ForkThread runs a block in a new task dispatched to the shared thread
// pool. Without a pool it degrades to a plain task fork.
type ForkThread struct {
	body *Block
}

// NewForkThread creates the fork around body.
func NewForkThread(body *Block) *ForkThread { return &ForkThread{body: body} }

// Body returns the forked block.
func (f *ForkThread) Body() *Block { return f.body }

func (f *ForkThread) Type(*ScopeDescription) TypeID { return TypeTaskHandle }

func (f *ForkThread) Execute(ctx *ExecutionContext) (FlowControl, error) {
	_, fc, err := f.ExecuteRValue(ctx)
	return fc, err
}

func (f *ForkThread) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	child, err := forkBlock(ctx, f.body, ctx.Program.GetThreadPool())
	if err != nil {
		return Value{}, FlowNormal, err
	}
	ctx.Stack.PushHandle(uint32(child.ID()))
	return TaskValue(child.ID()), FlowNormal, nil
}

func forkBlock(ctx *ExecutionContext, body *Block, pool *ThreadPool) (*Task, error) {
	child, err := ctx.Program.Tasks.forkTask(ctx.Program, ctx.Task.ID(), pool, func(childCtx *ExecutionContext) error {
		_, err := body.Execute(childCtx)
		return err
	})
	if err != nil {
		return nil, runtimeError("fork", err)
	}
	return child, nil
}

// CreateThreadPool pops a worker count and installs the shared thread
// pool.
type CreateThreadPool struct{}

func (CreateThreadPool) Type(*ScopeDescription) TypeID { return TypeNull }

func (CreateThreadPool) Execute(ctx *ExecutionContext) (FlowControl, error) {
	workers, err := ctx.Stack.PopInteger()
	if err != nil {
		return FlowNormal, runtimeError("threadpool", err)
	}
	ctx.Program.SetThreadPool(NewThreadPool(int(workers)))
	return FlowNormal, nil
}

func (c CreateThreadPool) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(c, ctx)
}

// ForkFuture schedules the computation registered for a named future and
// installs its write-once cell in the current context. Reading the name
// blocks until the computation resolves the cell.
type ForkFuture struct {
	Name          StringHandle
	Declared      TypeID
	UseThreadPool bool
}

func (f *ForkFuture) Type(*ScopeDescription) TypeID { return TypeNull }

func (f *ForkFuture) Execute(ctx *ExecutionContext) (FlowControl, error) {
	op, _, ok := ctx.futureRegistration(f.Name)
	if !ok {
		return FlowNormal, runtimeErrorf("future", "no registered future %q", ctx.text(f.Name))
	}
	cell := NewFuture(f.Declared)
	ctx.setFuture(f.Name, cell)

	var pool *ThreadPool
	if f.UseThreadPool {
		pool = ctx.Program.GetThreadPool()
	}
	_, err := ctx.Program.Tasks.forkTask(ctx.Program, ctx.Task.ID(), pool, func(childCtx *ExecutionContext) error {
		v, _, err := op.ExecuteRValue(childCtx)
		cell.Resolve(v, err)
		return err
	})
	if err != nil {
		return FlowNormal, runtimeError("future", err)
	}
	return FlowNormal, nil
}

func (f *ForkFuture) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(f, ctx)
}

// AcceptMessage blocks the current task until a message matching the
// carried pattern arrives, binds its payload into the auxiliary scope,
// and runs the response block. Mismatching messages stay queued.
type AcceptMessage struct {
	MessageName  StringHandle
	PayloadTypes []TypeID
	responseBlock *Block
	auxScope      *ScopeDescription
}

// NewAcceptMessage creates the accept operation.
func NewAcceptMessage(name StringHandle, payloadTypes []TypeID, response *Block, aux *ScopeDescription) *AcceptMessage {
	return &AcceptMessage{MessageName: name, PayloadTypes: payloadTypes, responseBlock: response, auxScope: aux}
}

// ResponseBlock returns the handler block.
func (a *AcceptMessage) ResponseBlock() *Block { return a.responseBlock }

// AuxScope returns the payload-binding scope.
func (a *AcceptMessage) AuxScope() *ScopeDescription { return a.auxScope }

func (a *AcceptMessage) Type(*ScopeDescription) TypeID { return TypeNull }

func (a *AcceptMessage) Execute(ctx *ExecutionContext) (FlowControl, error) {
	msg := ctx.Task.Mailbox().Accept(func(m *Message) bool {
		return m.matchesPattern(a.MessageName, a.PayloadTypes)
	})
	return dispatchMessage(ctx, msg, a.auxScope, a.responseBlock)
}

func (a *AcceptMessage) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(a, ctx)
}

// AcceptMessageFromResponseMap blocks until any entry of a registered
// response map matches a queued message, then dispatches that entry.
type AcceptMessageFromResponseMap struct {
	MapName StringHandle
}

func (a *AcceptMessageFromResponseMap) Type(*ScopeDescription) TypeID { return TypeNull }

func (a *AcceptMessageFromResponseMap) Execute(ctx *ExecutionContext) (FlowControl, error) {
	m, err := ctx.responseMap(a.MapName)
	if err != nil {
		return FlowNormal, runtimeError("acceptmap", err)
	}
	msg := ctx.Task.Mailbox().Accept(func(candidate *Message) bool {
		return m.Match(candidate) != nil
	})
	entry := m.Match(&msg)
	if entry == nil {
		return FlowNormal, runtimeErrorf("acceptmap", "matched message lost its response entry")
	}
	return dispatchMessage(ctx, msg, entry.AuxScope, entry.ResponseBlock)
}

func (a *AcceptMessageFromResponseMap) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(a, ctx)
}

// dispatchMessage binds a message payload by name into an activation of
// the auxiliary scope and runs the response block under it.
func dispatchMessage(ctx *ExecutionContext, msg Message, aux *ScopeDescription, response *Block) (FlowControl, error) {
	ctx.lastSender = msg.Sender

	auxAct := newActivatedScope(aux, ctx.Scope)
	if err := auxAct.InitializeDefaults(ctx.Program); err != nil {
		return FlowNormal, err
	}
	for i, name := range aux.VariableOrder() {
		if i >= len(msg.Payload) {
			break
		}
		slot, _ := auxAct.ownSlot(name)
		if err := slot.Set(msg.Payload[i]); err != nil {
			return FlowNormal, runtimeError("accept", err)
		}
	}
	ctx.pushLive(auxAct)
	defer ctx.popLive()

	saved := ctx.Scope
	ctx.Scope = auxAct
	defer func() { ctx.Scope = saved }()

	fc, err := response.Execute(ctx)
	if fc == FlowExitChain {
		fc = FlowNormal
	}
	return fc, err
}

// SendTaskMessage pops a typed payload and a target task (by handle, or by
// published name) and enqueues the message to the target's mailbox. The
// payload is deep-copied; send happens-before the matching accept returns.
type SendTaskMessage struct {
	TargetByName bool
	MessageName  StringHandle
	PayloadTypes []TypeID
}

func (s *SendTaskMessage) Type(*ScopeDescription) TypeID { return TypeNull }

func (s *SendTaskMessage) Execute(ctx *ExecutionContext) (FlowControl, error) {
	payload := make([]Value, len(s.PayloadTypes))
	for i := len(s.PayloadTypes) - 1; i >= 0; i-- {
		v, err := ctx.Stack.PopValue(ctx.Program, s.PayloadTypes[i], 0)
		if err != nil {
			return FlowNormal, runtimeError("send", err)
		}
		payload[i] = v
	}

	var target *Task
	if s.TargetByName {
		nameHandle, err := ctx.Stack.PopHandle()
		if err != nil {
			return FlowNormal, runtimeError("send", err)
		}
		target = ctx.Program.Tasks.ByName(StringHandle(nameHandle))
		if target == nil {
			return FlowNormal, runtimeErrorf("send", "no task published as %q", ctx.text(StringHandle(nameHandle)))
		}
	} else {
		handle, err := ctx.Stack.PopHandle()
		if err != nil {
			return FlowNormal, runtimeError("send", err)
		}
		target = ctx.Program.Tasks.Get(TaskHandle(handle))
		if target == nil {
			return FlowNormal, runtimeErrorf("send", "task %d is not live", handle)
		}
	}

	copied := make([]Value, len(payload))
	for i, v := range payload {
		c, err := CopyValue(ctx.Program, v)
		if err != nil {
			return FlowNormal, runtimeError("send", err)
		}
		copied[i] = c
	}

	target.Mailbox().Post(Message{
		Sender:  ctx.Task.ID(),
		Name:    s.MessageName,
		Types:   append([]TypeID(nil), s.PayloadTypes...),
		Payload: copied,
	})
	return FlowNormal, nil
}

func (s *SendTaskMessage) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(s, ctx)
}

// GetMessageSender produces the task handle of the sender of the message
// currently being dispatched.
type GetMessageSender struct{}

func (GetMessageSender) Type(*ScopeDescription) TypeID { return TypeTaskHandle }

func (g GetMessageSender) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(g, ctx)
}

func (GetMessageSender) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return TaskValue(ctx.Sender()), FlowNormal, nil
}

// GetTaskCaller produces the handle of the task that forked the current
// one.
type GetTaskCaller struct{}

func (GetTaskCaller) Type(*ScopeDescription) TypeID { return TypeTaskHandle }

func (g GetTaskCaller) Execute(ctx *ExecutionContext) (FlowControl, error) {
	return discardRValue(g, ctx)
}

func (GetTaskCaller) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return TaskValue(ctx.Task.Caller()), FlowNormal, nil
}

// ParallelFor pops the exclusive upper bound then the lower bound and runs
// its body once per counter value, fanned across transient workers.
// Iteration order is unspecified; every worker completes before the next
// operation runs.
type ParallelFor struct {
	CounterName StringHandle
	body        *Block
}

// NewParallelFor creates the loop around body with the named counter.
func NewParallelFor(body *Block, counter StringHandle) *ParallelFor {
	return &ParallelFor{CounterName: counter, body: body}
}

// Body returns the loop body.
func (p *ParallelFor) Body() *Block { return p.body }

func (p *ParallelFor) Type(*ScopeDescription) TypeID { return TypeNull }

func (p *ParallelFor) Execute(ctx *ExecutionContext) (FlowControl, error) {
	high, err := ctx.Stack.PopInteger()
	if err != nil {
		return FlowNormal, runtimeError("parallelfor", err)
	}
	low, err := ctx.Stack.PopInteger()
	if err != nil {
		return FlowNormal, runtimeError("parallelfor", err)
	}
	if low >= high {
		return FlowNormal, nil
	}

	workers := runtime.NumCPU()
	if int(high-low) < workers {
		workers = int(high - low)
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	next := make(chan int32, workers)
	go func() {
		for i := low; i < high; i++ {
			next <- i
		}
		close(next)
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerCtx, err := newExecutionContext(ctx.Program, ctx.Task)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			for i := range next {
				if err := p.runIteration(workerCtx, i); err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
			}
		}()
	}
	wg.Wait()
	return FlowNormal, firstErr
}

func (p *ParallelFor) runIteration(ctx *ExecutionContext, counter int32) error {
	act := newActivatedScope(p.body.BoundScope(), ctx.Scope)
	if err := act.InitializeDefaults(ctx.Program); err != nil {
		return err
	}
	if slot, ok := act.ownSlot(p.CounterName); ok {
		if err := slot.Set(IntegerValue(counter)); err != nil {
			return err
		}
	}
	ctx.pushLive(act)
	defer ctx.popLive()

	saved := ctx.Scope
	ctx.Scope = act
	defer func() { ctx.Scope = saved }()

	_, err := p.body.Execute(ctx)
	return err
}

func (p *ParallelFor) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(p, ctx)
}

// Handoff transfers a code block to a named extension library and resumes
// when the extension returns.
type Handoff struct {
	Library    StringHandle
	CodeHandle int32
	block      *Block
}

// NewHandoff creates the handoff operation.
func NewHandoff(library StringHandle, codeHandle int32, block *Block) *Handoff {
	return &Handoff{Library: library, CodeHandle: codeHandle, block: block}
}

// Block returns the handed-off block.
func (h *Handoff) Block() *Block { return h.block }

func (h *Handoff) Type(*ScopeDescription) TypeID { return TypeNull }

func (h *Handoff) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ext, ok := ctx.Program.Extensions.Lookup(h.Library)
	if !ok {
		return FlowNormal, runtimeErrorf("handoff", "extension %q is not registered", ctx.text(h.Library))
	}
	if err := ext.Handoff(ctx, h.block); err != nil {
		return FlowNormal, runtimeError("handoff", err)
	}
	return FlowNormal, nil
}

func (h *Handoff) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(h, ctx)
}

// HandoffControl transfers a code block plus a captured counter variable
// to a named extension library for extension-controlled iteration.
type HandoffControl struct {
	Library     StringHandle
	CounterName StringHandle
	CodeHandle  int32
	block       *Block
}

// NewHandoffControl creates the handoff-control operation.
func NewHandoffControl(library, counter StringHandle, codeHandle int32, block *Block) *HandoffControl {
	return &HandoffControl{Library: library, CounterName: counter, CodeHandle: codeHandle, block: block}
}

// Block returns the handed-off block.
func (h *HandoffControl) Block() *Block { return h.block }

func (h *HandoffControl) Type(*ScopeDescription) TypeID { return TypeNull }

func (h *HandoffControl) Execute(ctx *ExecutionContext) (FlowControl, error) {
	ext, ok := ctx.Program.Extensions.Lookup(h.Library)
	if !ok {
		return FlowNormal, runtimeErrorf("handoffcontrol", "extension %q is not registered", ctx.text(h.Library))
	}
	if err := ext.HandoffControl(ctx, h.block, h.CounterName); err != nil {
		return FlowNormal, runtimeError("handoffcontrol", err)
	}
	return FlowNormal, nil
}

func (h *HandoffControl) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(h, ctx)
}
