package vm

import (
	"sync"
	"testing"
	"time"
)

func TestMailboxSkipsMismatchedMessages(t *testing.T) {
	m := NewMailbox()
	ping := StringHandle(1)
	pong := StringHandle(2)

	m.Post(Message{Name: pong, Types: []TypeID{TypeInteger}, Payload: []Value{IntegerValue(1)}})
	m.Post(Message{Name: ping, Types: []TypeID{TypeInteger}, Payload: []Value{IntegerValue(2)}})

	got := m.Accept(func(msg *Message) bool {
		return msg.matchesPattern(ping, []TypeID{TypeInteger})
	})
	if got.Name != ping {
		t.Fatalf("accepted %d, want ping", got.Name)
	}
	if m.Pending() != 1 {
		t.Fatalf("pending = %d, mismatched message must stay queued", m.Pending())
	}

	// The earlier message is still acceptable by a later matching accept.
	got = m.Accept(func(msg *Message) bool {
		return msg.matchesPattern(pong, []TypeID{TypeInteger})
	})
	if got.Payload[0].AsInteger() != 1 {
		t.Fatalf("retained message payload = %d, want 1", got.Payload[0].AsInteger())
	}
}

func TestMailboxBlocksUntilMatch(t *testing.T) {
	m := NewMailbox()
	name := StringHandle(7)

	done := make(chan Message, 1)
	go func() {
		done <- m.Accept(func(msg *Message) bool {
			return msg.matchesPattern(name, nil)
		})
	}()

	select {
	case <-done:
		t.Fatal("accept returned before any message arrived")
	case <-time.After(20 * time.Millisecond):
	}

	m.Post(Message{Name: name})
	select {
	case msg := <-done:
		if msg.Name != name {
			t.Fatalf("accepted %d, want %d", msg.Name, name)
		}
	case <-time.After(time.Second):
		t.Fatal("accept did not wake on matching post")
	}
}

func TestFutureSingleWriteManyReads(t *testing.T) {
	f := NewFuture(TypeInteger)
	go f.Resolve(IntegerValue(42), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.Get()
			if err != nil || v.AsInteger() != 42 {
				t.Errorf("Get = %v, %v, want 42", v, err)
			}
		}()
	}
	wg.Wait()

	// A second write is ignored.
	f.Resolve(IntegerValue(7), nil)
	v, _ := f.Get()
	if v.AsInteger() != 42 {
		t.Fatalf("future rewritten to %d, want 42", v.AsInteger())
	}
}

func TestThreadPoolRunsSubmittedBodies(t *testing.T) {
	tp := NewThreadPool(2)
	defer tp.Shutdown()

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		tp.Submit(func() {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	wg.Wait()
	if ran != 10 {
		t.Fatalf("ran = %d, want 10", ran)
	}
}

// Scenario: a forked task accepts ping(i32), reads the payload, and
// prints it; the sender observed by the receiver is the forker.
func TestTaskMessaging(t *testing.T) {
	p, console := newTestProgram()

	payloadName := p.InternString("amount")
	aux := NewScopeDescription(p)
	aux.AddVariable(payloadName, TypeInteger)

	response := blockOf(
		push(&GetVariableValue{Name: payloadName}),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
		// sender == the task that forked us (the main task sends here)
		push(GetMessageSender{}),
		push(GetTaskCaller{}),
		push(&ComparisonOp{Kind: CompareEqual, Operand: TypeTaskHandle}),
		push(&TypeCastToString{Source: TypeBoolean}),
		DebugWriteString{},
	)

	taskScope := NewScopeDescription(p)
	taskScope.Parent = p.GlobalScope()
	taskBody := NewBlock()
	taskBody.BindToScope(taskScope)
	ping := p.InternString("ping")
	taskBody.AddOperation(NewAcceptMessage(ping, []TypeID{TypeInteger}, response, aux))

	buildEntrypoint(p,
		NewForkTask(taskBody), // pushes the child handle
		&PushIntegerLiteral{Value: 7},
		&SendTaskMessage{MessageName: ping, PayloadTypes: []TypeID{TypeInteger}},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "7\ntrue\n" {
		t.Fatalf("console = %q, want %q", got, "7\ntrue\n")
	}
}

func TestResponseMapDispatch(t *testing.T) {
	p, console := newTestProgram()

	payloadName := p.InternString("text")
	aux := NewScopeDescription(p)
	aux.AddVariable(payloadName, TypeString)

	rmap := NewResponseMap()
	rmap.AddEntry(&ResponseMapEntry{
		MessageName:  p.InternString("echo"),
		PayloadTypes: []TypeID{TypeString},
		ResponseBlock: blockOf(
			push(&GetVariableValue{Name: payloadName}),
			DebugWriteString{},
		),
		AuxScope: aux,
	})
	mapName := p.InternString("handlers")
	p.GlobalScope().AddResponseMap(mapName, rmap)

	taskScope := NewScopeDescription(p)
	taskScope.Parent = p.GlobalScope()
	taskBody := NewBlock()
	taskBody.BindToScope(taskScope)
	taskBody.AddOperation(&AcceptMessageFromResponseMap{MapName: mapName})

	buildEntrypoint(p,
		NewForkTask(taskBody),
		&PushStringLiteral{Value: p.InternString("hello")},
		&SendTaskMessage{MessageName: p.InternString("echo"), PayloadTypes: []TypeID{TypeString}},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "hello\n" {
		t.Fatalf("console = %q, want %q", got, "hello\n")
	}
}

// Scenario: fork a future of type int computing 42, read it, print it.
func TestFutureForkAndRead(t *testing.T) {
	p, console := newTestProgram()

	futureName := p.InternString("answer")
	p.GlobalScope().AddFuture(futureName, &IntegerConstant{Value: 42}, TypeInteger)

	buildEntrypoint(p,
		&ForkFuture{Name: futureName, Declared: TypeInteger},
		push(&GetVariableValue{Name: futureName}),
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

func TestParallelForCoversRange(t *testing.T) {
	p, _ := newTestProgram()

	counter := p.InternString("i")
	bodyScope := NewScopeDescription(p)
	bodyScope.Parent = p.GlobalScope()
	bodyScope.AddVariable(counter, TypeInteger)

	var mu sync.Mutex
	seen := make(map[int32]int)

	body := NewBlock()
	body.BindToScope(bodyScope)
	body.AddOperation(&counterRecorder{name: counter, mu: &mu, seen: seen})

	buildEntrypoint(p,
		&PushIntegerLiteral{Value: 0},
		&PushIntegerLiteral{Value: 16},
		NewParallelFor(body, counter),
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 16 {
		t.Fatalf("covered %d counter values, want 16", len(seen))
	}
	for i := int32(0); i < 16; i++ {
		if seen[i] != 1 {
			t.Fatalf("counter %d ran %d times, want exactly once", i, seen[i])
		}
	}
}

type counterRecorder struct {
	name StringHandle
	mu   *sync.Mutex
	seen map[int32]int
}

func (*counterRecorder) Type(*ScopeDescription) TypeID { return TypeNull }

func (c *counterRecorder) Execute(ctx *ExecutionContext) (FlowControl, error) {
	slot, err := ctx.LookupVariable(c.name)
	if err != nil {
		return FlowNormal, err
	}
	v, err := slot.Get()
	if err != nil {
		return FlowNormal, err
	}
	c.mu.Lock()
	c.seen[v.AsInteger()]++
	c.mu.Unlock()
	return FlowNormal, nil
}

func (c *counterRecorder) ExecuteRValue(ctx *ExecutionContext) (Value, FlowControl, error) {
	return voidRValue(c, ctx)
}

func TestParallelForEmptyRangeRunsZeroTimes(t *testing.T) {
	p, console := newTestProgram()

	counter := p.InternString("i")
	bodyScope := NewScopeDescription(p)
	bodyScope.AddVariable(counter, TypeInteger)
	body := NewBlock()
	body.BindToScope(bodyScope)
	body.AddOperation(&PushStringLiteral{Value: p.InternString("ran")})
	body.AddOperation(DebugWriteString{})

	buildEntrypoint(p,
		&PushIntegerLiteral{Value: 5},
		&PushIntegerLiteral{Value: 5},
		NewParallelFor(body, counter),
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if console.Len() != 0 {
		t.Fatalf("parallel-for with low >= high ran: %q", console.String())
	}
}

func TestForkThreadWithoutPoolFallsBack(t *testing.T) {
	p, console := newTestProgram()

	taskScope := NewScopeDescription(p)
	taskScope.Parent = p.GlobalScope()
	body := NewBlock()
	body.BindToScope(taskScope)
	body.AddOperation(&PushStringLiteral{Value: p.InternString("threaded")})
	body.AddOperation(DebugWriteString{})

	buildEntrypoint(p, NewForkThread(body))
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := console.String(); got != "threaded\n" {
		t.Fatalf("console = %q, want %q", got, "threaded\n")
	}
}

func TestMessagePayloadIsDeepCopied(t *testing.T) {
	p, console := newTestProgram()

	payloadName := p.InternString("xs")
	aux := NewScopeDescription(p)
	aux.AddVariable(payloadName, TypeArray)
	aux.SetArrayType(payloadName, TypeInteger)

	response := blockOf(
		&PushIntegerLiteral{Value: 0},
		push(&ReadArray{Name: payloadName}),
		push(&TypeCastToString{Source: TypeInteger}),
		DebugWriteString{},
	)

	taskScope := NewScopeDescription(p)
	taskScope.Parent = p.GlobalScope()
	taskBody := NewBlock()
	taskBody.BindToScope(taskScope)
	data := p.InternString("data")
	taskBody.AddOperation(NewAcceptMessage(data, []TypeID{TypeArray}, response, aux))

	local := NewScopeDescription(p)
	arr := p.InternString("arr")
	local.AddVariable(arr, TypeArray)
	local.SetArrayType(arr, TypeInteger)

	buildEntrypointIn(p, local,
		&PushIntegerLiteral{Value: 11},
		push(&ConsArrayIndirect{ElementType: TypeInteger, Count: &IntegerConstant{Value: 1}}),
		&InitializeValue{Name: arr},
		NewForkTask(taskBody),
		push(&GetVariableValue{Name: arr}),
		&SendTaskMessage{MessageName: data, PayloadTypes: []TypeID{TypeArray}},
		// Mutating the sender's array after the send must not affect the
		// receiver's copy.
		&PushIntegerLiteral{Value: 0},
		&PushIntegerLiteral{Value: 99},
		&WriteArray{Name: arr},
	)
	if err := p.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := console.String()
	if got != "11\n" && got != "99\n" {
		t.Fatalf("console = %q", got)
	}
	if got == "99\n" {
		t.Fatal("receiver observed the sender's mutation; payload was not copied")
	}
}
