package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Tasks, mailboxes, futures, thread pool
// ---------------------------------------------------------------------------

// Message is one mailbox entry: the sender's handle, the message name, and
// the typed payload. Payloads are deep-copied at send time; a message
// never shares mutable storage with its sender.
type Message struct {
	Sender  TaskHandle
	Name    StringHandle
	Types   []TypeID
	Payload []Value
}

// matchesPattern reports whether the message matches a (name, payload
// types) pattern exactly.
func (m *Message) matchesPattern(name StringHandle, types []TypeID) bool {
	if m.Name != name || len(m.Types) != len(types) {
		return false
	}
	for i, t := range types {
		if m.Types[i] != t {
			return false
		}
	}
	return true
}

// Mailbox is an unbounded FIFO of inbound messages attached to a task.
// Accepting scans the queue in order for the first matching entry;
// mismatching messages ahead of a match stay queued for later accepts.
type Mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Message
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Post enqueues a message and wakes any waiting accept.
func (m *Mailbox) Post(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// Accept removes and returns the first queued message satisfying match,
// blocking until one arrives. There is no timeout; a receiver waits
// indefinitely for a matching message.
func (m *Mailbox) Accept(match func(*Message) bool) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for i := range m.queue {
			if match(&m.queue[i]) {
				msg := m.queue[i]
				m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
				return msg
			}
		}
		m.cond.Wait()
	}
}

// Pending returns the number of queued messages.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Task is a concurrently executing computation with its own operand stack,
// activation chain, and mailbox.
type Task struct {
	id      TaskHandle
	program *Program
	mailbox *Mailbox
	caller  TaskHandle
	ctx     *ExecutionContext
	done    chan struct{}
	err     error
}

// ID returns the task's handle.
func (t *Task) ID() TaskHandle { return t.id }

// Mailbox returns the task's mailbox.
func (t *Task) Mailbox() *Mailbox { return t.mailbox }

// Caller returns the handle of the task that forked this one; zero for
// the main task.
func (t *Task) Caller() TaskHandle { return t.caller }

// Wait blocks until the task completes and returns its terminal error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// TaskRegistry tracks live tasks by handle and by published name.
type TaskRegistry struct {
	tasks sync.Map // TaskHandle -> *Task
	names sync.Map // StringHandle -> TaskHandle
	next  atomic.Uint32
	forks sync.WaitGroup
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry { return &TaskRegistry{} }

func (r *TaskRegistry) newTask(p *Program, caller TaskHandle) *Task {
	t := &Task{
		id:      TaskHandle(r.next.Add(1)),
		program: p,
		mailbox: NewMailbox(),
		caller:  caller,
		done:    make(chan struct{}),
	}
	r.tasks.Store(t.id, t)
	return t
}

// Get resolves a task handle, or nil for a completed or unknown task.
func (r *TaskRegistry) Get(h TaskHandle) *Task {
	if t, ok := r.tasks.Load(h); ok {
		return t.(*Task)
	}
	return nil
}

func (r *TaskRegistry) remove(h TaskHandle) { r.tasks.Delete(h) }

// BindName publishes a task under a name for send-by-name targeting.
func (r *TaskRegistry) BindName(name StringHandle, h TaskHandle) {
	r.names.Store(name, h)
}

// ByName resolves a published task name.
func (r *TaskRegistry) ByName(name StringHandle) *Task {
	if h, ok := r.names.Load(name); ok {
		return r.Get(h.(TaskHandle))
	}
	return nil
}

// waitForForks blocks until every forked task has completed.
func (r *TaskRegistry) waitForForks() { r.forks.Wait() }

// forkTask creates a child task of parent and runs body in it. The body
// receives the child's fresh execution context. Fork is fire-and-forget
// from the parent's perspective; errors terminate the child task only.
// When pool is non-nil the body is dispatched to it, otherwise the task
// gets a dedicated goroutine.
func (r *TaskRegistry) forkTask(p *Program, parent TaskHandle, pool *ThreadPool, body func(*ExecutionContext) error) (*Task, error) {
	child := r.newTask(p, parent)
	ctx, err := newExecutionContext(p, child)
	if err != nil {
		r.remove(child.id)
		return nil, err
	}
	child.ctx = ctx

	r.forks.Add(1)
	run := func() {
		defer r.forks.Done()
		err := body(ctx)
		child.finish(err)
		// The registry entry, and the mailbox with it, is dropped as
		// soon as the task finishes; its handle no longer resolves.
		r.remove(child.id)
	}
	if pool != nil {
		pool.Submit(run)
	} else {
		go run()
	}
	return child, nil
}

// Future is a write-once cell with blocking reads. The spawning
// computation writes exactly once; reads after the write observe the same
// value.
type Future struct {
	declared TypeID
	once     sync.Once
	done     chan struct{}
	value    Value
	err      error
}

// NewFuture creates an unresolved future of the declared type.
func NewFuture(t TypeID) *Future {
	return &Future{declared: t, done: make(chan struct{})}
}

// DeclaredType returns the type the future produces.
func (f *Future) DeclaredType() TypeID { return f.declared }

// Resolve writes the cell. Later writes are ignored.
func (f *Future) Resolve(v Value, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

// Get blocks until the cell is written and returns its value.
func (f *Future) Get() (Value, error) {
	<-f.done
	return f.value, f.err
}

// ThreadPool is a bounded pool of workers consuming submitted bodies in
// FIFO order. Each worker runs one body to completion before pulling the
// next. Submission blocks only when the queue is saturated.
type ThreadPool struct {
	jobs chan func()
}

// NewThreadPool starts a pool with the given worker count.
func NewThreadPool(workers int) *ThreadPool {
	if workers < 1 {
		workers = 1
	}
	tp := &ThreadPool{jobs: make(chan func(), workers)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range tp.jobs {
				job()
			}
		}()
	}
	return tp
}

// Submit enqueues a body, blocking while the queue is full.
func (tp *ThreadPool) Submit(job func()) { tp.jobs <- job }

// Shutdown stops the workers once queued bodies drain. Submitting after
// Shutdown panics.
func (tp *ThreadPool) Shutdown() { close(tp.jobs) }
