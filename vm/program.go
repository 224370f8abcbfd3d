package vm

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// ---------------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------------

// EntrypointName is the function the engine invokes after running the
// global initialization block.
const EntrypointName = "entrypoint"

// Program is a fully-linked executable image: the root scope, the global
// initialization block, the interned pools it draws handles from, the
// extension registry, and the owner maps for composite type identifiers.
type Program struct {
	Pools *HandlePools

	// TupleOwners and StructureOwners map globally-unique layout ids to
	// their owning scope's tracker. Written during load, read-only
	// afterwards.
	TupleOwners     *TupleOwnerMap
	StructureOwners *StructureOwnerMap

	// Extensions is the registry of native extension libraries.
	Extensions *ExtensionRegistry

	// Tasks tracks every live forked task.
	Tasks *TaskRegistry

	// Console receives debug-write output; Input feeds debug-read.
	Console io.Writer
	Input   *bufio.Reader

	globalScope *ScopeDescription
	initBlock   *Block
	usesConsole bool

	// imageExtensions is the extension list carried by the loaded image,
	// and extensionData its opaque per-library data blocks; both are kept
	// for re-serialization.
	imageExtensions []StringHandle
	extensionData   []ExtensionDataBlock

	poolMu     sync.Mutex
	threadPool *ThreadPool
}

// NewProgram creates an empty program drawing handles from the
// process-wide default pools.
func NewProgram() *Program {
	return NewProgramWithPools(DefaultPools)
}

// NewProgramWithPools creates an empty program drawing handles from the
// given pool set.
func NewProgramWithPools(pools *HandlePools) *Program {
	p := &Program{
		Pools:           pools,
		TupleOwners:     NewTupleOwnerMap(),
		StructureOwners: NewStructureOwnerMap(),
		Extensions:      NewExtensionRegistry(),
		Tasks:           NewTaskRegistry(),
		Console:         os.Stdout,
		Input:           bufio.NewReader(os.Stdin),
	}
	p.globalScope = NewScopeDescription(p)
	return p
}

// GlobalScope returns the program's root scope.
func (p *Program) GlobalScope() *ScopeDescription { return p.globalScope }

// GlobalInitBlock returns the global initialization block, or nil.
func (p *Program) GlobalInitBlock() *Block { return p.initBlock }

// ReplaceGlobalInitBlock installs the global initialization block.
func (p *Program) ReplaceGlobalInitBlock(b *Block) { p.initBlock = b }

// SetUsesConsole records that the image was compiled for console use.
func (p *Program) SetUsesConsole() { p.usesConsole = true }

// UsesConsole reports whether the image was compiled for console use.
func (p *Program) UsesConsole() bool { return p.usesConsole }

// ExtensionDataBlock is one opaque data buffer recorded in an image for a
// named extension library.
type ExtensionDataBlock struct {
	Library StringHandle
	Data    []byte
}

// RecordImageExtension notes that the loaded image names an extension.
func (p *Program) RecordImageExtension(name StringHandle) {
	p.imageExtensions = append(p.imageExtensions, name)
}

// ImageExtensions returns the extension list of the loaded image.
func (p *Program) ImageExtensions() []StringHandle { return p.imageExtensions }

// RecordExtensionData retains an extension data block for
// re-serialization.
func (p *Program) RecordExtensionData(library StringHandle, data []byte) {
	p.extensionData = append(p.extensionData, ExtensionDataBlock{Library: library, Data: data})
}

// ExtensionData returns the retained extension data blocks.
func (p *Program) ExtensionData() []ExtensionDataBlock { return p.extensionData }

// InternString pools an identifier string and returns its handle.
func (p *Program) InternString(s string) StringHandle {
	return p.Pools.Strings.Intern(s)
}

// SetThreadPool installs the shared thread pool. Installing a second pool
// replaces the first for subsequent forks.
func (p *Program) SetThreadPool(tp *ThreadPool) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	p.threadPool = tp
}

// GetThreadPool returns the shared thread pool, or nil if none was
// created.
func (p *Program) GetThreadPool() *ThreadPool {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	return p.threadPool
}

// Execute runs the program: the global initialization block first, then
// the entrypoint function, on the caller's goroutine as the main task.
// Errors in the main task terminate the program.
func (p *Program) Execute() error {
	mainTask := p.Tasks.newTask(p, 0)
	defer p.Tasks.remove(mainTask.ID())

	ctx, err := newExecutionContext(p, mainTask)
	if err != nil {
		return err
	}
	mainTask.ctx = ctx

	if p.initBlock != nil {
		if _, err := p.initBlock.Execute(ctx); err != nil {
			return err
		}
	}

	entry, err := p.globalScope.Function(p.InternString(EntrypointName))
	if err != nil {
		return err
	}
	if err := entry.Invoke(ctx); err != nil {
		return err
	}

	p.Tasks.waitForForks()
	return nil
}
