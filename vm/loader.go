package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Bytecode loader
// ---------------------------------------------------------------------------

// LoadProgram decodes a bytecode image into p, which must have an empty
// global scope. Loading runs two passes over the same buffer: the prepass
// declares every scope, function, type, response map, future, and constant
// so forward references resolve; the second pass re-walks from offset zero
// and materializes scope contents, operation trees, and code blocks.
func LoadProgram(buffer []byte, p *Program) error {
	if !p.globalScope.IsEmpty() {
		return ErrGlobalScopeNotEmpty
	}
	l := &fileLoader{
		buf:         buffer,
		program:     p,
		scopeIDs:    make(map[int32]*ScopeDescription),
		functionIDs: make(map[int32]FunctionBase),
		pending:     make(map[*ScopeDescription]struct{}),
	}
	if err := l.run(); err != nil {
		// Dropping the pending set releases every scope that never
		// transferred to a function or block.
		return &LoadError{Offset: l.offset, Err: err}
	}
	return nil
}

type fileLoader struct {
	buf     []byte
	offset  int
	program *Program
	prepass bool

	// scopeIDs and functionIDs persist across both passes: the prepass
	// creates the objects, the second pass fills them in.
	scopeIDs    map[int32]*ScopeDescription
	functionIDs map[int32]FunctionBase

	// pending tracks freshly-allocated scopes until ownership transfers
	// to a function or block.
	pending map[*ScopeDescription]struct{}
}

func (l *fileLoader) run() error {
	l.prepass = true
	if err := l.loadImage(); err != nil {
		return err
	}

	l.offset = 0
	l.prepass = false
	if err := l.loadImage(); err != nil {
		return err
	}

	if err := l.loadGlobalInitBlock(); err != nil {
		return err
	}
	return l.loadExtensionData()
}

func (l *fileLoader) loadImage() error {
	if err := l.checkCookie(); err != nil {
		return err
	}
	if err := l.checkFlags(); err != nil {
		return err
	}
	if err := l.checkExtensions(); err != nil {
		return err
	}
	_, err := l.loadScope(true)
	return err
}

// ---------------------------------------------------------------------------
// Primitive readers
// ---------------------------------------------------------------------------

func (l *fileLoader) remaining() int { return len(l.buf) - l.offset }

func (l *fileLoader) readInstruction() (Opcode, error) {
	if l.remaining() < 1 {
		return 0, ErrUnexpectedEndOfStream
	}
	op := Opcode(l.buf[l.offset])
	l.offset++
	return op, nil
}

func (l *fileLoader) peekInstruction() (Opcode, error) {
	if l.remaining() < 1 {
		return 0, ErrUnexpectedEndOfStream
	}
	return Opcode(l.buf[l.offset]), nil
}

func (l *fileLoader) expectInstruction(want Opcode) error {
	got, err := l.readInstruction()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: want 0x%02x, got 0x%02x", ErrUnexpectedInstruction, byte(want), byte(got))
	}
	return nil
}

func (l *fileLoader) readNumber() (int32, error) {
	if l.remaining() < 4 {
		return 0, ErrUnexpectedEndOfStream
	}
	v := int32(binary.LittleEndian.Uint32(l.buf[l.offset:]))
	l.offset += 4
	return v, nil
}

func (l *fileLoader) readFloat() (float32, error) {
	if l.remaining() < 4 {
		return 0, ErrUnexpectedEndOfStream
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(l.buf[l.offset:]))
	l.offset += 4
	return v, nil
}

func (l *fileLoader) readFlag() (bool, error) {
	if l.remaining() < 1 {
		return false, ErrUnexpectedEndOfStream
	}
	v := l.buf[l.offset] != 0
	l.offset++
	return v, nil
}

func (l *fileLoader) readString0() (string, error) {
	start := l.offset
	for l.offset < len(l.buf) && l.buf[l.offset] != 0 {
		l.offset++
	}
	if l.offset >= len(l.buf) {
		return "", ErrUnexpectedEndOfStream
	}
	s := string(l.buf[start:l.offset])
	l.offset++
	return s, nil
}

func (l *fileLoader) readStringN(n int32) (string, error) {
	if n < 0 || l.remaining() < int(n) {
		return "", ErrUnexpectedEndOfStream
	}
	s := string(l.buf[l.offset : l.offset+int(n)])
	l.offset += int(n)
	return s, nil
}

// intern pools an identifier string through the program's pool.
func (l *fileLoader) intern(s string) StringHandle {
	return l.program.InternString(s)
}

func (l *fileLoader) readName() (StringHandle, error) {
	s, err := l.readString0()
	if err != nil {
		return 0, err
	}
	return l.intern(s), nil
}

// ---------------------------------------------------------------------------
// Header
// ---------------------------------------------------------------------------

func (l *fileLoader) checkCookie() error {
	cookie := []byte(HeaderCookie)
	if l.remaining() < len(cookie) {
		return ErrInvalidCookie
	}
	for i, b := range cookie {
		if l.buf[l.offset+i] != b {
			return ErrInvalidCookie
		}
	}
	l.offset += len(cookie)
	return nil
}

func (l *fileLoader) checkFlags() error {
	flags, err := l.readNumber()
	if err != nil {
		return err
	}
	if flags&FlagUsesConsole != 0 {
		l.program.SetUsesConsole()
	}
	return nil
}

func (l *fileLoader) checkExtensions() error {
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		if l.prepass {
			if _, ok := l.program.Extensions.Lookup(name); !ok {
				return fmt.Errorf("%w: %q", ErrUnregisteredExtension, l.program.Pools.Strings.Text(name))
			}
		} else {
			l.program.RecordImageExtension(name)
		}
	}
	return nil
}

func (l *fileLoader) loadExtensionData() error {
	if err := l.expectInstruction(OpExtensionData); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		size, err := l.readNumber()
		if err != nil {
			return err
		}
		data, err := l.readStringN(size)
		if err != nil {
			return err
		}
		ext, ok := l.program.Extensions.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnregisteredExtension, l.program.Pools.Strings.Text(name))
		}
		if err := ext.LoadData([]byte(data)); err != nil {
			return fmt.Errorf("extension %q rejected its data buffer: %w", l.program.Pools.Strings.Text(name), err)
		}
		l.program.RecordExtensionData(name, []byte(data))
	}
	return nil
}

func (l *fileLoader) loadGlobalInitBlock() error {
	if err := l.expectInstruction(OpGlobalBlock); err != nil {
		return err
	}
	next, err := l.peekInstruction()
	if err != nil {
		return err
	}
	if next != OpBeginBlock {
		return nil
	}
	if _, err := l.readInstruction(); err != nil {
		return err
	}
	block, err := l.loadCodeBlock()
	if err != nil {
		return err
	}
	// The init block runs against the global scope itself; it owns no
	// scope of its own.
	block.BindToScope(l.program.globalScope)
	l.program.ReplaceGlobalInitBlock(block)
	return nil
}

// ---------------------------------------------------------------------------
// Scope records
// ---------------------------------------------------------------------------

func (l *fileLoader) registerPending(s *ScopeDescription) *ScopeDescription {
	l.pending[s] = struct{}{}
	return s
}

func (l *fileLoader) unregisterPending(s *ScopeDescription) *ScopeDescription {
	delete(l.pending, s)
	return s
}

func (l *fileLoader) scopeByID(id int32) (*ScopeDescription, error) {
	s, ok := l.scopeIDs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScopeID, id)
	}
	return s, nil
}

func (l *fileLoader) loadScope(linkToGlobal bool) (*ScopeDescription, error) {
	if err := l.expectInstruction(OpScope); err != nil {
		return nil, err
	}
	scopeID, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	if linkToGlobal {
		l.scopeIDs[scopeID] = l.program.globalScope
	} else if l.prepass {
		l.scopeIDs[scopeID] = l.registerPending(NewScopeDescription(l.program))
	}
	scope, err := l.scopeByID(scopeID)
	if err != nil {
		return nil, err
	}

	if err := l.expectInstruction(OpParentScope); err != nil {
		return nil, err
	}
	parentID, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	if parentID != 0 && !l.prepass {
		parent, err := l.scopeByID(parentID)
		if err != nil {
			return nil, err
		}
		scope.Parent = parent
	}

	if err := l.loadVariables(scope); err != nil {
		return nil, err
	}
	if err := l.loadGhosts(scope); err != nil {
		return nil, err
	}
	if err := l.loadFunctions(scope); err != nil {
		return nil, err
	}
	if err := l.loadSignatures(scope); err != nil {
		return nil, err
	}
	if err := l.loadTupleSections(scope); err != nil {
		return nil, err
	}
	if err := l.loadStructureSections(scope); err != nil {
		return nil, err
	}
	if err := l.loadConstants(scope); err != nil {
		return nil, err
	}
	if err := l.loadResponseMaps(scope); err != nil {
		return nil, err
	}
	if err := l.loadFutures(scope); err != nil {
		return nil, err
	}
	if err := l.loadArrayHints(scope); err != nil {
		return nil, err
	}
	if err := l.expectInstruction(OpEndScope); err != nil {
		return nil, err
	}
	return scope, nil
}

func (l *fileLoader) loadVariables(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpVariables); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		isReference, err := l.readFlag()
		if err != nil {
			return err
		}
		name, err := l.readName()
		if err != nil {
			return err
		}
		vartype, err := l.readNumber()
		if err != nil {
			return err
		}
		if l.prepass {
			continue
		}
		if isReference {
			scope.AddReference(name, TypeID(vartype))
		} else {
			scope.AddVariable(name, TypeID(vartype))
		}
	}
	return nil
}

func (l *fileLoader) loadGhosts(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpGhosts); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		if err := l.expectInstruction(OpGhostRecord); err != nil {
			return err
		}
		var gm *GhostMap
		if !l.prepass {
			gm = scope.AddGhostMap()
		}
		entries, err := l.readNumber()
		if err != nil {
			return err
		}
		for j := int32(0); j < entries; j++ {
			name, err := l.readName()
			if err != nil {
				return err
			}
			ownerID, err := l.readNumber()
			if err != nil {
				return err
			}
			if l.prepass {
				continue
			}
			owner, err := l.scopeByID(ownerID)
			if err != nil {
				return err
			}
			gm.Entries = append(gm.Entries, GhostEntry{Name: name, Owner: owner})
		}
	}
	return nil
}

func (l *fileLoader) loadFunctions(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpFunctions); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		funcID, err := l.readNumber()
		if err != nil {
			return err
		}
		if _, err := l.readNumber(); err != nil { // reserved
			return err
		}

		next, err := l.peekInstruction()
		if err != nil {
			return err
		}
		if next == OpCallDLL {
			if _, err := l.readInstruction(); err != nil {
				return err
			}
			library, err := l.readName()
			if err != nil {
				return err
			}
			symbol, err := l.readName()
			if err != nil {
				return err
			}
			returnType, err := l.readNumber()
			if err != nil {
				return err
			}
			returnHint, err := l.readNumber()
			if err != nil {
				return err
			}
			params, err := l.loadScope(false)
			if err != nil {
				return err
			}
			if l.prepass {
				l.unregisterPending(params)
				stub := NewDLLCall(library, symbol, params, TypeID(returnType), returnHint)
				l.functionIDs[funcID] = stub
				scope.AddFunction(name, stub)
			}
			continue
		}

		params, err := l.loadScope(false)
		if err != nil {
			return err
		}
		returns, err := l.loadScope(false)
		if err != nil {
			return err
		}
		if err := l.expectInstruction(OpBeginBlock); err != nil {
			return err
		}
		local, err := l.loadScope(false)
		if err != nil {
			return err
		}
		body, err := l.loadCodeBlock()
		if err != nil {
			return err
		}
		if l.prepass {
			fn := NewFunction(l.program, params, returns)
			l.functionIDs[funcID] = fn
			scope.AddFunction(name, fn)
			l.unregisterPending(params)
			l.unregisterPending(returns)
		} else {
			body.BindToScope(l.unregisterPending(local))
			fn, ok := l.functionIDs[funcID].(*Function)
			if !ok {
				return fmt.Errorf("%w: %d", ErrUnknownFunctionID, funcID)
			}
			fn.SetCodeBlock(body)
		}
	}
	return nil
}

func (l *fileLoader) loadSignatures(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpFunctionSignatureList); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		if err := l.expectInstruction(OpFunctionSignatureBegin); err != nil {
			return err
		}
		sig, err := l.loadFunctionSignature()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.AddFunctionSignature(name, sig)
		}
	}
	return nil
}

func (l *fileLoader) loadFunctionSignature() (*FunctionSignature, error) {
	paramCount, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	paramTypes := make([]TypeID, paramCount)
	for i := range paramTypes {
		t, err := l.readNumber()
		if err != nil {
			return nil, err
		}
		paramTypes[i] = TypeID(t)
	}

	returnCount, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	returnTypes := make([]TypeID, returnCount)
	for i := range returnTypes {
		t, err := l.readNumber()
		if err != nil {
			return nil, err
		}
		returnTypes[i] = TypeID(t)
	}

	hintCount, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	paramHints := make([]int32, hintCount)
	for i := range paramHints {
		if paramHints[i], err = l.readNumber(); err != nil {
			return nil, err
		}
	}

	flagCount, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	paramFlags := make([]uint32, flagCount)
	for i := range paramFlags {
		f, err := l.readNumber()
		if err != nil {
			return nil, err
		}
		paramFlags[i] = uint32(f)
	}

	subCount, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	subs := make([]*FunctionSignature, 0, subCount)
	for i := int32(0); i < subCount; i++ {
		instruction, err := l.readInstruction()
		if err != nil {
			return nil, err
		}
		if instruction == OpFunctionSignatureEnd {
			subs = append(subs, nil)
			continue
		}
		sub, err := l.loadFunctionSignature()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	returnHintCount, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	returnHints := make([]int32, returnHintCount)
	for i := range returnHints {
		if returnHints[i], err = l.readNumber(); err != nil {
			return nil, err
		}
	}

	if err := l.expectInstruction(OpFunctionSignatureEnd); err != nil {
		return nil, err
	}

	if l.prepass {
		return nil, nil
	}

	sig := &FunctionSignature{}
	for i, t := range paramTypes {
		var hint int32
		if i < len(paramHints) {
			hint = paramHints[i]
		}
		var sub *FunctionSignature
		if i < len(subs) {
			sub = subs[i]
		}
		sig.AddParam(t, hint, sub)
		if i < len(paramFlags) && paramFlags[i]&ParamFlagIsReference != 0 {
			sig.SetLastParamToReference()
		}
	}
	for i, t := range returnTypes {
		var hint int32
		if i < len(returnHints) {
			hint = returnHints[i]
		}
		sig.AddReturn(t, hint)
	}
	return sig, nil
}

func (l *fileLoader) loadTupleSections(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpTupleTypes); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		id, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.AddTupleType(name, TupleTypeID(id))
		}
	}

	if err := l.expectInstruction(OpTupleHints); err != nil {
		return err
	}
	count, err = l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		hint, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.SetTupleHint(name, TupleTypeID(hint))
		}
	}

	if err := l.expectInstruction(OpTupleTypeMap); err != nil {
		return err
	}
	count, err = l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		id, err := l.readNumber()
		if err != nil {
			return err
		}
		if err := l.expectInstruction(OpMembers); err != nil {
			return err
		}
		var layout *TupleType
		if !l.prepass {
			layout = NewTupleType()
		}
		members, err := l.readNumber()
		if err != nil {
			return err
		}
		for j := int32(0); j < members; j++ {
			name, err := l.readName()
			if err != nil {
				return err
			}
			mtype, err := l.readNumber()
			if err != nil {
				return err
			}
			if _, err := l.readNumber(); err != nil { // precomputed offset
				return err
			}
			if !l.prepass {
				layout.AddMember(name, TypeID(mtype))
			}
		}
		if !l.prepass {
			if err := layout.ComputeOffsets(l.program); err != nil {
				return err
			}
			scope.TupleTracker.Register(TupleTypeID(id), layout)
			l.program.TupleOwners.Record(TupleTypeID(id), scope.TupleTracker)
		}
	}
	return nil
}

func (l *fileLoader) loadStructureSections(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpStructureTypes); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		id, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.AddStructureType(name, StructureTypeID(id))
		}
	}

	if err := l.expectInstruction(OpStructureHints); err != nil {
		return err
	}
	count, err = l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		hint, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.SetStructureHint(name, StructureTypeID(hint))
		}
	}

	if err := l.expectInstruction(OpStructureTypeMap); err != nil {
		return err
	}
	count, err = l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		id, err := l.readNumber()
		if err != nil {
			return err
		}
		if err := l.expectInstruction(OpMembers); err != nil {
			return err
		}
		var layout *StructureType
		if !l.prepass {
			layout = NewStructureType()
		}
		members, err := l.readNumber()
		if err != nil {
			return err
		}
		for j := int32(0); j < members; j++ {
			name, err := l.readName()
			if err != nil {
				return err
			}
			mtype, err := l.readNumber()
			if err != nil {
				return err
			}
			if _, err := l.readNumber(); err != nil { // precomputed offset
				return err
			}
			var hint int32
			if TypeID(mtype).IsComposite() {
				if hint, err = l.readNumber(); err != nil {
					return err
				}
			}
			if l.prepass {
				continue
			}
			if TypeID(mtype).IsComposite() {
				layout.AddCompositeMember(name, TypeID(mtype), hint)
			} else {
				layout.AddMember(name, TypeID(mtype))
			}
		}
		if !l.prepass {
			if err := layout.ComputeOffsets(l.program); err != nil {
				return err
			}
			scope.StructTracker.Register(StructureTypeID(id), layout)
			l.program.StructureOwners.Record(StructureTypeID(id), scope.StructTracker)
		}
	}
	return nil
}

func (l *fileLoader) loadConstants(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpConstants); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.SetConstant(name)
		}
	}
	return nil
}

func (l *fileLoader) loadResponseMaps(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpResponseMaps); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		mapName, err := l.readName()
		if err != nil {
			return err
		}
		entries, err := l.readNumber()
		if err != nil {
			return err
		}
		var rmap *ResponseMap
		if !l.prepass {
			rmap = NewResponseMap()
		}
		for j := int32(0); j < entries; j++ {
			messageName, err := l.readName()
			if err != nil {
				return err
			}
			paramCount, err := l.readNumber()
			if err != nil {
				return err
			}
			paramTypes := make([]TypeID, paramCount)
			for k := range paramTypes {
				t, err := l.readNumber()
				if err != nil {
					return err
				}
				paramTypes[k] = TypeID(t)
			}

			if err := l.expectInstruction(OpBeginBlock); err != nil {
				return err
			}
			responseScope, err := l.loadScope(false)
			if err != nil {
				return err
			}
			responseBlock, err := l.loadCodeBlock()
			if err != nil {
				return err
			}
			auxScope, err := l.loadScope(false)
			if err != nil {
				return err
			}
			if !l.prepass {
				responseBlock.BindToScope(l.unregisterPending(responseScope))
				rmap.AddEntry(&ResponseMapEntry{
					MessageName:   messageName,
					PayloadTypes:  paramTypes,
					ResponseBlock: responseBlock,
					AuxScope:      l.unregisterPending(auxScope),
				})
			}
		}
		if !l.prepass {
			scope.AddResponseMap(mapName, rmap)
		}
	}
	return nil
}

func (l *fileLoader) loadFutures(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpFutures); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		declared, err := l.readNumber()
		if err != nil {
			return err
		}
		var temp *Block
		if !l.prepass {
			temp = NewBlock()
		}
		instruction, err := l.readInstruction()
		if err != nil {
			return err
		}
		if err := l.generateOp(instruction, temp); err != nil {
			return err
		}
		if !l.prepass {
			scope.AddFuture(name, temp.PopTailOperation(), TypeID(declared))
		}
	}
	return nil
}

func (l *fileLoader) loadArrayHints(scope *ScopeDescription) error {
	if err := l.expectInstruction(OpArrayHints); err != nil {
		return err
	}
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		name, err := l.readName()
		if err != nil {
			return err
		}
		hint, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			scope.SetArrayType(name, TypeID(hint))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Code blocks and operations
// ---------------------------------------------------------------------------

// loadCodeBlock reads operation records until the block is exited.
func (l *fileLoader) loadCodeBlock() (*Block, error) {
	var block *Block
	if !l.prepass {
		block = NewBlock()
	}
	for {
		instruction, err := l.readInstruction()
		if err != nil {
			return nil, err
		}
		if instruction == OpEndBlock {
			return block, nil
		}
		if err := l.generateOp(instruction, block); err != nil {
			return nil, err
		}
	}
}

// loadScopedBlock reads a BeginBlock-prefixed scope plus code block and
// binds them, as used by every block-carrying operation.
func (l *fileLoader) loadScopedBlock() (*Block, error) {
	if err := l.expectInstruction(OpBeginBlock); err != nil {
		return nil, err
	}
	scope, err := l.loadScope(false)
	if err != nil {
		return nil, err
	}
	block, err := l.loadCodeBlock()
	if err != nil {
		return nil, err
	}
	if !l.prepass {
		block.BindToScope(l.unregisterPending(scope))
	}
	return block, nil
}

// loadNestedOp reads a single operation through a scratch block and
// returns it detached, for operations that own sub-operations.
func (l *fileLoader) loadNestedOp() (Operation, error) {
	var temp *Block
	if !l.prepass {
		temp = NewBlock()
	}
	instruction, err := l.readInstruction()
	if err != nil {
		return nil, err
	}
	if err := l.generateOp(instruction, temp); err != nil {
		return nil, err
	}
	if l.prepass {
		return nil, nil
	}
	return temp.PopTailOperation(), nil
}

func (l *fileLoader) add(block *Block, op Operation) {
	if !l.prepass && block != nil {
		block.AddOperation(op)
	}
}

// generateOp turns one bytecode record into an operation appended to
// block. In the prepass the record's bytes are consumed but nothing is
// materialized.
func (l *fileLoader) generateOp(instruction Opcode, block *Block) error {
	switch instruction {
	case OpPushOperation:
		nested, err := l.readInstruction()
		if err != nil {
			return err
		}
		if err := l.generateOp(nested, block); err != nil {
			return err
		}
		if !l.prepass {
			block.AddOperation(NewPushOperation(block.PopTailOperation()))
		}
		return nil

	case OpInvoke:
		funcID, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			fn, ok := l.functionIDs[funcID]
			if !ok {
				return fmt.Errorf("%w: %d", ErrUnknownFunctionID, funcID)
			}
			l.add(block, NewInvoke(fn))
		}
		return nil

	case OpInvokeIndirect:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &InvokeIndirect{Name: name})
		return nil

	case OpDebugWrite:
		l.add(block, DebugWriteString{})
		return nil

	case OpDebugRead:
		l.add(block, DebugReadInput{})
		return nil

	case OpPushIntegerLiteral:
		value, err := l.readNumber()
		if err != nil {
			return err
		}
		l.add(block, &PushIntegerLiteral{Value: value})
		return nil

	case OpPushInteger16Literal:
		value, err := l.readNumber()
		if err != nil {
			return err
		}
		l.add(block, &PushInteger16Literal{Value: int16(value)})
		return nil

	case OpPushRealLiteral:
		value, err := l.readFloat()
		if err != nil {
			return err
		}
		l.add(block, &PushRealLiteral{Value: value})
		return nil

	case OpPushBooleanLiteral:
		value, err := l.readFlag()
		if err != nil {
			return err
		}
		l.add(block, &PushBooleanLiteral{Value: value})
		return nil

	case OpPushStringLiteral:
		length, err := l.readNumber()
		if err != nil {
			return err
		}
		text, err := l.readStringN(length)
		if err != nil {
			return err
		}
		l.add(block, &PushStringLiteral{Value: l.intern(text)})
		return nil

	case OpIntegerLiteral:
		value, err := l.readNumber()
		if err != nil {
			return err
		}
		l.add(block, &IntegerConstant{Value: value})
		return nil

	case OpBooleanLiteral:
		value, err := l.readFlag()
		if err != nil {
			return err
		}
		l.add(block, &BooleanConstant{Value: value})
		return nil

	case OpAddIntegers, OpSubtractIntegers, OpMultiplyIntegers, OpDivideIntegers,
		OpAddInteger16s, OpSubtractInteger16s, OpMultiplyInteger16s, OpDivideInteger16s,
		OpAddReals, OpSubReals, OpMultiplyReals, OpDivideReals:
		return l.loadArithmetic(instruction, block)

	case OpConcat:
		firstIsArray, err := l.readFlag()
		if err != nil {
			return err
		}
		secondIsArray, err := l.readFlag()
		if err != nil {
			return err
		}
		paramCount, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			if paramCount == 1 {
				l.add(block, NewConcatenateFold())
			} else {
				l.add(block, NewConcatenateBinary(firstIsArray, secondIsArray))
			}
		}
		return nil

	case OpIsEqual, OpIsNotEqual, OpIsLesser, OpIsLesserEqual, OpIsGreater, OpIsGreaterEqual:
		operand, err := l.readNumber()
		if err != nil {
			return err
		}
		kinds := map[Opcode]ComparisonKind{
			OpIsEqual:        CompareEqual,
			OpIsNotEqual:     CompareNotEqual,
			OpIsLesser:       CompareLesser,
			OpIsLesserEqual:  CompareLesserEqual,
			OpIsGreater:      CompareGreater,
			OpIsGreaterEqual: CompareGreaterEqual,
		}
		l.add(block, &ComparisonOp{Kind: kinds[instruction], Operand: TypeID(operand)})
		return nil

	case OpLogicalAnd:
		op := &LogicalAnd{}
		if err := l.loadSubOperations(func(sub Operation) { op.AddOperation(sub) }); err != nil {
			return err
		}
		l.add(block, op)
		return nil

	case OpLogicalOr:
		op := &LogicalOr{}
		if err := l.loadSubOperations(func(sub Operation) { op.AddOperation(sub) }); err != nil {
			return err
		}
		l.add(block, op)
		return nil

	case OpLogicalXor:
		l.add(block, LogicalXor{})
		return nil

	case OpLogicalNot:
		l.add(block, LogicalNot{})
		return nil

	case OpBitwiseAnd, OpBitwiseOr:
		operand, err := l.readNumber()
		if err != nil {
			return err
		}
		kind := BitAnd
		if instruction == OpBitwiseOr {
			kind = BitOr
		}
		op := &BitwiseCompound{Kind: kind, Operand: TypeID(operand)}
		if err := l.loadSubOperations(func(sub Operation) { op.AddOperation(sub) }); err != nil {
			return err
		}
		l.add(block, op)
		return nil

	case OpBitwiseXor:
		operand, err := l.readNumber()
		if err != nil {
			return err
		}
		l.add(block, &BitwiseXor{Operand: TypeID(operand)})
		return nil

	case OpBitwiseNot:
		operand, err := l.readNumber()
		if err != nil {
			return err
		}
		l.add(block, &BitwiseNot{Operand: TypeID(operand)})
		return nil

	case OpAssignValue:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &AssignValue{Name: name})
		return nil

	case OpGetValue:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &GetVariableValue{Name: name})
		return nil

	case OpInit:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &InitializeValue{Name: name})
		return nil

	case OpBindReference:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &BindVariableReference{Name: name})
		return nil

	case OpBindFunctionReference:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &BindFunctionReference{Name: name})
		return nil

	case OpSizeOf:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &SizeOfVariable{Name: name})
		return nil

	case OpReadArray:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &ReadArray{Name: name})
		return nil

	case OpWriteArray:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &WriteArray{Name: name})
		return nil

	case OpArrayLength:
		name, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &ArrayLength{Name: name})
		return nil

	case OpConsArrayIndirect:
		elemType, err := l.readNumber()
		if err != nil {
			return err
		}
		count, err := l.loadNestedOp()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, &ConsArrayIndirect{ElementType: TypeID(elemType), Count: count})
		}
		return nil

	case OpReadTuple:
		varName, err := l.readName()
		if err != nil {
			return err
		}
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &ReadTuple{VarName: varName, MemberName: memberName})
		return nil

	case OpWriteTuple:
		varName, err := l.readName()
		if err != nil {
			return err
		}
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &AssignTuple{VarName: varName, MemberName: memberName})
		return nil

	case OpReadStructure:
		varName, err := l.readName()
		if err != nil {
			return err
		}
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &ReadStructure{VarName: varName, MemberName: memberName})
		return nil

	case OpWriteStructure:
		varName, err := l.readName()
		if err != nil {
			return err
		}
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &AssignStructure{VarName: varName, MemberName: memberName})
		return nil

	case OpReadStructureIndirect:
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		if !l.prepass {
			block.AddOperation(NewReadStructureIndirect(memberName, block, block.TailIndex()))
		}
		return nil

	case OpWriteStructureIndirect:
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &AssignStructureIndirect{MemberName: memberName})
		return nil

	case OpBindStruct:
		chained, err := l.readFlag()
		if err != nil {
			return err
		}
		var varName StringHandle
		if !chained {
			if varName, err = l.readName(); err != nil {
				return err
			}
		}
		memberName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &BindStructMemberReference{Chained: chained, VarName: varName, MemberName: memberName})
		return nil

	case OpDoWhile:
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, NewDoWhileLoop(body))
		}
		return nil

	case OpWhile:
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, NewWhileLoop(body))
		}
		return nil

	case OpWhileCondition:
		l.add(block, WhileLoopConditional{})
		return nil

	case OpBreak:
		l.add(block, BreakOp{})
		return nil

	case OpReturn:
		l.add(block, ReturnOp{})
		return nil

	case OpIf:
		return l.loadIf(block)

	case OpElseIf:
		next, err := l.readInstruction()
		if err != nil {
			return err
		}
		if next != OpBeginBlock {
			return fmt.Errorf("%w: else-if must begin a block", ErrUnexpectedInstruction)
		}
		scope, err := l.loadScope(false)
		if err != nil {
			return err
		}
		body, err := l.loadCodeBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			body.BindToScope(l.unregisterPending(scope))
			l.add(block, NewElseIf(body))
		}
		return nil

	case OpExitIfChain:
		l.add(block, ExitIfChain{})
		return nil

	case OpBeginBlock:
		scope, err := l.loadScope(false)
		if err != nil {
			return err
		}
		body, err := l.loadCodeBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			body.BindToScope(l.unregisterPending(scope))
			l.add(block, NewExecuteBlock(body))
		}
		return nil

	case OpForkTask:
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			// Forked tasks share nothing with their forker; the body
			// resolves names against the global scope only.
			body.BoundScope().Parent = l.program.globalScope
			l.add(block, NewForkTask(body))
		}
		return nil

	case OpForkThread:
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			body.BoundScope().Parent = l.program.globalScope
			l.add(block, NewForkThread(body))
		}
		return nil

	case OpThreadPool:
		l.add(block, CreateThreadPool{})
		return nil

	case OpFuture:
		name, err := l.readName()
		if err != nil {
			return err
		}
		declared, err := l.readNumber()
		if err != nil {
			return err
		}
		usePool, err := l.readFlag()
		if err != nil {
			return err
		}
		l.add(block, &ForkFuture{Name: name, Declared: TypeID(declared), UseThreadPool: usePool})
		return nil

	case OpAcceptMessage:
		messageName, err := l.readName()
		if err != nil {
			return err
		}
		paramCount, err := l.readNumber()
		if err != nil {
			return err
		}
		paramTypes := make([]TypeID, paramCount)
		for i := range paramTypes {
			t, err := l.readNumber()
			if err != nil {
				return err
			}
			paramTypes[i] = TypeID(t)
		}
		if err := l.expectInstruction(OpBeginBlock); err != nil {
			return err
		}
		responseScope, err := l.loadScope(false)
		if err != nil {
			return err
		}
		responseBlock, err := l.loadCodeBlock()
		if err != nil {
			return err
		}
		auxScope, err := l.loadScope(false)
		if err != nil {
			return err
		}
		if !l.prepass {
			responseBlock.BindToScope(l.unregisterPending(responseScope))
			l.add(block, NewAcceptMessage(messageName, paramTypes, responseBlock, l.unregisterPending(auxScope)))
		}
		return nil

	case OpAcceptMessageFromMap:
		mapName, err := l.readName()
		if err != nil {
			return err
		}
		l.add(block, &AcceptMessageFromResponseMap{MapName: mapName})
		return nil

	case OpSendTaskMessage:
		targetByName, err := l.readFlag()
		if err != nil {
			return err
		}
		messageName, err := l.readName()
		if err != nil {
			return err
		}
		paramCount, err := l.readNumber()
		if err != nil {
			return err
		}
		paramTypes := make([]TypeID, paramCount)
		for i := range paramTypes {
			t, err := l.readNumber()
			if err != nil {
				return err
			}
			paramTypes[i] = TypeID(t)
		}
		l.add(block, &SendTaskMessage{TargetByName: targetByName, MessageName: messageName, PayloadTypes: paramTypes})
		return nil

	case OpGetMessageSender:
		l.add(block, GetMessageSender{})
		return nil

	case OpGetTaskCaller:
		l.add(block, GetTaskCaller{})
		return nil

	case OpParallelFor:
		counterName, err := l.readName()
		if err != nil {
			return err
		}
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			// The counter variable lives in the body's scope with the
			// loop's element type fixed before first execution.
			if _, ok := body.BoundScope().VariableEntry(counterName); !ok {
				body.BoundScope().AddVariable(counterName, TypeInteger)
			}
			l.add(block, NewParallelFor(body, counterName))
		}
		return nil

	case OpHandoff:
		library, err := l.readName()
		if err != nil {
			return err
		}
		codeHandle, err := l.readNumber()
		if err != nil {
			return err
		}
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, NewHandoff(library, codeHandle, body))
		}
		return nil

	case OpHandoffControl:
		library, err := l.readName()
		if err != nil {
			return err
		}
		counterName, err := l.readName()
		if err != nil {
			return err
		}
		codeHandle, err := l.readNumber()
		if err != nil {
			return err
		}
		body, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, NewHandoffControl(library, counterName, codeHandle, body))
		}
		return nil

	case OpTypeCast:
		source, err := l.readNumber()
		if err != nil {
			return err
		}
		destination, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			if !castSupported(TypeID(source), TypeID(destination)) {
				return fmt.Errorf("%w: %s to %s", ErrUnknownCastType, TypeID(source), TypeID(destination))
			}
			l.add(block, &TypeCast{Source: TypeID(source), Destination: TypeID(destination)})
		}
		return nil

	case OpTypeCastToString:
		source, err := l.readNumber()
		if err != nil {
			return err
		}
		if !l.prepass {
			if !castToStringSupported(TypeID(source)) {
				return fmt.Errorf("%w: %s to string", ErrUnknownCastType, TypeID(source))
			}
			l.add(block, &TypeCastToString{Source: TypeID(source)})
		}
		return nil

	case OpMap:
		nested, err := l.loadNestedOp()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, NewMapOperation(nested))
		}
		return nil

	case OpReduce:
		nested, err := l.loadNestedOp()
		if err != nil {
			return err
		}
		if !l.prepass {
			l.add(block, NewReduceOperation(nested))
		}
		return nil
	}

	return fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(instruction))
}

func (l *fileLoader) loadArithmetic(instruction Opcode, block *Block) error {
	firstIsArray, err := l.readFlag()
	if err != nil {
		return err
	}
	secondIsArray, err := l.readFlag()
	if err != nil {
		return err
	}
	paramCount, err := l.readNumber()
	if err != nil {
		return err
	}
	if l.prepass {
		return nil
	}

	kinds := map[Opcode]struct {
		kind    ArithmeticKind
		operand TypeID
	}{
		OpAddIntegers:        {ArithAdd, TypeInteger},
		OpSubtractIntegers:   {ArithSubtract, TypeInteger},
		OpMultiplyIntegers:   {ArithMultiply, TypeInteger},
		OpDivideIntegers:     {ArithDivide, TypeInteger},
		OpAddInteger16s:      {ArithAdd, TypeInteger16},
		OpSubtractInteger16s: {ArithSubtract, TypeInteger16},
		OpMultiplyInteger16s: {ArithMultiply, TypeInteger16},
		OpDivideInteger16s:   {ArithDivide, TypeInteger16},
		OpAddReals:           {ArithAdd, TypeReal},
		OpSubReals:           {ArithSubtract, TypeReal},
		OpMultiplyReals:      {ArithMultiply, TypeReal},
		OpDivideReals:        {ArithDivide, TypeReal},
	}
	k := kinds[instruction]
	if paramCount == 1 {
		l.add(block, NewArithmeticFold(k.kind, k.operand))
	} else {
		l.add(block, NewArithmeticBinary(k.kind, k.operand, firstIsArray, secondIsArray))
	}
	return nil
}

// loadSubOperations reads a count-prefixed list of nested operations for
// the compound logical and bitwise forms.
func (l *fileLoader) loadSubOperations(add func(Operation)) error {
	count, err := l.readNumber()
	if err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		sub, err := l.loadNestedOp()
		if err != nil {
			return err
		}
		if !l.prepass {
			add(sub)
		}
	}
	return nil
}

// loadIf decodes the if/else-if/else chain: a true block, an optional
// else-if wrapper block, and either a false block or the end-of-chain
// marker.
func (l *fileLoader) loadIf(block *Block) error {
	next, err := l.readInstruction()
	if err != nil {
		return err
	}
	var trueBlock *Block
	if next == OpBeginBlock {
		scope, err := l.loadScope(false)
		if err != nil {
			return err
		}
		if trueBlock, err = l.loadCodeBlock(); err != nil {
			return err
		}
		if !l.prepass {
			trueBlock.BindToScope(l.unregisterPending(scope))
		}
	} else {
		return fmt.Errorf("%w: if must begin a block", ErrUnexpectedInstruction)
	}

	var ifop *If
	if !l.prepass {
		ifop = NewIf(trueBlock)
	}

	next, err = l.readInstruction()
	if err != nil {
		return err
	}
	if next == OpElseIfWrapper {
		wrapperBlock, err := l.loadScopedBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			ifop.SetElseIfWrapper(NewElseIfWrapper(wrapperBlock))
		}
		if next, err = l.readInstruction(); err != nil {
			return err
		}
	}

	switch next {
	case OpBeginBlock:
		scope, err := l.loadScope(false)
		if err != nil {
			return err
		}
		falseBlock, err := l.loadCodeBlock()
		if err != nil {
			return err
		}
		if !l.prepass {
			falseBlock.BindToScope(l.unregisterPending(scope))
			ifop.SetFalseBlock(falseBlock)
		}
	case OpEndIf:
		// No else branch.
	default:
		return fmt.Errorf("%w: malformed if chain", ErrUnexpectedInstruction)
	}

	if !l.prepass {
		l.add(block, ifop)
	}
	return nil
}
