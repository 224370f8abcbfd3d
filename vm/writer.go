package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Bytecode serializer
// ---------------------------------------------------------------------------

// WriteProgram serializes p back to a bytecode image. Scope and function
// identifiers are assigned in traversal order, so serializing a program,
// loading the result, and serializing again yields byte-identical output.
func WriteProgram(p *Program) ([]byte, error) {
	w := &imageWriter{
		program:     p,
		scopeIDs:    make(map[*ScopeDescription]int32),
		functionIDs: make(map[FunctionBase]int32),
	}
	if err := w.run(); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type imageWriter struct {
	buf     bytes.Buffer
	program *Program

	scopeIDs    map[*ScopeDescription]int32
	nextScope   int32
	functionIDs map[FunctionBase]int32
	nextFunc    int32
}

func (w *imageWriter) run() error {
	w.buf.WriteString(HeaderCookie)

	var flags int32
	if w.program.UsesConsole() {
		flags |= FlagUsesConsole
	}
	w.writeNumber(flags)

	exts := w.program.ImageExtensions()
	w.writeNumber(int32(len(exts)))
	for _, name := range exts {
		w.writeString0(w.text(name))
	}

	if err := w.writeScope(w.program.GlobalScope()); err != nil {
		return err
	}

	w.writeOp(OpGlobalBlock)
	if init := w.program.GlobalInitBlock(); init != nil {
		w.writeOp(OpBeginBlock)
		if err := w.writeCodeBlock(init); err != nil {
			return err
		}
	}

	w.writeOp(OpExtensionData)
	data := w.program.ExtensionData()
	w.writeNumber(int32(len(data)))
	for _, block := range data {
		w.writeString0(w.text(block.Library))
		w.writeNumber(int32(len(block.Data)))
		w.buf.Write(block.Data)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Primitive writers
// ---------------------------------------------------------------------------

func (w *imageWriter) writeOp(op Opcode) { w.buf.WriteByte(byte(op)) }

func (w *imageWriter) writeNumber(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *imageWriter) writeFloat(v float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	w.buf.Write(b[:])
}

func (w *imageWriter) writeFlag(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *imageWriter) writeString0(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

func (w *imageWriter) writeStringN(s string) {
	w.writeNumber(int32(len(s)))
	w.buf.WriteString(s)
}

func (w *imageWriter) text(h StringHandle) string {
	return w.program.Pools.Strings.Text(h)
}

// scopeID assigns identifiers on first sight, in traversal order.
func (w *imageWriter) scopeID(s *ScopeDescription) int32 {
	if id, ok := w.scopeIDs[s]; ok {
		return id
	}
	w.nextScope++
	w.scopeIDs[s] = w.nextScope
	return w.nextScope
}

func (w *imageWriter) functionID(fn FunctionBase) int32 {
	if id, ok := w.functionIDs[fn]; ok {
		return id
	}
	w.nextFunc++
	w.functionIDs[fn] = w.nextFunc
	return w.nextFunc
}

// ---------------------------------------------------------------------------
// Scope records
// ---------------------------------------------------------------------------

func (w *imageWriter) writeScope(s *ScopeDescription) error {
	w.writeOp(OpScope)
	w.writeNumber(w.scopeID(s))

	w.writeOp(OpParentScope)
	if s.Parent == nil {
		w.writeNumber(0)
	} else {
		w.writeNumber(w.scopeID(s.Parent))
	}

	w.writeOp(OpVariables)
	w.writeNumber(int32(len(s.VariableOrder())))
	for _, name := range s.VariableOrder() {
		e, _ := s.VariableEntry(name)
		w.writeFlag(e.IsReference)
		w.writeString0(w.text(name))
		w.writeNumber(int32(e.Type))
	}

	w.writeOp(OpGhosts)
	w.writeNumber(int32(len(s.Ghosts)))
	for _, gm := range s.Ghosts {
		w.writeOp(OpGhostRecord)
		w.writeNumber(int32(len(gm.Entries)))
		for _, entry := range gm.Entries {
			w.writeString0(w.text(entry.Name))
			w.writeNumber(w.scopeID(entry.Owner))
		}
	}

	w.writeOp(OpFunctions)
	w.writeNumber(int32(len(s.FunctionOrder())))
	for _, name := range s.FunctionOrder() {
		fn, _ := s.LocalFunction(name)
		w.writeString0(w.text(name))
		w.writeNumber(w.functionID(fn))
		w.writeNumber(0) // reserved

		switch target := fn.(type) {
		case *DLLCall:
			w.writeOp(OpCallDLL)
			w.writeString0(w.text(target.Library()))
			w.writeString0(w.text(target.Symbol()))
			w.writeNumber(int32(target.ReturnType(nil)))
			w.writeNumber(target.ReturnTypeHint())
			if err := w.writeScope(target.Params()); err != nil {
				return err
			}
		case *Function:
			if err := w.writeScope(target.Params()); err != nil {
				return err
			}
			if err := w.writeScope(target.Returns()); err != nil {
				return err
			}
			w.writeOp(OpBeginBlock)
			if err := w.writeScope(target.Body().BoundScope()); err != nil {
				return err
			}
			if err := w.writeCodeBlock(target.Body()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("cannot serialize function %q", w.text(name))
		}
	}

	w.writeOp(OpFunctionSignatureList)
	w.writeNumber(int32(len(s.SignatureOrder())))
	for _, name := range s.SignatureOrder() {
		sig, _ := s.Signature(name)
		w.writeString0(w.text(name))
		w.writeOp(OpFunctionSignatureBegin)
		w.writeSignature(sig)
	}

	w.writeOp(OpTupleTypes)
	w.writeNumber(int32(len(s.TupleTypeOrder())))
	for _, name := range s.TupleTypeOrder() {
		id, _ := s.TupleTypeID(name)
		w.writeString0(w.text(name))
		w.writeNumber(int32(id))
	}

	w.writeOp(OpTupleHints)
	w.writeNumber(int32(len(s.TupleHintOrder())))
	for _, name := range s.TupleHintOrder() {
		id := s.tupleHints[name]
		w.writeString0(w.text(name))
		w.writeNumber(int32(id))
	}

	w.writeOp(OpTupleTypeMap)
	w.writeNumber(int32(len(s.TupleTracker.IDs())))
	for _, id := range s.TupleTracker.IDs() {
		layout, _ := s.TupleTracker.Layout(id)
		w.writeNumber(int32(id))
		w.writeOp(OpMembers)
		w.writeNumber(int32(layout.MemberCount()))
		for i := 0; i < layout.MemberCount(); i++ {
			m := layout.Member(i)
			w.writeString0(w.text(m.Name))
			w.writeNumber(int32(m.Type))
			w.writeNumber(int32(m.Offset))
		}
	}

	w.writeOp(OpStructureTypes)
	w.writeNumber(int32(len(s.StructureTypeOrder())))
	for _, name := range s.StructureTypeOrder() {
		id, _ := s.StructureTypeIDByName(name)
		w.writeString0(w.text(name))
		w.writeNumber(int32(id))
	}

	w.writeOp(OpStructureHints)
	w.writeNumber(int32(len(s.StructureHintOrder())))
	for _, name := range s.StructureHintOrder() {
		id := s.structHints[name]
		w.writeString0(w.text(name))
		w.writeNumber(int32(id))
	}

	w.writeOp(OpStructureTypeMap)
	w.writeNumber(int32(len(s.StructTracker.IDs())))
	for _, id := range s.StructTracker.IDs() {
		layout, _ := s.StructTracker.Layout(id)
		w.writeNumber(int32(id))
		w.writeOp(OpMembers)
		w.writeNumber(int32(layout.MemberCount()))
		for i := 0; i < layout.MemberCount(); i++ {
			m := layout.Member(i)
			w.writeString0(w.text(m.Name))
			w.writeNumber(int32(m.Type))
			w.writeNumber(int32(m.Offset))
			if m.Type.IsComposite() {
				w.writeNumber(m.Hint)
			}
		}
	}

	w.writeOp(OpConstants)
	w.writeNumber(int32(len(s.ConstantOrder())))
	for _, name := range s.ConstantOrder() {
		w.writeString0(w.text(name))
	}

	w.writeOp(OpResponseMaps)
	w.writeNumber(int32(len(s.ResponseMapOrder())))
	for _, name := range s.ResponseMapOrder() {
		rmap := s.responseMaps[name]
		w.writeString0(w.text(name))
		w.writeNumber(int32(len(rmap.Entries())))
		for _, entry := range rmap.Entries() {
			w.writeString0(w.text(entry.MessageName))
			w.writeNumber(int32(len(entry.PayloadTypes)))
			for _, t := range entry.PayloadTypes {
				w.writeNumber(int32(t))
			}
			w.writeOp(OpBeginBlock)
			if err := w.writeScope(entry.ResponseBlock.BoundScope()); err != nil {
				return err
			}
			if err := w.writeCodeBlock(entry.ResponseBlock); err != nil {
				return err
			}
			if err := w.writeScope(entry.AuxScope); err != nil {
				return err
			}
		}
	}

	w.writeOp(OpFutures)
	w.writeNumber(int32(len(s.FutureOrder())))
	for _, name := range s.FutureOrder() {
		op := s.futures[name]
		w.writeString0(w.text(name))
		w.writeNumber(int32(s.futureTypes[name]))
		if err := w.writeOperation(op); err != nil {
			return err
		}
	}

	w.writeOp(OpArrayHints)
	w.writeNumber(int32(len(s.ArrayHintOrder())))
	for _, name := range s.ArrayHintOrder() {
		w.writeString0(w.text(name))
		w.writeNumber(int32(s.arrayTypes[name]))
	}

	w.writeOp(OpEndScope)
	return nil
}

func (w *imageWriter) writeSignature(sig *FunctionSignature) {
	w.writeNumber(int32(len(sig.Params)))
	for _, p := range sig.Params {
		w.writeNumber(int32(p.Type))
	}
	w.writeNumber(int32(len(sig.Returns)))
	for _, r := range sig.Returns {
		w.writeNumber(int32(r.Type))
	}
	w.writeNumber(int32(len(sig.Params)))
	for _, p := range sig.Params {
		w.writeNumber(p.Hint)
	}
	w.writeNumber(int32(len(sig.Params)))
	for _, p := range sig.Params {
		var flags uint32
		if p.IsReference {
			flags |= ParamFlagIsReference
		}
		w.writeNumber(int32(flags))
	}
	w.writeNumber(int32(len(sig.Params)))
	for _, p := range sig.Params {
		if p.Sub == nil {
			w.writeOp(OpFunctionSignatureEnd)
		} else {
			w.writeOp(OpFunctionSignatureBegin)
			w.writeSignature(p.Sub)
		}
	}
	w.writeNumber(int32(len(sig.Returns)))
	for _, r := range sig.Returns {
		w.writeNumber(r.Hint)
	}
	w.writeOp(OpFunctionSignatureEnd)
}

// ---------------------------------------------------------------------------
// Code blocks and operations
// ---------------------------------------------------------------------------

func (w *imageWriter) writeCodeBlock(b *Block) error {
	for _, op := range b.Operations() {
		if err := w.writeOperation(op); err != nil {
			return err
		}
	}
	w.writeOp(OpEndBlock)
	return nil
}

func (w *imageWriter) writeScopedBlock(b *Block) error {
	w.writeOp(OpBeginBlock)
	if err := w.writeScope(b.BoundScope()); err != nil {
		return err
	}
	return w.writeCodeBlock(b)
}

func (w *imageWriter) writeArithmetic(op *ArithmeticOp) error {
	opcodes := map[TypeID][4]Opcode{
		TypeInteger:   {OpAddIntegers, OpSubtractIntegers, OpMultiplyIntegers, OpDivideIntegers},
		TypeInteger16: {OpAddInteger16s, OpSubtractInteger16s, OpMultiplyInteger16s, OpDivideInteger16s},
		TypeReal:      {OpAddReals, OpSubReals, OpMultiplyReals, OpDivideReals},
	}
	family, ok := opcodes[op.Operand]
	if !ok {
		return fmt.Errorf("cannot serialize arithmetic over %s", op.Operand)
	}
	w.writeOp(family[op.Kind])
	w.writeFlag(op.FirstIsArray)
	w.writeFlag(op.SecondIsArray)
	w.writeNumber(int32(op.ParamCount))
	return nil
}

func (w *imageWriter) writeOperation(op Operation) error {
	switch o := op.(type) {
	case *PushOperation:
		w.writeOp(OpPushOperation)
		return w.writeOperation(o.Nested())

	case *PushIntegerLiteral:
		w.writeOp(OpPushIntegerLiteral)
		w.writeNumber(o.Value)

	case *PushInteger16Literal:
		w.writeOp(OpPushInteger16Literal)
		w.writeNumber(int32(o.Value))

	case *PushRealLiteral:
		w.writeOp(OpPushRealLiteral)
		w.writeFloat(o.Value)

	case *PushBooleanLiteral:
		w.writeOp(OpPushBooleanLiteral)
		w.writeFlag(o.Value)

	case *PushStringLiteral:
		w.writeOp(OpPushStringLiteral)
		w.writeStringN(w.text(o.Value))

	case *IntegerConstant:
		w.writeOp(OpIntegerLiteral)
		w.writeNumber(o.Value)

	case *BooleanConstant:
		w.writeOp(OpBooleanLiteral)
		w.writeFlag(o.Value)

	case DebugWriteString:
		w.writeOp(OpDebugWrite)

	case DebugReadInput:
		w.writeOp(OpDebugRead)

	case *ArithmeticOp:
		return w.writeArithmetic(o)

	case *Concatenate:
		w.writeOp(OpConcat)
		w.writeFlag(o.FirstIsArray)
		w.writeFlag(o.SecondIsArray)
		w.writeNumber(int32(o.ParamCount))

	case *ComparisonOp:
		opcodes := map[ComparisonKind]Opcode{
			CompareEqual:        OpIsEqual,
			CompareNotEqual:     OpIsNotEqual,
			CompareLesser:       OpIsLesser,
			CompareLesserEqual:  OpIsLesserEqual,
			CompareGreater:      OpIsGreater,
			CompareGreaterEqual: OpIsGreaterEqual,
		}
		w.writeOp(opcodes[o.Kind])
		w.writeNumber(int32(o.Operand))

	case *LogicalAnd:
		w.writeOp(OpLogicalAnd)
		w.writeNumber(int32(len(o.Operations())))
		for _, sub := range o.Operations() {
			if err := w.writeOperation(sub); err != nil {
				return err
			}
		}

	case *LogicalOr:
		w.writeOp(OpLogicalOr)
		w.writeNumber(int32(len(o.Operations())))
		for _, sub := range o.Operations() {
			if err := w.writeOperation(sub); err != nil {
				return err
			}
		}

	case LogicalXor:
		w.writeOp(OpLogicalXor)

	case LogicalNot:
		w.writeOp(OpLogicalNot)

	case *BitwiseCompound:
		if o.Kind == BitAnd {
			w.writeOp(OpBitwiseAnd)
		} else {
			w.writeOp(OpBitwiseOr)
		}
		w.writeNumber(int32(o.Operand))
		w.writeNumber(int32(len(o.Operations())))
		for _, sub := range o.Operations() {
			if err := w.writeOperation(sub); err != nil {
				return err
			}
		}

	case *BitwiseXor:
		w.writeOp(OpBitwiseXor)
		w.writeNumber(int32(o.Operand))

	case *BitwiseNot:
		w.writeOp(OpBitwiseNot)
		w.writeNumber(int32(o.Operand))

	case *AssignValue:
		w.writeOp(OpAssignValue)
		w.writeString0(w.text(o.Name))

	case *GetVariableValue:
		w.writeOp(OpGetValue)
		w.writeString0(w.text(o.Name))

	case *InitializeValue:
		w.writeOp(OpInit)
		w.writeString0(w.text(o.Name))

	case *BindVariableReference:
		w.writeOp(OpBindReference)
		w.writeString0(w.text(o.Name))

	case *BindFunctionReference:
		w.writeOp(OpBindFunctionReference)
		w.writeString0(w.text(o.Name))

	case *SizeOfVariable:
		w.writeOp(OpSizeOf)
		w.writeString0(w.text(o.Name))

	case *ReadArray:
		w.writeOp(OpReadArray)
		w.writeString0(w.text(o.Name))

	case *WriteArray:
		w.writeOp(OpWriteArray)
		w.writeString0(w.text(o.Name))

	case *ArrayLength:
		w.writeOp(OpArrayLength)
		w.writeString0(w.text(o.Name))

	case *ConsArrayIndirect:
		w.writeOp(OpConsArrayIndirect)
		w.writeNumber(int32(o.ElementType))
		return w.writeOperation(o.Count)

	case *ReadTuple:
		w.writeOp(OpReadTuple)
		w.writeString0(w.text(o.VarName))
		w.writeString0(w.text(o.MemberName))

	case *AssignTuple:
		w.writeOp(OpWriteTuple)
		w.writeString0(w.text(o.VarName))
		w.writeString0(w.text(o.MemberName))

	case *ReadStructure:
		w.writeOp(OpReadStructure)
		w.writeString0(w.text(o.VarName))
		w.writeString0(w.text(o.MemberName))

	case *AssignStructure:
		w.writeOp(OpWriteStructure)
		w.writeString0(w.text(o.VarName))
		w.writeString0(w.text(o.MemberName))

	case *ReadStructureIndirect:
		w.writeOp(OpReadStructureIndirect)
		w.writeString0(w.text(o.MemberName))

	case *AssignStructureIndirect:
		w.writeOp(OpWriteStructureIndirect)
		w.writeString0(w.text(o.MemberName))

	case *BindStructMemberReference:
		w.writeOp(OpBindStruct)
		w.writeFlag(o.Chained)
		if !o.Chained {
			w.writeString0(w.text(o.VarName))
		}
		w.writeString0(w.text(o.MemberName))

	case *DoWhileLoop:
		w.writeOp(OpDoWhile)
		return w.writeScopedBlock(o.Body())

	case *WhileLoop:
		w.writeOp(OpWhile)
		return w.writeScopedBlock(o.Body())

	case WhileLoopConditional:
		w.writeOp(OpWhileCondition)

	case BreakOp:
		w.writeOp(OpBreak)

	case ReturnOp:
		w.writeOp(OpReturn)

	case *If:
		w.writeOp(OpIf)
		if err := w.writeScopedBlock(o.TrueBlock()); err != nil {
			return err
		}
		if o.ElseIfs() != nil {
			w.writeOp(OpElseIfWrapper)
			if err := w.writeScopedBlock(o.ElseIfs().Block()); err != nil {
				return err
			}
		}
		if o.FalseBlock() != nil {
			return w.writeScopedBlock(o.FalseBlock())
		}
		w.writeOp(OpEndIf)

	case *ElseIf:
		w.writeOp(OpElseIf)
		return w.writeScopedBlock(o.Block())

	case ExitIfChain:
		w.writeOp(OpExitIfChain)

	case *ExecuteBlock:
		return w.writeScopedBlock(o.Block())

	case *Invoke:
		w.writeOp(OpInvoke)
		w.writeNumber(w.functionID(o.Target()))

	case *InvokeIndirect:
		w.writeOp(OpInvokeIndirect)
		w.writeString0(w.text(o.Name))

	case *ForkTask:
		w.writeOp(OpForkTask)
		return w.writeScopedBlock(o.Body())

	case *ForkThread:
		w.writeOp(OpForkThread)
		return w.writeScopedBlock(o.Body())

	case CreateThreadPool:
		w.writeOp(OpThreadPool)

	case *ForkFuture:
		w.writeOp(OpFuture)
		w.writeString0(w.text(o.Name))
		w.writeNumber(int32(o.Declared))
		w.writeFlag(o.UseThreadPool)

	case *AcceptMessage:
		w.writeOp(OpAcceptMessage)
		w.writeString0(w.text(o.MessageName))
		w.writeNumber(int32(len(o.PayloadTypes)))
		for _, t := range o.PayloadTypes {
			w.writeNumber(int32(t))
		}
		w.writeOp(OpBeginBlock)
		if err := w.writeScope(o.ResponseBlock().BoundScope()); err != nil {
			return err
		}
		if err := w.writeCodeBlock(o.ResponseBlock()); err != nil {
			return err
		}
		return w.writeScope(o.AuxScope())

	case *AcceptMessageFromResponseMap:
		w.writeOp(OpAcceptMessageFromMap)
		w.writeString0(w.text(o.MapName))

	case *SendTaskMessage:
		w.writeOp(OpSendTaskMessage)
		w.writeFlag(o.TargetByName)
		w.writeString0(w.text(o.MessageName))
		w.writeNumber(int32(len(o.PayloadTypes)))
		for _, t := range o.PayloadTypes {
			w.writeNumber(int32(t))
		}

	case GetMessageSender:
		w.writeOp(OpGetMessageSender)

	case GetTaskCaller:
		w.writeOp(OpGetTaskCaller)

	case *ParallelFor:
		w.writeOp(OpParallelFor)
		w.writeString0(w.text(o.CounterName))
		return w.writeScopedBlock(o.Body())

	case *Handoff:
		w.writeOp(OpHandoff)
		w.writeString0(w.text(o.Library))
		w.writeNumber(o.CodeHandle)
		return w.writeScopedBlock(o.Block())

	case *HandoffControl:
		w.writeOp(OpHandoffControl)
		w.writeString0(w.text(o.Library))
		w.writeString0(w.text(o.CounterName))
		w.writeNumber(o.CodeHandle)
		return w.writeScopedBlock(o.Block())

	case *TypeCast:
		w.writeOp(OpTypeCast)
		w.writeNumber(int32(o.Source))
		w.writeNumber(int32(o.Destination))

	case *TypeCastToString:
		w.writeOp(OpTypeCastToString)
		w.writeNumber(int32(o.Source))

	case *MapOperation:
		w.writeOp(OpMap)
		return w.writeOperation(o.Nested())

	case *ReduceOperation:
		w.writeOp(OpReduce)
		return w.writeOperation(o.Nested())

	default:
		return fmt.Errorf("cannot serialize operation %T", op)
	}
	return nil
}
