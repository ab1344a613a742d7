package sieve

import "fmt"

// OperationDef describes one executable operation: its mnemonic, the code it
// occupies in its table, and the execute/dump handlers. Core operations live
// in coreOperations; extension operations live in their extension's private
// table behind a two-byte dispatch.
type OperationDef struct {
	Mnemonic string
	Code     byte
	Ext      *Extension

	Execute func(renv *RunEnv, addr *int) ExecCode
	Dump    func(denv *DumpEnv, addr *int) bool
}

// Operation is the interpreter's current-operation scratch state.
type Operation struct {
	Def     *OperationDef
	Address int
}

// Core opcodes. Opcodes at or above operationCustom select a linked
// extension by local index; the extension's own table is indexed by the
// following byte.
const (
	opJmp byte = iota
	opJmpTrue
	opJmpFalse
	opStop
	opKeep
	opDiscard
	opRedirect
	opTestTrue
	opTestFalse
	opTestNot
	opTestExists
	opTestHeader
	opTestAddress
	opTestEnvelope
	opTestSizeOver
	opTestSizeUnder

	coreOperationCount
)

const operationCustom byte = 0x40

// coreOperations is populated by init functions in the files implementing
// the core commands and tests; the table index equals the opcode.
var coreOperations = make([]*OperationDef, coreOperationCount)

func registerCoreOperation(def *OperationDef) {
	if coreOperations[def.Code] != nil {
		panic(fmt.Sprintf("sieve: duplicate core opcode %d", def.Code))
	}
	coreOperations[def.Code] = def
}

// EmitOperation emits a core opcode.
func EmitOperation(blk *Block, def *OperationDef) int {
	return blk.EmitByte(def.Code)
}

// EmitExtOperation emits the two-byte dispatch for an extension operation.
func EmitExtOperation(bin *Binary, def *OperationDef) int {
	blk := bin.ActiveBlock()
	index := bin.ExtensionIndex(def.Ext)
	if index < 0 {
		index = bin.LinkExtension(def.Ext)
	}
	address := blk.EmitByte(operationCustom + byte(index))
	blk.EmitByte(def.Code)
	return address
}

// readOperation decodes the next operation at *addr.
func (renv *RunEnv) readOperation(addr *int) (*OperationDef, error) {
	start := *addr
	opcode, ok := renv.Block.ReadByte(addr)
	if !ok {
		return nil, renv.corrupt(start, "missing opcode")
	}

	if opcode < operationCustom {
		if int(opcode) < len(coreOperations) && coreOperations[opcode] != nil {
			return coreOperations[opcode], nil
		}
		return nil, renv.corrupt(start, "invalid opcode 0x%02x", opcode)
	}

	ext := renv.Binary.ExtensionByIndex(int(opcode - operationCustom))
	if ext == nil {
		return nil, renv.corrupt(start, "opcode references unlinked extension %d",
			opcode-operationCustom)
	}
	extOp, ok := renv.Block.ReadByte(addr)
	if !ok {
		return nil, renv.corrupt(start, "missing extension opcode")
	}
	if int(extOp) >= len(ext.def.Operations) || ext.def.Operations[extOp] == nil {
		return nil, renv.corrupt(start, "invalid opcode %d for extension %s", extOp, ext.Name())
	}
	return ext.def.Operations[extOp], nil
}
