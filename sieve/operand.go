package sieve

import (
	"fmt"
)

// Operand classes. Every operand in the bytecode is prefixed with its class
// tag; a typed read that encounters a different tag reports a corrupt
// binary rather than misinterpreting the stream.
type OperandClass byte

const (
	operandInvalid OperandClass = iota
	OperandNumber
	OperandString
	OperandStringList
	OperandComparator
	OperandMatchType
	OperandAddressPart
	OperandSideEffect
)

func (c OperandClass) String() string {
	switch c {
	case OperandNumber:
		return "number"
	case OperandString:
		return "string"
	case OperandStringList:
		return "string-list"
	case OperandComparator:
		return "comparator"
	case OperandMatchType:
		return "match-type"
	case OperandAddressPart:
		return "address-part"
	case OperandSideEffect:
		return "side-effect"
	}
	return fmt.Sprintf("operand-class-%d", byte(c))
}

// Object operands (comparator, match type, address part, side effect) carry
// a secondary code byte. Codes below objectCodeCustom index the fixed core
// table for the class; higher codes select a linked extension by local
// index, whose own table is then indexed by a further varint.
const objectCodeCustom = 0x20

// AddressPart selects which part of an address a test inspects.
type AddressPart byte

const (
	AddressPartAll AddressPart = iota
	AddressPartLocal
	AddressPartDomain
)

func (p AddressPart) String() string {
	switch p {
	case AddressPartAll:
		return "all"
	case AddressPartLocal:
		return "localpart"
	case AddressPartDomain:
		return "domain"
	}
	return fmt.Sprintf("address-part-%d", byte(p))
}

/*
 * Emission
 */

// EmitNumberOperand emits a tagged numeric operand.
func EmitNumberOperand(blk *Block, v uint64) int {
	address := blk.EmitByte(byte(OperandNumber))
	blk.EmitInteger(v)
	return address
}

// EmitStringOperand emits a tagged string operand.
func EmitStringOperand(blk *Block, s string) int {
	address := blk.EmitByte(byte(OperandString))
	blk.EmitString(s)
	return address
}

// EmitStringListOperand emits a tagged string-list operand: a varint item
// count followed by tagged string operands.
func EmitStringListOperand(blk *Block, items []string) int {
	address := blk.EmitByte(byte(OperandStringList))
	blk.EmitInteger(uint64(len(items)))
	for _, item := range items {
		EmitStringOperand(blk, item)
	}
	return address
}

// EmitComparatorOperand emits a comparator object operand.
func EmitComparatorOperand(bin *Binary, cmp *Comparator) {
	blk := bin.ActiveBlock()
	blk.EmitByte(byte(OperandComparator))
	emitObjectCode(bin, cmp.Ext, cmp.Code)
}

// EmitMatchTypeOperand emits a match-type object operand.
func EmitMatchTypeOperand(bin *Binary, mt *MatchType) {
	blk := bin.ActiveBlock()
	blk.EmitByte(byte(OperandMatchType))
	emitObjectCode(bin, mt.Ext, mt.Code)
}

// EmitAddressPartOperand emits an address-part operand.
func EmitAddressPartOperand(blk *Block, part AddressPart) {
	blk.EmitByte(byte(OperandAddressPart))
	blk.EmitByte(byte(part))
}

func emitObjectCode(bin *Binary, ext *Extension, code byte) {
	blk := bin.ActiveBlock()
	if ext == nil {
		blk.EmitByte(code)
		return
	}
	index := bin.ExtensionIndex(ext)
	if index < 0 {
		index = bin.LinkExtension(ext)
	}
	blk.EmitByte(objectCodeCustom + byte(index))
	blk.EmitInteger(uint64(code))
}

/*
 * Typed reads
 */

func (renv *RunEnv) corrupt(addr int, format string, args ...any) error {
	return fmt.Errorf("address 0x%08x: %s", addr, fmt.Sprintf(format, args...))
}

// Corrupt formats a binary-corruption diagnostic at the given address; it
// is the error extensions return from their operand readers.
func (renv *RunEnv) Corrupt(addr int, format string, args ...any) error {
	return renv.corrupt(addr, format, args...)
}

func (renv *RunEnv) readOperandClass(addr *int, want OperandClass) error {
	start := *addr
	tag, ok := renv.Block.ReadByte(addr)
	if !ok {
		return renv.corrupt(start, "missing %s operand", want)
	}
	if OperandClass(tag) != want {
		return renv.corrupt(start, "expected %s operand, found %s", want, OperandClass(tag))
	}
	return nil
}

// NumberOperand reads a tagged numeric operand.
func (renv *RunEnv) NumberOperand(addr *int) (uint64, error) {
	if err := renv.readOperandClass(addr, OperandNumber); err != nil {
		return 0, err
	}
	v, ok := renv.Block.ReadInteger(addr)
	if !ok {
		return 0, renv.corrupt(*addr, "malformed number operand")
	}
	return v, nil
}

// StringOperand reads a tagged string operand. When a string substituter is
// active (variables extension), match values and variables are expanded.
func (renv *RunEnv) StringOperand(addr *int) (string, error) {
	s, err := renv.rawStringOperand(addr)
	if err != nil {
		return "", err
	}
	if renv.substitute != nil {
		return renv.substitute(s)
	}
	return s, nil
}

func (renv *RunEnv) rawStringOperand(addr *int) (string, error) {
	if err := renv.readOperandClass(addr, OperandString); err != nil {
		return "", err
	}
	s, ok := renv.Block.ReadString(addr)
	if !ok {
		return "", renv.corrupt(*addr, "malformed string operand")
	}
	return s, nil
}

// StringListOperand reads a tagged string-list operand.
func (renv *RunEnv) StringListOperand(addr *int) ([]string, error) {
	if err := renv.readOperandClass(addr, OperandStringList); err != nil {
		return nil, err
	}
	count, ok := renv.Block.ReadInteger(addr)
	if !ok {
		return nil, renv.corrupt(*addr, "malformed string-list length")
	}
	if count > uint64(renv.Block.bytesLeft(*addr)) {
		return nil, renv.corrupt(*addr, "string-list length %d exceeds block", count)
	}

	items := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, err := renv.StringOperand(addr)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, nil
}

// readObjectCode resolves the (code, extension) pair of an object operand.
// It returns extension nil with the core code, or the owning extension and
// the extension-local code.
func (renv *RunEnv) readObjectCode(addr *int) (*Extension, byte, error) {
	code, ok := renv.Block.ReadByte(addr)
	if !ok {
		return nil, 0, renv.corrupt(*addr, "missing object code")
	}
	if code < objectCodeCustom {
		return nil, code, nil
	}

	ext := renv.Binary.ExtensionByIndex(int(code - objectCodeCustom))
	if ext == nil {
		return nil, 0, renv.corrupt(*addr, "object code references unlinked extension %d",
			code-objectCodeCustom)
	}
	extCode, ok := renv.Block.ReadInteger(addr)
	if !ok {
		return nil, 0, renv.corrupt(*addr, "missing extension object code")
	}
	if extCode > 0xff {
		return nil, 0, renv.corrupt(*addr, "extension object code %d out of range", extCode)
	}
	return ext, byte(extCode), nil
}

// ComparatorOperand reads and resolves a comparator operand.
func (renv *RunEnv) ComparatorOperand(addr *int) (*Comparator, error) {
	if err := renv.readOperandClass(addr, OperandComparator); err != nil {
		return nil, err
	}
	ext, code, err := renv.readObjectCode(addr)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		if int(code) < len(coreComparators) {
			return coreComparators[code], nil
		}
		return nil, renv.corrupt(*addr, "unknown core comparator %d", code)
	}
	if int(code) < len(ext.def.Comparators) {
		return ext.def.Comparators[code], nil
	}
	return nil, renv.corrupt(*addr, "unknown comparator %d for extension %s", code, ext.Name())
}

// MatchTypeOperand reads and resolves a match-type operand.
func (renv *RunEnv) MatchTypeOperand(addr *int) (*MatchType, error) {
	if err := renv.readOperandClass(addr, OperandMatchType); err != nil {
		return nil, err
	}
	ext, code, err := renv.readObjectCode(addr)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		if int(code) < len(coreMatchTypes) {
			return coreMatchTypes[code], nil
		}
		return nil, renv.corrupt(*addr, "unknown core match type %d", code)
	}
	if int(code) < len(ext.def.MatchTypes) {
		return ext.def.MatchTypes[code], nil
	}
	return nil, renv.corrupt(*addr, "unknown match type %d for extension %s", code, ext.Name())
}

// AddressPartOperand reads an address-part operand.
func (renv *RunEnv) AddressPartOperand(addr *int) (AddressPart, error) {
	if err := renv.readOperandClass(addr, OperandAddressPart); err != nil {
		return 0, err
	}
	code, ok := renv.Block.ReadByte(addr)
	if !ok {
		return 0, renv.corrupt(*addr, "missing address-part code")
	}
	if code > byte(AddressPartDomain) {
		return 0, renv.corrupt(*addr, "unknown address part %d", code)
	}
	return AddressPart(code), nil
}

// SideEffectsOperand reads a side-effect sub-list: a varint count followed
// by side-effect object operands, each optionally carrying context data.
func (renv *RunEnv) SideEffectsOperand(addr *int) ([]*SideEffect, error) {
	count, ok := renv.Block.ReadInteger(addr)
	if !ok {
		return nil, renv.corrupt(*addr, "malformed side-effect count")
	}
	if count > uint64(renv.Block.bytesLeft(*addr)) {
		return nil, renv.corrupt(*addr, "side-effect count %d exceeds block", count)
	}

	var effects []*SideEffect
	for i := uint64(0); i < count; i++ {
		if err := renv.readOperandClass(addr, OperandSideEffect); err != nil {
			return nil, err
		}
		ext, code, err := renv.readObjectCode(addr)
		if err != nil {
			return nil, err
		}
		var def *SideEffectDef
		if ext != nil && int(code) < len(ext.def.SideEffects) {
			def = ext.def.SideEffects[code]
		}
		if def == nil {
			return nil, renv.corrupt(*addr, "unknown side effect %d", code)
		}

		se := &SideEffect{Def: def}
		if def.ReadContext != nil {
			se.Context, err = def.ReadContext(renv, addr)
			if err != nil {
				return nil, err
			}
		}
		effects = append(effects, se)
	}
	return effects, nil
}

// EmitSideEffect emits one side-effect object operand header; the caller
// appends any context data the definition's ReadContext consumes.
func EmitSideEffect(bin *Binary, def *SideEffectDef) {
	blk := bin.ActiveBlock()
	blk.EmitByte(byte(OperandSideEffect))
	emitObjectCode(bin, def.Ext, def.Code)
}
