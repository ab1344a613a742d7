package sieve

import (
	"github.com/xrg/pigeonhole/sieve/ast"
)

// Core tests. allof/anyof compile to jump threading, not to mark/sweep lists
// ran through the register. Jump offsets land after the
// last subtest, where the register holds the chain's outcome.

func init() {
	registerCoreOperation(&OperationDef{
		Mnemonic: "TRUE", Code: opTestTrue,
		Execute: opTestTrueExecute, Dump: dumpBare,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "FALSE", Code: opTestFalse,
		Execute: opTestFalseExecute, Dump: dumpBare,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "NOT", Code: opTestNot,
		Execute: opTestNotExecute, Dump: dumpBare,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "EXISTS", Code: opTestExists,
		Execute: opTestExistsExecute, Dump: dumpExists,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "HEADER", Code: opTestHeader,
		Execute: opTestHeaderExecute, Dump: dumpHeaderTest,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "ADDRESS", Code: opTestAddress,
		Execute: opTestAddressExecute, Dump: dumpAddressTest,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "ENVELOPE", Code: opTestEnvelope,
		Execute: opTestEnvelopeExecute, Dump: dumpAddressTest,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "SIZEOVER", Code: opTestSizeOver,
		Execute: opTestSizeOverExecute, Dump: dumpSize,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "SIZEUNDER", Code: opTestSizeUnder,
		Execute: opTestSizeUnderExecute, Dump: dumpSize,
	})

	registerCoreTest(&TestDef{Name: "true", Generate: genTrue})
	registerCoreTest(&TestDef{Name: "false", Generate: genFalse})
	registerCoreTest(&TestDef{Name: "not", Generate: genNot})
	registerCoreTest(&TestDef{Name: "allof", Generate: genAllOf})
	registerCoreTest(&TestDef{Name: "anyof", Generate: genAnyOf})
	registerCoreTest(&TestDef{Name: "exists", Generate: genExists})
	registerCoreTest(&TestDef{Name: "header", Generate: genHeader})
	registerCoreTest(&TestDef{Name: "address", Generate: genAddress})
	registerCoreTest(&TestDef{Name: "envelope", Generate: genEnvelope})
	registerCoreTest(&TestDef{Name: "size", Generate: genSize})
}

/*
 * Code generation
 */

func genTrue(g *Generator, t *ast.Test) error {
	EmitOperation(g.bin.ActiveBlock(), coreOperations[opTestTrue])
	return nil
}

func genFalse(g *Generator, t *ast.Test) error {
	EmitOperation(g.bin.ActiveBlock(), coreOperations[opTestFalse])
	return nil
}

func genNot(g *Generator, t *ast.Test) error {
	if len(t.Tests) != 1 {
		return g.Errorf(t.Line, "not expects exactly one test")
	}
	if err := g.GenerateTest(t.Tests[0]); err != nil {
		return err
	}
	EmitOperation(g.bin.ActiveBlock(), coreOperations[opTestNot])
	return nil
}

func genAllOf(g *Generator, t *ast.Test) error {
	return genJunction(g, t, opJmpFalse)
}

func genAnyOf(g *Generator, t *ast.Test) error {
	return genJunction(g, t, opJmpTrue)
}

// genJunction threads the subtests: a short-circuiting conditional jump
// after every subtest but the last lands past the chain with the register
// already holding the decided outcome.
func genJunction(g *Generator, t *ast.Test, jumpOp byte) error {
	if len(t.Tests) == 0 {
		return g.Errorf(t.Line, "%s expects at least one test", t.Name)
	}

	blk := g.bin.ActiveBlock()
	var exits []int
	for i, sub := range t.Tests {
		if err := g.GenerateTest(sub); err != nil {
			return err
		}
		if i < len(t.Tests)-1 {
			EmitOperation(blk, coreOperations[jumpOp])
			exits = append(exits, blk.EmitOffset(0))
		}
	}
	for _, addr := range exits {
		blk.ResolveOffset(addr)
	}
	return nil
}

func genExists(g *Generator, t *ast.Test) error {
	if len(t.Arguments) != 1 {
		return g.Errorf(t.Line, "exists expects a header name or list")
	}
	names, ok := ArgAsStringList(t.Arguments[0])
	if !ok {
		return g.Errorf(t.Line, "exists expects a header name or list")
	}
	for _, name := range names {
		if !validHeaderName(name) {
			return g.Errorf(t.Line, "invalid header name %q", name)
		}
	}

	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opTestExists])
	EmitStringListOperand(blk, names)
	return nil
}

func genHeader(g *Generator, t *ast.Test) error {
	ma, err := g.ParseMatchArgs(t, false)
	if err != nil {
		return err
	}
	names, keys, err := g.matchPositional(t, ma, "header")
	if err != nil {
		return err
	}

	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opTestHeader])
	g.EmitMatchOperands(ma)
	EmitStringListOperand(blk, names)
	EmitStringListOperand(blk, keys)
	return nil
}

func genAddress(g *Generator, t *ast.Test) error {
	return genAddressLike(g, t, opTestAddress, "address")
}

func genEnvelope(g *Generator, t *ast.Test) error {
	return genAddressLike(g, t, opTestEnvelope, "envelope")
}

func genAddressLike(g *Generator, t *ast.Test, opcode byte, name string) error {
	ma, err := g.ParseMatchArgs(t, true)
	if err != nil {
		return err
	}
	names, keys, err := g.matchPositional(t, ma, name)
	if err != nil {
		return err
	}

	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opcode])
	EmitAddressPartOperand(blk, ma.AddressPart)
	g.EmitMatchOperands(ma)
	EmitStringListOperand(blk, names)
	EmitStringListOperand(blk, keys)
	return nil
}

func (g *Generator) matchPositional(t *ast.Test, ma *MatchArgs, name string) ([]string, []string, error) {
	if len(ma.Positional) != 2 {
		return nil, nil, g.Errorf(t.Line, "%s expects a header list and a key list", name)
	}
	names, ok := ArgAsStringList(ma.Positional[0])
	if !ok {
		return nil, nil, g.Errorf(t.Line, "%s expects a header list", name)
	}
	keys, ok := ArgAsStringList(ma.Positional[1])
	if !ok {
		return nil, nil, g.Errorf(t.Line, "%s expects a key list", name)
	}
	for _, hdr := range names {
		if !validHeaderName(hdr) {
			return nil, nil, g.Errorf(t.Line, "invalid header name %q", hdr)
		}
	}
	return names, keys, nil
}

func genSize(g *Generator, t *ast.Test) error {
	var over bool
	var haveTag bool
	var limit uint64
	var haveLimit bool

	for _, arg := range t.Arguments {
		switch {
		case arg.Kind == ast.ArgTag && (arg.Tag == "over" || arg.Tag == "under"):
			if haveTag {
				return g.Errorf(t.Line, "size takes exactly one of :over and :under")
			}
			haveTag = true
			over = arg.Tag == "over"
		case arg.Kind == ast.ArgNumber:
			if haveLimit {
				return g.Errorf(t.Line, "size takes exactly one limit")
			}
			haveLimit = true
			limit = arg.Num
		default:
			return g.Errorf(arg.Line, "unexpected argument to size")
		}
	}
	if !haveTag || !haveLimit {
		return g.Errorf(t.Line, "size requires :over or :under and a limit")
	}

	opcode := opTestSizeUnder
	if over {
		opcode = opTestSizeOver
	}
	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opcode])
	EmitNumberOperand(blk, limit)
	return nil
}

/*
 * Execution
 */

func opTestTrueExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Tracef(TraceTests, "TEST: true")
	renv.Interp.SetTestResult(true)
	return ExecOK
}

func opTestFalseExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Tracef(TraceTests, "TEST: false")
	renv.Interp.SetTestResult(false)
	return ExecOK
}

func opTestNotExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Interp.SetTestResult(!renv.Interp.TestResult())
	return ExecOK
}

func opTestExistsExecute(renv *RunEnv, addr *int) ExecCode {
	names, err := renv.StringListOperand(addr)
	if err != nil {
		renv.traceError(err)
		return ExecBinCorrupt
	}

	// All named fields must be present.
	result := true
	for _, name := range names {
		if !renv.Message.HeaderExists(name) {
			result = false
			break
		}
	}
	renv.Tracef(TraceTests, "TEST: exists %v => %v", names, result)
	renv.Interp.SetTestResult(result)
	return ExecOK
}

// matchTestOperands reads the shared operand suffix of the match-driven
// tests.
func matchTestOperands(renv *RunEnv, addr *int) (*MatchType, *Comparator, []string, []string, error) {
	mt, err := renv.MatchTypeOperand(addr)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cmp, err := renv.ComparatorOperand(addr)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	names, err := renv.StringListOperand(addr)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	keys, err := renv.StringListOperand(addr)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return mt, cmp, names, keys, nil
}

func runMatchSession(renv *RunEnv, mt *MatchType, cmp *Comparator,
	values []string, keys []string) (bool, ExecCode) {

	mctx := MatchBegin(renv, mt, cmp)
	defer mctx.End()

	for _, value := range values {
		matched, err := mctx.Value(value, keys)
		if err != nil {
			renv.RuntimeError("match failed: %v", err)
			return false, ExecFailure
		}
		if matched {
			return true, ExecOK
		}
	}
	return false, ExecOK
}

func opTestHeaderExecute(renv *RunEnv, addr *int) ExecCode {
	mt, cmp, names, keys, err := matchTestOperands(renv, addr)
	if err != nil {
		renv.traceError(err)
		return ExecBinCorrupt
	}

	var values []string
	for _, name := range names {
		values = append(values, renv.Message.HeaderFields(name)...)
	}

	result, ret := runMatchSession(renv, mt, cmp, values, keys)
	if ret != ExecOK {
		return ret
	}
	renv.Tracef(TraceTests, "TEST: header %v :%s %v => %v", names, mt.Name, keys, result)
	renv.Interp.SetTestResult(result)
	return ExecOK
}

func opTestAddressExecute(renv *RunEnv, addr *int) ExecCode {
	part, mt, cmp, names, keys, err := addressTestOperands(renv, addr)
	if err != nil {
		renv.traceError(err)
		return ExecBinCorrupt
	}

	var values []string
	for _, name := range names {
		values = append(values, renv.Message.AddressValues(name, part)...)
	}

	result, ret := runMatchSession(renv, mt, cmp, values, keys)
	if ret != ExecOK {
		return ret
	}
	renv.Tracef(TraceTests, "TEST: address %v :%s :%s %v => %v", names, part, mt.Name, keys, result)
	renv.Interp.SetTestResult(result)
	return ExecOK
}

func opTestEnvelopeExecute(renv *RunEnv, addr *int) ExecCode {
	part, mt, cmp, names, keys, err := addressTestOperands(renv, addr)
	if err != nil {
		renv.traceError(err)
		return ExecBinCorrupt
	}

	var values []string
	for _, name := range names {
		if value, ok := renv.Message.EnvelopeValue(name, part); ok {
			values = append(values, value)
		}
	}

	result, ret := runMatchSession(renv, mt, cmp, values, keys)
	if ret != ExecOK {
		return ret
	}
	renv.Tracef(TraceTests, "TEST: envelope %v :%s :%s %v => %v", names, part, mt.Name, keys, result)
	renv.Interp.SetTestResult(result)
	return ExecOK
}

func addressTestOperands(renv *RunEnv, addr *int) (AddressPart, *MatchType, *Comparator, []string, []string, error) {
	part, err := renv.AddressPartOperand(addr)
	if err != nil {
		return 0, nil, nil, nil, nil, err
	}
	mt, cmp, names, keys, err := matchTestOperands(renv, addr)
	return part, mt, cmp, names, keys, err
}

func opTestSizeOverExecute(renv *RunEnv, addr *int) ExecCode {
	return sizeTest(renv, addr, true)
}

func opTestSizeUnderExecute(renv *RunEnv, addr *int) ExecCode {
	return sizeTest(renv, addr, false)
}

func sizeTest(renv *RunEnv, addr *int, over bool) ExecCode {
	limit, err := renv.NumberOperand(addr)
	if err != nil {
		renv.traceError(err)
		return ExecBinCorrupt
	}

	size := uint64(renv.Message.Size())
	result := size < limit
	if over {
		result = size > limit
	}
	renv.Tracef(TraceTests, "TEST: size %d (limit %d, over=%v) => %v", size, limit, over, result)
	renv.Interp.SetTestResult(result)
	return ExecOK
}
