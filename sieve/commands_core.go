package sieve

import (
	"github.com/xrg/pigeonhole/sieve/ast"
)

// Core commands: control structures compile to jumps, the action commands
// to one operation each.

func init() {
	registerCoreOperation(&OperationDef{
		Mnemonic: "JMP", Code: opJmp,
		Execute: opJmpExecute, Dump: dumpJump,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "JMPTRUE", Code: opJmpTrue,
		Execute: opJmpTrueExecute, Dump: dumpJump,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "JMPFALSE", Code: opJmpFalse,
		Execute: opJmpFalseExecute, Dump: dumpJump,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "STOP", Code: opStop,
		Execute: opStopExecute, Dump: dumpBare,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "KEEP", Code: opKeep,
		Execute: opKeepExecute, Dump: dumpActionWithSideEffects,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "DISCARD", Code: opDiscard,
		Execute: opDiscardExecute, Dump: dumpAction,
	})
	registerCoreOperation(&OperationDef{
		Mnemonic: "REDIRECT", Code: opRedirect,
		Execute: opRedirectExecute, Dump: dumpRedirect,
	})

	registerCoreCommand(&CommandDef{Name: "if", Generate: genIf})
	registerCoreCommand(&CommandDef{Name: "stop", Generate: genStop})
	registerCoreCommand(&CommandDef{Name: "keep", Generate: genKeep})
	registerCoreCommand(&CommandDef{Name: "discard", Generate: genDiscard})
	registerCoreCommand(&CommandDef{Name: "redirect", Generate: genRedirect})
}

/*
 * Code generation
 */

// genIf compiles an if/elsif/else chain. Per branch:
//
//	<test code>
//	JMPFALSE -> next branch / end
//	<block>
//	JMP -> end            (only when another branch follows)
func genIf(g *Generator, cmd *ast.Command) error {
	blk := g.bin.ActiveBlock()

	var endJumps []int
	openSkip := -1

	branch := func(c *ast.Command) error {
		if len(c.Tests) != 1 {
			return g.Errorf(c.Line, "%s expects exactly one test", c.Name)
		}
		if len(c.Arguments) != 0 {
			return g.Errorf(c.Line, "%s takes no arguments", c.Name)
		}
		if err := g.GenerateTest(c.Tests[0]); err != nil {
			return err
		}
		EmitOperation(blk, coreOperations[opJmpFalse])
		openSkip = blk.EmitOffset(0)
		return g.GenerateBlock(c.Block)
	}

	if err := branch(cmd); err != nil {
		return err
	}

	for _, cont := range cmd.Chain {
		// Another branch follows: the previous block jumps to the end of
		// the chain and the previous skip lands here.
		EmitOperation(blk, coreOperations[opJmp])
		endJumps = append(endJumps, blk.EmitOffset(0))
		blk.ResolveOffset(openSkip)
		openSkip = -1

		if cont.Name == "elsif" {
			if err := branch(cont); err != nil {
				return err
			}
		} else {
			if len(cont.Tests) != 0 || len(cont.Arguments) != 0 {
				return g.Errorf(cont.Line, "else takes no test and no arguments")
			}
			if err := g.GenerateBlock(cont.Block); err != nil {
				return err
			}
		}
	}

	if openSkip >= 0 {
		blk.ResolveOffset(openSkip)
	}
	for _, addr := range endJumps {
		blk.ResolveOffset(addr)
	}
	return nil
}

func genStop(g *Generator, cmd *ast.Command) error {
	if len(cmd.Arguments) != 0 || cmd.Block != nil {
		return g.Errorf(cmd.Line, "stop takes no arguments")
	}
	EmitOperation(g.bin.ActiveBlock(), coreOperations[opStop])
	return nil
}

func genKeep(g *Generator, cmd *ast.Command) error {
	effects, positional, err := g.CollectSideEffects(cmd)
	if err != nil {
		return err
	}
	if len(positional) != 0 {
		return g.Errorf(cmd.Line, "keep takes no positional arguments")
	}

	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opKeep])
	blk.EmitInteger(uint64(cmd.Line))
	g.EmitSideEffectList(effects)
	return nil
}

func genDiscard(g *Generator, cmd *ast.Command) error {
	if len(cmd.Arguments) != 0 {
		return g.Errorf(cmd.Line, "discard takes no arguments")
	}
	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opDiscard])
	blk.EmitInteger(uint64(cmd.Line))
	return nil
}

func genRedirect(g *Generator, cmd *ast.Command) error {
	effects, positional, err := g.CollectSideEffects(cmd)
	if err != nil {
		return err
	}
	if len(positional) != 1 || positional[0].Kind != ast.ArgString {
		return g.Errorf(cmd.Line, "redirect expects a single address string")
	}

	blk := g.bin.ActiveBlock()
	EmitOperation(blk, coreOperations[opRedirect])
	blk.EmitInteger(uint64(cmd.Line))
	g.EmitSideEffectList(effects)
	EmitStringOperand(blk, positional[0].Str)
	return nil
}

/*
 * Execution
 */

func opJmpExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Tracef(TraceCommands, "OP: JMP")
	return renv.Interp.ProgramJump(true, false)
}

func opJmpTrueExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Tracef(TraceCommands, "OP: JMPTRUE")
	return renv.Interp.ProgramJump(renv.Interp.TestResult(), false)
}

func opJmpFalseExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Tracef(TraceCommands, "OP: JMPFALSE")
	return renv.Interp.ProgramJump(!renv.Interp.TestResult(), false)
}

func opStopExecute(renv *RunEnv, addr *int) ExecCode {
	renv.Tracef(TraceActions, "stop command; end all processing")
	*addr = renv.Block.Size()
	return ExecOK
}

func readActionPrologue(renv *RunEnv, addr *int, sideEffects bool) (int, []*SideEffect, ExecCode) {
	line, ok := renv.Block.ReadInteger(addr)
	if !ok {
		renv.traceError(renv.corrupt(*addr, "missing source line"))
		return 0, nil, ExecBinCorrupt
	}
	if !sideEffects {
		return int(line), nil, ExecOK
	}
	effects, err := renv.SideEffectsOperand(addr)
	if err != nil {
		renv.traceError(err)
		return 0, nil, ExecBinCorrupt
	}
	return int(line), effects, ExecOK
}

func opKeepExecute(renv *RunEnv, addr *int) ExecCode {
	line, effects, ret := readActionPrologue(renv, addr, true)
	if ret != ExecOK {
		return ret
	}
	renv.Tracef(TraceActions, "keep action")
	return AddStoreAction(renv, effects, renv.Env.defaultMailbox(), line)
}

func opDiscardExecute(renv *RunEnv, addr *int) ExecCode {
	line, _, ret := readActionPrologue(renv, addr, false)
	if ret != ExecOK {
		return ret
	}
	renv.Tracef(TraceActions, "discard action")
	return renv.Result.AddAction(renv, ActDiscard, nil, nil, line)
}

func opRedirectExecute(renv *RunEnv, addr *int) ExecCode {
	line, effects, ret := readActionPrologue(renv, addr, true)
	if ret != ExecOK {
		return ret
	}
	to, err := renv.StringOperand(addr)
	if err != nil {
		renv.traceError(err)
		return ExecBinCorrupt
	}
	renv.Tracef(TraceActions, "redirect action to %q", to)
	return AddRedirectAction(renv, effects, to, line)
}
