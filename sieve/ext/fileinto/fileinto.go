// Package fileinto implements the "fileinto" extension (RFC 5228 §4.1):
// deliver the message into a named mailbox instead of the default one.
package fileinto

import (
	"github.com/xrg/pigeonhole/sieve"
	"github.com/xrg/pigeonhole/sieve/ast"
)

const opFileinto = 0

// Ext is the registered extension; importing the package is enough to make
// `require "fileinto"` work.
var Ext *sieve.Extension

func init() {
	Ext = sieve.RegisterExtension(&sieve.ExtensionDef{
		Name: "fileinto",
		Operations: []*sieve.OperationDef{
			{
				Mnemonic: "FILEINTO",
				Code:     opFileinto,
				Execute:  opFileintoExecute,
				Dump:     dumpFileinto,
			},
		},
		Commands: []*sieve.CommandDef{
			{Name: "fileinto", Generate: genFileinto},
		},
	})

	for _, op := range Ext.Def().Operations {
		op.Ext = Ext
	}
}

func genFileinto(g *sieve.Generator, cmd *ast.Command) error {
	effects, positional, err := g.CollectSideEffects(cmd)
	if err != nil {
		return err
	}
	if len(positional) != 1 || positional[0].Kind != ast.ArgString {
		return g.Errorf(cmd.Line, "fileinto expects a single mailbox string")
	}

	bin := g.Binary()
	sieve.EmitExtOperation(bin, Ext.Def().Operations[opFileinto])
	blk := bin.ActiveBlock()
	blk.EmitInteger(uint64(cmd.Line))
	g.EmitSideEffectList(effects)
	sieve.EmitStringOperand(blk, positional[0].Str)
	return nil
}

func opFileintoExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	line, ok := renv.Block.ReadInteger(addr)
	if !ok {
		return sieve.ExecBinCorrupt
	}
	effects, err := renv.SideEffectsOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	mailbox, err := renv.StringOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	if mailbox == "" {
		renv.RuntimeError("fileinto: invalid empty mailbox name (line %d)", line)
		return sieve.ExecFailure
	}

	renv.Tracef(sieve.TraceActions, "fileinto action into %q", mailbox)
	return sieve.AddStoreAction(renv, effects, mailbox, int(line))
}

func dumpFileinto(denv *sieve.DumpEnv, addr *int) bool {
	line, ok := denv.Renv.Block.ReadInteger(addr)
	if !ok {
		return false
	}
	effects, err := denv.Renv.SideEffectsOperand(addr)
	if err != nil {
		return false
	}
	mailbox, err := denv.Renv.StringOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" (line %d)", line)
	for _, se := range effects {
		denv.Printf(" +%s", se.Def.Name)
	}
	denv.Printf(" %q", mailbox)
	return true
}
