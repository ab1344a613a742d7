// Package imap4flags implements the "imap4flags" extension (RFC 5232):
// setflag/addflag/removeflag commands, the hasflag test, and the :flags
// tagged argument on keep and fileinto.
//
// The flag set manipulated by the commands is message-scoped: it survives
// the interpreter and is applied to store actions at commit time, either
// explicitly through :flags or implicitly when the extension is in use.
package imap4flags

import (
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/xrg/pigeonhole/sieve"
	"github.com/xrg/pigeonhole/sieve/ast"
)

const (
	opSetflag = iota
	opAddflag
	opRemoveflag
	opHasflag
)

const seFlags = 0

// Ext is the registered extension.
var Ext *sieve.Extension

var flagsSideEffect = &sieve.SideEffectDef{
	Name:        "flags",
	Code:        seFlags,
	ReadContext: seFlagsReadContext,
	Merge:       seFlagsMerge,
	PreExecute:  seFlagsPreExecute,
	Print:       seFlagsPrint,
}

func init() {
	Ext = sieve.RegisterExtension(&sieve.ExtensionDef{
		Name: "imap4flags",
		Operations: []*sieve.OperationDef{
			{Mnemonic: "SETFLAG", Code: opSetflag, Execute: opSetflagExecute, Dump: dumpFlagOp},
			{Mnemonic: "ADDFLAG", Code: opAddflag, Execute: opAddflagExecute, Dump: dumpFlagOp},
			{Mnemonic: "REMOVEFLAG", Code: opRemoveflag, Execute: opRemoveflagExecute, Dump: dumpFlagOp},
			{Mnemonic: "HASFLAG", Code: opHasflag, Execute: opHasflagExecute, Dump: dumpHasflag},
		},
		Commands: []*sieve.CommandDef{
			{Name: "setflag", Generate: genFlagCommand(opSetflag)},
			{Name: "addflag", Generate: genFlagCommand(opAddflag)},
			{Name: "removeflag", Generate: genFlagCommand(opRemoveflag)},
		},
		Tests: []*sieve.TestDef{
			{Name: "hasflag", Generate: genHasflag},
		},
		Tags: []*sieve.TagDef{
			{
				Name:         "flags",
				Commands:     []string{"keep", "fileinto"},
				Generate:     genFlagsTag,
				Implicit:     true,
				ImplicitEmit: genImplicitFlags,
			},
		},
		SideEffects: []*sieve.SideEffectDef{flagsSideEffect},
	})

	for _, op := range Ext.Def().Operations {
		op.Ext = Ext
	}
	for _, tag := range Ext.Def().Tags {
		tag.Ext = Ext
	}
	flagsSideEffect.Ext = Ext
}

/*
 * Flag set handling
 */

// flagList is the message-scoped internal flag set; it lives in the
// result's extension context so that the commit phase still sees it after
// the interpreter is gone.
type flagList struct {
	flags []string
}

func messageFlags(renv *sieve.RunEnv) *flagList {
	if ctx, ok := renv.Result.ExtensionContext(Ext).(*flagList); ok {
		return ctx
	}
	ctx := &flagList{}
	renv.Result.SetExtensionContext(Ext, ctx)
	return ctx
}

// parseFlags splits a flag list argument into individual flags; flag
// strings may carry several space-separated flags each.
func parseFlags(items []string) []string {
	var flags []string
	for _, item := range items {
		for _, f := range strings.Fields(item) {
			f = canonicalFlag(f)
			if f != "" && !containsFold(flags, f) {
				flags = append(flags, f)
			}
		}
	}
	return flags
}

// canonicalFlag normalises the well-known system flags to their canonical
// IMAP spelling; keywords pass through unchanged.
func canonicalFlag(f string) string {
	system := []imap.Flag{
		imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged,
		imap.FlagDeleted, imap.FlagDraft,
	}
	for _, sys := range system {
		if strings.EqualFold(f, string(sys)) {
			return string(sys)
		}
	}
	return f
}

func isSystemFlag(f string) bool {
	return strings.HasPrefix(f, "\\")
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func splitFlagsKeywords(flags []string) (system, keywords []string) {
	for _, f := range flags {
		if isSystemFlag(f) {
			system = append(system, f)
		} else {
			keywords = append(keywords, f)
		}
	}
	return system, keywords
}

/*
 * Commands: setflag / addflag / removeflag
 */

func genFlagCommand(opcode int) func(g *sieve.Generator, cmd *ast.Command) error {
	return func(g *sieve.Generator, cmd *ast.Command) error {
		if len(cmd.Arguments) != 1 {
			return g.Errorf(cmd.Line, "%s expects a flag list", cmd.Name)
		}
		flags, ok := sieve.ArgAsStringList(cmd.Arguments[0])
		if !ok {
			return g.Errorf(cmd.Line, "%s expects a flag list", cmd.Name)
		}

		bin := g.Binary()
		sieve.EmitExtOperation(bin, Ext.Def().Operations[opcode])
		sieve.EmitStringListOperand(bin.ActiveBlock(), flags)
		return nil
	}
}

func readFlagOperand(renv *sieve.RunEnv, addr *int) ([]string, sieve.ExecCode) {
	items, err := renv.StringListOperand(addr)
	if err != nil {
		return nil, sieve.ExecBinCorrupt
	}
	return parseFlags(items), sieve.ExecOK
}

func opSetflagExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	flags, ret := readFlagOperand(renv, addr)
	if ret != sieve.ExecOK {
		return ret
	}
	renv.Tracef(sieve.TraceCommands, "setflag %v", flags)
	messageFlags(renv).flags = flags
	return sieve.ExecOK
}

func opAddflagExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	flags, ret := readFlagOperand(renv, addr)
	if ret != sieve.ExecOK {
		return ret
	}
	renv.Tracef(sieve.TraceCommands, "addflag %v", flags)
	set := messageFlags(renv)
	for _, f := range flags {
		if !containsFold(set.flags, f) {
			set.flags = append(set.flags, f)
		}
	}
	return sieve.ExecOK
}

func opRemoveflagExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	flags, ret := readFlagOperand(renv, addr)
	if ret != sieve.ExecOK {
		return ret
	}
	renv.Tracef(sieve.TraceCommands, "removeflag %v", flags)
	set := messageFlags(renv)
	var kept []string
	for _, f := range set.flags {
		if !containsFold(flags, f) {
			kept = append(kept, f)
		}
	}
	set.flags = kept
	return sieve.ExecOK
}

func dumpFlagOp(denv *sieve.DumpEnv, addr *int) bool {
	items, err := denv.Renv.StringListOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" %v", items)
	return true
}

/*
 * Test: hasflag
 */

func genHasflag(g *sieve.Generator, t *ast.Test) error {
	ma, err := g.ParseMatchArgs(t, false)
	if err != nil {
		return err
	}
	if len(ma.Positional) != 1 {
		return g.Errorf(t.Line, "hasflag expects a flag list")
	}
	keys, ok := sieve.ArgAsStringList(ma.Positional[0])
	if !ok {
		return g.Errorf(t.Line, "hasflag expects a flag list")
	}

	bin := g.Binary()
	sieve.EmitExtOperation(bin, Ext.Def().Operations[opHasflag])
	g.EmitMatchOperands(ma)
	sieve.EmitStringListOperand(bin.ActiveBlock(), keys)
	return nil
}

func opHasflagExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	mt, err := renv.MatchTypeOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	cmp, err := renv.ComparatorOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	keyItems, err := renv.StringListOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	keys := parseFlags(keyItems)

	mctx := sieve.MatchBegin(renv, mt, cmp)
	defer mctx.End()

	result := false
	for _, flag := range messageFlags(renv).flags {
		matched, merr := mctx.Value(flag, keys)
		if merr != nil {
			renv.RuntimeError("hasflag match failed: %v", merr)
			return sieve.ExecFailure
		}
		if matched {
			result = true
			break
		}
	}
	renv.Tracef(sieve.TraceTests, "TEST: hasflag %v => %v", keys, result)
	renv.Interp.SetTestResult(result)
	return sieve.ExecOK
}

func dumpHasflag(denv *sieve.DumpEnv, addr *int) bool {
	if _, err := denv.Renv.MatchTypeOperand(addr); err != nil {
		return false
	}
	if _, err := denv.Renv.ComparatorOperand(addr); err != nil {
		return false
	}
	return dumpFlagOp(denv, addr)
}

/*
 * Side effect: flags
 */

// seFlagsContext carries the flags of one store action: the explicit list
// of a :flags tag or, for the implicit form, a copy of the message-scoped
// flag set taken when the action is recorded.
type seFlagsContext struct {
	explicit bool
	flags    []string
}

func genFlagsTag(g *sieve.Generator, cmd *ast.Command, args []*ast.Argument, i *int) (*sieve.SideEffectDef, func(), error) {
	if *i+1 >= len(args) {
		return nil, nil, g.Errorf(args[*i].Line, ":flags requires a flag list")
	}
	*i++
	flags, ok := sieve.ArgAsStringList(args[*i])
	if !ok {
		return nil, nil, g.Errorf(args[*i].Line, ":flags requires a flag list")
	}

	bin := g.Binary()
	emit := func() {
		sieve.EmitSideEffect(bin, flagsSideEffect)
		bin.ActiveBlock().EmitByte(1) // explicit
		sieve.EmitStringListOperand(bin.ActiveBlock(), flags)
	}
	return flagsSideEffect, emit, nil
}

func genImplicitFlags(g *sieve.Generator) (*sieve.SideEffectDef, func()) {
	bin := g.Binary()
	emit := func() {
		sieve.EmitSideEffect(bin, flagsSideEffect)
		bin.ActiveBlock().EmitByte(0) // implicit: runtime flag set
	}
	return flagsSideEffect, emit
}

func seFlagsReadContext(renv *sieve.RunEnv, addr *int) (any, error) {
	explicit, ok := renv.Block.ReadByte(addr)
	if !ok {
		return nil, renv.Corrupt(*addr, "missing flags mode byte")
	}

	ctx := &seFlagsContext{explicit: explicit != 0}
	if ctx.explicit {
		items, err := renv.StringListOperand(addr)
		if err != nil {
			return nil, err
		}
		ctx.flags = parseFlags(items)
	} else if renv.Result != nil {
		// Implicit: snapshot the message-scoped set as it stands when the
		// action is recorded.
		ctx.flags = append([]string(nil), messageFlags(renv).flags...)
	}
	return ctx, nil
}

func seFlagsMerge(act *sieve.Action, a, b *sieve.SideEffect) bool {
	actx, aok := a.Context.(*seFlagsContext)
	bctx, bok := b.Context.(*seFlagsContext)
	if !aok || !bok {
		return false
	}
	for _, f := range bctx.flags {
		if !containsFold(actx.flags, f) {
			actx.flags = append(actx.flags, f)
		}
	}
	return true
}

func seFlagsPreExecute(se *sieve.SideEffect, act *sieve.Action,
	aenv *sieve.ActionExecEnv, tr any) error {

	ctx, ok := se.Context.(*seFlagsContext)
	if !ok || len(ctx.flags) == 0 {
		return nil
	}
	system, keywords := splitFlagsKeywords(ctx.flags)
	sieve.StoreAddFlags(tr, system, keywords)
	return nil
}

func seFlagsPrint(se *sieve.SideEffect, penv *sieve.ResultPrintEnv) {
	if ctx, ok := se.Context.(*seFlagsContext); ok && len(ctx.flags) > 0 {
		penv.Printf("add IMAP flags: %s", strings.Join(ctx.flags, " "))
	}
}
