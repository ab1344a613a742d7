// Package variables implements the "variables" extension (RFC 5229): the
// set command, the string test, and ${...} substitution in string operands,
// including the numbered match values produced by :matches and :regex.
package variables

import (
	"strings"

	"github.com/xrg/pigeonhole/sieve"
	"github.com/xrg/pigeonhole/sieve/ast"
)

const (
	opSet = iota
	opStringTest
)

// Modifier bits on the set operation, ordered by precedence: case folding
// applies before :length.
const (
	modLower uint64 = 1 << iota
	modUpper
	modQuoteWildcard
	modLength
)

const (
	maxVariables      = 128
	maxVariableName   = 64
	maxVariableLength = 4096
)

// Ext is the registered extension.
var Ext *sieve.Extension

func init() {
	Ext = sieve.RegisterExtension(&sieve.ExtensionDef{
		Name:            "variables",
		InterpreterLoad: interpreterLoad,
		Operations: []*sieve.OperationDef{
			{Mnemonic: "SET", Code: opSet, Execute: opSetExecute, Dump: dumpSet},
			{Mnemonic: "STRING", Code: opStringTest, Execute: opStringExecute, Dump: dumpStringTest},
		},
		Commands: []*sieve.CommandDef{
			{Name: "set", Generate: genSet},
		},
		Tests: []*sieve.TestDef{
			{Name: "string", Generate: genStringTest},
		},
	})
	for _, op := range Ext.Def().Operations {
		op.Ext = Ext
	}
}

/*
 * Interpreter state
 */

type varContext struct {
	vars map[string]string
}

func interpreterLoad(renv *sieve.RunEnv, addr *int) error {
	ctx := &varContext{vars: make(map[string]string)}
	renv.Interp.RegisterExtensionContext(Ext, nil, ctx)
	renv.Interp.EnableMatchValues()
	renv.SetStringSubstituter(func(s string) (string, error) {
		return substitute(renv, ctx, s), nil
	})
	return nil
}

func getContext(renv *sieve.RunEnv) *varContext {
	ctx, _ := renv.Interp.ExtensionContext(Ext).(*varContext)
	return ctx
}

/*
 * Variable names and substitution
 */

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// ValidName reports whether s is a settable variable name. Namespaced
// names (ns.name) are recognised by the grammar but no namespaces are
// provided, so they are not settable.
func ValidName(s string) bool {
	if s == "" || len(s) > maxVariableName || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

// substitute expands every valid ${...} reference: named variables resolve
// against the variable store (unknown names read as empty), numbered
// references against the match-value register. Invalid references stay in
// the text verbatim, as RFC 5229 requires.
func substitute(renv *sieve.RunEnv, ctx *varContext, s string) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}

		value, consumed, ok := parseReference(renv, ctx, s[i:])
		if !ok {
			b.WriteByte(s[i])
			i++
			continue
		}
		b.WriteString(value)
		i += consumed
	}
	return b.String()
}

// parseReference parses one ${...} at the start of s and resolves it.
func parseReference(renv *sieve.RunEnv, ctx *varContext, s string) (string, int, bool) {
	p := 2 // past "${"
	if p >= len(s) {
		return "", 0, false
	}

	switch {
	case isDigit(s[p]):
		n := 0
		for p < len(s) && isDigit(s[p]) {
			n = n*10 + int(s[p]-'0')
			if n > sieve.MaxMatchValues {
				n = sieve.MaxMatchValues
			}
			p++
		}
		if p >= len(s) || s[p] != '}' {
			return "", 0, false
		}
		value, _ := renv.Interp.MatchValue(n)
		return value, p + 1, true

	case isIdentStart(s[p]):
		start := p
		for p < len(s) && isIdentChar(s[p]) {
			p++
		}
		if p >= len(s) || s[p] != '}' {
			return "", 0, false
		}
		name := strings.ToLower(s[start:p])
		return ctx.vars[name], p + 1, true
	}
	return "", 0, false
}

/*
 * Command: set
 */

func genSet(g *sieve.Generator, cmd *ast.Command) error {
	var modifiers uint64
	var positional []*ast.Argument

	for _, arg := range cmd.Arguments {
		if arg.Kind != ast.ArgTag {
			positional = append(positional, arg)
			continue
		}
		switch arg.Tag {
		case "lower":
			modifiers |= modLower
		case "upper":
			modifiers |= modUpper
		case "quotewildcard":
			modifiers |= modQuoteWildcard
		case "length":
			modifiers |= modLength
		default:
			return g.Errorf(arg.Line, "set does not accept tag :%s", arg.Tag)
		}
	}
	if modifiers&modLower != 0 && modifiers&modUpper != 0 {
		return g.Errorf(cmd.Line, ":lower and :upper are mutually exclusive")
	}
	if len(positional) != 2 ||
		positional[0].Kind != ast.ArgString || positional[1].Kind != ast.ArgString {
		return g.Errorf(cmd.Line, "set expects a variable name and a value")
	}
	if !ValidName(positional[0].Str) {
		return g.Errorf(cmd.Line, "invalid variable name %q", positional[0].Str)
	}

	bin := g.Binary()
	sieve.EmitExtOperation(bin, Ext.Def().Operations[opSet])
	blk := bin.ActiveBlock()
	blk.EmitInteger(modifiers)
	sieve.EmitStringOperand(blk, strings.ToLower(positional[0].Str))
	sieve.EmitStringOperand(blk, positional[1].Str)
	return nil
}

func opSetExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	modifiers, ok := renv.Block.ReadInteger(addr)
	if !ok {
		return sieve.ExecBinCorrupt
	}
	name, err := renv.StringOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	value, err := renv.StringOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}

	ctx := getContext(renv)
	if ctx == nil {
		renv.RuntimeError("variables extension not loaded")
		return sieve.ExecBinCorrupt
	}
	if _, exists := ctx.vars[name]; !exists && len(ctx.vars) >= maxVariables {
		renv.RuntimeError("too many variables (max %d)", maxVariables)
		return sieve.ExecFailure
	}

	value = applyModifiers(value, modifiers)
	if len(value) > maxVariableLength {
		value = value[:maxVariableLength]
	}
	ctx.vars[name] = value
	renv.Tracef(sieve.TraceCommands, "set ${%s} = %q", name, value)
	return sieve.ExecOK
}

func applyModifiers(value string, modifiers uint64) string {
	if modifiers&modLower != 0 {
		value = strings.ToLower(value)
	}
	if modifiers&modUpper != 0 {
		value = strings.ToUpper(value)
	}
	if modifiers&modQuoteWildcard != 0 {
		var b strings.Builder
		for i := 0; i < len(value); i++ {
			switch value[i] {
			case '*', '?', '\\':
				b.WriteByte('\\')
			}
			b.WriteByte(value[i])
		}
		value = b.String()
	}
	if modifiers&modLength != 0 {
		value = lengthString(value)
	}
	return value
}

func lengthString(value string) string {
	n := len(value)
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func dumpSet(denv *sieve.DumpEnv, addr *int) bool {
	modifiers, ok := denv.Renv.Block.ReadInteger(addr)
	if !ok {
		return false
	}
	name, err := denv.Renv.StringOperand(addr)
	if err != nil {
		return false
	}
	value, err := denv.Renv.StringOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" [mod=0x%x] ${%s} = %q", modifiers, name, value)
	return true
}

/*
 * Test: string
 */

func genStringTest(g *sieve.Generator, t *ast.Test) error {
	ma, err := g.ParseMatchArgs(t, false)
	if err != nil {
		return err
	}
	if len(ma.Positional) != 2 {
		return g.Errorf(t.Line, "string expects a source list and a key list")
	}
	sources, ok := sieve.ArgAsStringList(ma.Positional[0])
	if !ok {
		return g.Errorf(t.Line, "string expects a source list")
	}
	keys, ok := sieve.ArgAsStringList(ma.Positional[1])
	if !ok {
		return g.Errorf(t.Line, "string expects a key list")
	}

	bin := g.Binary()
	sieve.EmitExtOperation(bin, Ext.Def().Operations[opStringTest])
	g.EmitMatchOperands(ma)
	blk := bin.ActiveBlock()
	sieve.EmitStringListOperand(blk, sources)
	sieve.EmitStringListOperand(blk, keys)
	return nil
}

func opStringExecute(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	mt, err := renv.MatchTypeOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	cmp, err := renv.ComparatorOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	sources, err := renv.StringListOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}
	keys, err := renv.StringListOperand(addr)
	if err != nil {
		return sieve.ExecBinCorrupt
	}

	mctx := sieve.MatchBegin(renv, mt, cmp)
	defer mctx.End()

	result := false
	for _, source := range sources {
		matched, merr := mctx.Value(source, keys)
		if merr != nil {
			renv.RuntimeError("string match failed: %v", merr)
			return sieve.ExecFailure
		}
		if matched {
			result = true
			break
		}
	}
	renv.Tracef(sieve.TraceTests, "TEST: string %v => %v", keys, result)
	renv.Interp.SetTestResult(result)
	return sieve.ExecOK
}

func dumpStringTest(denv *sieve.DumpEnv, addr *int) bool {
	if _, err := denv.Renv.MatchTypeOperand(addr); err != nil {
		return false
	}
	if _, err := denv.Renv.ComparatorOperand(addr); err != nil {
		return false
	}
	sources, err := denv.Renv.StringListOperand(addr)
	if err != nil {
		return false
	}
	keys, err := denv.Renv.StringListOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" %v %v", sources, keys)
	return true
}
