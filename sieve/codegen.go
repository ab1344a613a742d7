package sieve

import (
	"fmt"
	"strings"

	"github.com/xrg/pigeonhole/sieve/ast"
)

// CommandDef maps a script command to its code generator.
type CommandDef struct {
	Name string
	Ext  *Extension

	Generate func(g *Generator, cmd *ast.Command) error
}

// TestDef maps a script test to its code generator. Generated code leaves
// the outcome in the interpreter's test-result register.
type TestDef struct {
	Name string
	Ext  *Extension

	Generate func(g *Generator, t *ast.Test) error
}

// TagDef is a side-effect-producing tagged argument (e.g. :flags) that an
// extension attaches to other commands. Generate consumes the tag and any
// value arguments by advancing *i and returns the emitter for one
// side-effect operand.
type TagDef struct {
	Name     string
	Ext      *Extension
	Commands []string

	Generate func(g *Generator, cmd *ast.Command, args []*ast.Argument, i *int) (*SideEffectDef, func(), error)

	// Implicit, when set, attaches this side effect to the listed commands
	// even without the tag being written, as long as the owning extension
	// is required. ImplicitEmit provides the emitter.
	Implicit     bool
	ImplicitEmit func(g *Generator) (*SideEffectDef, func())
}

var (
	coreCommands = map[string]*CommandDef{}
	coreTests    = map[string]*TestDef{}
)

func registerCoreCommand(def *CommandDef) {
	coreCommands[def.Name] = def
}

func registerCoreTest(def *TestDef) {
	coreTests[def.Name] = def
}

// Generator turns a parsed script into a binary. Commands and tests resolve
// against the core tables plus the extensions the script required.
type Generator struct {
	bin      *Binary
	ehandler *ErrorHandler
	required map[string]*Extension
}

// NewGenerator prepares generation into a fresh binary for the script.
func NewGenerator(script *Script, ehandler *ErrorHandler) *Generator {
	return &Generator{
		bin:      NewBinary(script),
		ehandler: ehandler,
		required: make(map[string]*Extension),
	}
}

func (g *Generator) Binary() *Binary { return g.bin }

// Errorf reports a compile error at the given script line.
func (g *Generator) Errorf(line int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	g.ehandler.Error(fmt.Sprintf("line %d", line), "%s", msg)
	return fmt.Errorf("line %d: %s", line, msg)
}

// IsRequired reports whether the script required the named extension.
func (g *Generator) IsRequired(name string) bool {
	_, ok := g.required[name]
	return ok
}

// RequiredExtension resolves a required extension by name.
func (g *Generator) RequiredExtension(name string) *Extension {
	return g.required[name]
}

// Run generates the whole program. The require prologue is resolved first
// so that the linked-extension list can be emitted ahead of the code.
func (g *Generator) Run(script *ast.Script) (*Binary, error) {
	if err := g.processRequires(script); err != nil {
		return nil, err
	}

	// Program prologue: the linked extensions, by local index. The
	// interpreter invokes each extension's load hook while reading this.
	blk := g.bin.ActiveBlock()
	blk.EmitInteger(uint64(len(g.bin.linked)))
	for _, reg := range g.bin.linked {
		blk.EmitInteger(uint64(reg.index))
	}

	for _, cmd := range script.Commands {
		if cmd.Name == "require" {
			continue
		}
		if err := g.generateCommand(cmd); err != nil {
			return nil, err
		}
	}
	return g.bin, nil
}

// processRequires validates that require commands come first and links the
// named extensions.
func (g *Generator) processRequires(script *ast.Script) error {
	prologue := true
	for _, cmd := range script.Commands {
		if cmd.Name != "require" {
			prologue = false
			continue
		}
		if !prologue {
			return g.Errorf(cmd.Line, "require commands can only appear at the top of the script")
		}

		var names []string
		for _, arg := range cmd.Arguments {
			switch arg.Kind {
			case ast.ArgString:
				names = append(names, arg.Str)
			case ast.ArgStringList:
				names = append(names, arg.List...)
			default:
				return g.Errorf(cmd.Line, "require expects a string or string list")
			}
		}
		if len(names) == 0 {
			return g.Errorf(cmd.Line, "require expects at least one extension name")
		}

		for _, name := range names {
			ext := ExtensionByName(name)
			if ext == nil || ext.Preloaded() {
				return g.Errorf(cmd.Line, "unknown extension %q", name)
			}
			g.bin.LinkExtension(ext)
			g.required[name] = ext
		}
	}
	return nil
}

func (g *Generator) generateCommand(cmd *ast.Command) error {
	if def, ok := coreCommands[cmd.Name]; ok {
		return def.Generate(g, cmd)
	}
	for _, ext := range g.required {
		for _, def := range ext.def.Commands {
			if def.Name == cmd.Name {
				return def.Generate(g, cmd)
			}
		}
	}

	if extensionDefinesCommand(cmd.Name) {
		return g.Errorf(cmd.Line, "command %s requires an extension that the script does not require", cmd.Name)
	}
	return g.Errorf(cmd.Line, "unknown command %s", cmd.Name)
}

// GenerateTest emits the code for one test.
func (g *Generator) GenerateTest(t *ast.Test) error {
	if def, ok := coreTests[t.Name]; ok {
		return def.Generate(g, t)
	}
	for _, ext := range g.required {
		for _, def := range ext.def.Tests {
			if def.Name == t.Name {
				return def.Generate(g, t)
			}
		}
	}
	return g.Errorf(t.Line, "unknown test %s", t.Name)
}

// GenerateBlock emits the commands of a braced block.
func (g *Generator) GenerateBlock(cmds []*ast.Command) error {
	for _, cmd := range cmds {
		if cmd.Name == "require" {
			return g.Errorf(cmd.Line, "require is not allowed inside a block")
		}
		if err := g.generateCommand(cmd); err != nil {
			return err
		}
	}
	return nil
}

func extensionDefinesCommand(name string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, ext := range registry.list {
		for _, def := range ext.def.Commands {
			if def.Name == name {
				return true
			}
		}
	}
	return false
}

/*
 * Argument helpers
 */

// ArgAsStringList coerces a string or string-list argument.
func ArgAsStringList(arg *ast.Argument) ([]string, bool) {
	switch arg.Kind {
	case ast.ArgString:
		return []string{arg.Str}, true
	case ast.ArgStringList:
		return arg.List, true
	}
	return nil, false
}

/*
 * Side effects
 */

// SideEffectEmitter is a pending side-effect operand collected from tagged
// arguments.
type SideEffectEmitter struct {
	Def  *SideEffectDef
	Emit func()
}

// CollectSideEffects walks the command's arguments, resolving side-effect
// tags contributed by required extensions. It returns the emitters plus the
// remaining positional arguments.
func (g *Generator) CollectSideEffects(cmd *ast.Command) ([]SideEffectEmitter, []*ast.Argument, error) {
	var emitters []SideEffectEmitter
	var positional []*ast.Argument
	seen := map[*SideEffectDef]bool{}

	args := cmd.Arguments
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg.Kind != ast.ArgTag {
			positional = append(positional, arg)
			continue
		}

		tag := g.findTag(cmd.Name, arg.Tag)
		if tag == nil {
			return nil, nil, g.Errorf(arg.Line, "command %s does not accept tag :%s", cmd.Name, arg.Tag)
		}
		def, emit, err := tag.Generate(g, cmd, args, &i)
		if err != nil {
			return nil, nil, err
		}
		emitters = append(emitters, SideEffectEmitter{Def: def, Emit: emit})
		seen[def] = true
	}

	// Implicit side effects from required extensions (e.g. the internal
	// flag set of imap4flags), unless already explicit.
	for _, ext := range g.required {
		for _, tag := range ext.def.Tags {
			if !tag.Implicit || tag.ImplicitEmit == nil || !tagApplies(tag, cmd.Name) {
				continue
			}
			def, emit := tag.ImplicitEmit(g)
			if def == nil || seen[def] {
				continue
			}
			emitters = append(emitters, SideEffectEmitter{Def: def, Emit: emit})
			seen[def] = true
		}
	}
	return emitters, positional, nil
}

func (g *Generator) findTag(command, tag string) *TagDef {
	for _, ext := range g.required {
		for _, def := range ext.def.Tags {
			if def.Name == tag && tagApplies(def, command) {
				return def
			}
		}
	}
	return nil
}

func tagApplies(def *TagDef, command string) bool {
	for _, name := range def.Commands {
		if name == command {
			return true
		}
	}
	return false
}

// EmitSideEffectList writes the side-effect sub-list operand.
func (g *Generator) EmitSideEffectList(emitters []SideEffectEmitter) {
	g.bin.ActiveBlock().EmitInteger(uint64(len(emitters)))
	for _, e := range emitters {
		e.Emit()
	}
}

/*
 * Match arguments
 */

// MatchArgs is the parsed tag set of a match-driven test.
type MatchArgs struct {
	MatchType   *MatchType
	Comparator  *Comparator
	AddressPart AddressPart
	Positional  []*ast.Argument
}

// ParseMatchArgs resolves the :comparator, match-type and (optionally)
// address-part tags of a test, applying the RFC defaults and the match
// type's compile-time comparator validation.
func (g *Generator) ParseMatchArgs(t *ast.Test, allowAddressPart bool) (*MatchArgs, error) {
	ma := &MatchArgs{
		MatchType:   MatchTypeIs,
		Comparator:  ComparatorASCIICasemap,
		AddressPart: AddressPartAll,
	}

	args := t.Arguments
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg.Kind != ast.ArgTag {
			ma.Positional = append(ma.Positional, arg)
			continue
		}

		if arg.Tag == "comparator" {
			if i+1 >= len(args) || args[i+1].Kind != ast.ArgString {
				return nil, g.Errorf(arg.Line, ":comparator requires a string argument")
			}
			i++
			cmp := ComparatorByName(args[i].Str)
			if cmp == nil {
				return nil, g.Errorf(arg.Line, "unknown comparator %q", args[i].Str)
			}
			if cmp.Ext != nil && !g.IsRequired(cmp.Ext.Name()) {
				return nil, g.Errorf(arg.Line, "comparator %q requires the %s extension",
					cmp.Name, cmp.Ext.Name())
			}
			ma.Comparator = cmp
			continue
		}

		if mt := MatchTypeByName(arg.Tag); mt != nil {
			if mt.Ext != nil && !g.IsRequired(mt.Ext.Name()) {
				return nil, g.Errorf(arg.Line, "match type :%s requires the %s extension",
					arg.Tag, mt.Ext.Name())
			}
			ma.MatchType = mt
			continue
		}

		if allowAddressPart {
			if part, ok := AddressPartByName(arg.Tag); ok {
				ma.AddressPart = part
				continue
			}
		}

		return nil, g.Errorf(arg.Line, "test %s does not accept tag :%s", t.Name, arg.Tag)
	}

	if ma.MatchType.ValidateContext != nil {
		if err := ma.MatchType.ValidateContext(ma.Comparator); err != nil {
			return nil, g.Errorf(t.Line, "invalid :%s use: %v", ma.MatchType.Name, err)
		}
	}
	return ma, nil
}

// EmitMatchOperands writes the match-type and comparator operands.
func (g *Generator) EmitMatchOperands(ma *MatchArgs) {
	EmitMatchTypeOperand(g.bin, ma.MatchType)
	EmitComparatorOperand(g.bin, ma.Comparator)
}

// validHeaderName rejects the field names the grammar cannot have
// produced but a string list can smuggle in.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, ": \t\r\n")
}
