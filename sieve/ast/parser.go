package ast

import (
	"fmt"
	"strings"
)

// Parse turns script source into a syntax tree. Parsing is purely
// syntactic; whether commands and tests exist, and whether their arguments
// make sense, is decided by the code generator.
func Parse(src string) (*Script, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}

	var commands []*Command
	for p.tok.kind != tokEOF {
		cmd, err := p.command()
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}

	commands, err := attachChains(commands)
	if err != nil {
		return nil, err
	}
	return &Script{Commands: commands}, nil
}

// attachChains folds elsif/else continuations into the Chain of the
// preceding if command, recursively through blocks.
func attachChains(cmds []*Command) ([]*Command, error) {
	var out []*Command
	for _, cmd := range cmds {
		var err error
		if cmd.Block, err = attachChains(cmd.Block); err != nil {
			return nil, err
		}

		if cmd.Name == "elsif" || cmd.Name == "else" {
			if len(out) == 0 {
				return nil, fmt.Errorf("line %d: %s without a preceding if", cmd.Line, cmd.Name)
			}
			prev := out[len(out)-1]
			if prev.Name != "if" || chainClosed(prev) {
				return nil, fmt.Errorf("line %d: %s without a preceding if", cmd.Line, cmd.Name)
			}
			prev.Chain = append(prev.Chain, cmd)
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// chainClosed reports whether the if command already carries an else.
func chainClosed(ifCmd *Command) bool {
	return len(ifCmd.Chain) > 0 && ifCmd.Chain[len(ifCmd.Chain)-1].Name == "else"
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) next() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", p.tok.line, fmt.Sprintf(format, args...))
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if p.tok.kind != kind {
		return token{}, p.errorf("expected %s, found %s", kind, p.tok.kind)
	}
	tok := p.tok
	if err := p.next(); err != nil {
		return token{}, err
	}
	return tok, nil
}

// command = identifier arguments [test / test-list] ( ";" / block )
func (p *parser) command() (*Command, error) {
	nameTok, err := p.expect(tokIdentifier)
	if err != nil {
		return nil, err
	}

	cmd := &Command{
		Name: strings.ToLower(nameTok.str),
		Line: nameTok.line,
	}

	if cmd.Arguments, err = p.arguments(); err != nil {
		return nil, err
	}

	// A test or test list may follow (if/elsif take one).
	if p.tok.kind == tokIdentifier || p.tok.kind == tokLeftParen {
		if cmd.Tests, err = p.testList(); err != nil {
			return nil, err
		}
	}

	switch p.tok.kind {
	case tokSemicolon:
		return cmd, p.next()
	case tokLeftBrace:
		if err := p.next(); err != nil {
			return nil, err
		}
		for p.tok.kind != tokRightBrace {
			if p.tok.kind == tokEOF {
				return nil, p.errorf("unexpected end of script inside block")
			}
			sub, err := p.command()
			if err != nil {
				return nil, err
			}
			cmd.Block = append(cmd.Block, sub)
		}
		return cmd, p.next()
	}
	return nil, p.errorf("expected ';' or block after command %s", cmd.Name)
}

// arguments = *( string / string-list / number / tag )
func (p *parser) arguments() ([]*Argument, error) {
	var args []*Argument
	for {
		switch p.tok.kind {
		case tokString:
			args = append(args, &Argument{Kind: ArgString, Line: p.tok.line, Str: p.tok.str})
		case tokNumber:
			args = append(args, &Argument{Kind: ArgNumber, Line: p.tok.line, Num: p.tok.num})
		case tokTag:
			args = append(args, &Argument{Kind: ArgTag, Line: p.tok.line, Tag: strings.ToLower(p.tok.str)})
		case tokLeftBracket:
			list, line, err := p.stringList()
			if err != nil {
				return nil, err
			}
			args = append(args, &Argument{Kind: ArgStringList, Line: line, List: list})
			continue
		default:
			return args, nil
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) stringList() ([]string, int, error) {
	line := p.tok.line
	if err := p.next(); err != nil { // '['
		return nil, 0, err
	}

	var items []string
	for {
		tok, err := p.expect(tokString)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, tok.str)

		if p.tok.kind == tokComma {
			if err := p.next(); err != nil {
				return nil, 0, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRightBracket); err != nil {
		return nil, 0, err
	}
	return items, line, nil
}

// testList = test / "(" test *("," test) ")"
func (p *parser) testList() ([]*Test, error) {
	if p.tok.kind == tokLeftParen {
		if err := p.next(); err != nil {
			return nil, err
		}
		var tests []*Test
		for {
			t, err := p.test()
			if err != nil {
				return nil, err
			}
			tests = append(tests, t)
			if p.tok.kind == tokComma {
				if err := p.next(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if _, err := p.expect(tokRightParen); err != nil {
			return nil, err
		}
		return tests, nil
	}

	t, err := p.test()
	if err != nil {
		return nil, err
	}
	return []*Test{t}, nil
}

// test = identifier arguments [test / test-list]
func (p *parser) test() (*Test, error) {
	nameTok, err := p.expect(tokIdentifier)
	if err != nil {
		return nil, err
	}

	t := &Test{
		Name: strings.ToLower(nameTok.str),
		Line: nameTok.line,
	}

	if t.Arguments, err = p.arguments(); err != nil {
		return nil, err
	}

	if p.tok.kind == tokIdentifier || p.tok.kind == tokLeftParen {
		if t.Tests, err = p.testList(); err != nil {
			return nil, err
		}
	}
	return t, nil
}
