package sieve

import (
	"fmt"
	"io"
)

// DumpEnv drives the binary dumper behind `sievec -d` and corruption
// diagnostics. Operand reads reuse the runtime readers with no interpreter
// attached, so no substitution happens and raw code is shown.
type DumpEnv struct {
	W    io.Writer
	Renv *RunEnv
}

func (denv *DumpEnv) Printf(format string, args ...any) {
	fmt.Fprintf(denv.W, format, args...)
}

// DumpBinary writes a human-readable listing of the program block and the
// extension link table.
func DumpBinary(bin *Binary, w io.Writer) error {
	fmt.Fprintf(w, "Sieve binary %s\n", bin.String())

	fmt.Fprintf(w, "\nLinked extensions:\n")
	if len(bin.linked) == 0 {
		fmt.Fprintf(w, "   (none)\n")
	}
	for _, reg := range bin.linked {
		fmt.Fprintf(w, "  %2d: %s\n", reg.index, reg.ext.Name())
	}

	block := bin.Block(BlockMainProgram)
	if block == nil {
		return fmt.Errorf("binary has no main program block")
	}

	renv := &RunEnv{Binary: bin, Block: block}
	denv := &DumpEnv{W: w, Renv: renv}

	fmt.Fprintf(w, "\nMain program (block %d, %d bytes):\n", BlockMainProgram, block.Size())

	addr := 0

	// Prologue: the linked-extension list.
	count, ok := block.ReadInteger(&addr)
	if !ok {
		return fmt.Errorf("corrupt extension count")
	}
	for i := uint64(0); i < count; i++ {
		index, ok := block.ReadInteger(&addr)
		if !ok {
			return fmt.Errorf("corrupt extension index")
		}
		ext := bin.ExtensionByIndex(int(index))
		if ext == nil {
			return fmt.Errorf("prologue references unlinked extension %d", index)
		}
		fmt.Fprintf(w, "%08x: [require %s]\n", addr, ext.Name())
	}

	for addr < block.Size() {
		opAddr := addr
		def, err := renv.readOperation(&addr)
		if err != nil {
			return err
		}
		denv.Printf("%08x: %s", opAddr, def.Mnemonic)
		if def.Dump != nil {
			if !def.Dump(denv, &addr) {
				denv.Printf("\n")
				return fmt.Errorf("corrupt operands for %s at %08x", def.Mnemonic, opAddr)
			}
		}
		denv.Printf("\n")
	}
	return nil
}

/*
 * Shared dump helpers for the core operations
 */

func dumpBare(denv *DumpEnv, addr *int) bool {
	return true
}

func dumpJump(denv *DumpEnv, addr *int) bool {
	start := *addr
	offset, ok := denv.Renv.Block.ReadOffset(addr)
	if !ok {
		return false
	}
	denv.Printf(" -> %08x", start+int(offset))
	return true
}

func dumpSourceLine(denv *DumpEnv, addr *int) bool {
	line, ok := denv.Renv.Block.ReadInteger(addr)
	if !ok {
		return false
	}
	denv.Printf(" (line %d)", line)
	return true
}

func dumpSideEffects(denv *DumpEnv, addr *int) bool {
	effects, err := denv.Renv.SideEffectsOperand(addr)
	if err != nil {
		return false
	}
	for _, se := range effects {
		denv.Printf(" +%s", se.Def.Name)
	}
	return true
}

func dumpAction(denv *DumpEnv, addr *int) bool {
	return dumpSourceLine(denv, addr)
}

func dumpActionWithSideEffects(denv *DumpEnv, addr *int) bool {
	return dumpSourceLine(denv, addr) && dumpSideEffects(denv, addr)
}

func dumpRedirect(denv *DumpEnv, addr *int) bool {
	if !dumpActionWithSideEffects(denv, addr) {
		return false
	}
	to, err := denv.Renv.rawStringOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" %q", to)
	return true
}

func dumpExists(denv *DumpEnv, addr *int) bool {
	names, err := denv.Renv.StringListOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" %v", names)
	return true
}

func dumpMatchOperands(denv *DumpEnv, addr *int) bool {
	mt, err := denv.Renv.MatchTypeOperand(addr)
	if err != nil {
		return false
	}
	cmp, err := denv.Renv.ComparatorOperand(addr)
	if err != nil {
		return false
	}
	names, err := denv.Renv.StringListOperand(addr)
	if err != nil {
		return false
	}
	keys, err := denv.Renv.StringListOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" :%s :comparator %q %v %v", mt.Name, cmp.Name, names, keys)
	return true
}

func dumpHeaderTest(denv *DumpEnv, addr *int) bool {
	return dumpMatchOperands(denv, addr)
}

func dumpAddressTest(denv *DumpEnv, addr *int) bool {
	part, err := denv.Renv.AddressPartOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" :%s", part)
	return dumpMatchOperands(denv, addr)
}

func dumpSize(denv *DumpEnv, addr *int) bool {
	limit, err := denv.Renv.NumberOperand(addr)
	if err != nil {
		return false
	}
	denv.Printf(" %d", limit)
	return true
}
