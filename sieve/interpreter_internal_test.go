package sieve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareInterpreter(t *testing.T, build func(blk *Block)) *Interpreter {
	t.Helper()

	bin := NewBinary(nil)
	blk := bin.ActiveBlock()
	blk.EmitInteger(0) // empty extension prologue
	build(blk)

	env := &ScriptEnv{ExecStatus: &ExecStatus{}}
	interp, err := NewInterpreter(bin, nil, nil, env, NewErrorHandler("internal"), Limits{})
	require.NoError(t, err)
	return interp
}

func TestProgramJumpWithinBlock(t *testing.T) {
	var jumpAddr int
	interp := newBareInterpreter(t, func(blk *Block) {
		jumpAddr = blk.EmitOffset(0)
		blk.EmitByte(0xee)
		blk.EmitByte(0xee)
		blk.ResolveOffset(jumpAddr)
	})

	interp.pc = jumpAddr
	assert.Equal(t, ExecOK, interp.ProgramJump(true, false))
	assert.Equal(t, interp.block.Size(), interp.pc)
}

func TestProgramJumpNotTakenOnlySkipsOffset(t *testing.T) {
	var jumpAddr int
	interp := newBareInterpreter(t, func(blk *Block) {
		jumpAddr = blk.EmitOffset(0)
		blk.EmitByte(0xee)
		blk.ResolveOffset(jumpAddr)
	})

	interp.pc = jumpAddr
	assert.Equal(t, ExecOK, interp.ProgramJump(false, false))
	assert.Equal(t, jumpAddr+4, interp.pc)
}

func TestProgramJumpPastBlockIsCorrupt(t *testing.T) {
	var jumpAddr int
	interp := newBareInterpreter(t, func(blk *Block) {
		jumpAddr = blk.EmitOffset(4096)
	})

	interp.pc = jumpAddr
	assert.Equal(t, ExecBinCorrupt, interp.ProgramJump(true, false))
}

func TestProgramJumpToZeroIsCorrupt(t *testing.T) {
	var jumpAddr int
	interp := newBareInterpreter(t, func(blk *Block) {
		jumpAddr = blk.EmitOffset(0)
	})

	// Offset zero targets the offset's own address; only strictly positive
	// targets are valid.
	interp.pc = jumpAddr
	offset := -jumpAddr
	interp.block.buf[jumpAddr] = byte(offset >> 24)
	interp.block.buf[jumpAddr+1] = byte(offset >> 16)
	interp.block.buf[jumpAddr+2] = byte(offset >> 8)
	interp.block.buf[jumpAddr+3] = byte(offset)

	assert.Equal(t, ExecBinCorrupt, interp.ProgramJump(true, false))
}

// A plain jump may not cross the innermost loop's end; only break_loops
// jumps unwind.
func TestProgramJumpCrossingLoopBoundary(t *testing.T) {
	var jumpAddr, loopEnd int
	interp := newBareInterpreter(t, func(blk *Block) {
		jumpAddr = blk.EmitOffset(0)
		blk.EmitByte(0xee)
		loopEnd = blk.Size()
		blk.EmitByte(0xee)
		blk.ResolveOffset(jumpAddr) // target beyond loopEnd
	})

	interp.pc = 1 // inside the would-be loop body
	loop, ret := interp.LoopStart(loopEnd, nil)
	require.Equal(t, ExecOK, ret)
	require.NotNil(t, loop)

	interp.pc = jumpAddr
	assert.Equal(t, ExecBinCorrupt, interp.ProgramJump(true, false))

	// The same jump with break_loops unwinds the frame and succeeds.
	interp.pc = jumpAddr
	assert.Equal(t, ExecOK, interp.ProgramJump(true, true))
	assert.Equal(t, 0, interp.LoopDepth())
	assert.Equal(t, 0, interp.loopLimit)
}

func TestLoopNextBeginMismatchIsCorrupt(t *testing.T) {
	interp := newBareInterpreter(t, func(blk *Block) {
		for i := 0; i < 8; i++ {
			blk.EmitByte(0xee)
		}
	})

	interp.pc = 2
	loop, ret := interp.LoopStart(6, nil)
	require.Equal(t, ExecOK, ret)

	assert.Equal(t, ExecBinCorrupt, interp.LoopNext(loop, 3))
	assert.Equal(t, ExecOK, interp.LoopNext(loop, 2))
	assert.Equal(t, 2, interp.pc)
}

func TestExtensionContextSlots(t *testing.T) {
	interp := newBareInterpreter(t, func(blk *Block) {})

	ext := testContextExt

	// Reading an unallocated slot yields nil.
	assert.Nil(t, interp.ExtensionContext(ext))

	interp.SetExtensionContext(ext, "state")
	assert.Equal(t, "state", interp.ExtensionContext(ext))
}

// Registered at init time: the registry seals once the first binary loads.
var testContextExt = RegisterExtension(&ExtensionDef{Name: "x-test-context"})

func TestRegistryIdempotent(t *testing.T) {
	// Registration is idempotent by name, even after the registry sealed.
	again := RegisterExtension(&ExtensionDef{Name: "x-test-context"})
	assert.Same(t, testContextExt, again)
	assert.Equal(t, testContextExt, ExtensionByName("x-test-context"))
	assert.Equal(t, testContextExt, ExtensionByID(testContextExt.ID()))
}

func TestMatchValuesCommitIsAtomic(t *testing.T) {
	interp := newBareInterpreter(t, func(blk *Block) {})
	interp.EnableMatchValues()

	mv := interp.MatchValuesStart()
	mv.Add("zero")
	mv.Add("one")
	interp.MatchValuesCommit(mv)

	v, ok := interp.MatchValue(1)
	require.True(t, ok)
	assert.Equal(t, "one", v)

	// A started but uncommitted set leaves the current one intact.
	abandoned := interp.MatchValuesStart()
	abandoned.Add("other")

	v, _ = interp.MatchValue(0)
	assert.Equal(t, "zero", v)

	// Skipped captures read back as empty strings.
	mv = interp.MatchValuesStart()
	mv.Add("a")
	mv.Skip(2)
	mv.Add("b")
	interp.MatchValuesCommit(mv)

	v, ok = interp.MatchValue(1)
	require.True(t, ok)
	assert.Equal(t, "", v)
	v, _ = interp.MatchValue(3)
	assert.Equal(t, "b", v)

	_, ok = interp.MatchValue(4)
	assert.False(t, ok)
}

func TestOperandClassMismatchIsCorrupt(t *testing.T) {
	bin := NewBinary(nil)
	blk := bin.ActiveBlock()
	EmitStringOperand(blk, "hello")

	renv := &RunEnv{Binary: bin, Block: blk}

	addr := 0
	_, err := renv.NumberOperand(&addr)
	assert.Error(t, err, "string operand read as number must fail")

	addr = 0
	s, err := renv.StringOperand(&addr)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestStringListOperandRoundTrip(t *testing.T) {
	bin := NewBinary(nil)
	blk := bin.ActiveBlock()
	items := []string{"a", "b", "longer item"}
	EmitStringListOperand(blk, items)

	renv := &RunEnv{Binary: bin, Block: blk}
	addr := 0
	got, err := renv.StringListOperand(&addr)
	require.NoError(t, err)
	assert.Equal(t, items, got)
	assert.Equal(t, blk.Size(), addr)
}

func TestMatchTypeOperandRoundTrip(t *testing.T) {
	bin := NewBinary(nil)
	EmitMatchTypeOperand(bin, MatchTypeMatches)
	EmitComparatorOperand(bin, ComparatorOctet)

	renv := &RunEnv{Binary: bin, Block: bin.ActiveBlock()}
	addr := 0
	mt, err := renv.MatchTypeOperand(&addr)
	require.NoError(t, err)
	assert.Equal(t, MatchTypeMatches, mt)

	cmp, err := renv.ComparatorOperand(&addr)
	require.NoError(t, err)
	assert.Equal(t, ComparatorOctet, cmp)
}
