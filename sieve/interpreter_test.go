package sieve_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrg/pigeonhole/sieve"
)

// A test-only extension whose operations drive the interpreter's loop API
// with synthetic bytecode.
const (
	opLoopStart = iota
	opLoopNext
	opBreakJump
	opNop
	opProbe
	opInterrupt
)

type probeState struct {
	loopDepth int
	loopLimit int
	pc        int
}

var (
	liveLoops  []*sieve.Loop
	probes     []probeState
	iterations int
)

var loopExt *sieve.Extension

func init() {
	loopExt = sieve.RegisterExtension(&sieve.ExtensionDef{
		Name: "x-test-loops",
		Operations: []*sieve.OperationDef{
			{Mnemonic: "XLOOPSTART", Code: opLoopStart, Execute: execLoopStart},
			{Mnemonic: "XLOOPNEXT", Code: opLoopNext, Execute: execLoopNext},
			{Mnemonic: "XBREAKJMP", Code: opBreakJump, Execute: execBreakJump},
			{Mnemonic: "XNOP", Code: opNop, Execute: execNop},
			{Mnemonic: "XPROBE", Code: opProbe, Execute: execProbe},
			{Mnemonic: "XINTR", Code: opInterrupt, Execute: execInterrupt},
		},
	})

	for _, op := range loopExt.Def().Operations {
		op.Ext = loopExt
	}
}

func execLoopStart(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	start := *addr
	offset, ok := renv.Block.ReadOffset(addr)
	if !ok {
		return sieve.ExecBinCorrupt
	}
	loop, ret := renv.Interp.LoopStart(start+int(offset), loopExt)
	if ret != sieve.ExecOK {
		return ret
	}
	loop.SetContext(0)
	liveLoops = append(liveLoops, loop)
	return sieve.ExecOK
}

func execLoopNext(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	start := *addr
	offset, ok := renv.Block.ReadOffset(addr)
	if !ok {
		return sieve.ExecBinCorrupt
	}
	begin := start + int(offset)

	loop := liveLoops[len(liveLoops)-1]
	count := loop.Context().(int) + 1
	loop.SetContext(count)
	iterations = count

	if count < 3 {
		return renv.Interp.LoopNext(loop, begin)
	}
	liveLoops = liveLoops[:len(liveLoops)-1]
	return renv.Interp.LoopBreak(loop)
}

func execBreakJump(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	return renv.Interp.ProgramJump(true, true)
}

func execNop(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	return sieve.ExecOK
}

func execProbe(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	probes = append(probes, probeState{
		loopDepth: renv.Interp.LoopDepth(),
		loopLimit: renv.Interp.LoopLimit(),
		pc:        renv.Oprtn.Address,
	})
	return sieve.ExecOK
}

func execInterrupt(renv *sieve.RunEnv, addr *int) sieve.ExecCode {
	renv.Interp.Interrupt()
	return sieve.ExecOK
}

func resetLoopState() {
	liveLoops = nil
	probes = nil
	iterations = 0
}

// newLoopBinary starts a synthetic program block: the prologue lists the
// test extension so its opcodes resolve.
func newLoopBinary() *sieve.Binary {
	bin := sieve.NewBinary(nil)
	bin.LinkExtension(loopExt)
	blk := bin.ActiveBlock()
	blk.EmitInteger(1)
	blk.EmitInteger(0)
	return bin
}

func emitLoopOp(bin *sieve.Binary, code int) {
	sieve.EmitExtOperation(bin, loopExt.Def().Operations[code])
}

func runSynthetic(t *testing.T, bin *sieve.Binary) sieve.ExecCode {
	t.Helper()
	env := &sieve.ScriptEnv{ExecStatus: &sieve.ExecStatus{}}
	eh := sieve.NewErrorHandler("synthetic")
	msg := parseMessage(t, sampleMessage)

	interp, err := sieve.NewInterpreter(bin, nil, msg, env, eh, sieve.Limits{})
	require.NoError(t, err)
	defer interp.Free()

	result := sieve.NewResult(msg, env, eh, sieve.Limits{})
	return interp.Run(result)
}

// A loop body runs until its next-operation breaks it; frames unwind
// cleanly and the loop limit falls back to zero.
func TestLoopIteration(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	blk := bin.ActiveBlock()

	emitLoopOp(bin, opLoopStart)
	endPatch := blk.EmitOffset(0)
	bodyStart := blk.Size()

	emitLoopOp(bin, opNop)
	emitLoopOp(bin, opLoopNext)
	blk.EmitOffset(int32(bodyStart - blk.Size()))

	blk.ResolveOffset(endPatch)
	emitLoopOp(bin, opProbe)

	assert.Equal(t, sieve.ExecOK, runSynthetic(t, bin))
	assert.Equal(t, 3, iterations)

	require.Len(t, probes, 1)
	assert.Equal(t, 0, probes[0].loopDepth)
	assert.Equal(t, 0, probes[0].loopLimit)
}

// S5: a jump with break_loops crossing two loop frames unwinds both; the
// program counter lands at the outer end with no loop limit left.
func TestBreakLoopsJumpUnwindsFrames(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	blk := bin.ActiveBlock()

	emitLoopOp(bin, opLoopStart) // outer
	outerEndPatch := blk.EmitOffset(0)

	emitLoopOp(bin, opLoopStart) // inner
	innerEndPatch := blk.EmitOffset(0)

	emitLoopOp(bin, opBreakJump)
	targetPatch := blk.EmitOffset(0)

	emitLoopOp(bin, opNop)
	blk.ResolveOffset(innerEndPatch)

	emitLoopOp(bin, opNop)
	blk.ResolveOffset(outerEndPatch)
	blk.ResolveOffset(targetPatch) // jump target == outer end

	outerEnd := blk.Size()
	emitLoopOp(bin, opProbe)

	assert.Equal(t, sieve.ExecOK, runSynthetic(t, bin))

	require.Len(t, probes, 1)
	assert.Equal(t, 0, probes[0].loopDepth, "both frames unwound")
	assert.Equal(t, 0, probes[0].loopLimit)
	assert.Equal(t, outerEnd, probes[0].pc, "pc equals the outer loop end")
	assert.Len(t, liveLoops, 2, "frames were broken by the jump, not popped by loop-next")
}

// Jump safety: a jump outside the block is binary corruption.
func TestJumpOutOfRange(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	blk := bin.ActiveBlock()

	emitLoopOp(bin, opBreakJump)
	blk.EmitOffset(1 << 20)

	assert.Equal(t, sieve.ExecBinCorrupt, runSynthetic(t, bin))
}

func TestJumpBackwardBeforeBlockStart(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	blk := bin.ActiveBlock()

	emitLoopOp(bin, opBreakJump)
	blk.EmitOffset(-1 << 20)

	assert.Equal(t, sieve.ExecBinCorrupt, runSynthetic(t, bin))
}

// Loop safety: an end offset beyond the block fails before the frame is
// pushed.
func TestLoopEndOutOfRange(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	blk := bin.ActiveBlock()

	emitLoopOp(bin, opLoopStart)
	blk.EmitOffset(1 << 20)

	assert.Equal(t, sieve.ExecBinCorrupt, runSynthetic(t, bin))
}

// Nesting past the configured limit is a runtime error, not corruption.
func TestLoopNestingLimit(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	blk := bin.ActiveBlock()

	depth := 12 // beyond the default limit of 8
	var patches []int
	for i := 0; i < depth; i++ {
		emitLoopOp(bin, opLoopStart)
		patches = append(patches, blk.EmitOffset(0))
	}
	emitLoopOp(bin, opNop)
	for i := len(patches) - 1; i >= 0; i-- {
		blk.ResolveOffset(patches[i])
	}

	assert.Equal(t, sieve.ExecFailure, runSynthetic(t, bin))
}

// An unknown opcode aborts with binary corruption.
func TestInvalidOpcode(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	bin.ActiveBlock().EmitByte(0x3f) // unused core opcode

	assert.Equal(t, sieve.ExecBinCorrupt, runSynthetic(t, bin))
}

// A cooperative interrupt yields control at the next operation boundary;
// Continue resumes where the run left off.
func TestInterruptAndContinue(t *testing.T) {
	resetLoopState()

	bin := newLoopBinary()
	emitLoopOp(bin, opProbe)
	emitLoopOp(bin, opInterrupt)
	emitLoopOp(bin, opProbe)

	env := &sieve.ScriptEnv{ExecStatus: &sieve.ExecStatus{}}
	eh := sieve.NewErrorHandler("synthetic")
	msg := parseMessage(t, sampleMessage)

	interp, err := sieve.NewInterpreter(bin, nil, msg, env, eh, sieve.Limits{})
	require.NoError(t, err)
	defer interp.Free()

	result := sieve.NewResult(msg, env, eh, sieve.Limits{})
	interp.Reset()

	var interrupted bool
	ret := interp.Start(result, &interrupted)
	require.Equal(t, sieve.ExecOK, ret)
	assert.True(t, interrupted)
	assert.Len(t, probes, 1, "second probe not reached before the interrupt")

	ret = interp.Continue(&interrupted)
	require.Equal(t, sieve.ExecOK, ret)
	assert.False(t, interrupted)
	assert.Len(t, probes, 2)
}
