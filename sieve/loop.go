package sieve

// Loop is one frame on the interpreter's loop stack. While the frame is
// live the program counter stays within [begin, end]; the innermost frame's
// end is the interpreter's loop limit.
type Loop struct {
	level   int
	begin   int
	end     int
	ext     *Extension
	context any
}

func (l *Loop) Level() int          { return l.level }
func (l *Loop) Begin() int          { return l.begin }
func (l *Loop) End() int            { return l.end }
func (l *Loop) Context() any        { return l.context }
func (l *Loop) SetContext(ctx any)  { l.context = ctx }

// LoopStart pushes a new loop frame ending at end. The end address must lie
// within the block and nesting is capped across nested interpreters.
func (interp *Interpreter) LoopStart(end int, ext *Extension) (*Loop, ExecCode) {
	renv := &interp.runenv

	if end <= interp.pc || end > interp.block.Size() {
		renv.traceError(renv.corrupt(interp.pc, "loop end offset out of range"))
		return nil, ExecBinCorrupt
	}

	if interp.parentLoopLevel+len(interp.loopStack) >= interp.maxLoopDepth {
		// Should normally be caught at compile time.
		renv.RuntimeError("new program loop exceeds the nesting limit (<= %d levels)",
			interp.maxLoopDepth)
		return nil, ExecFailure
	}

	if renv.TraceActive(TraceCommands) {
		renv.Tracef(TraceCommands, "loop ends at %08x", end)
	}

	loop := &Loop{
		level: len(interp.loopStack),
		begin: interp.pc,
		end:   end,
		ext:   ext,
	}
	interp.loopStack = append(interp.loopStack, loop)
	interp.loopLimit = end

	return loop, ExecOK
}

// LoopGet finds the innermost live frame with the given end address and
// owning extension.
func (interp *Interpreter) LoopGet(end int, ext *Extension) *Loop {
	for i := len(interp.loopStack) - 1; i >= 0; i-- {
		loop := interp.loopStack[i]
		if loop.end == end && loop.ext == ext {
			return loop
		}
	}
	return nil
}

// LoopNext rewinds the program counter to the frame's recorded begin; a
// mismatching begin address means the code is corrupt.
func (interp *Interpreter) LoopNext(loop *Loop, begin int) ExecCode {
	renv := &interp.runenv

	if loop.begin != begin {
		renv.traceError(renv.corrupt(interp.pc, "loop begin offset invalid"))
		return ExecBinCorrupt
	}
	if renv.TraceActive(TraceCommands) {
		renv.Tracef(TraceCommands, "looping back to %08x", begin)
	}

	interp.pc = begin
	return ExecOK
}

// LoopBreak unwinds the given frame and every frame inside it, restores the
// loop limit to the remaining innermost end, and continues after the loop.
func (interp *Interpreter) LoopBreak(loop *Loop) ExecCode {
	renv := &interp.runenv

	index := -1
	for i := len(interp.loopStack) - 1; i >= 0; i-- {
		interp.loopStack[i].context = nil
		if interp.loopStack[i] == loop {
			index = i
			break
		}
	}
	if index < 0 {
		renv.traceError(renv.corrupt(interp.pc, "break for dead loop"))
		return ExecBinCorrupt
	}

	interp.loopStack = interp.loopStack[:index]
	if len(interp.loopStack) > 0 {
		interp.loopLimit = interp.loopStack[len(interp.loopStack)-1].end
	} else {
		interp.loopLimit = 0
	}

	if renv.TraceActive(TraceCommands) {
		renv.Tracef(TraceCommands, "exiting loops towards %08x", loop.end)
	}

	interp.pc = loop.end
	return ExecOK
}

// loopBreakOut transparently breaks every loop whose end lies at or before
// the target of a break_loops jump.
func (interp *Interpreter) loopBreakOut(target int) ExecCode {
	if len(interp.loopStack) == 0 {
		return ExecOK
	}

	index := len(interp.loopStack)
	for index > 0 && interp.loopStack[index-1].end <= target {
		index--
	}
	if index == len(interp.loopStack) {
		return ExecOK
	}
	return interp.LoopBreak(interp.loopStack[index])
}

// LoopLimit exposes the innermost loop end, or 0 when no frame is live.
func (interp *Interpreter) LoopLimit() int {
	return interp.loopLimit
}

// LoopDepth reports the number of live frames in this interpreter.
func (interp *Interpreter) LoopDepth() int {
	return len(interp.loopStack)
}
