package sieve

import (
	"fmt"

	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/pkg/metrics"
)

// RunEnv aggregates everything an operation handler may touch. One instance
// lives inside each interpreter; handlers receive it by pointer.
type RunEnv struct {
	Interp *Interpreter
	Binary *Binary
	Block  *Block

	Message    *MessageData
	Env        *ScriptEnv
	Result     *Result
	ExecStatus *ExecStatus
	Ehandler   *ErrorHandler
	Trace      *Trace

	// Oprtn is the operation currently executing.
	Oprtn Operation

	// substitute, when set by the variables extension, expands variable and
	// match-value references in string operands.
	substitute func(string) (string, error)
}

// SetStringSubstituter installs the string-operand expansion hook.
func (renv *RunEnv) SetStringSubstituter(fn func(string) (string, error)) {
	renv.substitute = fn
}

// RuntimeError reports a script runtime error through the error handler.
func (renv *RunEnv) RuntimeError(format string, args ...any) {
	renv.Ehandler.Error(renv.location(), format, args...)
}

// RuntimeWarning reports a script runtime warning.
func (renv *RunEnv) RuntimeWarning(format string, args ...any) {
	renv.Ehandler.Warning(renv.location(), format, args...)
}

// RuntimeLog reports informational script activity.
func (renv *RunEnv) RuntimeLog(format string, args ...any) {
	renv.Ehandler.Log(renv.location(), format, args...)
}

func (renv *RunEnv) location() string {
	if renv.Oprtn.Def != nil {
		return renv.Oprtn.Def.Mnemonic
	}
	return ""
}

// interpreterExtReg tracks one extension's interpreter-scoped registration.
type interpreterExtReg struct {
	ext   *Extension
	hooks *InterpreterExtension
	ctx   any
}

// Interpreter executes one program block: a single goroutine walks the
// bytecode operation by operation, with no native concurrency inside a
// script. It may be interrupted cooperatively between operations.
type Interpreter struct {
	parent *Interpreter

	binary *Binary
	block  *Block

	pc          int
	testResult  bool
	interrupted bool

	loopStack       []*Loop
	loopLimit       int
	parentLoopLevel int
	maxLoopDepth    int

	// extCtx holds per-extension context slots indexed by global extension
	// id; the slice is grown on demand and unallocated slots read as nil.
	extCtx  []any
	extRegs []interpreterExtReg

	matchValues        []string
	matchValuesEnabled bool

	resetVector int

	limits Limits
	runenv RunEnv
}

// NewInterpreter prepares an interpreter for the binary's main program
// block. The prologue (linked-extension list) is consumed here; a failure
// to resolve it means the binary is corrupt.
func NewInterpreter(bin *Binary, parent *Interpreter, msg *MessageData,
	env *ScriptEnv, ehandler *ErrorHandler, limits Limits) (*Interpreter, error) {

	block := bin.Block(BlockMainProgram)
	if block == nil {
		return nil, fmt.Errorf("%w: binary has no main program block", consts.ErrBinaryCorrupt)
	}
	return newInterpreterForBlock(bin, block, parent, msg, env, ehandler, limits)
}

func newInterpreterForBlock(bin *Binary, block *Block, parent *Interpreter,
	msg *MessageData, env *ScriptEnv, ehandler *ErrorHandler, limits Limits) (*Interpreter, error) {

	interp := &Interpreter{
		parent:       parent,
		binary:       bin,
		block:        block,
		limits:       limits,
		maxLoopDepth: limits.maxLoopDepth(),
	}

	// A nested interpreter inherits the parent's loop level so that the
	// nesting limit applies across the chain.
	if parent != nil {
		interp.parentLoopLevel = parent.parentLoopLevel + len(parent.loopStack)
	}

	execStatus := env.ExecStatus
	if execStatus == nil {
		execStatus = &ExecStatus{}
	}

	interp.runenv = RunEnv{
		Interp:     interp,
		Binary:     bin,
		Block:      block,
		Message:    msg,
		Env:        env,
		ExecStatus: execStatus,
		Ehandler:   ehandler,
		Trace:      newTrace(env.TraceStream, env.TraceConfig),
	}

	addr := &interp.pc

	// Pre-load core language features implemented as extensions.
	for _, ext := range PreloadedExtensions() {
		if ext.def.InterpreterLoad != nil {
			if err := ext.def.InterpreterLoad(&interp.runenv, addr); err != nil {
				return nil, err
			}
		}
	}

	// Program prologue: the list of required extensions, by local index.
	count, ok := block.ReadInteger(addr)
	if !ok {
		return nil, interp.runenv.corrupt(interp.pc, "missing extension count")
	}
	for i := uint64(0); i < count; i++ {
		index, ok := block.ReadInteger(addr)
		if !ok {
			return nil, interp.runenv.corrupt(interp.pc, "missing extension index")
		}
		ext := bin.ExtensionByIndex(int(index))
		if ext == nil {
			return nil, interp.runenv.corrupt(interp.pc, "prologue references unlinked extension %d", index)
		}
		if ext.def.InterpreterLoad != nil {
			if err := ext.def.InterpreterLoad(&interp.runenv, addr); err != nil {
				return nil, err
			}
		}
	}

	interp.resetVector = interp.pc
	return interp, nil
}

// RunEnv exposes the interpreter's runtime environment.
func (interp *Interpreter) RunEnv() *RunEnv {
	return &interp.runenv
}

func (interp *Interpreter) Binary() *Binary { return interp.binary }

// Reset rewinds the program counter to the reset vector.
func (interp *Interpreter) Reset() {
	interp.pc = interp.resetVector
	interp.interrupted = false
	interp.testResult = false
	interp.runenv.Result = nil
}

// Interrupt requests a cooperative yield; the interpreter returns control
// at the next operation boundary.
func (interp *Interpreter) Interrupt() {
	interp.interrupted = true
}

// ProgramCounter returns the current program counter.
func (interp *Interpreter) ProgramCounter() int {
	return interp.pc
}

// SetTestResult stores the outcome of a test for a following conditional
// jump.
func (interp *Interpreter) SetTestResult(result bool) {
	interp.testResult = result
}

// TestResult reads the test-result register.
func (interp *Interpreter) TestResult() bool {
	return interp.testResult
}

/*
 * Extension contexts
 */

// RegisterExtensionContext installs interpreter-scoped state and lifecycle
// hooks for an extension.
func (interp *Interpreter) RegisterExtensionContext(ext *Extension,
	hooks *InterpreterExtension, ctx any) {

	interp.SetExtensionContext(ext, ctx)
	interp.extRegs = append(interp.extRegs, interpreterExtReg{ext: ext, hooks: hooks, ctx: ctx})
}

// SetExtensionContext stores context in the slot for ext's global id.
func (interp *Interpreter) SetExtensionContext(ext *Extension, ctx any) {
	for len(interp.extCtx) <= ext.ID() {
		interp.extCtx = append(interp.extCtx, nil)
	}
	interp.extCtx[ext.ID()] = ctx
}

// ExtensionContext reads the slot for ext's global id; an unallocated slot
// reads as nil.
func (interp *Interpreter) ExtensionContext(ext *Extension) any {
	if ext.ID() >= len(interp.extCtx) {
		return nil
	}
	return interp.extCtx[ext.ID()]
}

/*
 * Program flow
 */

// ProgramJump consumes a 4-byte signed offset relative to the offset's own
// address and, if jump is set, moves the program counter there. Unless
// breakLoops is set the target must stay inside the innermost loop.
func (interp *Interpreter) ProgramJump(jump, breakLoops bool) ExecCode {
	renv := &interp.runenv
	jmpStart := interp.pc

	offset, ok := interp.block.ReadOffset(&interp.pc)
	if !ok {
		renv.traceError(renv.corrupt(jmpStart, "invalid jump offset"))
		return ExecBinCorrupt
	}

	loopLimit := interp.loopLimit
	if breakLoops {
		loopLimit = 0
	}

	target := jmpStart + int(offset)
	if target > 0 && target <= interp.block.Size() &&
		(loopLimit == 0 || target < loopLimit) {
		if jump {
			if renv.TraceActive(TraceCommands) {
				renv.Tracef(TraceCommands, "jumping to %08x", target)
			}
			if breakLoops {
				if ret := interp.loopBreakOut(target); ret != ExecOK {
					return ret
				}
			}
			interp.pc = target
		} else if renv.TraceActive(TraceCommands) {
			renv.Tracef(TraceCommands, "not jumping")
		}
		return ExecOK
	}

	if interp.loopLimit != 0 {
		renv.traceError(renv.corrupt(jmpStart, "jump offset crosses loop boundary"))
	} else {
		renv.traceError(renv.corrupt(jmpStart, "jump offset out of range"))
	}
	return ExecBinCorrupt
}

/*
 * Execution
 */

func (interp *Interpreter) executeOperation() ExecCode {
	renv := &interp.runenv

	opAddress := interp.pc
	def, err := renv.readOperation(&interp.pc)
	if err != nil {
		renv.traceError(err)
		renv.RuntimeError("encountered invalid operation: %v", err)
		return ExecBinCorrupt
	}

	renv.Oprtn = Operation{Def: def, Address: opAddress}

	if def.Execute == nil {
		renv.Tracef(TraceCommands, "OP: %s (NOOP)", def.Mnemonic)
		return ExecOK
	}
	return def.Execute(renv, &interp.pc)
}

// Continue resumes execution until the program ends, fails, or is
// interrupted. interrupted, when non-nil, reports whether the run stopped
// because of an interrupt.
func (interp *Interpreter) Continue(interrupted *bool) ExecCode {
	ret := ExecOK
	interp.interrupted = false

	if interrupted != nil {
		*interrupted = false
	}

	for ret == ExecOK && !interp.interrupted && interp.pc < interp.block.Size() {
		if interp.loopLimit != 0 && interp.pc > interp.loopLimit {
			interp.runenv.traceError(
				interp.runenv.corrupt(interp.pc, "program crossed loop boundary"))
			ret = ExecBinCorrupt
			break
		}
		ret = interp.executeOperation()
	}

	if ret == ExecBinCorrupt {
		metrics.BinaryCorruptTotal.Inc()
	}
	if interrupted != nil {
		*interrupted = interp.interrupted
	}
	return ret
}

// Start attaches the result, signals registered extensions that the run
// begins, and enters the main loop.
func (interp *Interpreter) Start(result *Result, interrupted *bool) ExecCode {
	interp.runenv.Result = result

	for _, reg := range interp.extRegs {
		if reg.hooks != nil && reg.hooks.Run != nil {
			if err := reg.hooks.Run(&interp.runenv, reg.ctx); err != nil {
				interp.runenv.RuntimeError("extension %s failed to start: %v", reg.ext.Name(), err)
				return ExecFailure
			}
		}
	}
	return interp.Continue(interrupted)
}

// Run resets the interpreter and executes the program to completion against
// the given result.
func (interp *Interpreter) Run(result *Result) ExecCode {
	interp.Reset()

	trace := interp.runenv.Trace
	trace.begin(interp.scriptName())
	ret := interp.Start(result, nil)
	trace.end()
	return ret
}

// Free releases loop frames and notifies registered extensions that the
// interpreter is going away.
func (interp *Interpreter) Free() {
	for i := len(interp.loopStack) - 1; i >= 0; i-- {
		interp.loopStack[i].context = nil
	}
	interp.loopStack = nil

	for _, reg := range interp.extRegs {
		if reg.hooks != nil && reg.hooks.Free != nil {
			reg.hooks.Free(interp, reg.ctx)
		}
	}
	interp.extRegs = nil
}

func (interp *Interpreter) scriptName() string {
	if interp.binary.script != nil {
		return interp.binary.script.Name
	}
	return interp.binary.path
}

