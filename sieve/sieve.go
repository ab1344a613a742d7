// Package sieve implements a bytecode engine for the Sieve mail filtering
// language (RFC 5228).
//
// Scripts are compiled into a compact binary form with a versioned,
// block-structured on-disk format, and interpreted against a single message
// to produce a result: an ordered plan of actions (store, redirect,
// discard) plus side effects (flags, keywords) that the host mail delivery
// agent commits through a two-phase transaction.
//
// The engine never delivers mail itself; all outward effects go through the
// callbacks of the ScriptEnv. A typical delivery looks like:
//
//	sv := sieve.NewInstance(cfg)
//	bin, err := sv.Open(script, ehandler)
//	if err != nil { ... }
//	code := sv.Execute(bin, msg, env, ehandler)
package sieve

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xrg/pigeonhole/config"
	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/logger"
	"github.com/xrg/pigeonhole/pkg/metrics"
	"github.com/xrg/pigeonhole/sieve/ast"
)

// Instance ties the engine together for one host configuration.
type Instance struct {
	limits         Limits
	defaultMailbox string
}

// NewInstance creates an engine instance from the host configuration.
func NewInstance(cfg config.SieveConfig) *Instance {
	return &Instance{
		limits: Limits{
			MaxActions:   cfg.MaxActions,
			MaxRedirects: cfg.MaxRedirects,
			MaxLoopDepth: cfg.MaxLoopDepth,
		},
		defaultMailbox: cfg.DefaultMailbox,
	}
}

// Limits exposes the instance limits (used by nested interpreters).
func (sv *Instance) Limits() Limits { return sv.limits }

// Compile parses and generates a script into a fresh binary.
func (sv *Instance) Compile(script *Script, ehandler *ErrorHandler) (*Binary, error) {
	tree, err := ast.Parse(string(script.Content))
	if err != nil {
		ehandler.Error("", "parse failed: %v", err)
		metrics.CompilationsTotal.WithLabelValues("parse-error").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrScriptNotValid, err)
	}

	gen := NewGenerator(script, ehandler)
	bin, err := gen.Run(tree)
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues("generation-error").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrScriptNotValid, err)
	}

	metrics.CompilationsTotal.WithLabelValues("ok").Inc()
	logger.Debug("sieve: script compiled", "script", script.Name, "digest", script.Digest())
	return bin, nil
}

// CompileString is a convenience wrapper for in-memory sources.
func (sv *Instance) CompileString(name, src string, ehandler *ErrorHandler) (*Binary, error) {
	return sv.Compile(NewScript(name, []byte(src)), ehandler)
}

// Load opens a previously saved binary.
func (sv *Instance) Load(path string) (*Binary, error) {
	return LoadBinary(path)
}

// Save serialises a binary to disk.
func (sv *Instance) Save(bin *Binary, path string) error {
	return bin.Save(path)
}

// Open returns an executable binary for the script: the saved binary next
// to the source when it is loadable and current, otherwise a fresh
// compilation. Load failures of any kind fall back to recompilation.
func (sv *Instance) Open(script *Script, ehandler *ErrorHandler) (*Binary, error) {
	if path := script.BinaryPath(); path != "" {
		bin, err := loadBinaryScript(path, script)
		switch {
		case err == nil && bin.UpToDate():
			logger.Debug("sieve: binary up to date", "path", path)
			return bin, nil
		case err == nil:
			logger.Debug("sieve: binary not up to date", "path", path)
		case !errors.Is(err, consts.ErrBinaryOpenFailed):
			logger.Warn("sieve: failed to load binary, recompiling", "path", path, "error", err)
		}
	}
	return sv.Compile(script, ehandler)
}

// run interprets the binary into the given result.
func (sv *Instance) run(bin *Binary, result *Result, msg *MessageData,
	env *ScriptEnv, ehandler *ErrorHandler) ExecCode {

	interp, err := NewInterpreter(bin, nil, msg, env, ehandler, sv.limits)
	if err != nil {
		ehandler.Error("", "corrupt binary: %v", err)
		metrics.BinaryCorruptTotal.Inc()
		return ExecBinCorrupt
	}
	defer interp.Free()

	if env.ExecStatus != nil {
		*env.ExecStatus = ExecStatus{}
	}

	return interp.Run(result)
}

// Execute runs the binary against the message and commits the resulting
// action plan. keep-safety: when the script fails with a normal runtime
// error, the implicit keep is still attempted; a temporary failure of that
// keep is returned as ExecTempFailure, any other failure escalates to
// ExecKeepFailed.
func (sv *Instance) Execute(bin *Binary, msg *MessageData, env *ScriptEnv,
	ehandler *ErrorHandler) ExecCode {

	started := time.Now()
	result := NewResult(msg, env, ehandler, sv.limits)

	ret := sv.run(bin, result, msg, env, ehandler)
	switch ret {
	case ExecOK:
		ret = result.Execute(nil)
	case ExecFailure:
		switch result.ImplicitKeep() {
		case ExecOK:
		case ExecTempFailure:
			ret = ExecTempFailure
		default:
			ret = ExecKeepFailed
		}
	}

	metrics.RecordExecution(ret.String(), time.Since(started).Seconds())
	return ret
}

// Test runs the binary in dry-run mode: the action plan is printed to the
// stream instead of being committed. keep reports whether an implicit keep
// would happen.
func (sv *Instance) Test(bin *Binary, msg *MessageData, env *ScriptEnv,
	ehandler *ErrorHandler, w io.Writer, keep *bool) ExecCode {

	if keep != nil {
		*keep = false
	}

	result := NewResult(msg, env, ehandler, sv.limits)
	ret := sv.run(bin, result, msg, env, ehandler)
	if ret == ExecOK {
		return result.Print(w, keep)
	}
	if ret == ExecFailure && keep != nil {
		*keep = true
	}
	return ret
}

/*
 * Multiscript
 */

// Multiscript chains several scripts over one shared result: personal
// scripts after global ones, for example. Implicit keep is disabled between
// scripts and restored for the last via Finish.
type Multiscript struct {
	sv     *Instance
	result *Result
	msg    *MessageData
	env    *ScriptEnv

	status ExecCode
	active bool
	keep   bool

	testStream io.Writer
}

// MultiscriptStart begins a multiscript execution run.
func (sv *Instance) MultiscriptStart(msg *MessageData, env *ScriptEnv,
	ehandler *ErrorHandler) *Multiscript {

	result := NewResult(msg, env, ehandler, sv.limits)
	result.SetKeepAction(nil)

	return &Multiscript{
		sv:     sv,
		result: result,
		msg:    msg,
		env:    env,
		status: ExecOK,
		active: true,
		keep:   true,
	}
}

// MultiscriptStartTest begins a multiscript dry run printing to w.
func (sv *Instance) MultiscriptStartTest(msg *MessageData, env *ScriptEnv,
	ehandler *ErrorHandler, w io.Writer) *Multiscript {

	ms := sv.MultiscriptStart(msg, env, ehandler)
	ms.testStream = w
	return ms
}

// Run executes one script in the chain. It returns true while the chain is
// still active: the script succeeded and ended in (implicit) keep, meaning
// the next script should run.
func (ms *Multiscript) Run(bin *Binary, ehandler *ErrorHandler) bool {
	if !ms.active {
		return false
	}

	ms.status = ms.sv.run(bin, ms.result, ms.msg, ms.env, ehandler)

	if ms.status == ExecOK {
		ms.keep = false
		if ms.testStream != nil {
			ms.status = ms.result.Print(ms.testStream, &ms.keep)
			ms.result.MarkExecuted()
		} else {
			ms.status = ms.result.Execute(&ms.keep)
		}
		ms.active = ms.active && ms.keep && ms.status == ExecOK
	}

	if ms.status != ExecOK {
		return false
	}
	return ms.active
}

// Status returns the status of the most recent Run.
func (ms *Multiscript) Status() ExecCode { return ms.status }

// Finish ends the chain, re-enabling and (when still pending) performing
// the implicit keep.
func (ms *Multiscript) Finish(keep *bool) ExecCode {
	ret := ms.status
	ms.result.SetKeepAction(ActStore)

	if ms.active {
		if ms.testStream != nil {
			ms.keep = true
		} else {
			switch ms.result.ImplicitKeep() {
			case ExecOK:
				ms.keep = true
			case ExecTempFailure:
				if !ms.result.Executed() {
					ret = ExecTempFailure
					break
				}
				fallthrough
			default:
				ret = ExecKeepFailed
			}
		}
	}

	if keep != nil {
		*keep = ms.keep
	}
	ms.active = false
	return ret
}
