package sieve

import (
	"fmt"
	"io"

	"github.com/xrg/pigeonhole/pkg/metrics"
)

// Duplicate-check verdicts returned by ActionDef.CheckDuplicate.
const (
	DuplicateDistinct = 0
	DuplicateMerge    = 1
	DuplicateConflict = -1
)

// ActionDef defines one action type: structural equality for duplicate
// detection, the two-phase transaction hooks, and dry-run printing. For
// every action reached by Start, exactly one of Commit or Rollback runs.
type ActionDef struct {
	Name string

	// TriesDeliver marks actions that count as a delivery for the
	// implicit-keep computation.
	TriesDeliver bool

	Equals         func(env *ScriptEnv, a, b *Action) bool
	CheckDuplicate func(renv *RunEnv, act, other *Action) int

	Start    func(act *Action, aenv *ActionExecEnv) (any, ExecCode)
	Execute  func(act *Action, aenv *ActionExecEnv, tr any) ExecCode
	Commit   func(act *Action, aenv *ActionExecEnv, tr any, keep *bool) ExecCode
	Rollback func(act *Action, aenv *ActionExecEnv, tr any, success bool)

	Print func(act *Action, penv *ResultPrintEnv, keep *bool)
}

// Action is one entry in the result: the definition, its per-action
// context, the line it came from, and an optional side-effect sub-list.
type Action struct {
	Def         *ActionDef
	Context     any
	SideEffects []*SideEffect
	SourceLine  int

	tr       any
	started  bool
	executed bool
}

// SideEffectDef defines a modifier attachable to actions (e.g. :flags on
// fileinto).
type SideEffectDef struct {
	Name string
	Code byte
	Ext  *Extension

	// ReadContext consumes the side effect's operand data.
	ReadContext func(renv *RunEnv, addr *int) (any, error)

	// Merge folds a duplicate's side effect into the surviving one; it
	// returns false when the two cannot be merged.
	Merge func(act *Action, a, b *SideEffect) bool

	// PreExecute runs before the owning action's execute phase.
	PreExecute func(se *SideEffect, act *Action, aenv *ActionExecEnv, tr any) error

	Print func(se *SideEffect, penv *ResultPrintEnv)
}

// SideEffect is one attached side effect instance.
type SideEffect struct {
	Def     *SideEffectDef
	Context any
}

// ActionExecEnv is the environment the two-phase hooks run in; unlike the
// RunEnv it survives the interpreter, which is freed before commit.
type ActionExecEnv struct {
	Message    *MessageData
	Env        *ScriptEnv
	Result     *Result
	ExecStatus *ExecStatus
	Ehandler   *ErrorHandler
}

func (aenv *ActionExecEnv) Log(format string, args ...any) {
	aenv.Ehandler.Log(aenv.locationPrefix(), format, args...)
}

func (aenv *ActionExecEnv) Warning(format string, args ...any) {
	aenv.Ehandler.Warning(aenv.locationPrefix(), format, args...)
}

func (aenv *ActionExecEnv) Error(format string, args ...any) {
	aenv.Ehandler.Error(aenv.locationPrefix(), format, args...)
}

func (aenv *ActionExecEnv) locationPrefix() string {
	if aenv.Message != nil && aenv.Message.ID != "" {
		return "msgid=" + aenv.Message.ID
	}
	return "msgid=unspecified"
}

// ResultPrintEnv is handed to Print hooks during a dry run.
type ResultPrintEnv struct {
	W   io.Writer
	Env *ScriptEnv
}

func (penv *ResultPrintEnv) Printf(format string, args ...any) {
	fmt.Fprintf(penv.W, " * "+format+"\n", args...)
}

// Result is the ordered plan of actions built during interpretation and
// committed afterwards. The list is appended to only while the script
// interprets, never during commit.
type Result struct {
	actions []*Action

	// keepDef, when non-nil, is the action definition used for the
	// implicit keep. Multiscript disables it between scripts.
	keepDef *ActionDef

	msg      *MessageData
	env      *ScriptEnv
	ehandler *ErrorHandler
	status   *ExecStatus

	// extContext carries per-extension message state from interpretation
	// into the commit phase (the interpreter is freed in between).
	extContext map[int]any

	executedCount int
	failedCount   int
	executedOnce  bool

	maxActions int
}

// NewResult creates an empty result for one message.
func NewResult(msg *MessageData, env *ScriptEnv, ehandler *ErrorHandler, limits Limits) *Result {
	status := env.ExecStatus
	if status == nil {
		status = &ExecStatus{}
	}
	return &Result{
		keepDef:    ActStore,
		msg:        msg,
		env:        env,
		ehandler:   ehandler,
		status:     status,
		extContext: make(map[int]any),
		maxActions: limits.maxActions(),
	}
}

// SetKeepAction overrides (or, with nil, disables) the implicit keep.
func (r *Result) SetKeepAction(def *ActionDef) {
	r.keepDef = def
}

// SetExtensionContext stores per-extension message context that outlives
// the interpreter.
func (r *Result) SetExtensionContext(ext *Extension, ctx any) {
	r.extContext[ext.ID()] = ctx
}

// ExtensionContext reads per-extension message context.
func (r *Result) ExtensionContext(ext *Extension) any {
	return r.extContext[ext.ID()]
}

// Executed reports whether any part of this result has been committed (used
// by multiscript to decide failure handling).
func (r *Result) Executed() bool { return r.executedOnce }

// MarkExecuted is used by the dry-run path, which prints instead of
// committing but must still advance the multiscript state machine.
func (r *Result) MarkExecuted() { r.executedOnce = true }

// ActionCount returns the number of accumulated actions.
func (r *Result) ActionCount() int { return len(r.actions) }

// Actions exposes the accumulated actions in insertion order.
func (r *Result) Actions() []*Action { return r.actions }

// AddAction runs duplicate detection against the existing entries and then
// appends. A duplicate merges its side effects into the surviving entry; a
// conflict is a runtime error attributed to the action's source line.
func (r *Result) AddAction(renv *RunEnv, def *ActionDef, ctx any,
	sideEffects []*SideEffect, sourceLine int) ExecCode {

	newAct := &Action{Def: def, Context: ctx, SideEffects: sideEffects, SourceLine: sourceLine}

	for _, existing := range r.actions {
		if existing.Def != def || def.CheckDuplicate == nil {
			continue
		}
		switch verdict := def.CheckDuplicate(renv, newAct, existing); {
		case verdict == DuplicateMerge:
			return r.mergeSideEffects(existing, sideEffects)
		case verdict < 0:
			renv.RuntimeError("action %s conflicts with an earlier action (line %d)",
				def.Name, sourceLine)
			return ExecFailure
		}
	}

	if len(r.actions) >= r.maxActions {
		renv.RuntimeError("number of actions exceeds policy limit (%d)", r.maxActions)
		return ExecFailure
	}
	r.actions = append(r.actions, newAct)
	return ExecOK
}

// mergeSideEffects unions the duplicate's side effects into the surviving
// action: effects of the same definition merge, new definitions append.
func (r *Result) mergeSideEffects(existing *Action, effects []*SideEffect) ExecCode {
	for _, se := range effects {
		merged := false
		for _, have := range existing.SideEffects {
			if have.Def == se.Def {
				if se.Def.Merge != nil && !se.Def.Merge(existing, have, se) {
					return ExecFailure
				}
				merged = true
				break
			}
		}
		if !merged {
			existing.SideEffects = append(existing.SideEffects, se)
		}
	}
	return ExecOK
}

func (r *Result) execEnv() *ActionExecEnv {
	return &ActionExecEnv{
		Message:    r.msg,
		Env:        r.env,
		Result:     r,
		ExecStatus: r.status,
		Ehandler:   r.ehandler,
	}
}

func worse(a, b ExecCode) ExecCode {
	// Order of decreasing severity for aggregation purposes.
	rank := func(c ExecCode) int {
		switch c {
		case ExecKeepFailed:
			return 4
		case ExecBinCorrupt:
			return 3
		case ExecTempFailure:
			return 2
		case ExecFailure:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Execute drives the two-phase protocol over the accumulated actions:
// start everything, execute everything started, then commit in insertion
// order, rolling the remainder back on the first commit failure. keep, when
// non-nil, reports whether an implicit keep is still wanted afterwards.
func (r *Result) Execute(keep *bool) ExecCode {
	aenv := r.execEnv()
	status := ExecOK
	implicitKeep := true

	// Phase 1: start
	startFailed := false
	for _, act := range r.actions {
		if act.Def.Start == nil {
			act.started = true
			continue
		}
		tr, ret := act.Def.Start(act, aenv)
		act.tr = tr
		if ret == ExecOK {
			act.started = true
		} else {
			status = worse(status, ret)
			startFailed = true
			break
		}
	}

	// Phase 2: execute
	if !startFailed {
		for _, act := range r.actions {
			if !act.started {
				continue
			}
			ret := r.executeAction(act, aenv)
			if ret != ExecOK {
				status = worse(status, ret)
				break
			}
			act.executed = true
		}
	}

	// Phase 3: commit or roll back. Every started action gets exactly one
	// terminal hook.
	success := status == ExecOK
	rollbackRest := !success
	for _, act := range r.actions {
		if !act.started {
			continue
		}
		if !rollbackRest && act.executed {
			keepOut := true
			ret := ExecOK
			if act.Def.Commit != nil {
				ret = act.Def.Commit(act, aenv, act.tr, &keepOut)
			}
			if ret == ExecOK {
				r.executedCount++
				r.executedOnce = true
				metrics.ActionsExecutedTotal.WithLabelValues(act.Def.Name).Inc()
				if !keepOut {
					implicitKeep = false
				}
			} else {
				status = worse(status, ret)
				r.failedCount++
				metrics.ActionsFailedTotal.WithLabelValues(act.Def.Name).Inc()
				rollbackRest = true
			}
		} else {
			if act.Def.Rollback != nil {
				act.Def.Rollback(act, aenv, act.tr, act.executed)
			}
			r.failedCount++
			metrics.ActionsFailedTotal.WithLabelValues(act.Def.Name).Inc()
		}
	}

	// Implicit keep: attempted unless a successful commit cancelled it via
	// its keep-out parameter. A run where no delivering action succeeded
	// never reaches a cancelling commit, so the fallback fires.
	if implicitKeep {
		ret := r.ImplicitKeep()
		if ret != ExecOK {
			if keep != nil {
				*keep = false
			}
			if ret == ExecTempFailure && !r.executedOnce {
				return ExecTempFailure
			}
			return ExecKeepFailed
		}
		if keep != nil {
			*keep = true
		}
	} else if keep != nil {
		*keep = false
	}

	return status
}

// ImplicitKeep performs the fallback store into the default mailbox through
// the same two-phase machinery as an explicit action.
func (r *Result) ImplicitKeep() ExecCode {
	if r.keepDef == nil {
		// Disabled (multiscript intermediate); nothing to do but it counts
		// as success.
		return ExecOK
	}

	metrics.ImplicitKeepTotal.Inc()
	aenv := r.execEnv()
	act := &Action{Def: r.keepDef}

	tr := any(nil)
	if act.Def.Start != nil {
		var ret ExecCode
		tr, ret = act.Def.Start(act, aenv)
		if ret != ExecOK {
			return ret
		}
	}
	act.started = true
	act.tr = tr

	if ret := r.executeAction(act, aenv); ret != ExecOK {
		if act.Def.Rollback != nil {
			act.Def.Rollback(act, aenv, act.tr, false)
		}
		return ret
	}
	act.executed = true

	keepOut := true
	ret := ExecOK
	if act.Def.Commit != nil {
		ret = act.Def.Commit(act, aenv, act.tr, &keepOut)
	}
	if ret == ExecOK {
		r.executedCount++
		r.executedOnce = true
		metrics.ActionsExecutedTotal.WithLabelValues("implicit-keep").Inc()
	}
	return ret
}

func (r *Result) executeAction(act *Action, aenv *ActionExecEnv) ExecCode {
	for _, se := range act.SideEffects {
		if se.Def.PreExecute != nil {
			if err := se.Def.PreExecute(se, act, aenv, act.tr); err != nil {
				aenv.Error("side effect %s failed: %v", se.Def.Name, err)
				return ExecFailure
			}
		}
	}
	if act.Def.Execute == nil {
		return ExecOK
	}
	return act.Def.Execute(act, aenv, act.tr)
}

// Print writes the action plan to w instead of committing; keep reports
// whether an implicit keep would happen.
func (r *Result) Print(w io.Writer, keep *bool) ExecCode {
	penv := &ResultPrintEnv{W: w, Env: r.env}

	fmt.Fprintf(w, "\nPerformed actions:\n\n")
	if len(r.actions) == 0 {
		fmt.Fprintf(w, " (none)\n")
	}

	implicitKeep := true
	for _, act := range r.actions {
		actKeep := true
		if act.Def.Print != nil {
			act.Def.Print(act, penv, &actKeep)
		} else {
			penv.Printf("%s", act.Def.Name)
		}
		for _, se := range act.SideEffects {
			if se.Def.Print != nil {
				se.Def.Print(se, penv)
			}
		}
		if !actKeep {
			implicitKeep = false
		}
	}

	fmt.Fprintf(w, "\nImplicit keep:\n\n")
	if implicitKeep && r.keepDef != nil {
		fmt.Fprintf(w, " * store message in folder: %s\n", r.env.defaultMailbox())
	} else {
		fmt.Fprintf(w, " (none)\n")
	}

	if keep != nil {
		*keep = implicitKeep
	}
	return ExecOK
}
