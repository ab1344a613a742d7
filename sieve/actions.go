package sieve

import (
	"errors"
	"strings"
	"time"

	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/helpers"
)

/*
 * Store action
 */

// StoreContext carries the target mailbox of a store action. A nil context
// on a store action means implicit keep into the default mailbox.
type StoreContext struct {
	Mailbox string
}

type storeTransaction struct {
	ctx     *StoreContext
	mailbox Mailbox
	trans   MailboxTransaction

	flags        []string
	keywords     []string
	flagsAltered bool

	disabled  bool
	redundant bool
	openErr   error
}

// ActStore is the canonical delivering action: store the message into a
// mailbox.
var ActStore = &ActionDef{
	Name:           "store",
	TriesDeliver:   true,
	Equals:         actStoreEquals,
	CheckDuplicate: actStoreCheckDuplicate,
	Start:          actStoreStart,
	Execute:        actStoreExecute,
	Commit:         actStoreCommit,
	Rollback:       actStoreRollback,
	Print:          actStorePrint,
}

// AddStoreAction records a store into the given mailbox; used by keep,
// fileinto and the implicit keep.
func AddStoreAction(renv *RunEnv, sideEffects []*SideEffect, mailbox string, sourceLine int) ExecCode {
	ctx := &StoreContext{Mailbox: mailbox}
	return renv.Result.AddAction(renv, ActStore, ctx, sideEffects, sourceLine)
}

// StoreAddFlags merges flag and keyword adjustments into a store
// transaction; side effects call this during their pre-execute hook.
func StoreAddFlags(tr any, flags, keywords []string) {
	trans, ok := tr.(*storeTransaction)
	if !ok {
		return
	}
	for _, f := range flags {
		if !containsFold(trans.flags, f) {
			trans.flags = append(trans.flags, f)
		}
	}
	for _, kw := range keywords {
		if !containsFold(trans.keywords, kw) {
			trans.keywords = append(trans.keywords, kw)
		}
	}
	trans.flagsAltered = true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func storeMailboxName(env *ScriptEnv, act *Action) string {
	if ctx, ok := act.Context.(*StoreContext); ok && ctx != nil {
		return ctx.Mailbox
	}
	return env.defaultMailbox()
}

// Mailbox names compare case-sensitively except for INBOX, which is
// case-insensitive by definition.
func mailboxEqual(a, b string) bool {
	if a == b {
		return true
	}
	return strings.EqualFold(a, "INBOX") && strings.EqualFold(b, "INBOX")
}

func actStoreEquals(env *ScriptEnv, a, b *Action) bool {
	return mailboxEqual(storeMailboxName(env, a), storeMailboxName(env, b))
}

func actStoreCheckDuplicate(renv *RunEnv, act, other *Action) int {
	if actStoreEquals(renv.Env, act, other) {
		return DuplicateMerge
	}
	return DuplicateDistinct
}

func actStoreStart(act *Action, aenv *ActionExecEnv) (any, ExecCode) {
	ctx, _ := act.Context.(*StoreContext)
	if ctx == nil {
		// Result of the implicit keep.
		ctx = &StoreContext{Mailbox: aenv.Env.defaultMailbox()}
		act.Context = ctx
	}

	trans := &storeTransaction{ctx: ctx}

	// The host may leave the namespaces unset; the store is then disabled
	// and the commit only logs.
	if aenv.Env.Namespaces == nil {
		trans.disabled = true
		return trans, ExecOK
	}

	// A store into the mailbox the message already lives in updates flags
	// in place instead of copying.
	if aenv.Message != nil && aenv.Message.Mailbox != "" &&
		mailboxEqual(ctx.Mailbox, aenv.Message.Mailbox) {
		trans.redundant = true
		return trans, ExecOK
	}

	box, err := aenv.Env.Namespaces.Open(ctx.Mailbox,
		aenv.Env.MailboxAutocreate, aenv.Env.MailboxAutosubscribe)
	if err != nil {
		trans.openErr = err
		// A missing mailbox is recoverable here: the implicit keep will
		// still save the message. Anything else fails the start phase.
		if errors.Is(err, consts.ErrMailboxNotFound) {
			return trans, ExecOK
		}
		aenv.Error("failed to open mailbox '%s': %v", helpers.Sanitize(ctx.Mailbox, 128), err)
		if isTempError(err) {
			return trans, ExecTempFailure
		}
		return trans, ExecFailure
	}
	trans.mailbox = box
	return trans, ExecOK
}

func isTempError(err error) bool {
	return errors.Is(err, consts.ErrQuotaExceeded)
}

func actStoreExecute(act *Action, aenv *ActionExecEnv, tr any) ExecCode {
	trans := tr.(*storeTransaction)

	if trans.disabled {
		return ExecOK
	}

	if trans.redundant {
		// Only update flags and keywords on the original message.
		if trans.flagsAltered {
			if updater, ok := aenv.Env.Namespaces.(FlagUpdater); ok {
				if err := updater.UpdateFlags(aenv.Message, trans.flags, trans.keywords); err != nil {
					aenv.Error("failed to update flags in mailbox '%s': %v",
						helpers.Sanitize(trans.ctx.Mailbox, 128), err)
					return ExecFailure
				}
			}
		}
		return ExecOK
	}

	if trans.mailbox == nil {
		return ExecFailure
	}

	if mailboxEqual(trans.ctx.Mailbox, aenv.Env.defaultMailbox()) {
		aenv.ExecStatus.TriedDefaultSave = true
	}
	aenv.ExecStatus.LastStorage = trans.ctx.Mailbox

	mailTrans, err := trans.mailbox.Begin()
	if err != nil {
		aenv.Error("failed to start transaction on mailbox '%s': %v",
			helpers.Sanitize(trans.ctx.Mailbox, 128), err)
		return ExecTempFailure
	}
	trans.trans = mailTrans

	if err := mailTrans.Copy(aenv.Message, trans.flags, trans.keywords); err != nil {
		aenv.Error("failed to store into mailbox '%s': %v",
			helpers.Sanitize(trans.ctx.Mailbox, 128), err)
		return ExecTempFailure
	}
	return ExecOK
}

func actStoreLogStatus(trans *storeTransaction, aenv *ActionExecEnv, rolledBack, ok bool) {
	name := helpers.Sanitize(trans.ctx.Mailbox, 128)

	switch {
	case trans.disabled:
		aenv.Log("store into mailbox '%s' skipped", name)
	case trans.redundant:
		aenv.Log("left message in mailbox '%s'", name)
	case !ok:
		aenv.Error("failed to store into mailbox '%s'", name)
	case rolledBack:
		aenv.Log("store into mailbox '%s' aborted", name)
	default:
		aenv.Log("stored mail into mailbox '%s'", name)
	}
}

func actStoreCommit(act *Action, aenv *ActionExecEnv, tr any, keep *bool) ExecCode {
	trans := tr.(*storeTransaction)

	if trans.disabled {
		actStoreLogStatus(trans, aenv, false, true)
		*keep = false
		return ExecOK
	}
	if trans.redundant {
		actStoreLogStatus(trans, aenv, false, true)
		aenv.ExecStatus.KeepOriginal = true
		aenv.ExecStatus.MessageSaved = true
		*keep = false
		return ExecOK
	}
	if trans.mailbox == nil || trans.trans == nil {
		return ExecFailure
	}

	err := trans.trans.Commit()
	ok := err == nil
	if ok {
		aenv.ExecStatus.MessageSaved = true
	}
	actStoreLogStatus(trans, aenv, false, ok)

	// Cancel the implicit keep only when the message actually landed.
	*keep = !ok

	trans.mailbox.Close()
	if !ok {
		return ExecTempFailure
	}
	return ExecOK
}

func actStoreRollback(act *Action, aenv *ActionExecEnv, tr any, success bool) {
	trans := tr.(*storeTransaction)

	actStoreLogStatus(trans, aenv, true, success)
	if trans.trans != nil {
		trans.trans.Rollback()
	}
	if trans.mailbox != nil {
		trans.mailbox.Close()
	}
}

func actStorePrint(act *Action, penv *ResultPrintEnv, keep *bool) {
	penv.Printf("store message in folder: %s",
		helpers.Sanitize(storeMailboxName(penv.Env, act), 128))
	*keep = false
}

/*
 * Redirect action
 */

// RedirectContext carries the forwarding address of a redirect action.
type RedirectContext struct {
	To string
}

// ActRedirect forwards the message to another address.
var ActRedirect = &ActionDef{
	Name:           "redirect",
	TriesDeliver:   true,
	Equals:         actRedirectEquals,
	CheckDuplicate: actRedirectCheckDuplicate,
	Execute:        actRedirectExecute,
	Commit:         actRedirectCommit,
	Print:          actRedirectPrint,
}

// AddRedirectAction records a redirect, consulting the host's duplicate
// tracking first: a message already forwarded to this recipient is
// suppressed entirely.
func AddRedirectAction(renv *RunEnv, sideEffects []*SideEffect, to string, sourceLine int) ExecCode {
	env := renv.Env

	redirects := 0
	for _, act := range renv.Result.Actions() {
		if act.Def == ActRedirect {
			redirects++
		}
	}
	if redirects >= renv.Interp.limits.maxRedirects() {
		renv.RuntimeError("number of redirect actions exceeds policy limit (%d)",
			renv.Interp.limits.maxRedirects())
		return ExecFailure
	}

	if env.duplicateTrackingAvailable() && renv.Message != nil && renv.Message.ID != "" {
		id := renv.Message.DuplicateID(to)
		if env.DuplicateCheck(id, env.Username) {
			renv.RuntimeLog("discarded duplicate forward to <%s>", helpers.Sanitize(to, 128))
			return ExecOK
		}
	}

	ctx := &RedirectContext{To: to}
	return renv.Result.AddAction(renv, ActRedirect, ctx, sideEffects, sourceLine)
}

func redirectAddress(act *Action) string {
	if ctx, ok := act.Context.(*RedirectContext); ok && ctx != nil {
		return ctx.To
	}
	return ""
}

func actRedirectEquals(env *ScriptEnv, a, b *Action) bool {
	return helpers.NormalizeEmailAddress(redirectAddress(a)) ==
		helpers.NormalizeEmailAddress(redirectAddress(b))
}

func actRedirectCheckDuplicate(renv *RunEnv, act, other *Action) int {
	if actRedirectEquals(renv.Env, act, other) {
		return DuplicateMerge
	}
	return DuplicateDistinct
}

func actRedirectExecute(act *Action, aenv *ActionExecEnv, tr any) ExecCode {
	to := redirectAddress(act)

	if aenv.Env.SendRedirect == nil {
		aenv.Error("redirect to <%s> not possible in this environment",
			helpers.Sanitize(to, 128))
		return ExecFailure
	}
	if err := aenv.Env.SendRedirect(to, aenv.Message); err != nil {
		aenv.Error("failed to redirect to <%s>: %v", helpers.Sanitize(to, 128), err)
		return ExecTempFailure
	}
	return ExecOK
}

func actRedirectCommit(act *Action, aenv *ActionExecEnv, tr any, keep *bool) ExecCode {
	to := redirectAddress(act)
	aenv.Log("forwarded to <%s>", helpers.Sanitize(to, 128))

	if aenv.Env.duplicateTrackingAvailable() && aenv.Message != nil && aenv.Message.ID != "" {
		aenv.Env.DuplicateMark(aenv.Message.DuplicateID(to), aenv.Env.Username, time.Now())
	}

	*keep = false
	return ExecOK
}

func actRedirectPrint(act *Action, penv *ResultPrintEnv, keep *bool) {
	penv.Printf("redirect message to: <%s>", helpers.Sanitize(redirectAddress(act), 128))
	*keep = false
}

/*
 * Discard action
 */

// ActDiscard silently drops the message by cancelling the implicit keep.
var ActDiscard = &ActionDef{
	Name:           "discard",
	CheckDuplicate: actDiscardCheckDuplicate,
	Commit:         actDiscardCommit,
	Print:          actDiscardPrint,
}

func actDiscardCheckDuplicate(renv *RunEnv, act, other *Action) int {
	return DuplicateMerge
}

func actDiscardCommit(act *Action, aenv *ActionExecEnv, tr any, keep *bool) ExecCode {
	aenv.Log("marked message to be discarded if not explicitly delivered")
	*keep = false
	return ExecOK
}

func actDiscardPrint(act *Action, penv *ResultPrintEnv, keep *bool) {
	penv.Printf("discard")
	*keep = false
}
